// Package directory maps account identities to their mailbox stores
// and routes incoming messages to the right account(s).
package directory

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mailloft/mailloft/internal/mailbuild"
	"github.com/mailloft/mailloft/internal/metrics"
	"github.com/mailloft/mailloft/internal/store"
)

// Directory is the process-wide registry of accounts. In single-user
// mode every identity collapses into the configured account; in
// multi-user mode any identity is provisioned transparently on first
// access.
type Directory struct {
	user      string
	multiUser bool
	log       *slog.Logger

	mu       sync.Mutex
	accounts map[string]*store.Account

	listenersMu sync.RWMutex
	listeners   []func(account, mailbox string)
}

// New creates an empty directory. user is the configured identity used
// in single-user mode.
func New(user string, multiUser bool, log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{
		user:      user,
		multiUser: multiUser,
		log:       log,
		accounts:  make(map[string]*store.Account),
	}
}

// OnChange registers a callback invoked after a mailbox is mutated.
// Callbacks run synchronously on the mutating goroutine and must not
// block.
func (d *Directory) OnChange(fn func(account, mailbox string)) {
	d.listenersMu.Lock()
	d.listeners = append(d.listeners, fn)
	d.listenersMu.Unlock()
}

// NotifyChange fans a mailbox mutation out to registered listeners.
// Callers that mutate a mailbox outside Append must invoke this
// themselves.
func (d *Directory) NotifyChange(account, mailbox string) {
	d.listenersMu.RLock()
	listeners := d.listeners
	d.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(account, mailbox)
	}
}

// MultiUser reports whether the directory fans mail out per recipient.
func (d *Directory) MultiUser() bool {
	return d.multiUser
}

// User returns the configured primary identity.
func (d *Directory) User() string {
	return d.user
}

// Resolve returns the mailbox store for the identity, provisioning it
// if needed. In single-user mode the identity argument is ignored and
// the configured account is returned.
func (d *Directory) Resolve(identity string) *store.Account {
	if !d.multiUser {
		identity = d.user
	}
	identity = normalize(identity)

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolveLocked(identity)
}

func (d *Directory) resolveLocked(identity string) *store.Account {
	acc, ok := d.accounts[identity]
	if !ok {
		acc = store.NewAccount(identity)
		d.accounts[identity] = acc
		metrics.Accounts.Set(float64(len(d.accounts)))
		d.log.Info("provisioned account", "account", identity)
	}
	return acc
}

// Accounts returns the provisioned identities, sorted. In single-user
// mode the configured account is provisioned on first query so the
// result is never empty.
func (d *Directory) Accounts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.accounts) == 0 {
		d.resolveLocked(normalize(d.user))
	}

	out := make([]string, 0, len(d.accounts))
	for name := range d.accounts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Append routes raw message content into the directory. The Bcc header
// is stripped from every stored copy. Single-user mode stores exactly
// one copy under the configured account; multi-user mode stores one
// independent copy per parseable recipient address, each with its own
// UID. Unroutable addresses are skipped silently. It returns the
// number of copies delivered.
func (d *Directory) Append(raw []byte, flags store.FlagSet, folder string) int {
	if folder == "" {
		folder = "INBOX"
	}

	recipients := mailbuild.Recipients(raw)
	content := mailbuild.StripBcc(raw)

	targets := []string{normalize(d.user)}
	if d.multiUser {
		targets = dedupe(recipients)
	}

	delivered := 0
	for _, target := range targets {
		acc := d.Resolve(target)
		uid := acc.Mailbox(folder).Append(content, flags)
		metrics.MessagesStored.WithLabelValues(folder).Inc()
		d.log.Debug("stored message",
			"account", acc.Name, "mailbox", folder, "uid", uid)
		d.NotifyChange(acc.Name, folder)
		delivered++
	}
	return delivered
}

func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

func dedupe(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = normalize(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
