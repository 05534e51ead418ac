// Package store implements the in-memory mailbox storage backing the
// SMTP, IMAP and web frontends. Everything lives for the lifetime of
// the process; nothing is ever written to disk.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Message is a message stored in a mailbox. The raw content is kept in
// RFC 5322 wire format; flags are mutable, everything else is not.
type Message struct {
	UID          uint32
	Raw          []byte
	InternalDate time.Time

	mu    sync.Mutex
	flags FlagSet
}

// Flags returns a snapshot of the message flags.
func (m *Message) Flags() FlagSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags.Clone()
}

// HasFlag reports whether the message carries the flag.
func (m *Message) HasFlag(f Flag) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags.Has(f)
}

func (m *Message) addFlags(flags []Flag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags.Add(flags...)
}

func (m *Message) removeFlags(flags []Flag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags.Remove(flags...)
}

func (m *Message) setFlags(flags []Flag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags = NewFlagSet(flags...)
}

// Mailbox is a named, insertion-ordered collection of messages within
// one account. UIDs are assigned strictly increasing per mailbox and
// never reused, even after a message moves away.
type Mailbox struct {
	Name        string
	UIDValidity uint32

	mu       sync.Mutex
	uidNext  uint32
	messages []*Message
}

func newMailbox(name string) *Mailbox {
	return &Mailbox{
		Name:        name,
		UIDValidity: uint32(time.Now().Unix()),
		uidNext:     1,
	}
}

// Append stores raw message content with the given flags and the
// current time as internal date. It returns the assigned UID.
func (mb *Mailbox) Append(raw []byte, flags FlagSet) uint32 {
	content := make([]byte, len(raw))
	copy(content, raw)

	mb.mu.Lock()
	defer mb.mu.Unlock()

	msg := &Message{
		UID:          mb.uidNext,
		Raw:          content,
		InternalDate: time.Now(),
		flags:        flags.Clone(),
	}
	mb.uidNext++
	mb.messages = append(mb.messages, msg)
	return msg.UID
}

// Messages returns the messages in insertion order. The slice is a
// snapshot; the messages themselves are shared.
func (mb *Mailbox) Messages() []*Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	out := make([]*Message, len(mb.messages))
	copy(out, mb.messages)
	return out
}

// Message returns the message with the given UID, or false.
func (mb *Mailbox) Message(uid uint32) (*Message, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for _, msg := range mb.messages {
		if msg.UID == uid {
			return msg, true
		}
	}
	return nil, false
}

// AddFlags unions the flags into the message's flag set. It reports
// whether the UID was found; an unknown UID mutates nothing.
func (mb *Mailbox) AddFlags(uid uint32, flags []Flag) bool {
	msg, ok := mb.Message(uid)
	if !ok {
		return false
	}
	msg.addFlags(flags)
	return true
}

// RemoveFlags subtracts the flags from the message's flag set.
func (mb *Mailbox) RemoveFlags(uid uint32, flags []Flag) bool {
	msg, ok := mb.Message(uid)
	if !ok {
		return false
	}
	msg.removeFlags(flags)
	return true
}

// SetFlags replaces the message's flag set.
func (mb *Mailbox) SetFlags(uid uint32, flags []Flag) bool {
	msg, ok := mb.Message(uid)
	if !ok {
		return false
	}
	msg.setFlags(flags)
	return true
}

// Move relocates the message to dest, preserving content and flags and
// assigning a fresh UID there. The vacated UID is never reused.
func (mb *Mailbox) Move(uid uint32, dest *Mailbox) (uint32, bool) {
	if dest == mb {
		return 0, false
	}

	mb.mu.Lock()
	idx := -1
	for i, msg := range mb.messages {
		if msg.UID == uid {
			idx = i
			break
		}
	}
	if idx < 0 {
		mb.mu.Unlock()
		return 0, false
	}
	msg := mb.messages[idx]
	mb.messages = append(mb.messages[:idx], mb.messages[idx+1:]...)
	mb.mu.Unlock()

	return dest.Append(msg.Raw, msg.Flags()), true
}

// Stats summarizes a mailbox for the IMAP session.
type Stats struct {
	Messages    int
	Unseen      int
	UIDNext     uint32
	UIDValidity uint32
}

// Stats returns the current mailbox counters.
func (mb *Mailbox) Stats() Stats {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	st := Stats{
		Messages:    len(mb.messages),
		UIDNext:     mb.uidNext,
		UIDValidity: mb.UIDValidity,
	}
	for _, msg := range mb.messages {
		if !msg.HasFlag(FlagSeen) {
			st.Unseen++
		}
	}
	return st
}

// Account is an isolated namespace of mailboxes keyed by name. INBOX
// exists from creation; other mailboxes are created on first reference.
type Account struct {
	Name string

	mu        sync.Mutex
	mailboxes map[string]*Mailbox
}

// NewAccount creates an account with a pre-populated INBOX.
func NewAccount(name string) *Account {
	return &Account{
		Name: name,
		mailboxes: map[string]*Mailbox{
			"INBOX": newMailbox("INBOX"),
		},
	}
}

// Mailbox returns the named mailbox, creating it if necessary.
// Referencing an unknown name is never an error.
func (a *Account) Mailbox(name string) *Mailbox {
	if name == "" {
		name = "INBOX"
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	mb, ok := a.mailboxes[name]
	if !ok {
		mb = newMailbox(name)
		a.mailboxes[name] = mb
	}
	return mb
}

// HasMailbox reports whether the mailbox already exists, without
// creating it.
func (a *Account) HasMailbox(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.mailboxes[name]
	return ok
}

// ListMailboxes returns all mailboxes sorted by name.
func (a *Account) ListMailboxes() []*Mailbox {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*Mailbox, 0, len(a.mailboxes))
	for _, mb := range a.mailboxes {
		out = append(out, mb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DeleteMailbox removes the named mailbox and every mailbox whose name
// has it as a prefix, in reverse-sorted order so children go before
// parents. Deleting INBOX is ignored.
func (a *Account) DeleteMailbox(name string) {
	if name == "" || name == "INBOX" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var doomed []string
	for n := range a.mailboxes {
		if strings.HasPrefix(n, name) {
			doomed = append(doomed, n)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(doomed)))
	for _, n := range doomed {
		if n == "INBOX" {
			continue
		}
		delete(a.mailboxes, n)
	}
}
