// Package respond implements the auto-responder: a pluggable policy
// that may generate reply traffic for every delivered message.
package respond

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"github.com/mailloft/mailloft/internal/directory"
	"github.com/mailloft/mailloft/internal/metrics"
	"github.com/mailloft/mailloft/internal/store"
)

// Reply is a generated message paired with the flags to apply when it
// is stored. It is transient; once routed it is discarded.
type Reply struct {
	Raw   []byte
	Flags store.FlagSet
}

// Policy produces zero or more replies for a delivered message. The
// defaults argument is the flag set the service would apply to
// SMTP-arrived mail; policies may modify a copy of it per reply.
type Policy interface {
	Reply(raw []byte, defaults store.FlagSet, log *slog.Logger) []Reply
}

// builtinName restricts built-in policy lookups to plain identifiers
// so a policy reference can never traverse outside the registry.
var builtinName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var builtins = map[string]Policy{
	"reply_always": replyAlways{},
	"reply_once":   replyOnce{},
}

// Responder runs a loaded policy after successful delivery and routes
// every produced reply back through the account directory. A Responder
// without a policy is a no-op.
type Responder struct {
	dir         *directory.Directory
	policy      Policy
	flaggedSeen bool
	log         *slog.Logger
}

// New creates a responder without a policy.
func New(dir *directory.Directory, flaggedSeen bool, log *slog.Logger) *Responder {
	if log == nil {
		log = slog.Default()
	}
	return &Responder{dir: dir, flaggedSeen: flaggedSeen, log: log}
}

// Load resolves ref as a built-in policy name or as a path to an
// executable script. Failures are logged and leave the responder
// unset; the service keeps running without auto-response.
func (r *Responder) Load(ref string) {
	if ref == "" {
		return
	}

	if builtinName.MatchString(ref) {
		if p, ok := builtins[ref]; ok {
			r.policy = p
			r.log.Info("loaded auto responder", "policy", ref)
			return
		}
	}

	info, err := os.Stat(ref)
	if err != nil || info.IsDir() {
		r.log.Warn("auto responder not found, continuing without", "policy", ref)
		return
	}

	r.policy = &scriptPolicy{path: ref}
	r.log.Info("loaded auto responder script", "path", ref)
}

// Loaded reports whether a policy is active.
func (r *Responder) Loaded() bool {
	return r.policy != nil
}

// defaultFlags mirrors the flag set applied to SMTP-arrived mail.
func (r *Responder) defaultFlags() store.FlagSet {
	if r.flaggedSeen {
		return store.NewFlagSet(store.FlagSeen)
	}
	return store.NewFlagSet()
}

// Respond invokes the policy for the message and routes each
// well-formed reply into the directory. A panicking policy is
// contained here: the original message is already stored and must stay
// stored.
func (r *Responder) Respond(raw []byte) {
	if r.policy == nil {
		return
	}

	replies := r.invoke(raw)
	for _, reply := range replies {
		if len(reply.Raw) == 0 {
			continue
		}
		r.dir.Append(reply.Raw, reply.Flags, "INBOX")
		metrics.RepliesGenerated.Inc()
	}
}

func (r *Responder) invoke(raw []byte) (replies []Reply) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("auto responder panicked", "error", fmt.Sprint(rec))
			replies = nil
		}
	}()
	return r.policy.Reply(raw, r.defaultFlags(), r.log.With("component", "responder"))
}
