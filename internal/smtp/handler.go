package smtp

import (
	"github.com/mailloft/mailloft/internal/directory"
	"github.com/mailloft/mailloft/internal/logging"
	"github.com/mailloft/mailloft/internal/mailbuild"
	"github.com/mailloft/mailloft/internal/metrics"
	"github.com/mailloft/mailloft/internal/respond"
	"github.com/mailloft/mailloft/internal/store"
)

// Handler routes accepted messages into the account directory and
// triggers the auto-responder. It is shared by every ingress path:
// SMTP sessions, uploads, and messages sent from the inspection UI.
type Handler struct {
	dir             *directory.Directory
	responder       *respond.Responder
	flaggedSeen     bool
	ensureMessageID bool
	log             *logging.Logger
}

// NewHandler creates a delivery handler. The responder may be nil.
func NewHandler(dir *directory.Directory, responder *respond.Responder, flaggedSeen, ensureMessageID bool, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Default()
	}
	return &Handler{
		dir:             dir,
		responder:       responder,
		flaggedSeen:     flaggedSeen,
		ensureMessageID: ensureMessageID,
		log:             log,
	}
}

// DefaultFlags returns the flag set applied to arriving mail.
func (h *Handler) DefaultFlags() store.FlagSet {
	if h.flaggedSeen {
		return store.NewFlagSet(store.FlagSeen)
	}
	return store.NewFlagSet()
}

// Deliver stores one message and runs the responder. The stored copy
// carries a Message-Id when the feature is enabled and the message
// arrived without one. Returns the number of accounts that received a
// copy.
func (h *Handler) Deliver(raw []byte) int {
	messageID := mailbuild.ReadHeader(raw).Get("Message-Id")
	if h.ensureMessageID && messageID == "" {
		raw, messageID = mailbuild.EnsureMessageID(raw)
	}

	delivered := h.dir.Append(raw, h.DefaultFlags(), "INBOX")
	metrics.MessagesReceived.Inc()
	if delivered == 0 {
		metrics.RecordSkip("no_recipients")
		h.log.Warn("message had no deliverable recipients", "message_id", messageID)
		return 0
	}

	h.log.Info("message delivered", "message_id", messageID, "accounts", delivered)

	if h.responder != nil {
		h.responder.Respond(raw)
	}
	return delivered
}
