package smtp

import (
	"io"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/mailloft/mailloft/internal/auth"
	"github.com/mailloft/mailloft/internal/config"
	"github.com/mailloft/mailloft/internal/logging"
)

// Backend implements the go-smtp Backend interface
type Backend struct {
	authenticator *auth.Authenticator
	handler       *Handler
	authRequired  bool
	maxBytes      int64
	log           *logging.Logger
}

// NewBackend creates a new SMTP backend
func NewBackend(authenticator *auth.Authenticator, handler *Handler, cfg *config.Config, log *logging.Logger) *Backend {
	if log == nil {
		log = logging.Default()
	}
	return &Backend{
		authenticator: authenticator,
		handler:       handler,
		authRequired:  cfg.SMTP.AuthRequired,
		maxBytes:      cfg.SMTP.MaxMessageSize,
		log:           log,
	}
}

// NewSession is called when a new SMTP connection is established
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	var remote string
	if addr := c.Conn().RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	b.log.Debug("new connection", "remote_addr", remote)
	return &Session{backend: b, remote: remote}, nil
}

// Session implements the go-smtp Session interface
type Session struct {
	backend       *Backend
	remote        string
	authenticated bool
	from          string
	rcpts         []string
}

// AuthMechanisms advertises the supported SASL mechanisms.
func (s *Session) AuthMechanisms() []string {
	return []string{sasl.Plain, sasl.Login}
}

// Auth returns a SASL server for the requested mechanism. Both
// mechanisms verify the shared secret; the identity is irrelevant for
// delivery and only logged.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			return s.verify(username, password)
		}), nil
	case sasl.Login:
		return sasl.NewLoginServer(func(username, password string) error {
			return s.verify(username, password)
		}), nil
	}
	return nil, smtp.ErrAuthUnsupported
}

func (s *Session) verify(username, password string) error {
	if _, err := s.backend.authenticator.Verify("smtp", username, password); err != nil {
		s.backend.log.Warn("authentication failed", "remote_addr", s.remote, "username", username)
		return smtp.ErrAuthFailed
	}
	s.authenticated = true
	return nil
}

// authorized reports whether the session may submit mail. With
// smtp.auth_required disabled every session is accepted.
func (s *Session) authorized() bool {
	return s.authenticated || !s.backend.authRequired
}

// Mail is called when the MAIL FROM command is received
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if !s.authorized() {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

// Rcpt is called when the RCPT TO command is received. Every
// recipient is accepted; routing happens off the message headers.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if !s.authorized() {
		return smtp.ErrAuthRequired
	}
	s.rcpts = append(s.rcpts, to)
	return nil
}

// Data is called when the DATA command is received
func (s *Session) Data(r io.Reader) error {
	if !s.authorized() {
		return smtp.ErrAuthRequired
	}
	if len(s.rcpts) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "No recipients specified",
		}
	}

	data, err := io.ReadAll(io.LimitReader(r, s.backend.maxBytes+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > s.backend.maxBytes {
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      "Message exceeds maximum size",
		}
	}

	s.backend.log.Debug("message received",
		"remote_addr", s.remote, "from", s.from, "rcpts", len(s.rcpts), "bytes", len(data))

	s.backend.handler.Deliver(data)
	return nil
}

// Reset clears the envelope for the next transaction
func (s *Session) Reset() {
	s.from = ""
	s.rcpts = nil
}

// Logout is called when the client disconnects
func (s *Session) Logout() error {
	return nil
}
