package smtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/mailloft/mailloft/internal/config"
	"github.com/mailloft/mailloft/internal/logging"
)

// Server wraps the go-smtp server behind the plaintext and the
// optional implicit-TLS listener.
type Server struct {
	server      *smtp.Server
	config      *config.Config
	log         *logging.Logger
	listener    net.Listener
	tlsListener net.Listener
}

// NewServer creates the SMTP endpoint
func NewServer(backend *Backend, cfg *config.Config, tlsConfig *tls.Config, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}

	server := smtp.NewServer(backend)
	server.Domain = "localhost"
	server.ReadTimeout = 60 * time.Second
	server.WriteTimeout = 60 * time.Second
	server.MaxMessageBytes = cfg.SMTP.MaxMessageSize
	server.MaxRecipients = 100
	// Plaintext auth is fine on the loopback-bound development listener.
	server.AllowInsecureAuth = true

	if tlsConfig != nil {
		server.TLSConfig = tlsConfig
	}

	return &Server{
		server: server,
		config: cfg,
		log:    log,
	}
}

// ListenAndServe starts the plaintext/STARTTLS listener
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Listen, s.config.Server.SMTPPort)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.log.Info("SMTP server listening", "addr", addr)

	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.log.Error("SMTP server stopped", "error", err)
		}
	}()

	return nil
}

// ListenAndServeTLS starts the implicit-TLS listener. Without a
// certificate pair this is a no-op.
func (s *Server) ListenAndServeTLS() error {
	if s.server.TLSConfig == nil || s.config.Server.SMTPSPort == 0 {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Server.Listen, s.config.Server.SMTPSPort)

	listener, err := tls.Listen("tcp", addr, s.server.TLSConfig)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.tlsListener = listener

	s.log.Info("SMTPS server listening", "addr", addr)

	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.log.Error("SMTPS server stopped", "error", err)
		}
	}()

	return nil
}

// Close stops all listeners
func (s *Server) Close() error {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.tlsListener != nil {
		s.tlsListener.Close()
	}
	if s.server != nil {
		s.server.Close()
	}
	return nil
}
