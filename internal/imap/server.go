// Package imap exposes the account directory over IMAP4rev1 with IDLE
// support so conventional mail clients can inspect captured traffic.
package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"

	"github.com/mailloft/mailloft/internal/auth"
	"github.com/mailloft/mailloft/internal/config"
	"github.com/mailloft/mailloft/internal/directory"
	"github.com/mailloft/mailloft/internal/logging"
)

// trackerKey identifies one mailbox across all sessions.
type trackerKey struct {
	account string
	mailbox string
}

// Server wraps the go-imap v2 server
type Server struct {
	authenticator *auth.Authenticator
	dir           *directory.Directory
	imapServer    *imapserver.Server
	addr          string
	log           *logging.Logger
	listener      net.Listener

	// Mailbox trackers for IDLE notifications
	trackersMu sync.RWMutex
	trackers   map[trackerKey]*imapserver.MailboxTracker

	// Shutdown coordination
	ctx        context.Context
	cancel     context.CancelFunc
	shutdownWg sync.WaitGroup
}

// NewServer creates a new IMAP server. It registers itself with the
// directory so deliveries from any ingress wake idling clients.
func NewServer(authenticator *auth.Authenticator, dir *directory.Directory, cfg *config.Config, tlsConfig *tls.Config, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		authenticator: authenticator,
		dir:           dir,
		addr:          fmt.Sprintf("%s:%d", cfg.Server.Listen, cfg.Server.IMAPPort),
		log:           log,
		trackers:      make(map[trackerKey]*imapserver.MailboxTracker),
		ctx:           ctx,
		cancel:        cancel,
	}

	s.imapServer = imapserver.New(&imapserver.Options{
		NewSession: func(conn *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			session := NewSession(s, conn)
			return session, &imapserver.GreetingData{}, nil
		},
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
			imap.CapIdle:      {},
		},
		TLSConfig:    tlsConfig,
		InsecureAuth: true,
	})

	dir.OnChange(s.NotifyMailboxUpdate)

	return s
}

// tracker returns or creates the tracker for a mailbox, seeded with
// the current message count.
func (s *Server) tracker(account, mailbox string) *imapserver.MailboxTracker {
	key := trackerKey{account: account, mailbox: mailbox}

	s.trackersMu.RLock()
	tracker, ok := s.trackers[key]
	s.trackersMu.RUnlock()
	if ok {
		return tracker
	}

	s.trackersMu.Lock()
	defer s.trackersMu.Unlock()

	if tracker, ok = s.trackers[key]; ok {
		return tracker
	}

	stats := s.dir.Resolve(account).Mailbox(mailbox).Stats()
	tracker = imapserver.NewMailboxTracker(uint32(stats.Messages))
	s.trackers[key] = tracker
	return tracker
}

// NotifyMailboxUpdate pushes the current message count to every
// session watching the mailbox. Mailboxes nobody has selected have no
// tracker and nothing to do.
func (s *Server) NotifyMailboxUpdate(account, mailbox string) {
	s.trackersMu.RLock()
	tracker, ok := s.trackers[trackerKey{account: account, mailbox: mailbox}]
	s.trackersMu.RUnlock()
	if !ok {
		return
	}

	stats := s.dir.Resolve(account).Mailbox(mailbox).Stats()
	s.log.Debug("notifying idle clients",
		"account", account, "mailbox", mailbox, "messages", stats.Messages)
	tracker.QueueNumMessages(uint32(stats.Messages))
}

// ListenAndServe starts the IMAP server
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	s.log.Info("IMAP server listening", "addr", s.addr)

	s.shutdownWg.Add(1)
	go func() {
		defer s.shutdownWg.Done()
		if err := s.imapServer.Serve(listener); err != nil {
			select {
			case <-s.ctx.Done():
			default:
				s.log.Error("IMAP server stopped", "error", err)
			}
		}
	}()

	return nil
}

// Close stops the server gracefully
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}

	var closeErr error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			closeErr = err
		}
	}
	if s.imapServer != nil {
		if err := s.imapServer.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.log.Warn("timeout waiting for IMAP connections to finish")
	}

	s.trackersMu.Lock()
	s.trackers = make(map[trackerKey]*imapserver.MailboxTracker)
	s.trackersMu.Unlock()

	return closeErr
}
