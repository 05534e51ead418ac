// Package web serves the browser inspection frontend: embedded static
// assets, a websocket command channel for browsing and composing mail,
// attachment downloads and the prometheus endpoint.
package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailloft/mailloft/internal/config"
	"github.com/mailloft/mailloft/internal/directory"
	"github.com/mailloft/mailloft/internal/logging"
	"github.com/mailloft/mailloft/internal/metrics"
	"github.com/mailloft/mailloft/internal/store"
)

//go:embed static
var staticFS embed.FS

// cacheRef locates a message previously handed out in a full mail view
// so its attachments can be downloaded later.
type cacheRef struct {
	account string
	mailbox string
	uid     uint32
}

// Server is the HTTP frontend. It has no authentication; like the SMTP
// and IMAP listeners it is meant to be bound to loopback during
// development.
type Server struct {
	dir             *directory.Directory
	addr            string
	version         string
	multiUser       bool
	flaggedSeen     bool
	ensureMessageID bool
	log             *logging.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	cacheMu   sync.Mutex
	mailCache map[string]cacheRef
}

// NewServer creates the web frontend over the account directory.
func NewServer(dir *directory.Directory, cfg *config.Config, version string, log *logging.Logger) *Server {
	s := &Server{
		dir:             dir,
		addr:            fmt.Sprintf("%s:%d", cfg.Server.Listen, cfg.Server.HTTPPort),
		version:         version,
		multiUser:       cfg.Server.MultiUser,
		flaggedSeen:     cfg.SMTP.FlaggedSeen,
		ensureMessageID: cfg.SMTP.EnsureMessageID,
		log:             log,
		mailCache:       make(map[string]cacheRef),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The frontend is a local development tool.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /main.css", s.handleStatic)
	mux.HandleFunc("GET /main.js", s.handleStatic)
	mux.HandleFunc("GET /websocket", s.handleWebsocket)
	mux.HandleFunc("GET /attachment/{hash}/{name}", s.handleAttachment)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// ListenAndServe binds the HTTP listener and serves in the background.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start web listener: %w", err)
	}

	s.log.Info("web frontend listening", "address", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("web server stopped", "error", err)
		}
	}()
	return nil
}

// Close shuts the HTTP server down, waiting briefly for in-flight
// requests.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	content, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(content)
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	content, err := staticFS.ReadFile("static/" + name)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	switch {
	case strings.HasSuffix(name, ".css"):
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
	case strings.HasSuffix(name, ".js"):
		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	}
	w.Write(content)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	metrics.WebsocketConnections.Inc()
	defer metrics.WebsocketConnections.Dec()
	defer conn.Close()

	s.log.Info("connected websocket", "remote_addr", r.RemoteAddr)
	c := &client{srv: s, conn: conn, log: s.log}
	c.serve()
	s.log.Info("disconnected websocket", "remote_addr", r.RemoteAddr)
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request) {
	ref, ok := s.lookupMail(r.PathValue("hash"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	acc, ok := s.account(ref.account)
	if !ok {
		http.NotFound(w, r)
		return
	}
	msg, ok := acc.Mailbox(ref.mailbox).Message(ref.uid)
	if !ok {
		http.NotFound(w, r)
		return
	}

	name := r.PathValue("name")
	att, ok := findAttachment(msg.Raw, name)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", att.contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Write(att.body)
}

// account resolves an already provisioned account by name. Unknown
// names report false instead of provisioning, so browsing the UI never
// creates accounts.
func (s *Server) account(name string) (*store.Account, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, false
	}
	for _, existing := range s.dir.Accounts() {
		if existing == name {
			return s.dir.Resolve(existing), true
		}
	}
	return nil, false
}

func (s *Server) rememberMail(hash, account, mailbox string, uid uint32) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.mailCache[hash] = cacheRef{account: account, mailbox: mailbox, uid: uid}
}

func (s *Server) lookupMail(hash string) (cacheRef, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	ref, ok := s.mailCache[hash]
	return ref, ok
}

// defaultFlags returns the flags applied to messages entering the
// store through the web frontend.
func (s *Server) defaultFlags() store.FlagSet {
	if s.flaggedSeen {
		return store.NewFlagSet(store.FlagSeen)
	}
	return store.NewFlagSet()
}
