// Package transport implements spec.md §6's external interface: a
// TLS-secured WebSocket listener gated by a same-origin allow-list. Device
// enumeration, message parsing, and the capture lifecycle itself live in
// internal/device and internal/session; this package's only job is
// accepting connections and deciding whether their Origin header is
// trusted, grounded on the teacher's plain net/http entrypoints
// generalized to WebSocket upgrades via gorilla/websocket (no example repo
// in the pack implements a message-based network service — an ecosystem
// addition documented in DESIGN.md).
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/soundlab/captureagent/internal/logging"
	"github.com/soundlab/captureagent/internal/session"
)

const shutdownTimeout = 5 * time.Second

// Config configures the listener.
type Config struct {
	ListenAddr     string
	TrustedOrigins []string
	CertFile       string
	KeyFile        string
}

// Server owns the TLS+WebSocket listener. Every accepted connection gets
// its own session.Session; Deps are shared across all of them.
type Server struct {
	cfg  Config
	deps session.Deps
	log  *log.Logger

	upgrader websocket.Upgrader
	srv      *http.Server
}

// New builds a Server bound to cfg.ListenAddr. It does not start listening
// until Serve is called.
func New(cfg Config, deps session.Deps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  logging.For("transport"),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.originAllowed,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.srv = &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	return s
}

// originAllowed implements spec.md §6's allow-list: an absent Origin
// header is a permitted local direct connection; a present one must match
// one of the configured trusted origins.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.TrustedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close()

	// Upgrade already enforced originAllowed via CheckOrigin; a connection
	// only reaches here when the origin was permitted.
	sess := session.New(conn, true, s.deps)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := sess.Run(ctx); err != nil {
		s.log.Error("session ended with error", "err", err, "remote", r.RemoteAddr)
	}
}

// Serve blocks until ctx is cancelled or the listener fails. It always
// serves TLS, per spec.md §6 ("TLS-secured bidirectional message
// channel"); certificate provisioning itself is out of scope (spec.md §1).
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("transport: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("transport: serve: %w", err)
		}
		return nil
	}
}
