// Package server is the top-level supervisor: it owns the TLS
// listener, the accept loop, the stale-session sweeper, and the
// shutdown sequence described in §4.8.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/afoc/tls-vpn-server/internal/auth"
	"github.com/afoc/tls-vpn-server/internal/ippool"
	"github.com/afoc/tls-vpn-server/internal/registry"
	"github.com/afoc/tls-vpn-server/internal/router"
	"github.com/afoc/tls-vpn-server/internal/session"
)

// Config carries everything the supervisor needs that isn't one of its
// collaborator objects.
type Config struct {
	ListenAddr string
	TLS        *tls.Config

	SessionConfig session.Config

	StaleSessionEvery   time.Duration
	StaleSessionMaxIdle time.Duration
	ShutdownGrace       time.Duration
}

// Server listens for TLS connections and drives one session per
// accepted connection, fed by a shared auth service, IP pool, session
// registry, and packet router.
type Server struct {
	cfg Config

	authSvc *auth.Service
	pool    *ippool.Pool
	reg     *registry.Registry
	rt      *router.Router
	log     *zap.SugaredLogger

	listener net.Listener

	mu       sync.Mutex
	shutdown bool

	wg sync.WaitGroup
}

// New wires a supervisor around its already-constructed collaborators.
// The caller owns starting the router's read loop and the TUN
// interface lifecycle; Server only drives the TLS accept loop and the
// per-session state machines.
func New(cfg Config, authSvc *auth.Service, pool *ippool.Pool, reg *registry.Registry, rt *router.Router, log *zap.SugaredLogger) *Server {
	return &Server{
		cfg:     cfg,
		authSvc: authSvc,
		pool:    pool,
		reg:     reg,
		rt:      rt,
		log:     log,
	}
}

// ListenAndServe binds the TLS listener and runs the accept loop and
// stale-session sweeper until ctx is cancelled, at which point it runs
// the shutdown sequence and returns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := tls.Listen("tcp", s.cfg.ListenAddr, s.cfg.TLS)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.log.Infow("listening", "addr", s.cfg.ListenAddr)

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go s.sweepStaleSessions(sweepCtx)

	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- s.acceptLoop(ctx)
	}()

	select {
	case <-ctx.Done():
		s.shutdownSequence()
		<-acceptErr
		return nil
	case err := <-acceptErr:
		if s.isShuttingDown() {
			return nil
		}
		return err
	}
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isShuttingDown() {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	sess := session.New(conn, s.cfg.SessionConfig, s.authSvc, s.pool, s.rt, s.reg, s.log)
	s.reg.Register(sess.ID, sess)

	s.log.Infow("connection accepted", "session_id", sess.ID, "remote", sess.RemoteAddr)
	sess.Run(ctx)
}

// sweepStaleSessions periodically removes session rows the server
// itself lost track of (e.g. after an unclean process restart), per
// §4.3's CleanupStaleSessions.
func (s *Server) sweepStaleSessions(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StaleSessionEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.authSvc.CleanupStaleSessions(ctx, s.cfg.StaleSessionMaxIdle)
			if err != nil {
				s.log.Warnw("stale session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.log.Infow("stale sessions cleaned up", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// shutdownSequence implements §4.8: stop accepting, tell every live
// session to disconnect, wait up to ShutdownGrace for them to finish
// tearing down, then stop the router.
func (s *Server) shutdownSequence() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}

	for _, sess := range s.reg.All() {
		if d, ok := sess.(interface{ Disconnect() }); ok {
			d.Disconnect()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.log.Warnw("shutdown grace period elapsed with sessions still tearing down", "remaining", s.reg.Count())
	}

	if s.rt != nil {
		s.rt.Stop()
	}

	s.log.Infow("server shut down")
}

func (s *Server) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}
