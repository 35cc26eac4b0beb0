// Package bus implements the network/server shell (spec.md §4.9, C11):
// the accept loop that upgrades each incoming connection, runs the
// handshake, wires the dispatcher to the resulting session, and tears
// the session down cleanly on disconnect. It loads no persisted state
// itself: the registry and table extensions read an identifier's state
// lazily, the first time a packet references it. It owns shutdown (stop
// accepting, let in-flight sessions drain for a bounded grace period).
package bus

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wirebus/wirebus/internal/dispatch"
	"github.com/wirebus/wirebus/internal/packet"
	"github.com/wirebus/wirebus/internal/session"
	"github.com/wirebus/wirebus/internal/wire"
)

// Detacher is implemented by extensions that hold per-session state
// (registry.Extension, table.Extension) needing cleanup when a session
// disconnects.
type Detacher interface {
	Detach(s *session.Session)
}

// Config bundles everything the server shell needs to accept and run
// sessions. Mapper and Dispatcher must already have every extension's
// packet types and handlers registered before Serve is called — spec.md
// requires a type to be registered before the first packet of that type
// can arrive, and the handshake itself depends on the builtin types.
type Config struct {
	Addr       string
	Auth       session.Authenticator
	Mapper     *packet.Mapper
	Dispatcher *dispatch.Dispatcher
	Detachers  []Detacher

	// ConnRate and ConnBurst bound connection *attempts* per remote
	// address, not per-session traffic — grounded on the relay's
	// RateLimiter (internal/relay/bandwidth.go), narrowed to the one
	// thing a bus server needs to protect against: upgrade-request
	// floods from a single source before a session even exists.
	ConnRate  rate.Limit
	ConnBurst int

	// GracePeriod bounds how long Shutdown waits for in-flight sessions
	// to finish their current packet and exit before it gives up and
	// returns anyway (spec.md §4.9: "awaits in-flight sessions for a
	// bounded grace period").
	GracePeriod time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnRate == 0 {
		c.ConnRate = 5
	}
	if c.ConnBurst == 0 {
		c.ConnBurst = 20
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 10 * time.Second
	}
	return c
}

// Server is the listener and accept loop. Construct with New, then call
// Serve to block until Shutdown is invoked; cancelling the ctx passed to
// Serve stops only the limiter-eviction goroutine, not the listener.
type Server struct {
	cfg Config

	httpSrv *http.Server

	lnMu sync.Mutex
	ln   net.Listener

	// sessions tracks every in-flight runSession goroutine so Shutdown
	// can wait for them to drain, the way a paired receive/send
	// goroutine set would be supervised — grounded on the teacher's
	// daemon loop, generalized from sync.WaitGroup + channel-of-errors
	// to errgroup.Group (spec.md §4.9's bounded shutdown grace period).
	sessions errgroup.Group

	limiterMu sync.Mutex
	limiters  map[string]*ipLimiter
}

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// New constructs a Server. It does not start listening; call Serve.
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:      cfg,
		limiters: make(map[string]*ipLimiter),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	s.httpSrv = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

// Serve starts the accept loop and blocks until the listener stops,
// either from an error or from Shutdown being called concurrently. It
// runs a background goroutine that evicts stale per-IP limiters, the
// same "friends and family" hygiene the relay's RateLimiter does.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.lnMu.Lock()
	s.ln = ln
	s.lnMu.Unlock()

	evictCtx, stopEvict := context.WithCancel(ctx)
	defer stopEvict()
	go s.evictStaleLimiters(evictCtx)

	slog.Info("bus: listening", "addr", ln.Addr().String())
	err = s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound listener's address. Only valid after Serve has
// started; used by tests that bind to ":0" and need the chosen port.
func (s *Server) Addr() string {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting new connections and waits up to
// cfg.GracePeriod for in-flight sessions to finish before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpSrv.Close(); err != nil {
		slog.Warn("bus: error closing listener", "err", err)
	}

	done := make(chan struct{})
	go func() {
		_ = s.sessions.Wait()
		close(done)
	}()

	graceCtx, cancel := context.WithTimeout(ctx, s.cfg.GracePeriod)
	defer cancel()
	select {
	case <-done:
		return nil
	case <-graceCtx.Done():
		slog.Warn("bus: shutdown grace period expired with sessions still in flight")
		return graceCtx.Err()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.allow(ip) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := wire.Accept(w, r)
	if err != nil {
		slog.Warn("bus: accept failed", "remote", ip, "err", err)
		return
	}

	remoteAddr := ip
	// r.Context() is cancelled as soon as handleWS returns, so the session
	// runs on a context detached from that cancellation.
	s.sessions.Go(func() error {
		s.runSession(context.WithoutCancel(r.Context()), conn, remoteAddr)
		return nil
	})
}

func (s *Server) runSession(ctx context.Context, conn *wire.Conn, remote string) {
	sess, err := session.Create(ctx, conn, s.cfg.Mapper, s.cfg.Auth, s.cfg.Dispatcher.Dispatch, s.onDisconnect)
	if err != nil {
		slog.Warn("bus: handshake failed", "remote", remote, "err", err)
		sendDisconnect(ctx, conn, s.cfg.Mapper, "handshake failed")
		_ = conn.CloseError("handshake failed")
		return
	}
	slog.Info("bus: session connected", "remote", remote, "app", sess.App().Key())

	// Every extension's packet types and handlers are registered before
	// Serve starts accepting (see cmd/busd); persisted registry and table
	// state is not preloaded but read on first reference. "ready" tells
	// the client it may now issue its registrations (spec.md §6).
	if err := sess.Send(ctx, packet.Packet{Type: packet.Ready, Value: (*struct{})(nil)}); err != nil {
		slog.Warn("bus: failed to send ready", "app", sess.App().Key(), "err", err)
		return
	}

	sess.Listen(ctx)
}

func (s *Server) onDisconnect(sess *session.Session) {
	slog.Info("bus: session disconnected", "app", sess.App().Key())
	for _, d := range s.cfg.Detachers {
		d.Detach(sess)
	}
}

func (s *Server) allow(ip string) bool {
	s.limiterMu.Lock()
	l, ok := s.limiters[ip]
	if !ok {
		l = &ipLimiter{lim: rate.NewLimiter(s.cfg.ConnRate, s.cfg.ConnBurst)}
		s.limiters[ip] = l
	}
	l.lastSeen = time.Now()
	lim := l.lim
	s.limiterMu.Unlock()
	return lim.Allow()
}

func (s *Server) evictStaleLimiters(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiterMu.Lock()
			for ip, l := range s.limiters {
				if time.Since(l.lastSeen) > 10*time.Minute {
					delete(s.limiters, ip)
				}
			}
			s.limiterMu.Unlock()
		}
	}
}

// sendDisconnect best-effort writes a "disconnect" packet carrying reason
// directly on conn, for the handshake-failure path where no Session has
// been constructed yet to call Session.Disconnect on.
func sendDisconnect(ctx context.Context, conn *wire.Conn, mapper *packet.Mapper, reason string) {
	data, err := mapper.Serialize(packet.Packet{Type: packet.Disconnect, Value: packet.DisconnectPayload{Reason: reason}})
	if err != nil {
		slog.Warn("bus: failed to encode disconnect packet", "err", err)
		return
	}
	if err := conn.Send(ctx, data); err != nil {
		slog.Warn("bus: failed to send disconnect packet", "err", err)
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
