// Package session implements the per-connection session (spec.md §4.4,
// C5): the connect/token handshake, the receive loop, and the outbound
// Send API. Session does not import the dispatcher; it is handed the
// callbacks to invoke on each inbound packet and on disconnect so that
// the dispatcher can depend on session without session depending back on
// it (spec.md's note on avoiding cyclic references between process-wide
// components).
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wirebus/wirebus/internal/busserr"
	"github.com/wirebus/wirebus/internal/ident"
	"github.com/wirebus/wirebus/internal/packet"
	"github.com/wirebus/wirebus/internal/permission"
	"github.com/wirebus/wirebus/internal/wire"
)

// Authenticator is the subset of security.Authenticator a session needs,
// kept as an interface here so session never imports security directly
// (only cmd/busd's wiring needs the concrete type).
type Authenticator interface {
	AuthenticateApp(ctx context.Context, app ident.App, token *string) (permission.Set, string, error)
}

// PacketHandler is invoked once per inbound packet after handshake.
type PacketHandler func(ctx context.Context, s *Session, p packet.Packet)

// DisconnectHandler is invoked exactly once when a session's receive loop
// exits, for whatever reason.
type DisconnectHandler func(s *Session)

// Session is one authenticated client connection.
type Session struct {
	conn        *wire.Conn
	mapper      *packet.Mapper
	app         ident.App
	permissions permission.Set

	onPacket     PacketHandler
	onDisconnect DisconnectHandler

	sendMu sync.Mutex

	mu        sync.RWMutex
	closed    bool
	eventSeen map[string]time.Time
}

// Create performs the handshake (spec.md §4.4): read the client's
// "connect" packet, authenticate it, and send back a "token" packet
// before returning a ready-to-listen Session. Returns busserr.Closed if
// the peer disconnects before sending "connect", and busserr.Protocol if
// the first packet isn't "connect".
func Create(ctx context.Context, conn *wire.Conn, mapper *packet.Mapper, auth Authenticator, onPacket PacketHandler, onDisconnect DisconnectHandler) (*Session, error) {
	data, err := conn.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if data.Type != packet.Connect.Name() {
		return nil, busserr.Protocol("expected connect packet, got " + data.Type)
	}
	decoded, err := packet.Connect.Deserialize(data.Data)
	if err != nil {
		return nil, busserr.HandshakeFailed("malformed connect payload: " + err.Error())
	}
	payload := decoded.(packet.ConnectPayload)

	perms, token, err := auth.AuthenticateApp(ctx, payload.App, payload.Token)
	if err != nil {
		return nil, err
	}

	s := &Session{
		conn:         conn,
		mapper:       mapper,
		app:          payload.App,
		permissions:  perms,
		onPacket:     onPacket,
		onDisconnect: onDisconnect,
		eventSeen:    make(map[string]time.Time),
	}

	if err := s.Send(ctx, packet.Packet{Type: packet.Token, Value: token}); err != nil {
		return nil, err
	}
	return s, nil
}

// App returns the session's self-declared identity.
func (s *Session) App() ident.App { return s.app }

// Permissions returns the permission set granted at handshake time.
func (s *Session) Permissions() permission.Set { return s.permissions }

// Closed reports whether the session's receive loop has exited.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Send encodes and writes one packet. Safe for concurrent use; writes
// are serialized since a single WebSocket connection can't interleave
// frames from multiple goroutines.
func (s *Session) Send(ctx context.Context, p packet.Packet) error {
	if s.Closed() {
		return busserr.Closed("session is closed")
	}
	return s.sendRaw(ctx, p)
}

// sendRaw encodes and writes one packet without checking Closed, so that
// Disconnect can push the disconnect packet out after marking the session
// closed (which would otherwise make Send refuse the write).
func (s *Session) sendRaw(ctx context.Context, p packet.Packet) error {
	data, err := s.mapper.Serialize(p)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.conn.Send(ctx, data)
}

// Listen runs the receive loop until the connection closes or a protocol
// error occurs, then calls onDisconnect exactly once. Each inbound packet
// is decoded via mapper and handed to onPacket synchronously to preserve
// the order the dispatcher's handlers observe it in; a handler that needs
// to do expensive work should itself spawn a goroutine.
func (s *Session) Listen(ctx context.Context) {
	defer s.finish()
	for {
		data, err := s.conn.Receive(ctx)
		if err != nil {
			return
		}
		p, err := s.mapper.Deserialize(data)
		if err != nil {
			slog.Warn("session: dropping undecodable packet", "app", s.app.Key(), "type", data.Type, "err", err)
			continue
		}
		s.markSeen(data.Type)
		s.onPacket(ctx, s, p)
	}
}

func (s *Session) markSeen(typeName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventSeen[typeName] = time.Now()
}

// LastSeen returns when a packet of typeName was last received from this
// session, for diagnostics.
func (s *Session) LastSeen(typeName string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.eventSeen[typeName]
	return t, ok
}

func (s *Session) finish() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.conn.Close("session ended")
	if s.onDisconnect != nil {
		s.onDisconnect(s)
	}
}

// Disconnect closes the session from the server side, e.g. after a
// permission-denied handler error (spec.md §4.6: "a PermissionDenied
// handler error disconnects the session"). It sends a "disconnect" packet
// carrying reason before closing the connection, per spec.md §4.5/§7.
func (s *Session) Disconnect(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.sendRaw(ctx, packet.Packet{Type: packet.Disconnect, Value: packet.DisconnectPayload{Reason: reason}}); err != nil {
		slog.Warn("session: failed to send disconnect packet", "app", s.app.Key(), "err", err)
	}
	_ = s.conn.CloseError(reason)
	if s.onDisconnect != nil {
		s.onDisconnect(s)
	}
}
