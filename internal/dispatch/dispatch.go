// Package dispatch implements the packet dispatcher (spec.md §4.2, C6):
// the process-wide registry of packet-type handlers and the function that
// routes one inbound packet to all of them in registration order.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wirebus/wirebus/internal/busserr"
	"github.com/wirebus/wirebus/internal/packet"
	"github.com/wirebus/wirebus/internal/session"
)

// Handler processes one packet of a type it was registered for. Returning
// a busserr.KindPermission error disconnects the session that sent the
// packet; any other error is logged and the dispatcher moves on to the
// next handler (spec.md §4.2: "a handler error other than permission
// denial is logged and does not stop the remaining handlers").
type Handler func(ctx context.Context, s *session.Session, p packet.Packet) error

// Dispatcher holds the type-name to handler-list registry. Registration
// is expected to happen during startup, before any session is accepted;
// Dispatch takes only a read lock so concurrent dispatch across many
// sessions scales.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[string][]Handler)}
}

// On registers a handler for typeName, appended after any handler already
// registered for that type. Order is preserved: the first registrant sees
// every packet of that type before the second.
func (d *Dispatcher) On(typeName string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[typeName] = append(d.handlers[typeName], h)
}

// Dispatch is the session.PacketHandler this package provides: it looks
// up handlers by the packet's wire type name and invokes them in order.
func (d *Dispatcher) Dispatch(ctx context.Context, s *session.Session, p packet.Packet) {
	d.mu.RLock()
	hs := d.handlers[p.Type.Name()]
	d.mu.RUnlock()

	for _, h := range hs {
		if err := h(ctx, s, p); err != nil {
			if busserr.Is(err, busserr.KindPermission) {
				slog.Warn("dispatch: permission denied, disconnecting session",
					"app", s.App().Key(), "type", p.Type.Name(), "err", err)
				s.Disconnect(ctx, err.Error())
				return
			}
			slog.Error("dispatch: handler error", "app", s.App().Key(), "type", p.Type.Name(), "err", err)
		}
	}
}
