// Package registry implements the replicated key-value registry
// extension (spec.md §4.7, C9): one value per identifier, permissioned
// read/write, and fan-out to every session listening on that identifier
// whenever a session other than the writer wants to see the new value.
package registry

import (
	"context"
	"sync"

	"github.com/wirebus/wirebus/internal/busserr"
	"github.com/wirebus/wirebus/internal/dispatch"
	"github.com/wirebus/wirebus/internal/ident"
	"github.com/wirebus/wirebus/internal/packet"
	"github.com/wirebus/wirebus/internal/permission"
	"github.com/wirebus/wirebus/internal/session"
)

// Permissions gates the three registry operations independently. A nil
// field means that operation requires ownership of the registry's
// identifier; a non-nil field names the permission.Declared id that
// grants it to non-owners.
type Permissions struct {
	All   *ident.Id
	Read  *ident.Id
	Write *ident.Id
}

// Adapter persists one registry's value across restarts. Get returning
// ok=false means no value has ever been stored for id.
type Adapter interface {
	Get(ctx context.Context, id ident.Id) (data []byte, ok bool, err error)
	Set(ctx context.Context, id ident.Id, data []byte) error
}

// RegisterPayload declares or updates a registry's permissions. The
// caller must be a subpart of id's owner — ownership can't be delegated
// by permission grant (spec.md §4.7.1).
type RegisterPayload struct {
	Id          string      `json:"id"`
	Permissions Permissions `json:"permissions"`
}

// UpdatePayload writes a new value to an existing registry.
type UpdatePayload struct {
	Id   string `json:"id"`
	Data []byte `json:"data"`
}

// ValuePacket is both the listen-fan-out payload and the handle_get
// response: the identifier is included because a session may be
// listening on more than one registry (spec.md supplement: "get returns
// (identifier, value), not bare bytes").
type ValuePacket struct {
	Id   string `json:"id"`
	Data []byte `json:"data"`
}

var (
	typeRegister = packet.NewJSONType[RegisterPayload]("registry", "register")
	typeListen   = packet.NewJSONType[string]("registry", "listen")
	typeUpdate   = packet.NewJSONType[UpdatePayload]("registry", "update")
	typeGet      = packet.NewJSONType[string]("registry", "get")
	typeValue    = packet.NewJSONType[ValuePacket]("registry", "value")
)

// ReadPermission and WritePermission are the permission.Declared ids an
// app can be granted to read or write a registry it does not own.
var (
	ReadPermission  = ident.MustNew("permission", "registry.read")
	WritePermission = ident.MustNew("permission", "registry.write")
)

type entry struct {
	mu          sync.Mutex
	id          ident.Id
	permissions Permissions
	data        []byte
	loaded      bool
	listeners   map[*session.Session]struct{}
}

// Extension is the process-wide registry table (C9).
type Extension struct {
	adapter Adapter
	perms   *permission.Extension

	mu       sync.Mutex
	entries  map[string]*entry
}

// New wires a registry Extension onto a Mapper and Dispatcher. Call
// RegisterPackets before any session starts handshaking (packet types
// must be registered before the handshake's mapper is used) and
// RegisterHandlers once during startup.
func New(adapter Adapter, perms *permission.Extension) *Extension {
	perms.Declare(permission.Declared{
		Id:    ReadPermission,
		Level: permission.LevelLow,
		Name:  "Registry Read",
		Note:  "Permission to read a registry this app does not own",
	})
	perms.Declare(permission.Declared{
		Id:    WritePermission,
		Level: permission.LevelLow,
		Name:  "Registry Write",
		Note:  "Permission to write a registry this app does not own",
	})
	return &Extension{adapter: adapter, perms: perms, entries: make(map[string]*entry)}
}

// RegisterPackets installs this extension's packet types into m.
func RegisterPackets(m *packet.Mapper) error {
	return m.Register(typeRegister, typeListen, typeUpdate, typeGet, typeValue)
}

// RegisterHandlers wires this extension's packet handlers into d.
func (e *Extension) RegisterHandlers(d *dispatch.Dispatcher) {
	d.On(typeRegister.Name(), e.handleRegister)
	d.On(typeListen.Name(), e.handleListen)
	d.On(typeUpdate.Name(), e.handleUpdate)
	d.On(typeGet.Name(), e.handleGet)
}

// get returns the entry for id, lazily creating and loading it from the
// adapter on first reference (spec.md §4.7.2: "a registry comes into
// existence the first time anything references its identifier").
func (e *Extension) get(ctx context.Context, id ident.Id) (*entry, error) {
	e.mu.Lock()
	ent, ok := e.entries[id.Key()]
	if !ok {
		ent = &entry{id: id, listeners: make(map[*session.Session]struct{})}
		e.entries[id.Key()] = ent
	}
	e.mu.Unlock()

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if !ent.loaded {
		data, found, err := e.adapter.Get(ctx, id)
		if err != nil {
			return nil, busserr.Storage("registry load", err)
		}
		if found {
			ent.data = data
		}
		ent.loaded = true
	}
	return ent, nil
}

func checkAccess(id ident.Id, appId ident.Id, required *ident.Id, granted permission.Set) bool {
	return permission.CheckOwnerOrGranted(appId, id, required, granted)
}

func (e *Extension) handleRegister(ctx context.Context, s *session.Session, p packet.Packet) error {
	payload := p.Value.(RegisterPayload)
	id, err := ident.Parse(payload.Id)
	if err != nil {
		return busserr.Protocol("registry register: " + err.Error())
	}
	if !s.App().Id.IsSubpartOf(id) {
		return busserr.PermissionDenied("app not allowed to register registry " + id.Key())
	}
	ent, err := e.get(ctx, id)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	ent.permissions = payload.Permissions
	ent.mu.Unlock()
	return nil
}

func (e *Extension) handleListen(ctx context.Context, s *session.Session, p packet.Packet) error {
	idStr := p.Value.(string)
	id, err := ident.Parse(idStr)
	if err != nil {
		return busserr.Protocol("registry listen: " + err.Error())
	}
	ent, err := e.get(ctx, id)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	allowed := checkAccess(id, s.App().Id, firstNonNil(ent.permissions.All, ent.permissions.Read), s.Permissions())
	if allowed {
		ent.listeners[s] = struct{}{}
	}
	data := ent.data
	ent.mu.Unlock()
	if !allowed {
		return busserr.PermissionDenied("app not allowed to read registry " + id.Key())
	}
	return s.Send(ctx, packet.Packet{Type: typeValue, Value: ValuePacket{Id: id.Key(), Data: data}})
}

func (e *Extension) handleUpdate(ctx context.Context, s *session.Session, p packet.Packet) error {
	payload := p.Value.(UpdatePayload)
	id, err := ident.Parse(payload.Id)
	if err != nil {
		return busserr.Protocol("registry update: " + err.Error())
	}
	ent, err := e.get(ctx, id)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	allowed := checkAccess(id, s.App().Id, firstNonNil(ent.permissions.All, ent.permissions.Write), s.Permissions())
	if !allowed {
		ent.mu.Unlock()
		return busserr.PermissionDenied("app not allowed to write registry " + id.Key())
	}
	ent.data = payload.Data
	listeners := make([]*session.Session, 0, len(ent.listeners))
	for l := range ent.listeners {
		if l != s {
			listeners = append(listeners, l)
		}
	}
	ent.mu.Unlock()

	if err := e.adapter.Set(ctx, id, payload.Data); err != nil {
		return busserr.Storage("registry store", err)
	}

	vp := ValuePacket{Id: id.Key(), Data: payload.Data}
	for _, l := range listeners {
		_ = l.Send(ctx, packet.Packet{Type: typeValue, Value: vp})
	}
	return nil
}

func (e *Extension) handleGet(ctx context.Context, s *session.Session, p packet.Packet) error {
	idStr := p.Value.(string)
	id, err := ident.Parse(idStr)
	if err != nil {
		return busserr.Protocol("registry get: " + err.Error())
	}
	ent, err := e.get(ctx, id)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	allowed := checkAccess(id, s.App().Id, firstNonNil(ent.permissions.All, ent.permissions.Read), s.Permissions())
	data := ent.data
	ent.mu.Unlock()
	if !allowed {
		return busserr.PermissionDenied("app not allowed to read registry " + id.Key())
	}
	return s.Send(ctx, packet.Packet{Type: typeValue, Value: ValuePacket{Id: id.Key(), Data: data}})
}

// Detach removes s from every registry's listener set; called by the bus
// server shell on session disconnect.
func (e *Extension) Detach(s *session.Session) {
	e.mu.Lock()
	ents := make([]*entry, 0, len(e.entries))
	for _, ent := range e.entries {
		ents = append(ents, ent)
	}
	e.mu.Unlock()
	for _, ent := range ents {
		ent.mu.Lock()
		delete(ent.listeners, s)
		ent.mu.Unlock()
	}
}

func firstNonNil(a, b *ident.Id) *ident.Id {
	if a != nil {
		return a
	}
	return b
}
