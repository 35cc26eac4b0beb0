// Package table implements the replicated keyed-table extension
// (spec.md §4.8, C10): per-identifier ordered key/value storage with a
// bounded insertion-order cache, add/update/remove/clear, cursor-based
// pagination, and a proxy chain that can intercept and filter item_add
// before it reaches storage.
package table

import (
	"context"
	"sync"
	"time"

	"github.com/wirebus/wirebus/internal/busserr"
	"github.com/wirebus/wirebus/internal/dispatch"
	"github.com/wirebus/wirebus/internal/ident"
	"github.com/wirebus/wirebus/internal/packet"
	"github.com/wirebus/wirebus/internal/permission"
	"github.com/wirebus/wirebus/internal/session"
)

const saveInterval = 30 * time.Second

// Permissions gates each table operation independently; a nil field
// means the operation is owner-only.
type Permissions struct {
	All    *ident.Id
	Read   *ident.Id
	Write  *ident.Id
	Remove *ident.Id
	Proxy  *ident.Id
}

// Item is one key/value pair, used wherever ordering across a page of
// results must be deterministic (map iteration order is not).
type Item struct {
	Key  string `json:"key"`
	Data []byte `json:"data"`
}

// Adapter persists one table's contents. FetchItems returns at most
// `before` items, in key order, starting after the key named by `after`
// or `cursor` (spec.md §4.8.2's cursor pagination). Count is
// adapter-authoritative: the size endpoint reports the adapter's count,
// not the cache's (spec.md explicitly calls this out, since the cache
// may be smaller than, or momentarily behind, the backing store).
type Adapter interface {
	Get(ctx context.Context, id ident.Id, key string) ([]byte, bool, error)
	GetAll(ctx context.Context, id ident.Id, keys []string) ([]Item, error)
	SetAll(ctx context.Context, id ident.Id, items []Item) error
	RemoveAll(ctx context.Context, id ident.Id, keys []string) error
	Clear(ctx context.Context, id ident.Id) error
	FetchItems(ctx context.Context, id ident.Id, before int, after, cursor string) ([]Item, error)
	Store(ctx context.Context, id ident.Id) error
	Count(ctx context.Context, id ident.Id) (int, error)
}

// tableListener is notified of table mutations, the Go analogue of
// ServerTableListener (on_add/on_update/on_remove/on_clear/on_cache_update)
// fanned out to every attached session.
type tableListener interface {
	onAdd(ctx context.Context, items []Item)
	onUpdate(ctx context.Context, items []Item)
	onRemove(ctx context.Context, items []Item)
	onClear(ctx context.Context)
	onCacheUpdate(ctx context.Context, snapshot []Item)
}

type sessionListener struct {
	id ident.Id
	s  *session.Session
}

func (l *sessionListener) onAdd(ctx context.Context, items []Item) {
	_ = l.s.Send(ctx, packet.Packet{Type: typeAdded, Value: ItemsPacket{Id: l.id.Key(), Items: items}})
}
func (l *sessionListener) onUpdate(ctx context.Context, items []Item) {
	_ = l.s.Send(ctx, packet.Packet{Type: typeUpdated, Value: ItemsPacket{Id: l.id.Key(), Items: items}})
}
func (l *sessionListener) onRemove(ctx context.Context, items []Item) {
	_ = l.s.Send(ctx, packet.Packet{Type: typeRemoved, Value: ItemsPacket{Id: l.id.Key(), Items: items}})
}
func (l *sessionListener) onClear(ctx context.Context) {
	_ = l.s.Send(ctx, packet.Packet{Type: typeCleared, Value: l.id.Key()})
}
func (l *sessionListener) onCacheUpdate(ctx context.Context, snapshot []Item) {
	_ = l.s.Send(ctx, packet.Packet{Type: typeCacheUpdate, Value: ItemsPacket{Id: l.id.Key(), Items: snapshot}})
}

type entry struct {
	mu          sync.Mutex
	id          ident.Id
	permissions Permissions
	cache       *orderedCache
	proxies     *proxyChain
	listeners   map[*session.Session]tableListener
	changed     bool
	saving      bool
}

func newEntry(id ident.Id) *entry {
	return &entry{
		id:        id,
		cache:     newOrderedCache(),
		proxies:   newProxyChain(),
		listeners: make(map[*session.Session]tableListener),
	}
}

// Extension is the process-wide table registry (C10).
type Extension struct {
	adapter Adapter
	perms   *permission.Extension

	mu      sync.Mutex
	entries map[string]*entry
}

func New(adapter Adapter, perms *permission.Extension) *Extension {
	perms.Declare(permission.Declared{Id: ReadPermission, Level: permission.LevelLow, Name: "Table Read", Note: "Permission to read a table this app does not own"})
	perms.Declare(permission.Declared{Id: WritePermission, Level: permission.LevelMedium, Name: "Table Write", Note: "Permission to add, update, or clear a table this app does not own"})
	perms.Declare(permission.Declared{Id: RemovePermission, Level: permission.LevelMedium, Name: "Table Remove", Note: "Permission to remove items from a table this app does not own"})
	perms.Declare(permission.Declared{Id: ProxyPermission, Level: permission.LevelHigh, Name: "Table Proxy", Note: "Permission to intercept and filter items added to a table this app does not own"})
	return &Extension{adapter: adapter, perms: perms, entries: make(map[string]*entry)}
}

var (
	ReadPermission   = ident.MustNew("permission", "table.read")
	WritePermission  = ident.MustNew("permission", "table.write")
	RemovePermission = ident.MustNew("permission", "table.remove")
	ProxyPermission  = ident.MustNew("permission", "table.proxy")
)

func (e *Extension) get(id ident.Id) *entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[id.Key()]
	if !ok {
		ent = newEntry(id)
		e.entries[id.Key()] = ent
	}
	return ent
}

func checkAccess(id ident.Id, appId ident.Id, required *ident.Id, granted permission.Set) bool {
	return permission.CheckOwnerOrGranted(appId, id, required, granted)
}

// --- registration & attachment ---

func (e *Extension) handleSetPermission(ctx context.Context, s *session.Session, p packet.Packet) error {
	payload := p.Value.(SetPermissionPayload)
	id, err := ident.Parse(payload.Id)
	if err != nil {
		return busserr.Protocol("table set_permission: " + err.Error())
	}
	if !s.App().Id.IsSubpartOf(id) {
		return busserr.PermissionDenied("app not allowed to set_permission on table " + id.Key())
	}
	ent := e.get(id)
	ent.mu.Lock()
	ent.permissions = payload.Permissions
	ent.mu.Unlock()
	return nil
}

func (e *Extension) handleSetConfig(ctx context.Context, s *session.Session, p packet.Packet) error {
	payload := p.Value.(SetConfigPayload)
	id, err := ident.Parse(payload.Id)
	if err != nil {
		return busserr.Protocol("table set_config: " + err.Error())
	}
	if !s.App().Id.IsSubpartOf(id) {
		return busserr.PermissionDenied("app not allowed to set_config on table " + id.Key())
	}
	ent := e.get(id)
	ent.mu.Lock()
	if payload.CacheSize != nil {
		ent.cache.SetSize(*payload.CacheSize)
	}
	ent.mu.Unlock()
	return nil
}

func (e *Extension) handleListen(ctx context.Context, s *session.Session, p packet.Packet) error {
	idStr := p.Value.(string)
	id, err := ident.Parse(idStr)
	if err != nil {
		return busserr.Protocol("table listen: " + err.Error())
	}
	ent := e.get(id)
	ent.mu.Lock()
	allowed := checkAccess(id, s.App().Id, firstNonNil(ent.permissions.All, ent.permissions.Read), s.Permissions())
	if allowed {
		ent.listeners[s] = &sessionListener{id: id, s: s}
	}
	ent.mu.Unlock()
	if !allowed {
		return busserr.PermissionDenied("app not allowed to read table " + id.Key())
	}
	return nil
}

func (e *Extension) handleProxyListen(ctx context.Context, s *session.Session, p packet.Packet) error {
	idStr := p.Value.(string)
	id, err := ident.Parse(idStr)
	if err != nil {
		return busserr.Protocol("table proxy_listen: " + err.Error())
	}
	ent := e.get(id)
	ent.mu.Lock()
	allowed := checkAccess(id, s.App().Id, ent.permissions.Proxy, s.Permissions())
	if allowed {
		ent.proxies.Attach(s)
	}
	ent.mu.Unlock()
	if !allowed {
		return busserr.PermissionDenied("app not allowed to proxy table " + id.Key())
	}
	return nil
}

// Detach removes s from every table's listeners and proxy chain; called
// on session disconnect.
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
		ent.proxies.Detach(s)
		ent.mu.Unlock()
	}
}

// --- mutation ---

func (e *Extension) handleItemAdd(ctx context.Context, s *session.Session, p packet.Packet) error {
	payload := p.Value.(ItemsPayload)
	id, err := ident.Parse(payload.Id)
	if err != nil {
		return busserr.Protocol("table item_add: " + err.Error())
	}
	ent := e.get(id)
	ent.mu.Lock()
	allowed := checkAccess(id, s.App().Id, firstNonNil(ent.permissions.All, ent.permissions.Write), s.Permissions())
	if !allowed {
		ent.mu.Unlock()
		return busserr.PermissionDenied("app not allowed to write table " + id.Key())
	}
	proxySession, proxyID, hasProxy := ent.proxies.First()
	ent.mu.Unlock()

	if hasProxy {
		return proxySession.Send(ctx, packet.Packet{Type: typeProxy, Value: ProxyPacket{Id: id.Key(), ProxyId: proxyID, Items: payload.Items}})
	}
	return e.commitAdd(ctx, ent, payload.Items)
}

// handleProxy processes a proxy session's echo of a previously forwarded
// item_add: it either forwards the echoed items to the next proxy or,
// if this was the last hop, actually persists them (spec.md §4.8.5).
// The echoed items are used as received; their keys are not compared
// with those of the original add.
func (e *Extension) handleProxy(ctx context.Context, s *session.Session, p packet.Packet) error {
	payload := p.Value.(ProxyPacket)
	id, err := ident.Parse(payload.Id)
	if err != nil {
		return busserr.Protocol("table proxy: " + err.Error())
	}
	ent := e.get(id)
	ent.mu.Lock()
	next, hasNext := ent.proxies.Next(s.App().Key())
	ent.mu.Unlock()

	if hasNext {
		return next.Send(ctx, packet.Packet{Type: typeProxy, Value: ProxyPacket{Id: id.Key(), ProxyId: payload.ProxyId, Items: payload.Items}})
	}
	return e.commitAdd(ctx, ent, payload.Items)
}

func (e *Extension) commitAdd(ctx context.Context, ent *entry, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	if err := e.adapter.SetAll(ctx, ent.id, items); err != nil {
		return busserr.Storage("table add", err)
	}
	ent.mu.Lock()
	for _, it := range items {
		ent.cache.Put(it.Key, it.Data)
	}
	snapshot := ent.cache.Snapshot()
	listeners := snapshotListeners(ent)
	e.markChanged(ent)
	ent.mu.Unlock()

	for _, l := range listeners {
		l.onAdd(ctx, items)
		l.onCacheUpdate(ctx, snapshot)
	}
	return nil
}

func (e *Extension) handleItemUpdate(ctx context.Context, s *session.Session, p packet.Packet) error {
	payload := p.Value.(ItemsPayload)
	id, err := ident.Parse(payload.Id)
	if err != nil {
		return busserr.Protocol("table item_update: " + err.Error())
	}
	ent := e.get(id)
	ent.mu.Lock()
	allowed := checkAccess(id, s.App().Id, firstNonNil(ent.permissions.All, ent.permissions.Write), s.Permissions())
	if !allowed {
		ent.mu.Unlock()
		return busserr.PermissionDenied("app not allowed to write table " + id.Key())
	}
	ent.mu.Unlock()

	if err := e.adapter.SetAll(ctx, id, payload.Items); err != nil {
		return busserr.Storage("table update", err)
	}
	ent.mu.Lock()
	for _, it := range payload.Items {
		ent.cache.Put(it.Key, it.Data)
	}
	snapshot := ent.cache.Snapshot()
	listeners := snapshotListeners(ent)
	e.markChanged(ent)
	ent.mu.Unlock()

	for _, l := range listeners {
		l.onUpdate(ctx, payload.Items)
		l.onCacheUpdate(ctx, snapshot)
	}
	return nil
}

func (e *Extension) handleItemRemove(ctx context.Context, s *session.Session, p packet.Packet) error {
	payload := p.Value.(KeysPayload)
	id, err := ident.Parse(payload.Id)
	if err != nil {
		return busserr.Protocol("table item_remove: " + err.Error())
	}
	ent := e.get(id)
	ent.mu.Lock()
	allowed := checkAccess(id, s.App().Id, firstNonNil(ent.permissions.All, ent.permissions.Remove), s.Permissions())
	ent.mu.Unlock()
	if !allowed {
		return busserr.PermissionDenied("app not allowed to remove from table " + id.Key())
	}

	removed, err := e.adapter.GetAll(ctx, id, payload.Keys)
	if err != nil {
		return busserr.Storage("table remove: lookup", err)
	}
	if err := e.adapter.RemoveAll(ctx, id, payload.Keys); err != nil {
		return busserr.Storage("table remove", err)
	}

	ent.mu.Lock()
	for _, k := range payload.Keys {
		ent.cache.Remove(k)
	}
	snapshot := ent.cache.Snapshot()
	listeners := snapshotListeners(ent)
	e.markChanged(ent)
	ent.mu.Unlock()

	for _, l := range listeners {
		l.onRemove(ctx, removed)
		l.onCacheUpdate(ctx, snapshot)
	}
	return nil
}

func (e *Extension) handleClear(ctx context.Context, s *session.Session, p packet.Packet) error {
	idStr := p.Value.(string)
	id, err := ident.Parse(idStr)
	if err != nil {
		return busserr.Protocol("table clear: " + err.Error())
	}
	ent := e.get(id)
	ent.mu.Lock()
	allowed := checkAccess(id, s.App().Id, firstNonNil(ent.permissions.All, ent.permissions.Write), s.Permissions())
	ent.mu.Unlock()
	if !allowed {
		return busserr.PermissionDenied("app not allowed to clear table " + id.Key())
	}

	if err := e.adapter.Clear(ctx, id); err != nil {
		return busserr.Storage("table clear", err)
	}
	ent.mu.Lock()
	ent.cache.Clear()
	snapshot := ent.cache.Snapshot()
	listeners := snapshotListeners(ent)
	e.markChanged(ent)
	ent.mu.Unlock()

	for _, l := range listeners {
		l.onClear(ctx)
		l.onCacheUpdate(ctx, snapshot)
	}
	return nil
}

// --- reads ---

func (e *Extension) handleItemGet(ctx context.Context, s *session.Session, p packet.Packet) error {
	payload := p.Value.(KeysPayload)
	id, err := ident.Parse(payload.Id)
	if err != nil {
		return busserr.Protocol("table item_get: " + err.Error())
	}
	ent := e.get(id)
	ent.mu.Lock()
	allowed := checkAccess(id, s.App().Id, firstNonNil(ent.permissions.All, ent.permissions.Read), s.Permissions())
	ent.mu.Unlock()
	if !allowed {
		return busserr.PermissionDenied("app not allowed to read table " + id.Key())
	}

	items := make([]Item, 0, len(payload.Keys))
	var misses []string
	ent.mu.Lock()
	for _, k := range payload.Keys {
		if v, ok := ent.cache.Get(k); ok {
			items = append(items, Item{Key: k, Data: v})
		} else {
			misses = append(misses, k)
		}
	}
	ent.mu.Unlock()

	if len(misses) > 0 {
		fetched, err := e.adapter.GetAll(ctx, id, misses)
		if err != nil {
			return busserr.Storage("table get", err)
		}
		ent.mu.Lock()
		for _, it := range fetched {
			ent.cache.Put(it.Key, it.Data)
		}
		ent.mu.Unlock()
		items = append(items, fetched...)
	}

	return s.Send(ctx, packet.Packet{Type: typeItems, Value: ItemsPacket{Id: id.Key(), Items: items}})
}

func (e *Extension) handleFetch(ctx context.Context, s *session.Session, p packet.Packet) error {
	payload := p.Value.(FetchPayload)
	id, err := ident.Parse(payload.Id)
	if err != nil {
		return busserr.Protocol("table fetch: " + err.Error())
	}
	ent := e.get(id)
	ent.mu.Lock()
	allowed := checkAccess(id, s.App().Id, firstNonNil(ent.permissions.All, ent.permissions.Read), s.Permissions())
	ent.mu.Unlock()
	if !allowed {
		return busserr.PermissionDenied("app not allowed to read table " + id.Key())
	}

	items, err := e.adapter.FetchItems(ctx, id, payload.Before, payload.After, payload.Cursor)
	if err != nil {
		return busserr.Storage("table fetch", err)
	}
	return s.Send(ctx, packet.Packet{Type: typeItems, Value: ItemsPacket{Id: id.Key(), Items: items}})
}

// FetchAll streams the entire table by repeated FetchItems calls,
// chasing the cursor from the last key of each page (spec.md supplement:
// "fetch_all streaming", grounded on cached_table.py's iterate()).
func (e *Extension) FetchAll(ctx context.Context, id ident.Id, pageSize int) ([]Item, error) {
	var all []Item
	err := e.iterate(ctx, id, pageSize, func(page []Item) error {
		all = append(all, page...)
		return nil
	})
	return all, err
}

// iterate chases fetch_items pages in key order from the beginning of the
// table, invoking send once per non-empty page, until a short page signals
// the end. Shared by FetchAll and handleFetchAll so a full walk is always
// expressed the same way (spec.md supplement: cached_table.py's iterate()).
func (e *Extension) iterate(ctx context.Context, id ident.Id, pageSize int, send func([]Item) error) error {
	cursor := ""
	for {
		page, err := e.adapter.FetchItems(ctx, id, pageSize, "", cursor)
		if err != nil {
			return busserr.Storage("table fetch_all", err)
		}
		if len(page) == 0 {
			return nil
		}
		if err := send(page); err != nil {
			return err
		}
		cursor = page[len(page)-1].Key
	}
}

// handleFetchAll streams the entire table as a sequence of "items"
// packets, adapter-chunked, rather than one accumulated response
// (spec.md §6 "fetch_all", mutually exclusive with the cursor-paged
// "fetch" endpoint).
func (e *Extension) handleFetchAll(ctx context.Context, s *session.Session, p packet.Packet) error {
	payload := p.Value.(FetchAllPayload)
	id, err := ident.Parse(payload.Id)
	if err != nil {
		return busserr.Protocol("table fetch_all: " + err.Error())
	}
	ent := e.get(id)
	ent.mu.Lock()
	allowed := checkAccess(id, s.App().Id, firstNonNil(ent.permissions.All, ent.permissions.Read), s.Permissions())
	ent.mu.Unlock()
	if !allowed {
		return busserr.PermissionDenied("app not allowed to read table " + id.Key())
	}

	return e.iterate(ctx, id, fetchAllPageSize, func(page []Item) error {
		return s.Send(ctx, packet.Packet{Type: typeItems, Value: ItemsPacket{Id: id.Key(), Items: page}})
	})
}

func (e *Extension) handleSize(ctx context.Context, s *session.Session, p packet.Packet) error {
	idStr := p.Value.(string)
	id, err := ident.Parse(idStr)
	if err != nil {
		return busserr.Protocol("table size: " + err.Error())
	}
	ent := e.get(id)
	ent.mu.Lock()
	allowed := checkAccess(id, s.App().Id, firstNonNil(ent.permissions.All, ent.permissions.Read), s.Permissions())
	ent.mu.Unlock()
	if !allowed {
		return busserr.PermissionDenied("app not allowed to read table " + id.Key())
	}

	count, err := e.adapter.Count(ctx, id)
	if err != nil {
		return busserr.Storage("table size", err)
	}
	return s.Send(ctx, packet.Packet{Type: typeSizeResponse, Value: SizePacket{Id: id.Key(), Count: count}})
}

// --- deferred persistence ---

// markChanged sets the entry's dirty flag and, if no save loop is
// already running for it, starts one. Mirrors cached_table.py's
// mark_changed/save_task: the flag is cleared before the adapter call,
// so a mutation that arrives mid-flush is picked up by the loop's next
// iteration rather than lost. Caller must hold ent.mu.
func (e *Extension) markChanged(ent *entry) {
	ent.changed = true
	if ent.saving {
		return
	}
	ent.saving = true
	go e.saveLoop(ent)
}

func (e *Extension) saveLoop(ent *entry) {
	ctx := context.Background()
	for {
		ent.mu.Lock()
		changed := ent.changed
		if !changed {
			ent.saving = false
			ent.mu.Unlock()
			return
		}
		ent.changed = false
		ent.mu.Unlock()

		if err := e.adapter.Store(ctx, ent.id); err != nil {
			// Re-mark dirty so the next tick retries; a store failure
			// must not silently drop the pending write.
			ent.mu.Lock()
			ent.changed = true
			ent.mu.Unlock()
		}
		time.Sleep(saveInterval)
	}
}

func snapshotListeners(ent *entry) []tableListener {
	out := make([]tableListener, 0, len(ent.listeners))
	for _, l := range ent.listeners {
		out = append(out, l)
	}
	return out
}

func firstNonNil(a, b *ident.Id) *ident.Id {
	if a != nil {
		return a
	}
	return b
}
