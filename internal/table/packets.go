package table

import (
	"github.com/wirebus/wirebus/internal/dispatch"
	"github.com/wirebus/wirebus/internal/packet"
)

// SetPermissionPayload declares or updates a table's access permissions.
// Like registry registration, only a subpart of the table's owner may
// call this.
type SetPermissionPayload struct {
	Id          string      `json:"id"`
	Permissions Permissions `json:"permissions"`
}

// SetConfigPayload changes a table's cache size. A shrink takes effect
// lazily, on the next insertion that would grow the cache past the new
// bound (spec.md §6), not retroactively against what's already cached.
type SetConfigPayload struct {
	Id        string `json:"id"`
	CacheSize *int   `json:"cache_size"`
}

// ItemsPayload carries a batch of key/value pairs for item_add/item_update.
type ItemsPayload struct {
	Id    string `json:"id"`
	Items []Item `json:"items"`
}

// ItemsPacket is the fan-out/response form of ItemsPayload, always
// scoped to one table identifier so a session listening on several
// tables can tell them apart.
type ItemsPacket struct {
	Id    string `json:"id"`
	Items []Item `json:"items"`
}

// KeysPayload carries a batch of keys for item_get/item_remove.
type KeysPayload struct {
	Id   string   `json:"id"`
	Keys []string `json:"keys"`
}

// FetchPayload requests a page of a table in key order.
type FetchPayload struct {
	Id     string `json:"id"`
	Before int    `json:"before"`
	After  string `json:"after"`
	Cursor string `json:"cursor"`
}

// FetchAllPayload requests the entire table, streamed as adapter-chunked
// pages rather than one page (spec.md §6, mutually exclusive with fetch).
type FetchAllPayload struct {
	Id string `json:"id"`
}

// fetchAllPageSize bounds each streamed chunk fetch_all sends back.
const fetchAllPageSize = 500

// ProxyPacket is exchanged between the table extension and a proxy
// session: the pending add, tagged with the identifier and the proxy_id
// the whole chain shares for this add.
type ProxyPacket struct {
	Id      string `json:"id"`
	ProxyId uint64 `json:"proxy_id"`
	Items   []Item `json:"items"`
}

// SizePacket answers a table:size request.
type SizePacket struct {
	Id    string `json:"id"`
	Count int    `json:"count"`
}

var (
	typeSetPermission = packet.NewJSONType[SetPermissionPayload]("table", "set_permission")
	typeSetConfig     = packet.NewJSONType[SetConfigPayload]("table", "set_config")
	typeListen        = packet.NewJSONType[string]("table", "listen")
	typeProxyListen   = packet.NewJSONType[string]("table", "proxy_listen")
	typeItemAdd       = packet.NewJSONType[ItemsPayload]("table", "item_add")
	typeProxy         = packet.NewJSONType[ProxyPacket]("table", "proxy")
	typeItemUpdate    = packet.NewJSONType[ItemsPayload]("table", "item_update")
	typeItemRemove    = packet.NewJSONType[KeysPayload]("table", "item_remove")
	typeClear         = packet.NewJSONType[string]("table", "clear")
	typeItemGet       = packet.NewJSONType[KeysPayload]("table", "item_get")
	typeFetch         = packet.NewJSONType[FetchPayload]("table", "fetch")
	typeFetchAll      = packet.NewJSONType[FetchAllPayload]("table", "fetch_all")
	typeSize          = packet.NewJSONType[string]("table", "size")
	typeSizeResponse  = packet.NewJSONType[SizePacket]("table", "size_response")
	typeItems         = packet.NewJSONType[ItemsPacket]("table", "items")
	typeAdded         = packet.NewJSONType[ItemsPacket]("table", "added")
	typeUpdated       = packet.NewJSONType[ItemsPacket]("table", "updated")
	typeRemoved       = packet.NewJSONType[ItemsPacket]("table", "removed")
	typeCleared       = packet.NewJSONType[string]("table", "cleared")
	typeCacheUpdate   = packet.NewJSONType[ItemsPacket]("table", "cache_update")
)

// RegisterPackets installs this extension's packet types into m.
func RegisterPackets(m *packet.Mapper) error {
	return m.Register(
		typeSetPermission, typeSetConfig, typeListen, typeProxyListen,
		typeItemAdd, typeProxy, typeItemUpdate, typeItemRemove, typeClear,
		typeItemGet, typeFetch, typeFetchAll, typeSize, typeSizeResponse,
		typeItems, typeAdded, typeUpdated, typeRemoved, typeCleared,
		typeCacheUpdate,
	)
}

// RegisterHandlers wires this extension's packet handlers into d.
func (e *Extension) RegisterHandlers(d *dispatch.Dispatcher) {
	d.On(typeSetPermission.Name(), e.handleSetPermission)
	d.On(typeSetConfig.Name(), e.handleSetConfig)
	d.On(typeListen.Name(), e.handleListen)
	d.On(typeProxyListen.Name(), e.handleProxyListen)
	d.On(typeItemAdd.Name(), e.handleItemAdd)
	d.On(typeProxy.Name(), e.handleProxy)
	d.On(typeItemUpdate.Name(), e.handleItemUpdate)
	d.On(typeItemRemove.Name(), e.handleItemRemove)
	d.On(typeClear.Name(), e.handleClear)
	d.On(typeItemGet.Name(), e.handleItemGet)
	d.On(typeFetch.Name(), e.handleFetch)
	d.On(typeFetchAll.Name(), e.handleFetchAll)
	d.On(typeSize.Name(), e.handleSize)
}
