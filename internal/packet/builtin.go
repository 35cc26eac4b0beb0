package packet

import "github.com/wirebus/wirebus/internal/ident"

// BuiltinNamespace is reserved for the handshake/control packet types that
// every session speaks regardless of which extensions are loaded
// (spec.md §6).
const BuiltinNamespace = ""

// ConnectPayload is the first frame a client sends (spec.md §4.4 step 2).
type ConnectPayload struct {
	App   ident.App `json:"app"`
	Token *string   `json:"token"`
}

// DisconnectPayload is sent by either side before closing the connection.
type DisconnectPayload struct {
	Reason string `json:"reason"`
}

var (
	Connect    = NewJSONType[ConnectPayload](BuiltinNamespace, "connect")
	Disconnect = NewJSONType[DisconnectPayload](BuiltinNamespace, "disconnect")
	Token      = NewJSONType[string](BuiltinNamespace, "token")
	Ready      = NewJSONType[*struct{}](BuiltinNamespace, "ready")
)

// RegisterBuiltins installs the handshake/control packet types into m.
// Every Mapper used by a live session must call this before any session
// is created, since the handshake itself depends on "connect" and "token"
// being registered (spec.md invariant: "a declared type was registered
// before the first packet of that type arrived").
func RegisterBuiltins(m *Mapper) error {
	return m.Register(Connect, Disconnect, Token, Ready)
}
