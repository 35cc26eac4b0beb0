// Package packet implements the packet type registry (spec.md §4.2): a
// mapping from wire type-name to a registered schema with a bidirectional
// serializer, and the JSON-backed built-in packet types every session
// exchanges during handshake.
package packet

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/wirebus/wirebus/internal/busserr"
)

// Data is the wire representation of one packet: a type name and its
// already-serialized payload (spec.md §3, "PacketData(type_name, data)").
type Data struct {
	Type string
	Data []byte
}

// Packet is a decoded message: the schema it was decoded with and the
// concrete value the schema produced.
type Packet struct {
	Type  Type
	Value any
}

// Type is the opaque, type-erased schema stored by the Mapper. Concrete
// type recovery happens via Deserialize, which the session's receive loop
// calls once per inbound packet before handing it to the dispatcher
// (spec.md's design note on "Polymorphic packet schemas").
type Type interface {
	Name() string
	Serialize(v any) ([]byte, error)
	Deserialize(b []byte) (any, error)
}

// jsonType is a Type backed by encoding/json, which is how every built-in
// and extension packet in this bus is encoded (spec.md §6 built-in types
// are explicitly JSON; extension packets follow the same convention).
type jsonType[T any] struct {
	name string
}

// NewJSONType builds a schema named "namespace:path/name" whose payload
// round-trips through encoding/json as T. Each call returns a distinct
// Type value, so two separately built schemas with one name collide in
// Mapper.Register, while registering the same value twice does not.
func NewJSONType[T any](namespace, name string) Type {
	return &jsonType[T]{name: namespace + ":" + name}
}

func (t jsonType[T]) Name() string { return t.name }

func (t jsonType[T]) Serialize(v any) ([]byte, error) {
	tv, ok := v.(T)
	if !ok {
		return nil, fmt.Errorf("packet %s: value has wrong type %T", t.name, v)
	}
	return json.Marshal(tv)
}

func (t jsonType[T]) Deserialize(b []byte) (any, error) {
	var v T
	if len(b) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("packet %s: %w", t.name, err)
	}
	return v, nil
}

// Mapper is the process-wide registry mapping type-name to Type (C3).
type Mapper struct {
	mu    sync.RWMutex
	types map[string]Type
}

func NewMapper() *Mapper {
	return &Mapper{types: make(map[string]Type)}
}

// Register adds packet types to the mapper, failing with DuplicateType on
// the first name collision. Registration is idempotent for the exact same
// Type value (re-registering an already-registered schema, e.g. because
// two extensions share a dependency, is not an error).
func (m *Mapper) Register(types ...Type) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range types {
		if existing, ok := m.types[t.Name()]; ok {
			if existing == t {
				continue
			}
			return busserr.DuplicateType(t.Name())
		}
		m.types[t.Name()] = t
	}
	return nil
}

// Lookup returns the registered Type for name, or UnknownType.
func (m *Mapper) Lookup(name string) (Type, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.types[name]
	if !ok {
		return nil, busserr.UnknownType(name)
	}
	return t, nil
}

// Serialize encodes a Packet into wire Data.
func (m *Mapper) Serialize(p Packet) (Data, error) {
	b, err := p.Type.Serialize(p.Value)
	if err != nil {
		return Data{}, err
	}
	return Data{Type: p.Type.Name(), Data: b}, nil
}

// Deserialize decodes wire Data into a Packet, failing with UnknownType if
// the name was never registered (spec.md §4.2).
func (m *Mapper) Deserialize(d Data) (Packet, error) {
	t, err := m.Lookup(d.Type)
	if err != nil {
		return Packet{}, err
	}
	v, err := t.Deserialize(d.Data)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: t, Value: v}, nil
}
