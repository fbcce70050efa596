// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog"
)

// Marshaler converts between native values and Values, registering every
// list, dict and instance it sees.
type Marshaler struct {
	registry *Registry
	log      zerolog.Logger

	mu       sync.RWMutex
	infos    map[string]InstanceInfo
	views    map[viewKey]any
	viewKeys map[string]viewKey

	// onRegister runs once per object, right after its identifier is issued.
	onRegister func(id string, obj any)
}

// NewMarshaler creates a marshaler over registry.
func NewMarshaler(registry *Registry) *Marshaler {
	return &Marshaler{
		registry: registry,
		log:      zerolog.Nop(),
		infos:    make(map[string]InstanceInfo),
		views:    make(map[viewKey]any),
		viewKeys: make(map[string]viewKey),
	}
}

// Registry returns the underlying registry.
func (m *Marshaler) Registry() *Registry { return m.registry }

// Marshal classifies v as list, dict, instance or primitive, in that order.
// Values that fit none of them marshal to a primitive null.
//
// Native slices, arrays and string-keyed maps are sent as read-only views
// over the original value. The same backing storage always maps to the same
// view, and so to the same identifier.
func (m *Marshaler) Marshal(v any) Value {
	switch x := v.(type) {
	case nil:
		return Primitive(nil)
	case Value:
		return x
	case List:
		return m.reference(KindList, x)
	case Dict:
		return m.reference(KindDict, x)
	case Instance:
		return m.reference(KindInstance, x)
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return Primitive(x)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return m.reference(KindList, m.view(rv))
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		return m.reference(KindDict, m.view(rv))
	case reflect.Bool:
		return Primitive(rv.Bool())
	case reflect.String:
		return Primitive(rv.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Primitive(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Primitive(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return Primitive(rv.Float())
	case reflect.Pointer:
		if rv.IsNil() {
			return Primitive(nil)
		}
	}
	m.log.Debug().Str("type", fmt.Sprintf("%T", v)).Msg("unmarshalable value sent as null")
	return Primitive(nil)
}

// MarshalAll marshals each value.
func (m *Marshaler) MarshalAll(vs []any) []Value {
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = m.Marshal(v)
	}
	return out
}

func (m *Marshaler) reference(kind Kind, obj any) Value {
	id, created, err := m.registry.Register(obj)
	if err != nil {
		m.log.Debug().Err(err).Msg("collection or instance without identity sent as null")
		return Primitive(nil)
	}
	out := Value{Kind: kind, Value: id}
	switch kind {
	case KindList:
		out.Info = ListInfo{Length: obj.(List).Len()}
	case KindDict:
		out.Info = DictInfo{Keys: obj.(Dict).Keys()}
	case KindInstance:
		out.Info = m.describe(id, obj.(Instance), created)
	}
	if created {
		if nv, ok := obj.(nativeView); ok {
			if key, ok := nv.backing(); ok {
				m.mu.Lock()
				m.viewKeys[id] = key
				m.mu.Unlock()
			}
		}
		if m.onRegister != nil {
			m.onRegister(id, obj)
		}
	}
	return out
}

// describe computes the capability surface once per identifier.
func (m *Marshaler) describe(id string, inst Instance, created bool) InstanceInfo {
	if !created {
		m.mu.RLock()
		info, ok := m.infos[id]
		m.mu.RUnlock()
		if ok {
			return info
		}
	}
	info := InstanceInfo{
		TypeName:       inst.TypeName(),
		AttributeNames: publicNames(inst.Attributes()),
		EventNames:     publicNames(inst.Events()),
		MethodNames:    publicNames(inst.Methods()),
	}
	m.mu.Lock()
	m.infos[id] = info
	m.mu.Unlock()
	return info
}

func (m *Marshaler) forget(id string) {
	m.mu.Lock()
	delete(m.infos, id)
	if key, ok := m.viewKeys[id]; ok {
		delete(m.views, key)
		delete(m.viewKeys, id)
	}
	m.mu.Unlock()
}

// Unmarshal resolves v back to a native value. Non-primitive values must name
// a registered object.
func (m *Marshaler) Unmarshal(v Value) (any, error) {
	switch v.Kind {
	case KindPrimitive:
		return v.Value, nil
	case KindList, KindDict, KindInstance:
		id, ok := v.ID()
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnknownIdentifier, v.Value)
		}
		return m.registry.Lookup(id)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, v.Kind)
	}
}

// UnmarshalAll unmarshals each value, stopping at the first failure.
func (m *Marshaler) UnmarshalAll(vs []Value) ([]any, error) {
	out := make([]any, len(vs))
	for i, v := range vs {
		native, err := m.Unmarshal(v)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = native
	}
	return out, nil
}
