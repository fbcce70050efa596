// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind tags a marshaled value.
type Kind string

const (
	KindPrimitive Kind = "primitive"
	KindList      Kind = "list"
	KindDict      Kind = "dict"
	KindInstance  Kind = "instance"
)

// Value is the wire-safe form of a native value.
//
// Primitives carry the literal in Value. Lists, dicts and instances carry their
// registry identifier in Value and a shallow descriptor in Info, enough for a
// client to build a proxy without fetching every element.
type Value struct {
	Kind  Kind `json:"kind"`
	Value any  `json:"value"`
	Info  any  `json:"info,omitempty"`
}

// ListInfo describes a marshaled list.
type ListInfo struct {
	Length int `json:"length"`
}

// DictInfo describes a marshaled dict.
type DictInfo struct {
	Keys []string `json:"keys"`
}

// InstanceInfo is the capability surface of a marshaled instance.
type InstanceInfo struct {
	TypeName       string   `json:"type_name"`
	AttributeNames []string `json:"attribute_names"`
	EventNames     []string `json:"event_names"`
	MethodNames    []string `json:"method_names"`
}

// Primitive wraps a literal.
func Primitive(v any) Value {
	return Value{Kind: KindPrimitive, Value: v}
}

// ID returns the identifier of a non-primitive value.
func (v Value) ID() (string, bool) {
	if v.Kind == KindPrimitive {
		return "", false
	}
	id, ok := v.Value.(string)
	return id, ok
}

// UnmarshalJSON decodes integral numbers as int64 and the info block by kind.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind  Kind            `json:"kind"`
		Value json.RawMessage `json:"value"`
		Info  json.RawMessage `json:"info"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = Value{Kind: raw.Kind}
	if len(raw.Value) > 0 {
		val, err := decodeLiteral(raw.Value)
		if err != nil {
			return fmt.Errorf("decode value: %w", err)
		}
		v.Value = val
	}
	if len(raw.Info) == 0 || string(raw.Info) == "null" {
		return nil
	}
	var err error
	switch raw.Kind {
	case KindList:
		var info ListInfo
		err = json.Unmarshal(raw.Info, &info)
		v.Info = info
	case KindDict:
		var info DictInfo
		err = json.Unmarshal(raw.Info, &info)
		v.Info = info
	case KindInstance:
		var info InstanceInfo
		err = json.Unmarshal(raw.Info, &info)
		v.Info = info
	}
	if err != nil {
		return fmt.Errorf("decode info: %w", err)
	}
	return nil
}

func decodeLiteral(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return normalizeNumbers(out), nil
}

func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = normalizeNumbers(x[i])
		}
	case map[string]any:
		for k := range x {
			x[k] = normalizeNumbers(x[k])
		}
	}
	return v
}

// RequestKind names a dispatcher operation.
type RequestKind string

const (
	GetInstanceAttribute RequestKind = "get_instance_attribute"
	SetInstanceAttribute RequestKind = "set_instance_attribute"
	CallInstanceMethod   RequestKind = "call_instance_method"
	FireInstanceEvent    RequestKind = "fire_instance_event"
	GetItem              RequestKind = "get_item"
	SetItem              RequestKind = "set_item"
	GetContext           RequestKind = "get_context"
)

// RequestKinds lists every supported request kind.
func RequestKinds() []RequestKind {
	return []RequestKind{
		GetInstanceAttribute,
		SetInstanceAttribute,
		CallInstanceMethod,
		FireInstanceEvent,
		GetItem,
		SetItem,
		GetContext,
	}
}

// Request is a decoded client request. Which fields are read depends on Kind.
type Request struct {
	Kind          RequestKind `json:"kind"`
	ID            string      `json:"id,omitempty"`
	AttributeName string      `json:"attribute_name,omitempty"`
	MethodName    string      `json:"method_name,omitempty"`
	EventName     string      `json:"event_name,omitempty"`
	Args          []Value     `json:"args,omitempty"`
	Value         *Value      `json:"value,omitempty"`
	Key           *Value      `json:"key,omitempty"`
	Thread        bool        `json:"thread,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	Exception *string `json:"exception"`
	Result    *Value  `json:"result"`
}

// Err returns the exception as an error, or nil.
func (r Response) Err() error {
	if r.Exception == nil {
		return nil
	}
	return &RemoteError{Trace: *r.Exception}
}

// RemoteError is an exception reported by the other side of the bridge.
type RemoteError struct {
	Trace string
}

func (e *RemoteError) Error() string {
	if i := strings.IndexByte(e.Trace, '\n'); i >= 0 {
		return e.Trace[:i]
	}
	return e.Trace
}

// Reserved event addressing.
const (
	ContextObject  = "bridge"
	ContextUpdated = "context_updated"
	ItemsChanged   = "items"
	EventDone      = "done"
	EventError     = "error"
	EventProgress  = "progress"
)

// Event is a change notification pushed to every connected client.
type Event struct {
	Obj  string `json:"obj"`
	Name string `json:"name"`
	Data Value  `json:"data"`
}
