// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ChangeKind classifies a mutation reported to observers.
type ChangeKind int

const (
	ChangeAttribute ChangeKind = iota // an attribute was reassigned
	ChangeItems                       // items were added, removed or replaced in a collection
	ChangeEvent                       // an event was fired
)

// Change describes one mutation. Value is the new attribute value, or the
// event arguments ([]any) for ChangeEvent.
type Change struct {
	Kind  ChangeKind
	Name  string
	Value any
}

// Observer receives changes synchronously from the mutating goroutine.
type Observer func(Change)

// Observable objects report their mutations.
type Observable interface {
	Observe(fn Observer) (cancel func())
}

// Describer is the explicit capability surface of a bridged instance. It is
// read once, when the instance is first marshaled.
type Describer interface {
	TypeName() string
	Attributes() []string
	Methods() []string
	Events() []string
}

// Instance is an object with attributes and callable methods.
type Instance interface {
	Describer
	GetAttribute(name string) (any, error)
	SetAttribute(name string, value any) error
	CallMethod(ctx context.Context, name string, args []any) (any, error)
}

// EventSource is implemented by instances whose events clients may fire.
type EventSource interface {
	FireEvent(name string, args []any) error
}

// List is an indexable collection.
type List interface {
	Len() int
	Item(i int) (any, error)
	SetItem(i int, v any) error
}

// Dict is a string-keyed collection.
type Dict interface {
	Keys() []string
	Item(key string) (any, error)
	SetItem(key string, v any) error
}

// IsPublic reports whether name belongs on the exposed surface.
func IsPublic(name string) bool {
	return name != "" && !strings.HasPrefix(name, "_")
}

func publicNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if IsPublic(n) {
			out = append(out, n)
		}
	}
	return out
}

// observers is an ordered set of Observer callbacks.
type observers struct {
	mu   sync.Mutex
	next int
	fns  map[int]Observer
}

func (o *observers) add(fn Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]Observer)
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.fns, id)
			o.mu.Unlock()
		})
	}
}

// notify must not be called with the owner's lock held.
func (o *observers) notify(c Change) {
	o.mu.Lock()
	ids := make([]int, 0, len(o.fns))
	for id := range o.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Observer, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, o.fns[id])
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// Method implements one callable method of an Object.
type Method func(ctx context.Context, args []any) (any, error)

// Object is a ready-made observable Instance: an ordered attribute bag with
// named methods and events. Names starting with "_" stay private.
type Object struct {
	typeName string

	mu         sync.RWMutex
	attrs      map[string]any
	attrOrder  []string
	methods    map[string]Method
	methodList []string
	events     []string

	obs observers
}

// NewObject creates an empty Object of the given type name.
func NewObject(typeName string) *Object {
	return &Object{
		typeName: typeName,
		attrs:    make(map[string]any),
		methods:  make(map[string]Method),
	}
}

// WithAttribute defines an attribute without notifying observers.
func (o *Object) WithAttribute(name string, v any) *Object {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.define(name, v)
	return o
}

// WithMethod defines a callable method.
func (o *Object) WithMethod(name string, fn Method) *Object {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.methods[name]; !ok {
		o.methodList = append(o.methodList, name)
	}
	o.methods[name] = fn
	return o
}

// WithEvent declares a fireable event.
func (o *Object) WithEvent(name string) *Object {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.events {
		if e == name {
			return o
		}
	}
	o.events = append(o.events, name)
	return o
}

func (o *Object) define(name string, v any) {
	if _, ok := o.attrs[name]; !ok {
		o.attrOrder = append(o.attrOrder, name)
	}
	o.attrs[name] = v
}

func (o *Object) TypeName() string { return o.typeName }

func (o *Object) Attributes() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return publicNames(o.attrOrder)
}

func (o *Object) Methods() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return publicNames(o.methodList)
}

func (o *Object) Events() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return publicNames(o.events)
}

// Get returns an attribute, private ones included.
func (o *Object) Get(name string) (any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.attrs[name]
	return v, ok
}

// Set assigns an attribute, defining it if needed, and notifies observers.
func (o *Object) Set(name string, v any) {
	o.mu.Lock()
	o.define(name, v)
	o.mu.Unlock()
	o.obs.notify(Change{Kind: ChangeAttribute, Name: name, Value: v})
}

func (o *Object) GetAttribute(name string) (any, error) {
	if !IsPublic(name) {
		return nil, noSuchName(ErrNoAttribute, o.typeName, name, o.Attributes())
	}
	v, ok := o.Get(name)
	if !ok {
		return nil, noSuchName(ErrNoAttribute, o.typeName, name, o.Attributes())
	}
	return v, nil
}

// SetAttribute assigns an existing public attribute.
func (o *Object) SetAttribute(name string, v any) error {
	if _, err := o.GetAttribute(name); err != nil {
		return err
	}
	o.Set(name, v)
	return nil
}

func (o *Object) CallMethod(ctx context.Context, name string, args []any) (any, error) {
	o.mu.RLock()
	fn, ok := o.methods[name]
	o.mu.RUnlock()
	if !ok || !IsPublic(name) {
		return nil, noSuchName(ErrNoMethod, o.typeName, name, o.Methods())
	}
	return fn(ctx, args)
}

// FireEvent notifies observers of a declared event.
func (o *Object) FireEvent(name string, args []any) error {
	declared := o.Events()
	found := false
	for _, e := range declared {
		if e == name {
			found = true
			break
		}
	}
	if !found {
		return noSuchName(ErrNoEvent, o.typeName, name, declared)
	}
	o.obs.notify(Change{Kind: ChangeEvent, Name: name, Value: args})
	return nil
}

func (o *Object) Observe(fn Observer) func() {
	return o.obs.add(fn)
}

func (o *Object) String() string {
	return fmt.Sprintf("<%s object>", o.typeName)
}
