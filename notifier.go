// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"sync"
)

// Notifier turns mutations of registered objects into Events.
//
// Instances report attribute changes under the attribute name. When an
// attribute holds a collection, item changes in that collection are reported
// under the same attribute name with the collection's current state, never as
// a delta. Standalone collections report item changes under ItemsChanged.
type Notifier struct {
	marshaler *Marshaler
	emit      func(Event)

	mu      sync.Mutex
	watches map[string]*watch
}

type watch struct {
	cancel func()

	mu          sync.Mutex
	collections map[string]collectionWatch
	changed     map[string]bool // attributes reassigned since Watch began
}

type collectionWatch struct {
	target any
	cancel func()
}

// NewNotifier creates a notifier that marshals with m and delivers through emit.
func NewNotifier(m *Marshaler, emit func(Event)) *Notifier {
	return &Notifier{
		marshaler: m,
		emit:      emit,
		watches:   make(map[string]*watch),
	}
}

// Watch subscribes to obj's mutations. Objects that are not Observable, and
// identifiers already watched, are ignored.
//
// The subscription is in place before the watch is published, so Unwatch
// always finds something to cancel and no mutation after Watch is missed.
func (n *Notifier) Watch(id string, obj any) {
	src, ok := obj.(Observable)
	if !ok || n.Watching(id) {
		return
	}
	w := &watch{
		collections: make(map[string]collectionWatch),
		changed:     make(map[string]bool),
	}
	switch x := obj.(type) {
	case Instance:
		w.cancel = src.Observe(func(c Change) { n.instanceChanged(id, w, c) })
		for _, name := range x.Attributes() {
			if v, err := x.GetAttribute(name); err == nil {
				n.trackInitial(id, w, name, v)
			}
		}
	case List, Dict:
		w.cancel = src.Observe(func(c Change) {
			if c.Kind == ChangeItems {
				n.emit(Event{Obj: id, Name: ItemsChanged, Data: n.marshaler.Marshal(obj)})
			}
		})
	default:
		return
	}

	n.mu.Lock()
	if _, ok := n.watches[id]; ok {
		n.mu.Unlock()
		w.stop()
		return
	}
	n.watches[id] = w
	n.mu.Unlock()
}

// Watching reports whether id is watched.
func (n *Notifier) Watching(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.watches[id]
	return ok
}

// Unwatch drops every subscription held for id.
func (n *Notifier) Unwatch(id string) {
	n.mu.Lock()
	w, ok := n.watches[id]
	delete(n.watches, id)
	n.mu.Unlock()
	if ok {
		w.stop()
	}
}

func (w *watch) stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Lock()
	for name, cw := range w.collections {
		cw.cancel()
		delete(w.collections, name)
	}
	w.mu.Unlock()
}

func (n *Notifier) instanceChanged(id string, w *watch, c Change) {
	switch c.Kind {
	case ChangeAttribute:
		n.track(id, w, c.Name, c.Value)
		n.emit(Event{Obj: id, Name: c.Name, Data: n.marshaler.Marshal(c.Value)})
	case ChangeEvent:
		n.emit(Event{Obj: id, Name: c.Name, Data: n.marshalArgs(c.Value)})
	}
}

// marshalArgs sends a single event argument as itself, and several as a list.
func (n *Notifier) marshalArgs(v any) Value {
	args, ok := v.([]any)
	if !ok {
		return n.marshaler.Marshal(v)
	}
	switch len(args) {
	case 0:
		return Primitive(nil)
	case 1:
		return n.marshaler.Marshal(args[0])
	default:
		return n.marshaler.Marshal(NewList(args...))
	}
}

// trackInitial tracks an attribute value read while Watch runs, unless a
// change notification already tracked a newer one.
func (n *Notifier) trackInitial(id string, w *watch, name string, v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.changed[name] {
		return
	}
	n.trackLocked(id, w, name, v)
}

// track points the collection watch for attribute name at v, replacing the
// previous one.
func (n *Notifier) track(id string, w *watch, name string, v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.changed[name] = true
	n.trackLocked(id, w, name, v)
}

func (n *Notifier) trackLocked(id string, w *watch, name string, v any) {
	if old, ok := w.collections[name]; ok {
		if hasIdentity(v) && old.target == v {
			return
		}
		old.cancel()
		delete(w.collections, name)
	}
	switch v.(type) {
	case List, Dict:
	default:
		return
	}
	src, ok := v.(Observable)
	if !ok || !hasIdentity(v) {
		return
	}
	cancel := src.Observe(func(c Change) {
		if c.Kind == ChangeItems {
			n.emit(Event{Obj: id, Name: name, Data: n.marshaler.Marshal(v)})
		}
	})
	w.collections[name] = collectionWatch{target: v, cancel: cancel}
}
