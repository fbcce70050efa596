// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// Registry maps stable identifiers to live objects. Identity is by reference:
// only pointer values can be registered, and registering the same pointer
// again returns the identifier it already has.
type Registry struct {
	mu     sync.RWMutex
	ids    map[any]string
	objs   map[string]any
	pinned map[string]int
	newID  func() string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ids:    make(map[any]string),
		objs:   make(map[string]any),
		pinned: make(map[string]int),
		newID:  uuid.NewString,
	}
}

// Register returns obj's identifier, issuing one on first sight.
func (r *Registry) Register(obj any) (id string, created bool, err error) {
	if !hasIdentity(obj) {
		return "", false, fmt.Errorf("%w: %T", ErrNoIdentity, obj)
	}
	r.mu.RLock()
	id, ok := r.ids[obj]
	r.mu.RUnlock()
	if ok {
		return id, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[obj]; ok {
		return id, false, nil
	}
	id = r.newID()
	r.ids[obj] = id
	r.objs[id] = obj
	return id, true, nil
}

func hasIdentity(obj any) bool {
	if obj == nil {
		return false
	}
	v := reflect.ValueOf(obj)
	return v.Kind() == reflect.Pointer && !v.IsNil()
}

// ID returns the identifier of an already registered object.
func (r *Registry) ID(obj any) (string, bool) {
	if !hasIdentity(obj) {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[obj]
	return id, ok
}

// Lookup resolves an identifier.
func (r *Registry) Lookup(id string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIdentifier, id)
	}
	return obj, nil
}

// Forget drops an entry regardless of pins.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forget(id)
}

func (r *Registry) forget(id string) {
	obj, ok := r.objs[id]
	if !ok {
		return
	}
	delete(r.objs, id)
	delete(r.ids, obj)
	delete(r.pinned, id)
}

// Pin protects an entry from Prune until the matching Unpin.
func (r *Registry) Pin(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinned[id]++
}

func (r *Registry) Unpin(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pinned[id] <= 1 {
		delete(r.pinned, id)
		return
	}
	r.pinned[id]--
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objs)
}

// Prune removes every entry that is neither pinned nor reachable from roots
// through instance attributes, list items and dict values. It returns the
// removed identifiers.
func (r *Registry) Prune(roots []any) []string {
	reachable := make(map[any]struct{})
	var walk func(obj any)
	walk = func(obj any) {
		if !hasIdentity(obj) {
			return
		}
		if _, seen := reachable[obj]; seen {
			return
		}
		reachable[obj] = struct{}{}
		for _, child := range children(obj) {
			walk(child)
		}
	}
	for _, root := range roots {
		walk(root)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, obj := range r.objs {
		if _, ok := reachable[obj]; ok {
			continue
		}
		if r.pinned[id] > 0 {
			continue
		}
		removed = append(removed, id)
	}
	for _, id := range removed {
		r.forget(id)
	}
	return removed
}

func children(obj any) []any {
	var out []any
	switch x := obj.(type) {
	case List:
		for i := 0; i < x.Len(); i++ {
			if v, err := x.Item(i); err == nil {
				out = append(out, v)
			}
		}
	case Dict:
		for _, k := range x.Keys() {
			if v, err := x.Item(k); err == nil {
				out = append(out, v)
			}
		}
	case Instance:
		for _, name := range x.Attributes() {
			if v, err := x.GetAttribute(name); err == nil {
				out = append(out, v)
			}
		}
	}
	return out
}
