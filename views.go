// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"fmt"
	"reflect"
	"sort"
)

// viewKey identifies the backing storage of a native slice, array or map.
// Slices match on element type, data pointer and length; maps on their
// header pointer; arrays on their value.
type viewKey struct {
	typ reflect.Type
	ptr uintptr
	n   int
	val any
}

// nativeView exposes a native Go collection without copying it. Items are
// read from the backing value on every access. Writes are refused because
// the owner's variable cannot be reached from here.
type nativeView interface {
	backing() (viewKey, bool)
}

func keyOf(rv reflect.Value) (viewKey, bool) {
	switch rv.Kind() {
	case reflect.Slice:
		return viewKey{typ: rv.Type(), ptr: rv.Pointer(), n: rv.Len()}, true
	case reflect.Map:
		return viewKey{typ: rv.Type(), ptr: rv.Pointer()}, true
	case reflect.Array:
		if rv.Comparable() {
			return viewKey{typ: rv.Type(), val: rv.Interface()}, true
		}
	}
	return viewKey{}, false
}

// sliceView is a read-only List over a slice or array.
type sliceView struct {
	rv  reflect.Value
	key viewKey
	ok  bool
}

func (v *sliceView) Len() int { return v.rv.Len() }

func (v *sliceView) Item(i int) (any, error) {
	if i < 0 || i >= v.rv.Len() {
		return nil, fmt.Errorf("%w: %d (length %d)", ErrIndexOutOfRange, i, v.rv.Len())
	}
	return v.rv.Index(i).Interface(), nil
}

func (v *sliceView) SetItem(i int, _ any) error {
	return fmt.Errorf("%w: %s item %d", ErrReadOnly, v.rv.Type(), i)
}

func (v *sliceView) backing() (viewKey, bool) { return v.key, v.ok }

// mapView is a read-only Dict over a string-keyed map. Keys are sorted.
type mapView struct {
	rv  reflect.Value
	key viewKey
}

func (v *mapView) Keys() []string {
	keys := make([]string, 0, v.rv.Len())
	iter := v.rv.MapRange()
	for iter.Next() {
		keys = append(keys, iter.Key().String())
	}
	sort.Strings(keys)
	return keys
}

func (v *mapView) Item(key string) (any, error) {
	item := v.rv.MapIndex(reflect.ValueOf(key).Convert(v.rv.Type().Key()))
	if !item.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrNoKey, key)
	}
	return item.Interface(), nil
}

func (v *mapView) SetItem(key string, _ any) error {
	return fmt.Errorf("%w: %s key %q", ErrReadOnly, v.rv.Type(), key)
}

func (v *mapView) backing() (viewKey, bool) { return v.key, true }

// view returns the cached view over rv, creating it on first sight, so that
// marshaling the same native collection twice yields one identifier.
func (m *Marshaler) view(rv reflect.Value) any {
	key, ok := keyOf(rv)
	if ok {
		m.mu.RLock()
		cached, hit := m.views[key]
		m.mu.RUnlock()
		if hit {
			return cached
		}
	}

	var view any
	if rv.Kind() == reflect.Map {
		view = &mapView{rv: rv, key: key}
	} else {
		view = &sliceView{rv: rv, key: key, ok: ok}
	}
	if !ok {
		return view
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, hit := m.views[key]; hit {
		return cached
	}
	m.views[key] = view
	return view
}
