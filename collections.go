// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"fmt"
	"sync"
)

// ObservableList is a List that reports item mutations as ChangeItems.
type ObservableList struct {
	mu    sync.RWMutex
	items []any
	obs   observers
}

// NewList creates a list holding items.
func NewList(items ...any) *ObservableList {
	return &ObservableList{items: append([]any(nil), items...)}
}

func (l *ObservableList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

func (l *ObservableList) Item(i int) (any, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.items) {
		return nil, fmt.Errorf("%w: %d (length %d)", ErrIndexOutOfRange, i, len(l.items))
	}
	return l.items[i], nil
}

// Items returns a copy of the current items.
func (l *ObservableList) Items() []any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]any(nil), l.items...)
}

func (l *ObservableList) SetItem(i int, v any) error {
	l.mu.Lock()
	if i < 0 || i >= len(l.items) {
		n := len(l.items)
		l.mu.Unlock()
		return fmt.Errorf("%w: %d (length %d)", ErrIndexOutOfRange, i, n)
	}
	l.items[i] = v
	l.mu.Unlock()
	l.changed()
	return nil
}

func (l *ObservableList) Append(vs ...any) {
	if len(vs) == 0 {
		return
	}
	l.mu.Lock()
	l.items = append(l.items, vs...)
	l.mu.Unlock()
	l.changed()
}

// Insert places v before index i; i == Len() appends.
func (l *ObservableList) Insert(i int, v any) error {
	l.mu.Lock()
	if i < 0 || i > len(l.items) {
		n := len(l.items)
		l.mu.Unlock()
		return fmt.Errorf("%w: %d (length %d)", ErrIndexOutOfRange, i, n)
	}
	l.items = append(l.items, nil)
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = v
	l.mu.Unlock()
	l.changed()
	return nil
}

// Remove deletes and returns the item at index i.
func (l *ObservableList) Remove(i int) (any, error) {
	l.mu.Lock()
	if i < 0 || i >= len(l.items) {
		n := len(l.items)
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %d (length %d)", ErrIndexOutOfRange, i, n)
	}
	v := l.items[i]
	l.items = append(l.items[:i], l.items[i+1:]...)
	l.mu.Unlock()
	l.changed()
	return v, nil
}

func (l *ObservableList) Observe(fn Observer) func() {
	return l.obs.add(fn)
}

func (l *ObservableList) changed() {
	l.obs.notify(Change{Kind: ChangeItems, Name: ItemsChanged, Value: l})
}

// ObservableDict is a Dict that keeps insertion order and reports mutations as ChangeItems.
type ObservableDict struct {
	mu    sync.RWMutex
	keys  []string
	items map[string]any
	obs   observers
}

// NewDict creates an empty dict.
func NewDict() *ObservableDict {
	return &ObservableDict{items: make(map[string]any)}
}

func (d *ObservableDict) Keys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string{}, d.keys...)
}

func (d *ObservableDict) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.keys)
}

func (d *ObservableDict) Item(key string) (any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.items[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoKey, key)
	}
	return v, nil
}

func (d *ObservableDict) SetItem(key string, v any) error {
	d.mu.Lock()
	if _, ok := d.items[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.items[key] = v
	d.mu.Unlock()
	d.changed()
	return nil
}

// Delete removes key and reports whether it was present.
func (d *ObservableDict) Delete(key string) bool {
	d.mu.Lock()
	if _, ok := d.items[key]; !ok {
		d.mu.Unlock()
		return false
	}
	delete(d.items, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	d.changed()
	return true
}

func (d *ObservableDict) Observe(fn Observer) func() {
	return d.obs.add(fn)
}

func (d *ObservableDict) changed() {
	d.obs.notify(Change{Kind: ChangeItems, Name: ItemsChanged, Value: d})
}
