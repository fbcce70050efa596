// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, m *Marshaler, v any) any {
	t.Helper()
	data, err := json.Marshal(m.Marshal(v))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded Value
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	out, err := m.Unmarshal(decoded)
	if err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return out
}

func TestPrimitiveRoundTrip(t *testing.T) {
	m := NewMarshaler(NewRegistry())
	type celsius float64

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"true", true, true},
		{"string", "héllo", "héllo"},
		{"int64", int64(-7), int64(-7)},
		{"int", 3, int64(3)},
		{"uint8", uint8(200), int64(200)},
		{"float", 2.5, 2.5},
		{"named float", celsius(36.6), 36.6},
		{"nil pointer", (*Object)(nil), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := roundTrip(t, m, tt.in); got != tt.want {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
		})
	}
	if m.Registry().Len() != 0 {
		t.Fatalf("primitives registered %d objects", m.Registry().Len())
	}
}

func TestMarshalInstance(t *testing.T) {
	m := NewMarshaler(NewRegistry())
	obj := NewObject("Person").
		WithAttribute("name", "Ada").
		WithAttribute("_hidden", 1).
		WithMethod("greet", nil).
		WithMethod("_internal", nil).
		WithEvent("greeted")

	v := m.Marshal(obj)
	if v.Kind != KindInstance {
		t.Fatalf("kind = %q", v.Kind)
	}
	want := InstanceInfo{
		TypeName:       "Person",
		AttributeNames: []string{"name"},
		EventNames:     []string{"greeted"},
		MethodNames:    []string{"greet"},
	}
	if !reflect.DeepEqual(v.Info, want) {
		t.Fatalf("info = %+v, want %+v", v.Info, want)
	}

	if again := m.Marshal(obj); again.Value != v.Value {
		t.Fatalf("identifier changed: %v then %v", v.Value, again.Value)
	}
	if got := roundTrip(t, m, obj); got != obj {
		t.Fatalf("round trip returned %v", got)
	}
}

func TestMarshalCollections(t *testing.T) {
	m := NewMarshaler(NewRegistry())

	list := NewList(1, 2, 3)
	v := m.Marshal(list)
	if v.Kind != KindList || v.Info != (ListInfo{Length: 3}) {
		t.Fatalf("list = %+v", v)
	}

	dict := NewDict()
	dict.SetItem("b", 1)
	dict.SetItem("a", 2)
	v = m.Marshal(dict)
	if v.Kind != KindDict || !reflect.DeepEqual(v.Info, DictInfo{Keys: []string{"b", "a"}}) {
		t.Fatalf("dict = %+v", v)
	}
}

func TestMarshalNativeCollections(t *testing.T) {
	m := NewMarshaler(NewRegistry())

	v := m.Marshal([]string{"x", "y"})
	if v.Kind != KindList || v.Info != (ListInfo{Length: 2}) {
		t.Fatalf("slice = %+v", v)
	}
	native, err := m.Unmarshal(v)
	if err != nil {
		t.Fatal(err)
	}
	list, ok := native.(List)
	if !ok || list.Len() != 2 {
		t.Fatalf("unmarshaled %#v", native)
	}
	if item, err := list.Item(1); err != nil || item != "y" {
		t.Fatalf("item 1 = %v, %v", item, err)
	}

	v = m.Marshal(map[string]int{"z": 1, "a": 2})
	if v.Kind != KindDict || !reflect.DeepEqual(v.Info, DictInfo{Keys: []string{"a", "z"}}) {
		t.Fatalf("map = %+v", v)
	}

	if v := m.Marshal(map[int]string{1: "x"}); v.Kind != KindPrimitive || v.Value != nil {
		t.Fatalf("int-keyed map = %+v, want null", v)
	}
}

func TestNativeCollectionIdentity(t *testing.T) {
	m := NewMarshaler(NewRegistry())
	tags := []string{"a", "b"}
	first := m.Marshal(tags)
	for range 100 {
		if again := m.Marshal(tags); again.Value != first.Value {
			t.Fatalf("identifier changed: %v then %v", first.Value, again.Value)
		}
	}
	if n := m.Registry().Len(); n != 1 {
		t.Fatalf("registry holds %d entries, want 1", n)
	}

	settings := map[string]int{"volume": 7}
	d := m.Marshal(settings)
	if again := m.Marshal(settings); again.Value != d.Value {
		t.Fatalf("map identifier changed: %v then %v", d.Value, again.Value)
	}
	if other := m.Marshal([]string{"a", "b"}); other.Value == first.Value {
		t.Fatal("distinct slices share an identifier")
	}
}

func TestNativeCollectionViewsAreLive(t *testing.T) {
	m := NewMarshaler(NewRegistry())
	tags := []string{"a", "b"}
	native, err := m.Unmarshal(m.Marshal(tags))
	if err != nil {
		t.Fatal(err)
	}
	list := native.(List)
	tags[0] = "z"
	if item, _ := list.Item(0); item != "z" {
		t.Fatalf("item 0 = %v, want z", item)
	}
	if err := list.SetItem(0, "q"); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("SetItem err = %v, want ErrReadOnly", err)
	}
	if tags[0] != "z" {
		t.Fatalf("owner slice changed to %q", tags[0])
	}

	settings := map[string]int{"volume": 7}
	native, err = m.Unmarshal(m.Marshal(settings))
	if err != nil {
		t.Fatal(err)
	}
	dict := native.(Dict)
	settings["brightness"] = 3
	if keys := dict.Keys(); !reflect.DeepEqual(keys, []string{"brightness", "volume"}) {
		t.Fatalf("keys = %v", keys)
	}
	if _, err := dict.Item("missing"); !errors.Is(err, ErrNoKey) {
		t.Fatalf("missing key err = %v", err)
	}
	if err := dict.SetItem("volume", int64(1)); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("SetItem err = %v, want ErrReadOnly", err)
	}
}

func TestForgetDropsNativeView(t *testing.T) {
	m := NewMarshaler(NewRegistry())
	tags := []string{"a"}
	v := m.Marshal(tags)
	id, _ := v.ID()
	m.Registry().Forget(id)
	m.forget(id)
	if again := m.Marshal(tags); again.Value == v.Value {
		t.Fatal("forgotten view kept its identifier")
	}
	if len(m.views) != 1 || len(m.viewKeys) != 1 {
		t.Fatalf("views = %d, keys = %d; want 1 each", len(m.views), len(m.viewKeys))
	}
}

// listInstance is both a List and an Instance.
type listInstance struct {
	*ObservableList
	*Object
}

func TestMarshalPrefersListOverInstance(t *testing.T) {
	m := NewMarshaler(NewRegistry())
	v := m.Marshal(&listInstance{NewList("a"), NewObject("Hybrid")})
	if v.Kind != KindList {
		t.Fatalf("kind = %q, want list", v.Kind)
	}
}

func TestMarshalUnsupportedIsNull(t *testing.T) {
	m := NewMarshaler(NewRegistry())
	for _, v := range []any{func() {}, make(chan int), struct{ A int }{1}} {
		got := m.Marshal(v)
		if got.Kind != KindPrimitive || got.Value != nil {
			t.Errorf("Marshal(%T) = %+v, want null", v, got)
		}
	}
}

func TestMarshalHookRunsOnce(t *testing.T) {
	m := NewMarshaler(NewRegistry())
	var calls []string
	m.onRegister = func(id string, _ any) { calls = append(calls, id) }

	obj := NewObject("Thing")
	m.Marshal(obj)
	m.Marshal(obj)
	if len(calls) != 1 {
		t.Fatalf("hook ran %d times", len(calls))
	}
}

func TestUnmarshalErrors(t *testing.T) {
	m := NewMarshaler(NewRegistry())

	_, err := m.Unmarshal(Value{Kind: KindInstance, Value: "missing"})
	if !errors.Is(err, ErrUnknownIdentifier) {
		t.Fatalf("unknown id err = %v", err)
	}
	_, err = m.Unmarshal(Value{Kind: "set", Value: "x"})
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unknown kind err = %v", err)
	}
	_, err = m.UnmarshalAll([]Value{Primitive(1), {Kind: KindList, Value: "gone"}})
	if !errors.Is(err, ErrUnknownIdentifier) {
		t.Fatalf("UnmarshalAll err = %v", err)
	}
}

func TestValueDecodesIntegersAsInt64(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte(`{"kind":"primitive","value":[1,2.5,{"n":3}]}`), &v); err != nil {
		t.Fatal(err)
	}
	want := []any{int64(1), 2.5, map[string]any{"n": int64(3)}}
	if !reflect.DeepEqual(v.Value, want) {
		t.Fatalf("value = %#v", v.Value)
	}

	if err := json.Unmarshal([]byte(`{"kind":"instance","value":"id","info":{"type_name":"T","attribute_names":["a"],"event_names":[],"method_names":[]}}`), &v); err != nil {
		t.Fatal(err)
	}
	info, ok := v.Info.(InstanceInfo)
	if !ok || info.TypeName != "T" || len(info.AttributeNames) != 1 {
		t.Fatalf("info = %#v", v.Info)
	}
}
