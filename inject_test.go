// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type scriptLog struct {
	mu      sync.Mutex
	scripts []string
}

func (l *scriptLog) Eval(script string) error {
	l.mu.Lock()
	l.scripts = append(l.scripts, script)
	l.mu.Unlock()
	return nil
}

func (l *scriptLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.scripts...)
}

func TestInjectorEvents(t *testing.T) {
	srv := NewServer()
	person := newPerson()
	srv.Bind("person", person)

	surface := &scriptLog{}
	inj := NewInjector(srv, surface, WithSnippetTemplate("app.push({{payload}})"))
	inj.Open()
	defer inj.Close()
	if srv.Clients() != 1 {
		t.Fatalf("clients = %d", srv.Clients())
	}

	person.Set("name", "Lin")

	scripts := surface.all()
	if len(scripts) != 1 {
		t.Fatalf("scripts = %q", scripts)
	}
	script := scripts[0]
	if !strings.HasPrefix(script, "app.push({") || !strings.HasSuffix(script, "})") {
		t.Fatalf("script = %q", script)
	}
	var ev Event
	if err := json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(script, "app.push("), ")")), &ev); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ev.Name != "name" || ev.Data.Value != "Lin" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestInjectorInject(t *testing.T) {
	srv := NewServer()
	person := newPerson()
	srv.Bind("person", person)
	inj := NewInjector(srv, SurfaceFunc(func(string) error { return nil }))

	raw, _ := json.Marshal(Request{Kind: GetInstanceAttribute, ID: idOf(t, srv, person), AttributeName: "name"})
	var resp Response
	if err := json.Unmarshal([]byte(inj.Inject(string(raw))), &resp); err != nil {
		t.Fatal(err)
	}
	if got := mustResult(t, resp); got.Value != "Ada" {
		t.Fatalf("result = %+v", got)
	}
}

func TestInjectorServeClosesOnCancel(t *testing.T) {
	srv := NewServer()
	transient := NewObject("Transient")
	srv.Marshaler().Marshal(transient)

	inj := NewInjector(srv, &scriptLog{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inj.Serve(ctx) }()
	waitClients(t, srv, 1)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
	if srv.Clients() != 0 {
		t.Fatalf("clients = %d", srv.Clients())
	}
	if _, ok := srv.Registry().ID(transient); ok {
		t.Fatal("unreachable object survived the last disconnect")
	}
	if inj.Close() != nil {
		t.Fatal("second Close failed")
	}
}

func TestDefaultSnippet(t *testing.T) {
	inj := NewInjector(NewServer(), &scriptLog{})
	if got := inj.Snippet([]byte(`{"a":1}`)); got != `window.bridge.receive({"a":1});` {
		t.Fatalf("snippet = %q", got)
	}
}

func newLuaInjector(t *testing.T, srv *Server) *LuaSurface {
	t.Helper()
	surface, err := NewLuaSurface()
	if err != nil {
		t.Fatal(err)
	}
	inj := NewInjector(srv, surface)
	surface.Connect(inj)
	inj.Open()
	t.Cleanup(func() { inj.Close() })
	return surface
}

func TestLuaSurface(t *testing.T) {
	srv := NewServer()
	person := newPerson()
	srv.Bind("person", person)
	surface := newLuaInjector(t, srv)

	if err := surface.Eval(`bridge.receive = function(payload) last = payload end`); err != nil {
		t.Fatal(err)
	}
	person.Set("name", "Lua")
	last, ok := surface.GlobalString("last")
	if !ok || !strings.Contains(last, `"Lua"`) {
		t.Fatalf("last = %q", last)
	}

	if err := surface.Eval(`resp = bridge.request([==[{"kind":"get_context"}]==])`); err != nil {
		t.Fatal(err)
	}
	resp, _ := surface.GlobalString("resp")
	if !strings.Contains(resp, `"person"`) {
		t.Fatalf("resp = %q", resp)
	}

	if err := surface.Eval("this is not lua"); err == nil {
		t.Fatal("syntax error accepted")
	}
}

func TestLuaEventPayloadIsNotCode(t *testing.T) {
	srv := NewServer()
	person := newPerson()
	srv.Bind("person", person)
	surface := newLuaInjector(t, srv)
	if err := surface.Eval(`bridge.receive = function(payload) last = payload end`); err != nil {
		t.Fatal(err)
	}

	hostile := Primitive("x]==]) pwned = 'yes' --")
	raw, _ := json.Marshal(Request{Kind: SetInstanceAttribute, ID: idOf(t, srv, person), AttributeName: "name", Value: &hostile})
	var resp Response
	if err := json.Unmarshal(srv.HandleRequest(raw), &resp); err != nil {
		t.Fatal(err)
	}
	mustResult(t, resp)

	if pwned, ok := surface.GlobalString("pwned"); ok {
		t.Fatalf("payload ran as code: pwned = %q", pwned)
	}
	last, _ := surface.GlobalString("last")
	var ev Event
	if err := json.Unmarshal([]byte(last), &ev); err != nil {
		t.Fatalf("payload %q: %v", last, err)
	}
	if ev.Data.Value != hostile.Value {
		t.Fatalf("event data = %+v", ev.Data)
	}
}

func TestLuaReceiveMaySendRequests(t *testing.T) {
	srv := NewServer()
	person := newPerson().WithAttribute("age", int64(36))
	srv.Bind("person", person)
	surface := newLuaInjector(t, srv)

	age := Primitive(int64(37))
	raw, _ := json.Marshal(Request{Kind: SetInstanceAttribute, ID: idOf(t, srv, person), AttributeName: "age", Value: &age})
	surface.state.PushString(string(raw))
	surface.state.SetGlobal("set_age")
	err := surface.Eval(`
received = 0
bridge.receive = function(payload)
  received = received + 1
  if received == 1 then
    reply = bridge.request(set_age)
  end
end`)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		person.Set("name", "Lin")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("request from bridge.receive deadlocked")
	}

	if got, _ := person.Get("age"); got != int64(37) {
		t.Fatalf("age = %v", got)
	}
	reply, _ := surface.GlobalString("reply")
	if !strings.Contains(reply, `"exception":null`) {
		t.Fatalf("reply = %q", reply)
	}
	surface.state.Global("received")
	n, _ := surface.state.ToInteger(-1)
	surface.state.Pop(1)
	if n != 2 {
		t.Fatalf("received %d events, want 2", n)
	}
}

func TestInjectorQueuesReentrantEvents(t *testing.T) {
	srv := NewServer()
	var inj *Injector
	var scripts []string
	inj = NewInjector(srv, SurfaceFunc(func(script string) error {
		scripts = append(scripts, script)
		if len(scripts) == 1 {
			if err := inj.SendEvent(context.Background(), []byte(`2`)); err != nil {
				return err
			}
			if len(scripts) != 1 {
				return errors.New("nested event evaluated during the outer one")
			}
		}
		return nil
	}), WithSnippetTemplate("push({{payload}})"))

	if err := inj.SendEvent(context.Background(), []byte(`1`)); err != nil {
		t.Fatal(err)
	}
	if strings.Join(scripts, ";") != "push(1);push(2)" {
		t.Fatalf("scripts = %q", scripts)
	}
}
