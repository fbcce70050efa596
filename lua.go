// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"fmt"

	"github.com/Shopify/go-lua"
)

// LuaSurface is a Surface backed by an embedded Lua state. Scripts see a
// global bridge table: they assign bridge.receive to get events and, once
// Connect was called, send encoded requests with bridge.request(raw).
// Events reach bridge.receive as a string argument; they are never
// spliced into Lua source.
//
// The state is not safe for concurrent use. Injector serializes event
// delivery; callers evaluating scripts directly must not race with it.
type LuaSurface struct {
	state *lua.State
}

// NewLuaSurface creates a Lua state with the standard libraries and a
// bridge table whose receive function ignores events.
func NewLuaSurface() (*LuaSurface, error) {
	state := lua.NewState()
	lua.OpenLibraries(state)
	if err := lua.DoString(state, "bridge = { receive = function(payload) end }"); err != nil {
		return nil, fmt.Errorf("lua init: %w", err)
	}
	return &LuaSurface{state: state}, nil
}

func (s *LuaSurface) Eval(script string) error {
	defer s.state.SetTop(s.state.Top())
	return lua.DoString(s.state, script)
}

// Receive calls bridge.receive with payload.
func (s *LuaSurface) Receive(payload []byte) error {
	defer s.state.SetTop(s.state.Top())
	s.state.Global("bridge")
	if s.state.TypeOf(-1) != lua.TypeTable {
		return fmt.Errorf("lua receive: bridge is a %s", lua.TypeNameOf(s.state, -1))
	}
	s.state.Field(-1, "receive")
	if s.state.TypeOf(-1) != lua.TypeFunction {
		return fmt.Errorf("lua receive: bridge.receive is a %s", lua.TypeNameOf(s.state, -1))
	}
	s.state.PushString(string(payload))
	if err := s.state.ProtectedCall(1, 0, 0); err != nil {
		return fmt.Errorf("lua receive: %w", err)
	}
	return nil
}

// EvalFile runs the Lua file at path
func (s *LuaSurface) EvalFile(path string) error {
	defer s.state.SetTop(s.state.Top())
	return lua.DoFile(s.state, path)
}

// Connect installs bridge.request, which answers one encoded request
// through inj and returns the encoded response.
func (s *LuaSurface) Connect(inj *Injector) {
	s.state.Global("bridge")
	lua.SetFunctions(s.state, []lua.RegistryFunction{
		{Name: "request", Function: func(state *lua.State) int {
			raw := lua.CheckString(state, 1)
			state.PushString(inj.Inject(raw))
			return 1
		}},
	}, 0)
	s.state.Pop(1)
}

// GlobalString reads a global string variable.
func (s *LuaSurface) GlobalString(name string) (string, bool) {
	s.state.Global(name)
	defer s.state.Pop(1)
	return s.state.ToString(-1)
}
