// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"fmt"
	"math"
)

type handlerFunc func(ctx context.Context, s *Server, req Request) (Value, error)

// handlers is the closed table of request kinds.
var handlers = map[RequestKind]handlerFunc{
	GetInstanceAttribute: getInstanceAttribute,
	SetInstanceAttribute: setInstanceAttribute,
	CallInstanceMethod:   callInstanceMethod,
	FireInstanceEvent:    fireInstanceEvent,
	GetItem:              getItem,
	SetItem:              setItem,
	GetContext:           getContext,
}

func getInstanceAttribute(_ context.Context, s *Server, req Request) (Value, error) {
	inst, err := s.instance(req.ID)
	if err != nil {
		return Value{}, err
	}
	if req.AttributeName == "" {
		return Value{}, fmt.Errorf("%w: attribute_name", ErrMissingField)
	}
	v, err := inst.GetAttribute(req.AttributeName)
	if err != nil {
		return Value{}, err
	}
	return s.marshaler.Marshal(v), nil
}

func setInstanceAttribute(_ context.Context, s *Server, req Request) (Value, error) {
	inst, err := s.instance(req.ID)
	if err != nil {
		return Value{}, err
	}
	if req.AttributeName == "" {
		return Value{}, fmt.Errorf("%w: attribute_name", ErrMissingField)
	}
	if req.Value == nil {
		return Value{}, fmt.Errorf("%w: value", ErrMissingField)
	}
	v, err := s.marshaler.Unmarshal(*req.Value)
	if err != nil {
		return Value{}, err
	}
	if err := inst.SetAttribute(req.AttributeName, v); err != nil {
		return Value{}, err
	}
	return Primitive(nil), nil
}

func callInstanceMethod(ctx context.Context, s *Server, req Request) (Value, error) {
	inst, err := s.instance(req.ID)
	if err != nil {
		return Value{}, err
	}
	if req.MethodName == "" {
		return Value{}, fmt.Errorf("%w: method_name", ErrMissingField)
	}
	args, err := s.marshaler.UnmarshalAll(req.Args)
	if err != nil {
		return Value{}, err
	}
	out, err := inst.CallMethod(ctx, req.MethodName, args)
	if err != nil {
		return Value{}, err
	}
	return s.marshaler.Marshal(out), nil
}

func fireInstanceEvent(_ context.Context, s *Server, req Request) (Value, error) {
	obj, err := s.registry.Lookup(req.ID)
	if err != nil {
		return Value{}, err
	}
	src, ok := obj.(EventSource)
	if !ok {
		return Value{}, fmt.Errorf("%w: %T", ErrNotEventSource, obj)
	}
	if req.EventName == "" {
		return Value{}, fmt.Errorf("%w: event_name", ErrMissingField)
	}
	args, err := s.marshaler.UnmarshalAll(req.Args)
	if err != nil {
		return Value{}, err
	}
	if err := src.FireEvent(req.EventName, args); err != nil {
		return Value{}, err
	}
	return Primitive(nil), nil
}

func getItem(_ context.Context, s *Server, req Request) (Value, error) {
	obj, key, err := s.collectionKey(req)
	if err != nil {
		return Value{}, err
	}
	var v any
	switch c := obj.(type) {
	case List:
		i, err := toIndex(key)
		if err != nil {
			return Value{}, err
		}
		v, err = c.Item(i)
		if err != nil {
			return Value{}, err
		}
	case Dict:
		k, ok := key.(string)
		if !ok {
			return Value{}, fmt.Errorf("%w: dict key must be a string, got %T", ErrNoKey, key)
		}
		v, err = c.Item(k)
		if err != nil {
			return Value{}, err
		}
	}
	return s.marshaler.Marshal(v), nil
}

func setItem(_ context.Context, s *Server, req Request) (Value, error) {
	obj, key, err := s.collectionKey(req)
	if err != nil {
		return Value{}, err
	}
	if req.Value == nil {
		return Value{}, fmt.Errorf("%w: value", ErrMissingField)
	}
	v, err := s.marshaler.Unmarshal(*req.Value)
	if err != nil {
		return Value{}, err
	}
	switch c := obj.(type) {
	case List:
		i, err := toIndex(key)
		if err != nil {
			return Value{}, err
		}
		if err := c.SetItem(i, v); err != nil {
			return Value{}, err
		}
	case Dict:
		k, ok := key.(string)
		if !ok {
			return Value{}, fmt.Errorf("%w: dict key must be a string, got %T", ErrNoKey, key)
		}
		if err := c.SetItem(k, v); err != nil {
			return Value{}, err
		}
	}
	return Primitive(nil), nil
}

func getContext(_ context.Context, s *Server, _ Request) (Value, error) {
	return Primitive(s.Context()), nil
}

func (s *Server) instance(id string) (Instance, error) {
	obj, err := s.registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	inst, ok := obj.(Instance)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotInstance, obj)
	}
	return inst, nil
}

// collectionKey resolves the target list or dict and the unmarshaled key.
func (s *Server) collectionKey(req Request) (any, any, error) {
	obj, err := s.registry.Lookup(req.ID)
	if err != nil {
		return nil, nil, err
	}
	switch obj.(type) {
	case List, Dict:
	default:
		return nil, nil, fmt.Errorf("%w: %T", ErrNotCollection, obj)
	}
	if req.Key == nil {
		return nil, nil, fmt.Errorf("%w: key", ErrMissingField)
	}
	key, err := s.marshaler.Unmarshal(*req.Key)
	if err != nil {
		return nil, nil, err
	}
	return obj, key, nil
}

func toIndex(key any) (int, error) {
	switch k := key.(type) {
	case int:
		return k, nil
	case int64:
		return int(k), nil
	case int32:
		return int(k), nil
	case float64:
		if k == math.Trunc(k) {
			return int(k), nil
		}
	}
	return 0, fmt.Errorf("%w: list index must be an integer, got %v", ErrIndexOutOfRange, key)
}
