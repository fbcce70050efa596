// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bridge keeps a server-side object graph and a remote presentation
// runtime in sync. Objects bound into a Server's context are marshaled into
// identifier-bearing values; clients read and write attributes, call methods
// and index collections by sending requests, and every observed mutation is
// pushed back to them as a change event.
//
// # Objects
//
// Nothing is discovered by reflection. An instance describes itself through
// Describer and answers through Instance; collections implement List or
// Dict; anything that wants its changes pushed implements Observable.
// Object, ObservableList and ObservableDict are ready-made implementations:
//
//	person := bridge.NewObject("Person").
//	    WithAttribute("name", "Ada").
//	    WithMethod("greet", func(ctx context.Context, args []any) (any, error) {
//	        return fmt.Sprintf("hello %v", args[0]), nil
//	    })
//
//	srv := bridge.NewServer(bridge.WithLogger(logger))
//	srv.Bind("person", person)
//
// # Transports
//
// ZAP is the default transport, a length-prefixed frame protocol over TCP
// that carries requests, responses and pushed events on one connection.
// gRPC, WebSocket and JSON-RPC over HTTP are also available, and Injector
// drives an embedded script surface directly:
//
//	l, err := bridge.Listen(bridge.TransportZAP, ":9650", srv)
//	if err != nil {
//	    return err
//	}
//	go l.Serve(ctx)
//
//	client, err := bridge.Dial(ctx, l.Addr())
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	resp, err := client.Call(ctx, bridge.Request{Kind: bridge.GetContext})
//
// # Asynchronous requests
//
// A request with Thread set runs on a Future. The response carries a token;
// the result arrives later as a "done" or "error" event whose Obj is that
// token.
package bridge
