// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"sort"
)

// Transport types
const (
	TransportZAP  = "zap"  // Length-prefixed frames over TCP, default
	TransportGRPC = "grpc" // Google RPC with a server-streamed event feed
	TransportJSON = "json" // JSON-RPC over HTTP, inbound only
	TransportWS   = "ws"   // WebSocket text frames, for browser pages
)

// DefaultTransport is the default transport type (ZAP)
const DefaultTransport = TransportZAP

type dialFunc func(ctx context.Context, addr string, o *dialOptions) (Client, error)
type listenFunc func(addr string, srv *Server, o *listenOptions) (Listener, error)

type transportFuncs struct {
	dial   dialFunc
	listen listenFunc
}

// transports is read-only after package initialization.
var transports = map[string]transportFuncs{
	TransportZAP:  {dialZAP, listenZAP},
	TransportGRPC: {dialGRPC, listenGRPC},
	TransportJSON: {nil, listenJSON},
	TransportWS:   {dialWS, listenWS},
}

func lookupTransport(name string) (transportFuncs, bool) {
	t, ok := transports[name]
	return t, ok
}

// AvailableTransports returns the sorted list of available transport types
func AvailableTransports() []string {
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	_, ok := lookupTransport(name)
	return ok
}
