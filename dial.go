// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Dial connects to a bridge server using the default transport (ZAP).
// Use WithTransport for transport selection.
func Dial(ctx context.Context, addr string, opts ...DialOption) (Client, error) {
	o := &dialOptions{
		transport: DefaultTransport,
		buffer:    defaultEventBuffer,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.codec = codecOrDefault(o.codec)

	t, ok := lookupTransport(o.transport)
	if !ok || t.dial == nil {
		return nil, fmt.Errorf("unknown transport: %s", o.transport)
	}
	return t.dial(ctx, addr, o)
}

// Listen serves srv on addr using the given transport type.
func Listen(transport, addr string, srv *Server, opts ...ListenOption) (Listener, error) {
	o := &listenOptions{
		logger: zerolog.Nop(),
		buffer: defaultEventBuffer,
	}
	for _, opt := range opts {
		opt(o)
	}

	t, ok := lookupTransport(transport)
	if !ok || t.listen == nil {
		return nil, fmt.Errorf("unknown transport: %s", transport)
	}
	return t.listen(addr, srv, o)
}
