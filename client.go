// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Bridge is the outbound half of a transport: it pushes an encoded event to
// every client connected right now. Implementations must be safe for
// concurrent use. There is no replay for clients that connect later; they
// fetch the current state with a get_context request.
type Bridge interface {
	SendEvent(ctx context.Context, payload []byte) error
}

// BridgeFunc is a function adapter for Bridge
type BridgeFunc func(ctx context.Context, payload []byte) error

func (f BridgeFunc) SendEvent(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// Listener is a served transport endpoint.
type Listener interface {
	// Serve accepts clients until ctx is cancelled or Close is called
	Serve(ctx context.Context) error

	// Close stops the listener
	Close() error

	// Addr returns the listen address
	Addr() string
}

// Client is the protocol-agnostic bridge client interface.
type Client interface {
	// Call sends a request and waits for its response
	Call(ctx context.Context, req Request) (Response, error)

	// CallRaw sends an encoded request and returns the encoded response
	CallRaw(ctx context.Context, payload []byte) ([]byte, error)

	// Events delivers pushed change events until the client is closed
	Events() <-chan Event

	// Close closes the connection
	Close() error
}

// DialOption configures client connections
type DialOption func(*dialOptions)

type dialOptions struct {
	codec     Codec
	transport string // "zap", "grpc"
	buffer    int
}

// WithDialCodec sets a custom codec
func WithDialCodec(c Codec) DialOption {
	return func(o *dialOptions) { o.codec = c }
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.transport = t }
}

// WithEventBuffer sets how many undelivered events a client holds before dropping
func WithEventBuffer(n int) DialOption {
	return func(o *dialOptions) { o.buffer = n }
}

// ListenOption configures listeners
type ListenOption func(*listenOptions)

type listenOptions struct {
	logger zerolog.Logger
	buffer int
}

// WithListenLogger sets the transport logger
func WithListenLogger(l zerolog.Logger) ListenOption {
	return func(o *listenOptions) { o.logger = l }
}

// WithPeerBuffer sets the per-client outbound event queue length
func WithPeerBuffer(n int) ListenOption {
	return func(o *listenOptions) { o.buffer = n }
}

const defaultEventBuffer = 256

// callWithCodec encodes req, performs the raw call and decodes the response.
func callWithCodec(ctx context.Context, codec Codec, req Request, raw func(context.Context, []byte) ([]byte, error)) (Response, error) {
	payload, err := codec.Encode(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	out, err := raw(ctx, payload)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := codec.Decode(out, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// pumpEvents decodes raw event payloads into out until in is closed.
func pumpEvents(codec Codec, in <-chan []byte, out chan<- Event) {
	defer close(out)
	for payload := range in {
		var ev Event
		if err := codec.Decode(payload, &ev); err != nil {
			continue
		}
		out <- ev
	}
}
