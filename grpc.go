// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

const (
	grpcServiceName  = "luxfi.bridge.Bridge"
	grpcHandleMethod = "/" + grpcServiceName + "/Handle"
	grpcEventsMethod = "/" + grpcServiceName + "/Events"
	grpcRawCodecName = "bridge-raw"
)

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// rawFrame carries an already encoded bridge message through gRPC.
type rawFrame struct {
	data []byte
}

// rawCodec passes frames through unchanged; the bridge codec owns the encoding.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("bridge/grpc: cannot marshal %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("bridge/grpc: cannot unmarshal into %T", v)
	}
	f.data = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return grpcRawCodecName }

// bridgeService is the handler type checked by grpc.Server.RegisterService.
type bridgeService interface {
	handle(ctx context.Context, in *rawFrame) (*rawFrame, error)
	events(stream grpc.ServerStream) error
}

var bridgeServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*bridgeService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Handle", Handler: handleHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Events", Handler: eventsHandler, ServerStreams: true},
	},
}

func handleHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(rawFrame)
	if err := dec(in); err != nil {
		return nil, err
	}
	svc := srv.(bridgeService)
	if interceptor == nil {
		return svc.handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcHandleMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return svc.handle(ctx, req.(*rawFrame))
	})
}

func eventsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(bridgeService).events(stream)
}

// GRPCServer serves a bridge Server over gRPC. Handle answers requests and
// Events streams change events to each subscribed client.
type GRPCServer struct {
	listener net.Listener
	srv      *Server
	server   *grpc.Server
	log      zerolog.Logger
	buffer   int

	mu          sync.Mutex
	subscribers map[chan []byte]struct{}
}

// NewGRPCServer creates a gRPC server for srv on listener
func NewGRPCServer(listener net.Listener, srv *Server, opts ...ListenOption) *GRPCServer {
	o := &listenOptions{logger: zerolog.Nop(), buffer: defaultEventBuffer}
	for _, opt := range opts {
		opt(o)
	}
	g := &GRPCServer{
		listener:    listener,
		srv:         srv,
		server:      grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler())),
		log:         o.logger.With().Str("transport", TransportGRPC).Logger(),
		buffer:      max(o.buffer, 1),
		subscribers: make(map[chan []byte]struct{}),
	}
	g.server.RegisterService(&bridgeServiceDesc, g)
	return g
}

func listenGRPC(addr string, srv *Server, o *listenOptions) (Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen: %w", err)
	}
	return NewGRPCServer(listener, srv, WithListenLogger(o.logger), WithPeerBuffer(o.buffer)), nil
}

func (g *GRPCServer) handle(ctx context.Context, in *rawFrame) (*rawFrame, error) {
	return &rawFrame{data: g.srv.HandleRequestContext(ctx, in.data)}, nil
}

func (g *GRPCServer) events(stream grpc.ServerStream) error {
	var hello rawFrame
	if err := stream.RecvMsg(&hello); err != nil {
		return err
	}

	ch := make(chan []byte, g.buffer)
	g.mu.Lock()
	g.subscribers[ch] = struct{}{}
	g.mu.Unlock()
	g.srv.ClientConnected()
	defer func() {
		g.mu.Lock()
		delete(g.subscribers, ch)
		g.mu.Unlock()
		g.srv.ClientDisconnected()
	}()

	ctx := stream.Context()
	for {
		select {
		case payload := <-ch:
			if err := stream.SendMsg(&rawFrame{data: payload}); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// SendEvent queues payload for every subscribed stream. Streams whose queue
// is full miss the event.
func (g *GRPCServer) SendEvent(_ context.Context, payload []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for ch := range g.subscribers {
		select {
		case ch <- payload:
		default:
			eventDropped(TransportGRPC)
			g.log.Warn().Msg("event dropped")
		}
	}
	return nil
}

// Serve serves until ctx is done or Close is called
func (g *GRPCServer) Serve(ctx context.Context) error {
	detach := g.srv.Attach(g)
	defer detach()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			g.server.Stop()
		case <-stop:
		}
	}()

	g.log.Info().Str("addr", g.Addr()).Msg("serving")
	return g.server.Serve(g.listener)
}

// Close stops the server and ends every stream
func (g *GRPCServer) Close() error {
	g.server.Stop()
	return nil
}

// Addr returns the listener address
func (g *GRPCServer) Addr() string {
	return g.listener.Addr().String()
}

// grpcClient implements Client using gRPC transport
type grpcClient struct {
	conn   *grpc.ClientConn
	codec  Codec
	events chan Event
	cancel context.CancelFunc
}

func dialGRPC(_ context.Context, addr string, o *dialOptions) (Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(grpcRawCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(streamCtx, &bridgeServiceDesc.Streams[0], grpcEventsMethod)
	if err == nil {
		err = stream.SendMsg(&rawFrame{})
	}
	if err == nil {
		err = stream.CloseSend()
	}
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("grpc subscribe: %w", err)
	}

	raw := make(chan []byte, max(o.buffer, 1))
	go func() {
		defer close(raw)
		for {
			var f rawFrame
			if err := stream.RecvMsg(&f); err != nil {
				return
			}
			select {
			case raw <- f.data:
			default:
			}
		}
	}()

	c := &grpcClient{
		conn:   conn,
		codec:  o.codec,
		events: make(chan Event, max(o.buffer, 1)),
		cancel: cancel,
	}
	go pumpEvents(c.codec, raw, c.events)
	return c, nil
}

func (c *grpcClient) Call(ctx context.Context, req Request) (Response, error) {
	return callWithCodec(ctx, c.codec, req, c.CallRaw)
}

func (c *grpcClient) CallRaw(ctx context.Context, payload []byte) ([]byte, error) {
	out := new(rawFrame)
	if err := c.conn.Invoke(ctx, grpcHandleMethod, &rawFrame{data: payload}, out); err != nil {
		return nil, err
	}
	return out.data, nil
}

func (c *grpcClient) Events() <-chan Event {
	return c.events
}

func (c *grpcClient) Close() error {
	c.cancel()
	return c.conn.Close()
}
