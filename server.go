// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const tracerName = "github.com/luxfi/bridge"

// ServerOption configures a Server
type ServerOption func(*serverOptions)

type serverOptions struct {
	codec       Codec
	dispatcher  Dispatcher
	logger      zerolog.Logger
	maxInFlight int64
	registry    *Registry
	tracer      trace.Tracer
}

// WithCodec sets the codec for requests, responses and events
func WithCodec(c Codec) ServerOption {
	return func(o *serverOptions) { o.codec = c }
}

// WithCallbackDispatcher sets where async completion callbacks run
func WithCallbackDispatcher(d Dispatcher) ServerOption {
	return func(o *serverOptions) { o.dispatcher = d }
}

// WithLogger sets the server logger
func WithLogger(l zerolog.Logger) ServerOption {
	return func(o *serverOptions) { o.logger = l }
}

// WithMaxInFlight caps concurrently running async requests; 0 means no cap
func WithMaxInFlight(n int) ServerOption {
	return func(o *serverOptions) { o.maxInFlight = int64(n) }
}

// WithRegistry shares a registry instead of creating one per server
func WithRegistry(r *Registry) ServerOption {
	return func(o *serverOptions) { o.registry = r }
}

// WithTracer overrides the otel tracer
func WithTracer(t trace.Tracer) ServerOption {
	return func(o *serverOptions) { o.tracer = t }
}

// Server dispatches requests against a context of bound objects and pushes
// change events to every attached Bridge.
type Server struct {
	registry   *Registry
	marshaler  *Marshaler
	notifier   *Notifier
	codec      Codec
	dispatcher Dispatcher
	log        zerolog.Logger
	tracer     trace.Tracer
	inFlight   *semaphore.Weighted

	mu      sync.RWMutex
	names   []string
	context map[string]any

	bridgesMu  sync.RWMutex
	bridges    map[int]Bridge
	nextBridge int
	clients    int
}

// NewServer creates a server with an empty context.
func NewServer(opts ...ServerOption) *Server {
	o := &serverOptions{
		dispatcher: SameGoroutine,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = NewRegistry()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}

	s := &Server{
		registry:   o.registry,
		marshaler:  NewMarshaler(o.registry),
		codec:      codecOrDefault(o.codec),
		dispatcher: o.dispatcher,
		log:        o.logger.With().Str("component", "bridge").Logger(),
		tracer:     o.tracer,
		context:    make(map[string]any),
		bridges:    make(map[int]Bridge),
	}
	if o.maxInFlight > 0 {
		s.inFlight = semaphore.NewWeighted(o.maxInFlight)
	}
	s.marshaler.log = s.log
	s.notifier = NewNotifier(s.marshaler, s.emit)
	s.marshaler.onRegister = s.notifier.Watch
	return s
}

func (s *Server) Registry() *Registry   { return s.registry }
func (s *Server) Marshaler() *Marshaler { return s.marshaler }

// Attach adds a bridge to the event fan-out. The returned func detaches it.
func (s *Server) Attach(b Bridge) (detach func()) {
	s.bridgesMu.Lock()
	id := s.nextBridge
	s.nextBridge++
	s.bridges[id] = b
	s.bridgesMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.bridgesMu.Lock()
			delete(s.bridges, id)
			s.bridgesMu.Unlock()
		})
	}
}

// ClientConnected is called by transports when a client appears.
func (s *Server) ClientConnected() {
	s.bridgesMu.Lock()
	s.clients++
	n := s.clients
	s.bridgesMu.Unlock()
	clientsConnected.Inc()
	s.log.Debug().Int("clients", n).Msg("client connected")
}

// ClientDisconnected is called by transports when a client is gone. Once no
// client remains, registry entries unreachable from the context are pruned.
func (s *Server) ClientDisconnected() {
	s.bridgesMu.Lock()
	if s.clients > 0 {
		s.clients--
		clientsConnected.Dec()
	}
	n := s.clients
	s.bridgesMu.Unlock()
	s.log.Debug().Int("clients", n).Msg("client disconnected")
	if n == 0 {
		s.Prune()
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.bridgesMu.RLock()
	defer s.bridgesMu.RUnlock()
	return s.clients
}

// Prune forgets every registry entry not reachable from the context.
func (s *Server) Prune() []string {
	s.mu.RLock()
	roots := make([]any, 0, len(s.names))
	for _, name := range s.names {
		roots = append(roots, s.context[name])
	}
	s.mu.RUnlock()

	removed := s.registry.Prune(roots)
	for _, id := range removed {
		s.notifier.Unwatch(id)
		s.marshaler.forget(id)
	}
	if len(removed) > 0 {
		registryPruned.Add(float64(len(removed)))
		s.log.Debug().Int("removed", len(removed)).Msg("registry pruned")
	}
	return removed
}

// Bind exposes obj under a top-level name and announces it with a
// context_updated event.
func (s *Server) Bind(name string, obj any) {
	v := s.marshaler.Marshal(obj)
	s.mu.Lock()
	if _, ok := s.context[name]; !ok {
		s.names = append(s.names, name)
	}
	s.context[name] = obj
	s.mu.Unlock()
	s.log.Info().Str("name", name).Str("kind", string(v.Kind)).Msg("bound")
	s.emit(Event{
		Obj:  ContextObject,
		Name: ContextUpdated,
		Data: Primitive(map[string]Value{name: v}),
	})
}

// Context returns the marshaled form of every bound name.
//
// On the wire, get_context answers and context_updated events carry this map
// as a primitive whose value is a JSON object from name to a full Value:
//
//	{"kind":"primitive","value":{"person":{"kind":"instance","value":"<id>","info":{...}}}}
//
// A context_updated event holds only the name just bound. Clients decode
// each entry as a Value in its own right.
func (s *Server) Context() map[string]Value {
	s.mu.RLock()
	bound := make(map[string]any, len(s.context))
	for name, obj := range s.context {
		bound[name] = obj
	}
	s.mu.RUnlock()
	out := make(map[string]Value, len(bound))
	for name, obj := range bound {
		out[name] = s.marshaler.Marshal(obj)
	}
	return out
}

// HandleRequest decodes one request, runs it and encodes the response.
func (s *Server) HandleRequest(raw []byte) []byte {
	return s.HandleRequestContext(context.Background(), raw)
}

// HandleRequestContext is HandleRequest with a caller context for tracing.
func (s *Server) HandleRequestContext(ctx context.Context, raw []byte) []byte {
	resp := s.handle(ctx, raw)
	out, err := s.codec.Encode(resp)
	if err != nil {
		msg := fmt.Sprintf("encode response: %v", err)
		out, _ = s.codec.Encode(Response{Exception: &msg})
	}
	return out
}

func (s *Server) handle(ctx context.Context, raw []byte) Response {
	var req Request
	if err := s.codec.Decode(raw, &req); err != nil {
		s.log.Warn().Err(err).Msg("undecodable request")
		recordRequest("", outcomeError, 0)
		return failure(pkgerrors.Wrap(err, "decode request"))
	}

	ctx, span := s.tracer.Start(ctx, "bridge.request", trace.WithAttributes(
		attribute.String("bridge.kind", string(req.Kind)),
		attribute.Bool("bridge.thread", req.Thread),
	))
	defer span.End()

	start := time.Now()
	h, ok := handlers[req.Kind]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownRequest, req.Kind)
		recordRequest(req.Kind, outcomeError, time.Since(start))
		span.SetStatus(codes.Error, err.Error())
		s.log.Warn().Str("kind", string(req.Kind)).Msg("unknown request kind")
		return failure(err)
	}
	if req.Thread {
		recordRequest(req.Kind, outcomeAsync, 0)
		return s.handleAsync(ctx, h, req)
	}

	result, err := s.invoke(ctx, h, req)
	if err != nil {
		recordRequest(req.Kind, outcomeError, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Debug().Err(err).Str("kind", string(req.Kind)).Str("id", req.ID).Msg("request failed")
		return failure(err)
	}
	recordRequest(req.Kind, outcomeOK, time.Since(start))
	return Response{Result: &result}
}

// invoke runs h, converting returned errors and panics into stacked errors.
func (s *Server) invoke(ctx context.Context, h handlerFunc, req Request) (v Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()
	v, err = h(ctx, s, req)
	if err != nil {
		return Value{}, pkgerrors.WithStack(err)
	}
	return v, nil
}

// handleAsync runs h on a Future and answers with the future's token. The
// outcome follows as a done or error event addressed to the token.
func (s *Server) handleAsync(ctx context.Context, h handlerFunc, req Request) Response {
	f := Go(context.WithoutCancel(ctx), func(ctx context.Context) (any, error) {
		if s.inFlight != nil {
			if err := s.inFlight.Acquire(ctx, 1); err != nil {
				return nil, err
			}
			defer s.inFlight.Release(1)
		}
		return s.invoke(ctx, h, req)
	}, WithDispatcher(s.dispatcher))

	token, _, err := s.registry.Register(f)
	if err != nil {
		return failure(err)
	}
	s.registry.Pin(token)
	asyncInFlight.Inc()
	s.log.Debug().Str("kind", string(req.Kind)).Str("token", token).Msg("async request started")

	// The promise orders progress callbacks before its terminal ones, so
	// progress events, including the final 1.0, precede done.
	f.OnProgress(func(p float64) {
		s.emit(Event{Obj: token, Name: EventProgress, Data: Primitive(p)})
	})
	f.OnDone(func(v any) {
		s.finish(token, Event{Obj: token, Name: EventDone, Data: v.(Value)})
	})
	f.OnError(func(err error) {
		s.log.Debug().Err(err).Str("token", token).Msg("async request failed")
		s.finish(token, Event{Obj: token, Name: EventError, Data: Primitive(fmt.Sprintf("%+v", err))})
	})

	result := Primitive(token)
	return Response{Result: &result}
}

func (s *Server) finish(token string, ev Event) {
	asyncInFlight.Dec()
	s.emit(ev)
	s.registry.Unpin(token)
	s.registry.Forget(token)
}

// emit encodes ev and hands it to every attached bridge.
func (s *Server) emit(ev Event) {
	payload, err := s.codec.Encode(ev)
	if err != nil {
		s.log.Error().Err(err).Str("obj", ev.Obj).Str("name", ev.Name).Msg("encode event")
		return
	}
	eventsTotal.Inc()
	s.bridgesMu.RLock()
	targets := make([]Bridge, 0, len(s.bridges))
	for _, b := range s.bridges {
		targets = append(targets, b)
	}
	s.bridgesMu.RUnlock()
	for _, b := range targets {
		if err := b.SendEvent(context.Background(), payload); err != nil {
			s.log.Warn().Err(err).Str("obj", ev.Obj).Str("name", ev.Name).Msg("send event")
		}
	}
}

func failure(err error) Response {
	msg := fmt.Sprintf("%+v", err)
	return Response{Exception: &msg}
}
