// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// PayloadPlaceholder is replaced by the encoded event in a snippet template.
const PayloadPlaceholder = "{{payload}}"

// DefaultSnippetTemplate hands each event to the page-side bridge object.
// The payload is JSON, which is a valid JavaScript expression as is.
const DefaultSnippetTemplate = "window.bridge.receive(" + PayloadPlaceholder + ");"

// Surface evaluates script in an embedded presentation runtime, such as a
// webview. Eval may be called from any goroutine but never concurrently.
type Surface interface {
	Eval(script string) error
}

// Receiver is a Surface that takes event payloads as values. Injector
// prefers Receive over rendering a snippet.
type Receiver interface {
	Surface
	Receive(payload []byte) error
}

// SurfaceFunc is a function adapter for Surface
type SurfaceFunc func(script string) error

func (f SurfaceFunc) Eval(script string) error { return f(script) }

// InjectorOption configures an Injector
type InjectorOption func(*Injector)

// WithSnippetTemplate sets the script template used for events on surfaces
// that are not Receivers. An empty template keeps the default.
func WithSnippetTemplate(tmpl string) InjectorOption {
	return func(i *Injector) {
		if tmpl != "" {
			i.template = tmpl
		}
	}
}

// WithInjectorLogger sets the injector logger
func WithInjectorLogger(l zerolog.Logger) InjectorOption {
	return func(i *Injector) { i.log = l }
}

// Injector connects a Server to a Surface by call injection. Outbound
// events are delivered to the surface; inbound requests arrive through
// Inject as raw encoded strings.
//
// Events are delivered one at a time in arrival order. An event raised while
// another is being delivered, for instance by a request the surface sends
// from its receive handler, is queued and delivered after the current one
// returns.
type Injector struct {
	srv      *Server
	surface  Surface
	template string
	log      zerolog.Logger

	qmu        sync.Mutex
	queue      [][]byte
	delivering bool

	mu     sync.Mutex
	detach func()
}

// NewInjector creates an injector for srv. It is inert until Open or Serve.
func NewInjector(srv *Server, surface Surface, opts ...InjectorOption) *Injector {
	i := &Injector{
		srv:      srv,
		surface:  surface,
		template: DefaultSnippetTemplate,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if !strings.Contains(i.template, PayloadPlaceholder) {
		i.log.Warn().Str("template", i.template).Msg("snippet template has no payload placeholder")
	}
	i.log = i.log.With().Str("transport", "inject").Logger()
	return i
}

// Open attaches the injector to the server's event fan-out and counts the
// surface as a connected client.
func (i *Injector) Open() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.detach != nil {
		return
	}
	i.detach = i.srv.Attach(i)
	i.srv.ClientConnected()
}

// Close detaches the injector
func (i *Injector) Close() error {
	i.mu.Lock()
	detach := i.detach
	i.detach = nil
	i.mu.Unlock()
	if detach == nil {
		return nil
	}
	detach()
	i.srv.ClientDisconnected()
	return nil
}

// Serve opens the injector and keeps it open until ctx is done
func (i *Injector) Serve(ctx context.Context) error {
	i.Open()
	<-ctx.Done()
	return i.Close()
}

// Addr names the transport; an injector has no network address.
func (i *Injector) Addr() string { return "inject" }

// Snippet renders payload into the configured template
func (i *Injector) Snippet(payload []byte) string {
	return strings.ReplaceAll(i.template, PayloadPlaceholder, string(payload))
}

// SendEvent delivers payload to the surface, or queues it behind the event
// being delivered. Only errors from deliveries made by this call are
// returned; queued deliveries that fail are logged.
func (i *Injector) SendEvent(_ context.Context, payload []byte) error {
	i.qmu.Lock()
	if i.delivering {
		i.queue = append(i.queue, payload)
		i.qmu.Unlock()
		return nil
	}
	i.delivering = true
	i.qmu.Unlock()

	clean := false
	defer func() {
		if !clean {
			i.qmu.Lock()
			i.delivering = false
			i.queue = nil
			i.qmu.Unlock()
		}
	}()

	err := i.deliver(payload)
	for {
		i.qmu.Lock()
		if len(i.queue) == 0 {
			i.delivering = false
			i.qmu.Unlock()
			clean = true
			return err
		}
		next := i.queue[0]
		i.queue[0] = nil
		i.queue = i.queue[1:]
		i.qmu.Unlock()
		if qerr := i.deliver(next); qerr != nil {
			i.log.Warn().Err(qerr).Msg("queued event")
		}
	}
}

func (i *Injector) deliver(payload []byte) error {
	if r, ok := i.surface.(Receiver); ok {
		return r.Receive(payload)
	}
	return i.surface.Eval(i.Snippet(payload))
}

// Inject answers one encoded request coming from the surface and returns
// the encoded response.
func (i *Injector) Inject(raw string) string {
	return string(i.srv.HandleRequest([]byte(raw)))
}
