// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"
)

// WSPath is where WSServer accepts WebSocket upgrades
const WSPath = "/ws"

// WebSocket frame types
const (
	WSRequest  = "request"
	WSResponse = "response"
	WSEvent    = "event"
)

const (
	wsWriteDeadline = 30 * time.Second
	wsOrigin        = "http://localhost/" // handshake requires one; the server does not check it
)

// ErrWSClosed is returned by calls on a closed WebSocket client
var ErrWSClosed = errors.New("ws: connection closed")

// WSFrame is one WebSocket text message. Requests and responses share an
// ID chosen by the client; events have none.
type WSFrame struct {
	Type    string          `json:"type"`
	ID      uint32          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// WSServer serves a bridge Server over WebSocket, the transport a browser
// page reaches without extra tooling. Every connected socket receives every
// event.
type WSServer struct {
	listener net.Listener
	server   *http.Server
	srv      *Server
	log      zerolog.Logger
	buffer   int
	peers    sync.Map // *wsPeer -> struct{}
}

// NewWSServer creates a WebSocket server for srv on listener
func NewWSServer(listener net.Listener, srv *Server, opts ...ListenOption) *WSServer {
	o := &listenOptions{logger: zerolog.Nop(), buffer: defaultEventBuffer}
	for _, opt := range opts {
		opt(o)
	}
	s := &WSServer{
		listener: listener,
		srv:      srv,
		log:      o.logger.With().Str("transport", TransportWS).Logger(),
		buffer:   max(o.buffer, 1),
	}
	mux := http.NewServeMux()
	mux.Handle(WSPath, websocket.Handler(s.handleConn))
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func listenWS(addr string, srv *Server, o *listenOptions) (Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ws listen: %w", err)
	}
	return NewWSServer(listener, srv, WithListenLogger(o.logger), WithPeerBuffer(o.buffer)), nil
}

// Serve serves until ctx is done or Close is called
func (s *WSServer) Serve(ctx context.Context) error {
	detach := s.srv.Attach(s)
	defer detach()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	s.log.Info().Str("addr", s.Addr()).Msg("serving")
	err := s.server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close closes the listener and every socket. Hijacked WebSocket
// connections are not tracked by http.Server, so they are closed here.
func (s *WSServer) Close() error {
	err := s.server.Close()
	s.peers.Range(func(key, _ any) bool {
		key.(*wsPeer).close()
		return true
	})
	return err
}

// Addr returns the listener address
func (s *WSServer) Addr() string {
	return s.listener.Addr().String()
}

// URL returns the ws:// endpoint clients connect to
func (s *WSServer) URL() string {
	return "ws://" + s.Addr() + WSPath
}

func (s *WSServer) handleConn(conn *websocket.Conn) {
	p := newWSPeer(conn, s.buffer)
	s.peers.Store(p, struct{}{})
	s.srv.ClientConnected()
	log := s.log.With().Str("peer", conn.Request().RemoteAddr).Logger()
	log.Debug().Msg("peer connected")
	defer func() {
		s.peers.Delete(p)
		p.close()
		s.srv.ClientDisconnected()
		log.Debug().Msg("peer disconnected")
	}()
	go p.writeLoop()

	ctx := conn.Request().Context()
	for {
		var msg []byte
		if err := websocket.Message.Receive(conn, &msg); err != nil {
			return
		}
		var frame WSFrame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Type != WSRequest {
			log.Debug().Err(err).Str("type", frame.Type).Msg("unexpected frame")
			continue
		}
		resp := s.srv.HandleRequestContext(ctx, frame.Payload)
		out, err := json.Marshal(WSFrame{Type: WSResponse, ID: frame.ID, Payload: resp})
		if err != nil {
			log.Warn().Err(err).Msg("encode response frame")
			continue
		}
		if !p.send(out, true) {
			return
		}
	}
}

// SendEvent queues payload for every connected socket. Sockets whose queue
// is full miss the event.
func (s *WSServer) SendEvent(_ context.Context, payload []byte) error {
	out, err := json.Marshal(WSFrame{Type: WSEvent, Payload: payload})
	if err != nil {
		return err
	}
	s.peers.Range(func(key, _ any) bool {
		p := key.(*wsPeer)
		if !p.send(out, false) {
			eventDropped(TransportWS)
			s.log.Warn().Msg("event dropped")
		}
		return true
	})
	return nil
}

// wsPeer serializes writes to one socket through a queue.
type wsPeer struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newWSPeer(conn *websocket.Conn, buffer int) *wsPeer {
	return &wsPeer{
		conn: conn,
		out:  make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (p *wsPeer) send(msg []byte, wait bool) bool {
	if wait {
		select {
		case p.out <- msg:
			return true
		case <-p.done:
			return false
		}
	}
	select {
	case p.out <- msg:
		return true
	default:
		return false
	}
}

func (p *wsPeer) writeLoop() {
	for {
		select {
		case msg := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := websocket.Message.Send(p.conn, string(msg)); err != nil {
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *wsPeer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// wsClient implements Client over WebSocket
type wsClient struct {
	conn     *websocket.Conn
	codec    Codec
	writeMu  sync.Mutex
	pending  sync.Map // id -> chan []byte
	nextID   atomic.Uint32
	closed   atomic.Bool
	readDone chan struct{}
	events   chan Event
}

// dialWS accepts a host:port or a full ws:// or wss:// URL.
func dialWS(ctx context.Context, addr string, o *dialOptions) (Client, error) {
	url := addr
	if !strings.HasPrefix(addr, "ws://") && !strings.HasPrefix(addr, "wss://") {
		url = "ws://" + addr + WSPath
	}
	cfg, err := websocket.NewConfig(url, wsOrigin)
	if err != nil {
		return nil, fmt.Errorf("ws config: %w", err)
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}

	c := &wsClient{
		conn:     conn,
		codec:    o.codec,
		readDone: make(chan struct{}),
		events:   make(chan Event, max(o.buffer, 1)),
	}
	raw := make(chan []byte, max(o.buffer, 1))
	go c.readLoop(raw)
	go pumpEvents(c.codec, raw, c.events)
	return c, nil
}

func (c *wsClient) readLoop(events chan<- []byte) {
	defer close(c.readDone)
	defer close(events)
	for {
		var msg []byte
		if err := websocket.Message.Receive(c.conn, &msg); err != nil {
			return
		}
		var frame WSFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case WSEvent:
			select {
			case events <- frame.Payload:
			default:
			}
		case WSResponse:
			if ch, ok := c.pending.Load(frame.ID); ok {
				ch.(chan []byte) <- frame.Payload
			}
		}
	}
}

func (c *wsClient) Call(ctx context.Context, req Request) (Response, error) {
	return callWithCodec(ctx, c.codec, req, c.CallRaw)
}

func (c *wsClient) CallRaw(ctx context.Context, payload []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrWSClosed
	}
	id := c.nextID.Add(1)
	respCh := make(chan []byte, 1)
	c.pending.Store(id, respCh)
	defer c.pending.Delete(id)

	msg, err := json.Marshal(WSFrame{Type: WSRequest, ID: id, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("ws encode: %w", err)
	}
	c.writeMu.Lock()
	err = websocket.Message.Send(c.conn, string(msg))
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("ws write: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respCh:
		return resp, nil
	case <-c.readDone:
		return nil, ErrWSClosed
	}
}

func (c *wsClient) Events() <-chan Event {
	return c.events
}

func (c *wsClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}
