// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrZAPClosed    = errors.New("zap: connection closed")
	ErrZAPFrameSize = errors.New("zap: frame too large")
)

// MessageType identifies ZAP message types
type MessageType uint8

const (
	MsgRequest  MessageType = 0x01
	MsgResponse MessageType = 0x02
	MsgError    MessageType = 0x03
	MsgEvent    MessageType = 0x04
)

const (
	maxFrameSize     = 64 * 1024 * 1024 // 64MB max
	frameHeaderSize  = 1 + 4
	zapWriteDeadline = 30 * time.Second
	zapAcceptBackoff = 50 * time.Millisecond
)

// encodeFrame lays out [4 len][1 type][4 reqID][payload].
func encodeFrame(t MessageType, requestID uint32, payload []byte) []byte {
	msgLen := frameHeaderSize + len(payload)
	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(t)
	binary.BigEndian.PutUint32(buf[5:9], requestID)
	copy(buf[9:], payload)
	return buf
}

func readFrame(r io.Reader) (MessageType, uint32, []byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, 0, nil, err
	}
	msgLen := binary.BigEndian.Uint32(header)
	if msgLen < frameHeaderSize || msgLen > maxFrameSize {
		return 0, 0, nil, fmt.Errorf("%w: %d bytes", ErrZAPFrameSize, msgLen)
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return 0, 0, nil, err
	}
	return MessageType(msg[0]), binary.BigEndian.Uint32(msg[1:5]), msg[5:], nil
}

// ZAPConn is the client side of a ZAP connection
type ZAPConn struct {
	conn     net.Conn
	writeMu  sync.Mutex
	pending  sync.Map // requestID -> chan *ZAPResponse
	nextID   atomic.Uint32
	closed   atomic.Bool
	readDone chan struct{}
	events   chan []byte
}

// ZAPResponse holds a response from a ZAP call
type ZAPResponse struct {
	Data []byte
	Err  error
}

// ZAPDial connects to a ZAP server. buffer bounds the undelivered event queue.
func ZAPDial(ctx context.Context, addr string, buffer int) (*ZAPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("zap dial: %w", err)
	}

	zc := &ZAPConn{
		conn:     conn,
		readDone: make(chan struct{}),
		events:   make(chan []byte, max(buffer, 1)),
	}
	go zc.readLoop()
	return zc, nil
}

// Call sends an encoded request and waits for the encoded response
func (z *ZAPConn) Call(ctx context.Context, payload []byte) ([]byte, error) {
	if z.closed.Load() {
		return nil, ErrZAPClosed
	}

	requestID := z.nextID.Add(1)
	respCh := make(chan *ZAPResponse, 1)
	z.pending.Store(requestID, respCh)
	defer z.pending.Delete(requestID)

	z.writeMu.Lock()
	_, err := z.conn.Write(encodeFrame(MsgRequest, requestID, payload))
	z.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("zap write: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respCh:
		if resp.Err != nil {
			return nil, resp.Err
		}
		return resp.Data, nil
	case <-z.readDone:
		return nil, ErrZAPClosed
	}
}

// Events delivers pushed event payloads; it is closed when the connection ends
func (z *ZAPConn) Events() <-chan []byte {
	return z.events
}

func (z *ZAPConn) readLoop() {
	defer close(z.readDone)
	defer close(z.events)

	for {
		msgType, requestID, payload, err := readFrame(z.conn)
		if err != nil {
			return
		}

		switch msgType {
		case MsgEvent:
			select {
			case z.events <- payload:
			default:
			}
		case MsgResponse, MsgError:
			ch, ok := z.pending.Load(requestID)
			if !ok {
				continue
			}
			respCh := ch.(chan *ZAPResponse)
			if msgType == MsgError {
				respCh <- &ZAPResponse{Err: errors.New(string(payload))}
			} else {
				respCh <- &ZAPResponse{Data: payload}
			}
		}
	}
}

// Close closes the connection
func (z *ZAPConn) Close() error {
	if z.closed.Swap(true) {
		return nil
	}
	return z.conn.Close()
}

// ZAPServer serves a bridge Server over ZAP and broadcasts its events to
// every connected socket.
type ZAPServer struct {
	listener net.Listener
	srv      *Server
	log      zerolog.Logger
	buffer   int
	peers    sync.Map // *zapPeer -> struct{}
	closed   atomic.Bool
}

// NewZAPServer creates a ZAP server for srv on listener
func NewZAPServer(listener net.Listener, srv *Server, opts ...ListenOption) *ZAPServer {
	o := &listenOptions{logger: zerolog.Nop(), buffer: defaultEventBuffer}
	for _, opt := range opts {
		opt(o)
	}
	return &ZAPServer{
		listener: listener,
		srv:      srv,
		log:      o.logger.With().Str("transport", TransportZAP).Logger(),
		buffer:   max(o.buffer, 1),
	}
}

func listenZAP(addr string, srv *Server, o *listenOptions) (Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewZAPServer(listener, srv, WithListenLogger(o.logger), WithPeerBuffer(o.buffer)), nil
}

// Serve accepts connections until ctx is done or the server is closed
func (s *ZAPServer) Serve(ctx context.Context) error {
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
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("accept")
			time.Sleep(zapAcceptBackoff)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn answers requests in arrival order, one connection per goroutine.
func (s *ZAPServer) handleConn(ctx context.Context, conn net.Conn) {
	p := newZAPPeer(conn, s.buffer)
	s.peers.Store(p, struct{}{})
	s.srv.ClientConnected()
	log := s.log.With().Str("peer", conn.RemoteAddr().String()).Logger()
	log.Debug().Msg("peer connected")
	defer func() {
		s.peers.Delete(p)
		p.close()
		s.srv.ClientDisconnected()
		log.Debug().Msg("peer disconnected")
	}()
	go p.writeLoop()

	for {
		msgType, requestID, payload, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("read frame")
			}
			return
		}
		if msgType != MsgRequest {
			log.Debug().Uint8("type", uint8(msgType)).Msg("unexpected frame")
			continue
		}
		resp := s.srv.HandleRequestContext(ctx, payload)
		if !p.send(encodeFrame(MsgResponse, requestID, resp), true) {
			return
		}
	}
}

// SendEvent queues payload for every connected peer. Peers whose queue is
// full miss the event.
func (s *ZAPServer) SendEvent(_ context.Context, payload []byte) error {
	frame := encodeFrame(MsgEvent, 0, payload)
	s.peers.Range(func(key, _ interface{}) bool {
		p := key.(*zapPeer)
		if !p.send(frame, false) {
			eventDropped(TransportZAP)
			s.log.Warn().Str("peer", p.conn.RemoteAddr().String()).Msg("event dropped")
		}
		return true
	})
	return nil
}

// Close closes the server and every connection
func (s *ZAPServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.peers.Range(func(key, _ interface{}) bool {
		key.(*zapPeer).close()
		return true
	})
	return s.listener.Close()
}

// Addr returns the listener address
func (s *ZAPServer) Addr() string {
	return s.listener.Addr().String()
}

// zapPeer serializes writes to one connection through a queue.
type zapPeer struct {
	conn net.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newZAPPeer(conn net.Conn, buffer int) *zapPeer {
	return &zapPeer{
		conn: conn,
		out:  make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// send queues a frame. With wait it blocks until queued or the peer closes.
func (p *zapPeer) send(frame []byte, wait bool) bool {
	if wait {
		select {
		case p.out <- frame:
			return true
		case <-p.done:
			return false
		}
	}
	select {
	case p.out <- frame:
		return true
	case <-p.done:
		return false
	default:
		return false
	}
}

func (p *zapPeer) writeLoop() {
	for {
		select {
		case frame := <-p.out:
			p.conn.SetWriteDeadline(time.Now().Add(zapWriteDeadline))
			if _, err := p.conn.Write(frame); err != nil {
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *zapPeer) close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// zapClient implements Client using ZAP transport
type zapClient struct {
	conn   *ZAPConn
	codec  Codec
	events chan Event
}

func dialZAP(ctx context.Context, addr string, o *dialOptions) (Client, error) {
	conn, err := ZAPDial(ctx, addr, o.buffer)
	if err != nil {
		return nil, err
	}
	c := &zapClient{
		conn:   conn,
		codec:  o.codec,
		events: make(chan Event, max(o.buffer, 1)),
	}
	go pumpEvents(c.codec, conn.Events(), c.events)
	return c, nil
}

func (c *zapClient) Call(ctx context.Context, req Request) (Response, error) {
	return callWithCodec(ctx, c.codec, req, c.conn.Call)
}

func (c *zapClient) CallRaw(ctx context.Context, payload []byte) ([]byte, error) {
	return c.conn.Call(ctx, payload)
}

func (c *zapClient) Events() <-chan Event {
	return c.events
}

func (c *zapClient) Close() error {
	return c.conn.Close()
}
