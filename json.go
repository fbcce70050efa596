// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/rs/zerolog"
)

const (
	// JSONMethod is the JSON-RPC method that carries bridge requests
	JSONMethod = "bridge.Handle"

	jsonServiceName    = "bridge"
	jsonMaxRetries     = 3
	jsonRetryBaseWait  = 100 * time.Millisecond
	jsonRequestTimeout = 30 * time.Second
	jsonShutdownGrace  = 5 * time.Second
)

// HandleArgs wraps an encoded bridge request
type HandleArgs struct {
	Request json.RawMessage `json:"request"`
}

// HandleReply wraps an encoded bridge response
type HandleReply struct {
	Response json.RawMessage `json:"response"`
}

// JSONService exposes a Server as a JSON-RPC service. It answers requests
// only; events are not pushed over HTTP.
type JSONService struct {
	srv *Server
}

// Handle answers one bridge request
func (s *JSONService) Handle(r *http.Request, args *HandleArgs, reply *HandleReply) error {
	if len(args.Request) == 0 {
		return fmt.Errorf("%w: request", ErrMissingField)
	}
	reply.Response = s.srv.HandleRequestContext(r.Context(), args.Request)
	return nil
}

// NewJSONHandler returns an http.Handler serving srv as JSON-RPC 2.0
func NewJSONHandler(srv *Server) (http.Handler, error) {
	server := rpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	if err := server.RegisterService(&JSONService{srv: srv}, jsonServiceName); err != nil {
		return nil, err
	}
	return server, nil
}

// JSONServer serves JSON-RPC over HTTP
type JSONServer struct {
	listener net.Listener
	server   *http.Server
	log      zerolog.Logger
}

// NewJSONServer creates a JSON-RPC server for srv on listener
func NewJSONServer(listener net.Listener, srv *Server, opts ...ListenOption) (*JSONServer, error) {
	o := &listenOptions{logger: zerolog.Nop(), buffer: defaultEventBuffer}
	for _, opt := range opts {
		opt(o)
	}
	handler, err := NewJSONHandler(srv)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/rpc", handler)
	return &JSONServer{
		listener: listener,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: o.logger.With().Str("transport", TransportJSON).Logger(),
	}, nil
}

func listenJSON(addr string, srv *Server, o *listenOptions) (Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("json listen: %w", err)
	}
	s, err := NewJSONServer(listener, srv, WithListenLogger(o.logger))
	if err != nil {
		listener.Close()
		return nil, err
	}
	return s, nil
}

// Serve serves until ctx is done or Close is called. Shutdown waits for
// in-flight requests.
func (s *JSONServer) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), jsonShutdownGrace)
			defer cancel()
			if err := s.server.Shutdown(shutdownCtx); err != nil {
				s.log.Warn().Err(err).Msg("shutdown")
			}
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

// Close closes the server immediately
func (s *JSONServer) Close() error {
	return s.server.Close()
}

// Addr returns the listener address
func (s *JSONServer) Addr() string {
	return s.listener.Addr().String()
}

// URL returns the endpoint URL for SendJSONRequest
func (s *JSONServer) URL() string {
	return "http://" + s.Addr() + "/rpc"
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: jsonRequestTimeout,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe")
}

// idempotent reports whether a request of kind can be sent twice without
// changing its outcome.
func idempotent(kind RequestKind) bool {
	switch kind {
	case GetInstanceAttribute, GetItem, GetContext:
		return true
	default:
		return false
	}
}

// shouldRetry decides whether a failed attempt is sent again. A request
// that may have reached the server is only resent when it is idempotent;
// any request is resent after a failed dial.
func shouldRetry(req Request, err error) bool {
	if !isRetryableError(err) {
		return false
	}
	if idempotent(req.Kind) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// SendJSONRequest posts req to a JSON-RPC bridge endpoint, retrying
// transient connection failures with exponential backoff. Requests that
// mutate state are only retried when the connection was never established.
func SendJSONRequest(ctx context.Context, uri string, req Request) (Response, error) {
	encoded, err := defaultCodec.Encode(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	body, err := json2.EncodeClientRequest(JSONMethod, &HandleArgs{Request: encoded})
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode client params: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < jsonMaxRetries; attempt++ {
		if attempt > 0 {
			wait := jsonRetryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(wait):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
		if err != nil {
			return Response{}, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := newHTTPClient().Do(httpReq)
		if err != nil {
			lastErr = err
			if shouldRetry(req, err) {
				continue
			}
			return Response{}, fmt.Errorf("failed to issue request: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			CleanlyCloseBody(resp.Body)
			return Response{}, fmt.Errorf("received status code: %d", resp.StatusCode)
		}

		var reply HandleReply
		err = json2.DecodeClientResponse(resp.Body, &reply)
		CleanlyCloseBody(resp.Body)
		if err != nil {
			return Response{}, fmt.Errorf("failed to decode client response: %w", err)
		}

		var out Response
		if err := defaultCodec.Decode(reply.Response, &out); err != nil {
			return Response{}, fmt.Errorf("decode response: %w", err)
		}
		return out, nil
	}

	return Response{}, fmt.Errorf("failed to issue request after %d retries: %w", jsonMaxRetries, lastErr)
}
