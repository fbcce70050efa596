// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestJSONHandler(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := NewServer()
	person := newPerson()
	srv.Bind("person", person)

	handler, err := NewJSONHandler(srv)
	if err != nil {
		t.Fatalf("NewJSONHandler: %v", err)
	}
	ts := httptest.NewServer(handler)
	defer ts.Close()

	id := idOf(t, srv, person)
	resp, err := SendJSONRequest(ctx, ts.URL, Request{
		Kind:       CallInstanceMethod,
		ID:         id,
		MethodName: "greet",
		Args:       []Value{Primitive("JSON")},
	})
	if err != nil {
		t.Fatalf("SendJSONRequest: %v", err)
	}
	if got := mustResult(t, resp); got.Value != "hello JSON" {
		t.Fatalf("result = %+v", got)
	}

	resp, err = SendJSONRequest(ctx, ts.URL, Request{Kind: "bogus"})
	if err != nil {
		t.Fatalf("SendJSONRequest: %v", err)
	}
	if resp.Exception == nil || !strings.Contains(*resp.Exception, "unknown request kind") {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestJSONListener(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := NewServer()
	srv.Bind("answer", int64(42))
	l := startListener(t, TransportJSON, srv)

	js, ok := l.(*JSONServer)
	if !ok {
		t.Fatalf("listener = %T", l)
	}
	resp, err := SendJSONRequest(ctx, js.URL(), Request{Kind: GetContext})
	if err != nil {
		t.Fatalf("SendJSONRequest: %v", err)
	}
	bound := mustResult(t, resp).Value.(map[string]any)
	answer := bound["answer"].(map[string]any)
	if answer["value"] != int64(42) {
		t.Fatalf("answer = %v", answer)
	}
}

func TestSendJSONRequestBadStatus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := NewServer()
	l := startListener(t, TransportJSON, srv)
	js := l.(*JSONServer)

	_, err := SendJSONRequest(ctx, "http://"+js.Addr()+"/elsewhere", Request{Kind: GetContext})
	if err == nil || !strings.Contains(err.Error(), "status code") {
		t.Fatalf("err = %v", err)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := map[string]bool{
		"unexpected EOF":                   true,
		"read: connection reset by peer":   true,
		"dial tcp: connection refused":     true,
		"write: broken pipe":               true,
		"x509: certificate signed by none": false,
	}
	for msg, want := range tests {
		if got := isRetryableError(stringError(msg)); got != want {
			t.Errorf("isRetryableError(%q) = %v, want %v", msg, got, want)
		}
	}
	if isRetryableError(nil) {
		t.Error("nil is retryable")
	}
}

func TestSendJSONRequestRetriesOnlyIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var hits atomic.Int32
	// The connection drops after the request was read, so the client
	// cannot tell whether it was applied.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer ts.Close()

	v := Primitive("Lin")
	_, err := SendJSONRequest(ctx, ts.URL, Request{Kind: SetInstanceAttribute, ID: "x", AttributeName: "name", Value: &v})
	if err == nil {
		t.Fatal("dropped connection reported success")
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("set_instance_attribute sent %d times, want 1", n)
	}

	hits.Store(0)
	if _, err := SendJSONRequest(ctx, ts.URL, Request{Kind: GetContext}); err == nil {
		t.Fatal("dropped connection reported success")
	}
	if n := hits.Load(); n != jsonMaxRetries {
		t.Fatalf("get_context sent %d times, want %d", n, jsonMaxRetries)
	}
}

func TestShouldRetryAfterFailedDial(t *testing.T) {
	dialErr := &net.OpError{Op: "dial", Net: "tcp", Err: stringError("connection refused")}
	if !shouldRetry(Request{Kind: CallInstanceMethod}, dialErr) {
		t.Error("failed dial not retried for call_instance_method")
	}
	readErr := &net.OpError{Op: "read", Net: "tcp", Err: stringError("connection reset by peer")}
	if shouldRetry(Request{Kind: SetItem}, readErr) {
		t.Error("set_item retried after the request may have been delivered")
	}
	if !shouldRetry(Request{Kind: GetItem}, readErr) {
		t.Error("get_item not retried")
	}
}

type stringError string

func (e stringError) Error() string { return string(e) }
