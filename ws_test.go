// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"golang.org/x/net/websocket"
)

func TestWSRoundTrip(t *testing.T) {
	exerciseClient(t, TransportWS)
}

// A page speaks the frame protocol directly, without the Go client.
func TestWSRawFrames(t *testing.T) {
	srv := NewServer()
	srv.Bind("answer", int64(42))
	l := startListener(t, TransportWS, srv)
	ws := l.(*WSServer)

	conn, err := websocket.Dial(ws.URL(), "", "http://localhost/")
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()
	waitClients(t, srv, 1)

	req, _ := json.Marshal(Request{Kind: GetContext})
	frame, _ := json.Marshal(WSFrame{Type: WSRequest, ID: 9, Payload: req})
	if err := websocket.Message.Send(conn, string(frame)); err != nil {
		t.Fatalf("send: %v", err)
	}

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got WSFrame
	if err := websocket.JSON.Receive(conn, &got); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got.Type != WSResponse || got.ID != 9 {
		t.Fatalf("frame = %+v", got)
	}
	var resp Response
	if err := json.Unmarshal(got.Payload, &resp); err != nil {
		t.Fatal(err)
	}
	bound := mustResult(t, resp).Value.(map[string]any)
	if bound["answer"].(map[string]any)["value"] != int64(42) {
		t.Fatalf("context = %v", bound)
	}
}

func TestWSDialURL(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := NewServer()
	l := startListener(t, TransportWS, srv)

	client, err := Dial(ctx, l.(*WSServer).URL(), WithTransport(TransportWS))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()
	if _, err := client.Call(ctx, Request{Kind: GetContext}); err != nil {
		t.Fatalf("Call: %v", err)
	}

	client.Close()
	if _, err := client.CallRaw(ctx, []byte(`{}`)); err != ErrWSClosed {
		t.Fatalf("call after close: %v", err)
	}
}
