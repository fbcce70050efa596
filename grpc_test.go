// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"bytes"
	"testing"
)

func TestGRPCRoundTrip(t *testing.T) {
	exerciseClient(t, TransportGRPC)
}

func TestRawCodec(t *testing.T) {
	c := rawCodec{}
	data, err := c.Marshal(&rawFrame{data: []byte("abc")})
	if err != nil || !bytes.Equal(data, []byte("abc")) {
		t.Fatalf("Marshal = %q, %v", data, err)
	}

	var f rawFrame
	if err := c.Unmarshal(data, &f); err != nil {
		t.Fatal(err)
	}
	data[0] = 'x'
	if string(f.data) != "abc" {
		t.Fatalf("frame aliases the input buffer: %q", f.data)
	}

	if _, err := c.Marshal("text"); err == nil {
		t.Fatal("marshaled a non-frame")
	}
}
