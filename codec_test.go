// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"errors"
	"testing"
)

func TestJSONCodecEncode(t *testing.T) {
	out, err := JSONCodec{}.Encode(map[string]string{"s": "<a & b>"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if want := `{"s":"<a & b>"}`; string(out) != want {
		t.Fatalf("Encode = %s, want %s", out, want)
	}
}

func TestJSONCodecDecode(t *testing.T) {
	var req Request
	if err := (JSONCodec{}).Decode([]byte(`{"kind":"get_context"}  `), &req); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.Kind != GetContext {
		t.Fatalf("kind = %q", req.Kind)
	}

	err := JSONCodec{}.Decode([]byte(`{"kind":"get_context"}{}`), &req)
	if !errors.Is(err, ErrTrailingData) {
		t.Fatalf("err = %v, want ErrTrailingData", err)
	}
}
