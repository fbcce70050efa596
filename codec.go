// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// ErrTrailingData is returned when a message is followed by more input
var ErrTrailingData = errors.New("trailing data after message")

// Codec encodes and decodes requests, responses and events
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSONCodec is the wire encoding every transport uses by default.
//
// Encoded messages keep <, > and & unescaped because they are also pasted
// into scripts by Injector, and carry no trailing newline. Decode accepts
// exactly one JSON document.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func (JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return ErrTrailingData
	}
	return nil
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

func codecOrDefault(c Codec) Codec {
	if c == nil {
		return defaultCodec
	}
	return c
}
