package transport

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/http2/hpack"

	"example.com/spdyout/internal/spdy"
)

// DefaultHeaderTableSize is the initial HPACK dynamic table size (RFC 7540
// SETTINGS_HEADER_TABLE_SIZE default).
const DefaultHeaderTableSize = 4096

// HeaderEncoder HPACK-encodes response header sets. The dynamic table is
// connection state, so one encoder serves every stream of a connection and
// blocks must be written in the order they were encoded.
type HeaderEncoder struct {
	encoder   *hpack.Encoder
	encodeBuf *bytes.Buffer
}

// NewHeaderEncoder creates an encoder whose dynamic table is capped at
// maxTableSize.
func NewHeaderEncoder(maxTableSize uint32) *HeaderEncoder {
	e := &HeaderEncoder{encodeBuf: new(bytes.Buffer)}
	e.encoder = hpack.NewEncoder(e.encodeBuf)
	e.encoder.SetMaxDynamicTableSize(maxTableSize)
	return e
}

// SetMaxDynamicTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE.
func (e *HeaderEncoder) SetMaxDynamicTableSize(size uint32) {
	e.encoder.SetMaxDynamicTableSize(size)
}

// Encode converts a SPDY header set to wire fields and encodes them. The
// returned slice is a copy and stays valid after later calls.
func (e *HeaderEncoder) Encode(headers []spdy.HeaderField) ([]byte, error) {
	fields, err := WireFields(headers)
	if err != nil {
		return nil, err
	}
	e.encodeBuf.Reset()
	for _, hf := range fields {
		if err := e.encoder.WriteField(hf); err != nil {
			return nil, fmt.Errorf("hpack: encode header field %q: %w", hf.Name, err)
		}
	}
	out := make([]byte, e.encodeBuf.Len())
	copy(out, e.encodeBuf.Bytes())
	return out, nil
}

// WireFields maps a SPDY reply header set onto HTTP/2 fields: "status"
// becomes ":status" (code only) and comes first, "version" is dropped,
// NUL-joined values are split into separate fields and names are lowercased.
func WireFields(headers []spdy.HeaderField) ([]hpack.HeaderField, error) {
	var status string
	regular := make([]hpack.HeaderField, 0, len(headers))
	for _, h := range headers {
		name := strings.ToLower(h.Name)
		switch name {
		case "":
			return nil, fmt.Errorf("hpack: invalid header field name: name is empty (value: %q)", h.Value)
		case spdy.HeaderStatus:
			code, _, _ := strings.Cut(h.Value, " ")
			status = code
			continue
		case spdy.HeaderVersion:
			continue
		}
		for _, v := range strings.Split(h.Value, "\x00") {
			regular = append(regular, hpack.HeaderField{Name: name, Value: v})
		}
	}
	if status == "" {
		return nil, errors.New("hpack: header set has no status")
	}
	return append([]hpack.HeaderField{{Name: ":status", Value: status}}, regular...), nil
}
