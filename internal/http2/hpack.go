package http2

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/http2/hpack"
)

// headerEncoder wraps hpack.Encoder with its output buffer. Decoding is done by the
// framer itself (Framer.ReadMetaHeaders), so only the encoding side lives here.
type headerEncoder struct {
	enc *hpack.Encoder
	buf bytes.Buffer
}

func newHeaderEncoder() *headerEncoder {
	h := &headerEncoder{}
	h.enc = hpack.NewEncoder(&h.buf)
	return h
}

// SetMaxDynamicTableSizeLimit applies the peer's SETTINGS_HEADER_TABLE_SIZE.
func (h *headerEncoder) SetMaxDynamicTableSizeLimit(v uint32) {
	h.enc.SetMaxDynamicTableSizeLimit(v)
}

// Encode returns a private copy of the encoded header block.
func (h *headerEncoder) Encode(fields []hpack.HeaderField) ([]byte, error) {
	for _, hf := range fields {
		if hf.Name == "" {
			return nil, errors.New("hpack: empty header field name")
		}
		if hf.Name != strings.ToLower(hf.Name) {
			return nil, fmt.Errorf("hpack: header field name %q must be lowercase", hf.Name)
		}
	}
	// The whole block is validated before the dynamic table is touched.
	h.buf.Reset()
	for _, hf := range fields {
		if err := h.enc.WriteField(hf); err != nil {
			return nil, fmt.Errorf("hpack: encoding %q: %w", hf.Name, err)
		}
	}
	out := make([]byte, h.buf.Len())
	copy(out, h.buf.Bytes())
	return out, nil
}
