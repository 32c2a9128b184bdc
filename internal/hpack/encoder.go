package hpack

import (
	"bytes"
	"fmt"
	"sync"

	nethpack "golang.org/x/net/http2/hpack"
)

// Encoder encodes response header blocks.
//
// The dynamic table is capped at zero, so every block is self-contained:
// dropping a queued HEADERS frame (stream reset, shutdown) can never leave
// the peer's decoder referencing an entry it never received.
type Encoder struct {
	mu  sync.Mutex
	buf bytes.Buffer
	enc *nethpack.Encoder
}

// NewEncoder returns an Encoder that uses only the static table and literals.
func NewEncoder() *Encoder {
	e := &Encoder{}
	e.enc = nethpack.NewEncoder(&e.buf)
	e.enc.SetMaxDynamicTableSizeLimit(0)
	return e
}

// Encode returns the header block for fields in a new slice.
func (e *Encoder) Encode(fields []HeaderField) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buf.Reset()
	for _, hf := range fields {
		if hf.Name == "" {
			return nil, fmt.Errorf("hpack: empty header field name (value %q)", hf.Value)
		}
		if err := e.enc.WriteField(hf); err != nil {
			return nil, fmt.Errorf("hpack: encoding %q: %w", hf.Name, err)
		}
	}
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out, nil
}
