// Package hpack holds the header-compression pieces of the frame engine: the
// RFC 7541 prefixed-integer codec and thin adapters over
// golang.org/x/net/http2/hpack that decode request header blocks and encode
// response header blocks.
package hpack

import (
	"fmt"
	"sync"

	nethpack "golang.org/x/net/http2/hpack"
)

// HeaderField is a single decoded or to-be-encoded header name/value pair.
type HeaderField = nethpack.HeaderField

// DefaultHeaderTableSize is the initial dynamic table size (SETTINGS_HEADER_TABLE_SIZE).
const DefaultHeaderTableSize uint32 = 4096

// Status classifies the outcome of decoding a header block.
type Status int

const (
	// StatusSuccess means the block decoded cleanly.
	StatusSuccess Status = iota
	// StatusCompressionError means the block was malformed and the decoder's
	// dynamic table can no longer be trusted. The connection must be torn down.
	StatusCompressionError
	// StatusHeaderListTooLarge means the block decoded, and the table is still
	// in sync, but the uncompressed list exceeded the advertised limit.
	StatusHeaderListTooLarge
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusCompressionError:
		return "compression error"
	case StatusHeaderListTooLarge:
		return "header list too large"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// DecodeError is returned by Decoder.Decode for any non-success status.
type DecodeError struct {
	Status Status
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hpack: %s: %v", e.Status, e.Err)
	}
	return "hpack: " + e.Status.String()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder decodes complete header blocks against a connection-scoped dynamic
// table. Calls are serialized; the table state depends on block order.
type Decoder struct {
	mu           sync.Mutex
	dec          *nethpack.Decoder
	maxTableSize uint32

	// per-block state, reset by Decode
	fields    []HeaderField
	listSize  uint32
	listLimit uint32
	tooLarge  bool
}

// NewDecoder returns a Decoder whose dynamic table may grow to maxTableSize,
// the value advertised to the peer in SETTINGS_HEADER_TABLE_SIZE.
func NewDecoder(maxTableSize uint32) *Decoder {
	d := &Decoder{maxTableSize: maxTableSize}
	d.dec = nethpack.NewDecoder(maxTableSize, d.emit)
	return d
}

func (d *Decoder) emit(hf HeaderField) {
	if d.tooLarge {
		return
	}
	size := uint32(len(hf.Name) + len(hf.Value) + 32)
	if d.listLimit > 0 && d.listSize+size > d.listLimit {
		d.tooLarge = true
		d.fields = nil
		// Keep consuming the block so the dynamic table stays in sync.
		d.dec.SetEmitEnabled(false)
		return
	}
	d.listSize += size
	d.fields = append(d.fields, hf)
}

// Decode decodes a full header block (HEADERS plus any CONTINUATION fragments,
// already concatenated). maxHeaderListSize bounds the uncompressed list size
// as defined for SETTINGS_MAX_HEADER_LIST_SIZE; zero disables the bound.
func (d *Decoder) Decode(fragment []byte, maxHeaderListSize uint32) ([]HeaderField, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fields = nil
	d.listSize = 0
	d.listLimit = maxHeaderListSize
	d.tooLarge = false
	d.dec.SetEmitEnabled(true)

	if err := d.checkTableSizeUpdates(fragment); err != nil {
		return nil, &DecodeError{Status: StatusCompressionError, Err: err}
	}
	if _, err := d.dec.Write(fragment); err != nil {
		return nil, &DecodeError{Status: StatusCompressionError, Err: err}
	}
	if err := d.dec.Close(); err != nil {
		return nil, &DecodeError{Status: StatusCompressionError, Err: err}
	}

	fields := d.fields
	d.fields = nil
	if d.tooLarge {
		return nil, &DecodeError{
			Status: StatusHeaderListTooLarge,
			Err:    fmt.Errorf("header list exceeds %d octets", maxHeaderListSize),
		}
	}
	return fields, nil
}

// checkTableSizeUpdates walks the dynamic table size update instructions
// (001xxxxx) that may only appear at the start of a block and rejects any
// size above the advertised maximum.
func (d *Decoder) checkTableSizeUpdates(block []byte) error {
	for off := 0; off < len(block) && block[off]&0xe0 == 0x20; {
		size, n, err := DecodeInteger(block[off:], 5)
		if err != nil {
			return fmt.Errorf("dynamic table size update: %w", err)
		}
		if size > d.maxTableSize {
			return fmt.Errorf("dynamic table size update %d exceeds limit %d", size, d.maxTableSize)
		}
		off += n
	}
	return nil
}

// SetMaxTableSize changes the table size limit after a new
// SETTINGS_HEADER_TABLE_SIZE has been acknowledged by the peer.
func (d *Decoder) SetMaxTableSize(size uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxTableSize = size
	d.dec.SetAllowedMaxDynamicTableSize(size)
}
