package hpack

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	nethpack "golang.org/x/net/http2/hpack"
)

// peerEncoder mimics a client with a default-sized dynamic table.
type peerEncoder struct {
	buf bytes.Buffer
	enc *nethpack.Encoder
}

func newPeerEncoder() *peerEncoder {
	p := &peerEncoder{}
	p.enc = nethpack.NewEncoder(&p.buf)
	return p
}

func (p *peerEncoder) block(t *testing.T, fields ...HeaderField) []byte {
	t.Helper()
	p.buf.Reset()
	for _, f := range fields {
		require.NoError(t, p.enc.WriteField(f))
	}
	return append([]byte(nil), p.buf.Bytes()...)
}

func requestFields() []HeaderField {
	return []HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: "/index.html"},
		{Name: ":authority", Value: "localhost:8080"},
		{Name: "accept-encoding", Value: "gzip, deflate"},
		{Name: "x-request-id", Value: "abc123"},
	}
}

func statusOf(t *testing.T, err error) Status {
	t.Helper()
	var de *DecodeError
	require.True(t, errors.As(err, &de), "expected *DecodeError, got %v", err)
	return de.Status
}

func TestDecoder_DecodesBlock(t *testing.T) {
	peer := newPeerEncoder()
	d := NewDecoder(DefaultHeaderTableSize)

	got, err := d.Decode(peer.block(t, requestFields()...), 0)
	require.NoError(t, err)
	assert.Equal(t, requestFields(), got)
}

func TestDecoder_DynamicTableCarriesAcrossBlocks(t *testing.T) {
	peer := newPeerEncoder()
	d := NewDecoder(DefaultHeaderTableSize)

	first := peer.block(t, requestFields()...)
	second := peer.block(t, requestFields()...)
	require.Less(t, len(second), len(first), "second block should reference the dynamic table")

	_, err := d.Decode(first, 0)
	require.NoError(t, err)
	got, err := d.Decode(second, 0)
	require.NoError(t, err)
	assert.Equal(t, requestFields(), got)
}

func TestDecoder_InvalidIndexIsCompressionError(t *testing.T) {
	d := NewDecoder(DefaultHeaderTableSize)
	// Indexed field 70: past the static table with an empty dynamic table.
	_, err := d.Decode([]byte{0xc6}, 0)
	require.Error(t, err)
	assert.Equal(t, StatusCompressionError, statusOf(t, err))
}

func TestDecoder_TruncatedBlockIsCompressionError(t *testing.T) {
	d := NewDecoder(DefaultHeaderTableSize)
	// Literal with incremental indexing, new name of length 5, only one octet present.
	_, err := d.Decode([]byte{0x40, 0x05, 'a'}, 0)
	require.Error(t, err)
	assert.Equal(t, StatusCompressionError, statusOf(t, err))
}

func TestDecoder_TableSizeUpdateAboveLimit(t *testing.T) {
	d := NewDecoder(DefaultHeaderTableSize)
	block, err := EncodeInteger(8192, 0x20, 5)
	require.NoError(t, err)
	block = append(block, 0x82) // :method GET

	_, err = d.Decode(block, 0)
	require.Error(t, err)
	assert.Equal(t, StatusCompressionError, statusOf(t, err))
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestDecoder_TableSizeUpdateWithinLimit(t *testing.T) {
	d := NewDecoder(DefaultHeaderTableSize)
	block, err := EncodeInteger(1024, 0x20, 5)
	require.NoError(t, err)
	block = append(block, 0x82)

	got, err := d.Decode(block, 0)
	require.NoError(t, err)
	assert.Equal(t, []HeaderField{{Name: ":method", Value: "GET"}}, got)
}

func TestDecoder_HeaderListTooLargeKeepsTableInSync(t *testing.T) {
	peer := newPeerEncoder()
	d := NewDecoder(DefaultHeaderTableSize)
	big := HeaderField{Name: "x-big", Value: strings.Repeat("v", 200)}

	_, err := d.Decode(peer.block(t, big), 100)
	require.Error(t, err)
	assert.Equal(t, StatusHeaderListTooLarge, statusOf(t, err))

	// The peer now references the entry it inserted; the decoder must have it too.
	got, err := d.Decode(peer.block(t, big), 0)
	require.NoError(t, err)
	assert.Equal(t, []HeaderField{big}, got)
}

func TestEncoder_RoundTripThroughDecoder(t *testing.T) {
	e := NewEncoder()
	d := NewDecoder(DefaultHeaderTableSize)
	fields := []HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "text/html; charset=utf-8"},
		{Name: "content-length", Value: "42"},
	}

	for i := 0; i < 3; i++ {
		block, err := e.Encode(fields)
		require.NoError(t, err)
		got, err := d.Decode(block, 0)
		require.NoError(t, err)
		assert.Equal(t, fields, got)
	}
}

func TestEncoder_BlocksAreIndependent(t *testing.T) {
	e := NewEncoder()
	fields := []HeaderField{{Name: "x-custom", Value: "value"}}

	_, err := e.Encode(fields)
	require.NoError(t, err)
	second, err := e.Encode(fields)
	require.NoError(t, err)

	// A fresh decoder that never saw the first block decodes the second one.
	got, err := NewDecoder(DefaultHeaderTableSize).Decode(second, 0)
	require.NoError(t, err)
	assert.Equal(t, fields, got)
}

func TestEncoder_RejectsEmptyName(t *testing.T) {
	_, err := NewEncoder().Encode([]HeaderField{{Name: "", Value: "x"}})
	assert.Error(t, err)
}
