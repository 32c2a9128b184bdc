package hpack

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeInteger_Vectors(t *testing.T) {
	tests := []struct {
		name   string
		value  uint32
		prefix byte
		bits   uint8
		want   []byte
	}{
		{"fits in 5-bit prefix", 30, 0x80, 5, []byte{0x9e}},
		{"rfc7541 c.1.2", 1337, 0xc0, 5, []byte{0xdf, 0x9a, 0x0a}},
		{"max int32 with 2-bit prefix", 2147483647, 0xa0, 2, []byte{0xa3, 0xfc, 0xff, 0xff, 0xff, 0x07}},
		{"fits in 2-bit prefix", 1, 0xfc, 2, []byte{0xfd}},
		{"8-bit prefix just below max", 254, 0x00, 8, []byte{0xfe}},
		{"8-bit prefix below max with high bit", 128, 0x00, 8, []byte{0x80}},
		{"8-bit prefix at max", 255, 0x00, 8, []byte{0xff, 0x00}},
		{"8-bit prefix one past max", 256, 0x00, 8, []byte{0xff, 0x01}},
		{"4-bit prefix at max", 30, 0xa0, 4, []byte{0xaf, 0x0f}},
		{"1-bit prefix at max", 1, 0xfe, 1, []byte{0xff, 0x00}},
		{"7-bit prefix at max", 127, 0x80, 7, []byte{0xff, 0x00}},
		{"7-bit prefix one past max", 128, 0x00, 7, []byte{0x7f, 0x01}},
		{"three continuation octets", 27*128*128 + 31*128 + 1, 0x00, 1, []byte{0x01, 0x80, 0x9f, 0x1b}},
		{"zero", 0, 0x40, 6, []byte{0x40}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EncodeInteger(tc.value, tc.prefix, tc.bits)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEncodeInteger_PrefixHighBitsPreserved(t *testing.T) {
	// Prefix bits that overlap the integer field are cleared, not ORed in.
	got, err := EncodeInteger(2, 0xff, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xf2}, got)
}

func TestEncodeInteger_MaxUint32FitsInSixOctets(t *testing.T) {
	for bits := uint8(1); bits <= 8; bits++ {
		got, err := EncodeInteger(math.MaxUint32, 0, bits)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(got), 6, "prefix bits %d", bits)
	}
}

func TestEncodeInteger_InvalidPrefixBits(t *testing.T) {
	_, err := EncodeInteger(1, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidPrefixBits)
	_, err = EncodeInteger(1, 0, 9)
	assert.ErrorIs(t, err, ErrInvalidPrefixBits)
	_, _, err = DecodeInteger([]byte{0x01}, 0)
	assert.ErrorIs(t, err, ErrInvalidPrefixBits)
}

func TestAppendInteger_AppendsAfterExisting(t *testing.T) {
	dst := []byte{0xaa}
	dst, err := AppendInteger(dst, 1337, 0xc0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0xdf, 0x9a, 0x0a}, dst)
}

func TestIntegerRoundTrip(t *testing.T) {
	values := []uint32{0, 1, 2, 126, 127, 128, 254, 255, 256, 1337, 16383, 16384, 1<<21 - 1, 1 << 21, 1<<28 - 1, 1 << 28, math.MaxInt32, math.MaxUint32 - 1, math.MaxUint32}
	for v := uint32(0); v < 2048; v += 7 {
		values = append(values, v)
	}

	for bits := uint8(1); bits <= 8; bits++ {
		for _, v := range values {
			enc, err := EncodeInteger(v, 0, bits)
			require.NoError(t, err)

			got, n, err := DecodeInteger(enc, bits)
			require.NoError(t, err, "value %d bits %d", v, bits)
			assert.Equal(t, v, got, "value %d bits %d", v, bits)
			assert.Equal(t, len(enc), n, "value %d bits %d", v, bits)
		}
	}
}

func TestDecodeInteger_IgnoresPrefixBitsAndTrailingBytes(t *testing.T) {
	v, n, err := DecodeInteger([]byte{0xdf, 0x9a, 0x0a, 0xff, 0xff}, 5)
	require.NoError(t, err)
	assert.Equal(t, uint32(1337), v)
	assert.Equal(t, 3, n)
}

func TestDecodeInteger_Truncated(t *testing.T) {
	_, _, err := DecodeInteger(nil, 5)
	assert.ErrorIs(t, err, ErrIntegerTruncated)

	_, _, err = DecodeInteger([]byte{0x1f}, 5)
	assert.ErrorIs(t, err, ErrIntegerTruncated)

	_, _, err = DecodeInteger([]byte{0x1f, 0x9a}, 5)
	assert.ErrorIs(t, err, ErrIntegerTruncated)
}

func TestDecodeInteger_Overflow(t *testing.T) {
	// Redundant zero-valued continuation octets beyond the bound.
	_, _, err := DecodeInteger([]byte{0xff, 0x80, 0x80, 0x80, 0x80, 0x80, 0x00}, 8)
	assert.ErrorIs(t, err, ErrIntegerOverflow)

	// Value larger than 32 bits.
	_, _, err = DecodeInteger([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0x7f}, 8)
	assert.ErrorIs(t, err, ErrIntegerOverflow)
}
