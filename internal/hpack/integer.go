package hpack

import (
	"errors"
	"math"
)

// maxContinuationOctets bounds the continuation run of a prefixed integer.
// Five octets carry 35 bits, enough for any uint32 remainder.
const maxContinuationOctets = 5

var (
	// ErrInvalidPrefixBits is returned when the prefix width is outside 1..8.
	ErrInvalidPrefixBits = errors.New("hpack: prefix bits must be between 1 and 8")
	// ErrIntegerTruncated is returned when the input ends before the integer does.
	ErrIntegerTruncated = errors.New("hpack: truncated integer")
	// ErrIntegerOverflow is returned when an encoded integer does not fit in 32 bits.
	ErrIntegerOverflow = errors.New("hpack: integer overflow")
)

// AppendInteger appends the RFC 7541 Section 5.1 representation of value to dst.
// The low prefixBits bits of the first octet carry the value (or all ones when
// it does not fit); the remaining high bits are taken from prefix.
func AppendInteger(dst []byte, value uint32, prefix byte, prefixBits uint8) ([]byte, error) {
	if prefixBits < 1 || prefixBits > 8 {
		return dst, ErrInvalidPrefixBits
	}
	prefixMax := uint32(1)<<prefixBits - 1
	prefix &^= byte(prefixMax)

	if value < prefixMax {
		return append(dst, prefix|byte(value)), nil
	}

	dst = append(dst, prefix|byte(prefixMax))
	value -= prefixMax
	for value >= 0x80 {
		dst = append(dst, byte(value&0x7f)|0x80)
		value >>= 7
	}
	return append(dst, byte(value)), nil
}

// EncodeInteger returns the prefixed-integer encoding of value in a new slice.
func EncodeInteger(value uint32, prefix byte, prefixBits uint8) ([]byte, error) {
	return AppendInteger(make([]byte, 0, 1+maxContinuationOctets), value, prefix, prefixBits)
}

// DecodeInteger reads a prefixed integer from the start of src and reports
// how many octets it consumed. Bits above the prefix in the first octet are ignored.
func DecodeInteger(src []byte, prefixBits uint8) (uint32, int, error) {
	if prefixBits < 1 || prefixBits > 8 {
		return 0, 0, ErrInvalidPrefixBits
	}
	if len(src) == 0 {
		return 0, 0, ErrIntegerTruncated
	}

	prefixMax := uint64(1)<<prefixBits - 1
	value := uint64(src[0]) & prefixMax
	if value < prefixMax {
		return uint32(value), 1, nil
	}

	var shift uint
	for i := 1; i < len(src); i++ {
		if i > maxContinuationOctets {
			return 0, 0, ErrIntegerOverflow
		}
		b := src[i]
		value += uint64(b&0x7f) << shift
		if value > math.MaxUint32 {
			return 0, 0, ErrIntegerOverflow
		}
		if b&0x80 == 0 {
			return uint32(value), i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrIntegerTruncated
}
