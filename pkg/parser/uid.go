package parser

import (
	"errors"
	"fmt"
	"strings"
)

// PackedUIDLen is the size of a packed UID: 64 characters at two per byte.
const PackedUIDLen = 32

var ErrBadUID = errors.New("invalid dicom uid")

// PackUID encodes a dotted-decimal UID into nibbles, '0'..'9' as 1..10 and
// '.' as 11, two per byte, high nibble first. An odd trailing nibble is 0.
func PackUID(uid string) ([]byte, error) {
	uid = strings.TrimRight(uid, "\x00 ")
	if uid == "" || len(uid) > 2*PackedUIDLen {
		return nil, fmt.Errorf("%w: %q", ErrBadUID, uid)
	}
	out := make([]byte, (len(uid)+1)/2)
	for i := 0; i < len(uid); i++ {
		var n byte
		switch c := uid[i]; {
		case c >= '0' && c <= '9':
			n = c - '0' + 1
		case c == '.':
			n = 11
		default:
			return nil, fmt.Errorf("%w: %q", ErrBadUID, uid)
		}
		if i%2 == 0 {
			out[i/2] = n << 4
		} else {
			out[i/2] |= n
		}
	}
	return out, nil
}

// UnpackUID is the inverse of PackUID. Zero nibbles terminate the UID so a
// zero-padded 32-byte field unpacks to the original string.
func UnpackUID(packed []byte) (string, error) {
	var b strings.Builder
	for _, p := range packed {
		for _, n := range [2]byte{p >> 4, p & 0x0f} {
			switch {
			case n == 0:
				return b.String(), nil
			case n <= 10:
				b.WriteByte('0' + n - 1)
			case n == 11:
				b.WriteByte('.')
			default:
				return "", fmt.Errorf("%w: bad nibble %#x", ErrBadUID, n)
			}
		}
	}
	return b.String(), nil
}

// PadUID returns the packed UID zero-extended to PackedUIDLen bytes, the
// form stored in raw file headers and companion files.
func PadUID(packed []byte) []byte {
	out := make([]byte, PackedUIDLen)
	copy(out, packed)
	return out
}
