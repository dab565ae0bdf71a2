// Package uid provides object identifier generation for lockbox.
package uid

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// Length is the number of hex characters in an object identifier.
const Length = 24

// New generates a 24-character hex identifier laid out like a MongoDB
// ObjectID: a 4-byte big-endian Unix timestamp followed by 8 random bytes.
func New() string {
	var b [12]byte
	binary.BigEndian.PutUint32(b[:4], uint32(time.Now().Unix()))
	if _, err := rand.Read(b[4:]); err != nil {
		// Fallback: nanosecond clock. Should never happen with crypto/rand.
		binary.BigEndian.PutUint64(b[4:], uint64(time.Now().UnixNano()))
	}
	return hex.EncodeToString(b[:])
}

// Valid reports whether id is a well-formed object identifier.
func Valid(id string) bool {
	if len(id) != Length {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// Timestamp returns the creation time embedded in id.
func Timestamp(id string) (time.Time, bool) {
	if !Valid(id) {
		return time.Time{}, false
	}
	b, err := hex.DecodeString(id[:8])
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(int64(binary.BigEndian.Uint32(b)), 0).UTC(), true
}
