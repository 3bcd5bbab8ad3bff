// Package idgen generates random identifiers for offers, incidents, audit
// events and custody nonces.
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"
)

var now = time.Now

// WithPrefix returns prefix followed by 12 hex digits of the current
// millisecond and 16 random hex digits. IDs from one process sort in
// creation order when compared as strings (to the millisecond).
func WithPrefix(prefix string) string {
	var b [14]byte
	ms := uint64(now().UnixMilli())
	binary.BigEndian.PutUint16(b[0:2], uint16(ms>>32))
	binary.BigEndian.PutUint32(b[2:6], uint32(ms))
	if _, err := rand.Read(b[6:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b[:])
}

// Hex returns numBytes random bytes, hex encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
