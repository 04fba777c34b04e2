package model

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"
)

var codeGenCounter atomic.Uint64

// the current time encoded as a hex float string, mixed into every
// generated code so equal inputs still yield distinct codes
func currentTimeBytes() []byte {
	now := float64(time.Now().UnixNano()) / 1e9
	return []byte(strconv.FormatFloat(now, 'x', -1, 64))
}

// GenerateHashCode derives a hex code of `size` bytes (2*size hex chars)
// from `data`, a keyed blake2b hash, the current time and a process-wide
// counter. `key` must be at most 64 bytes.
func GenerateHashCode(key []byte, data []byte, size int) (string, error) {
	h, err := blake2b.New(size, key)
	if err != nil {
		return "", fmt.Errorf("can't init keyed hash: %w", err)
	}
	h.Write(data)
	h.Write(currentTimeBytes())

	var counter [16]byte
	binary.BigEndian.PutUint64(counter[8:], codeGenCounter.Add(1))
	h.Write(counter[:])

	return hex.EncodeToString(h.Sum(nil)), nil
}
