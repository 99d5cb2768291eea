// Copyright (c) 2025 The TODOKANAI developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"crypto/hmac"
	"crypto/sha512"
	"hash"
)

// hashSize is the size of the combined hash value.
const hashSize = sha512.Size

// combinedHash is an order-insensitive, self-cancelling accumulator:
// every combined input XORs its HMAC-SHA-512 into the value, so
// combining the same input twice is a no-op. The store uses it to
// summarize the set of live record placements in a terminator block.
type combinedHash struct {
	mac hash.Hash
	sum [hashSize]byte
}

// init keys the accumulator's MAC with the given salt.
func (h *combinedHash) init(salt []byte) {
	h.mac = hmac.New(sha512.New, salt)
}

// combine hashes data and folds it into the accumulator.
func (h *combinedHash) combine(data []byte) {
	var out [hashSize]byte
	h.mac.Reset()
	h.mac.Write(data)
	h.mac.Sum(out[:0])

	for i := range h.sum {
		h.sum[i] ^= out[i]
	}
}

// check compares the accumulator with a stored hash value.
func (h *combinedHash) check(src []byte) bool {
	return hmac.Equal(h.sum[:], src)
}

// dump copies the accumulator value out.
func (h *combinedHash) dump(dst []byte) {
	copy(dst, h.sum[:])
}

// clear resets the accumulator to the empty-set value.
func (h *combinedHash) clear() {
	for i := range h.sum {
		h.sum[i] = 0
	}
}
