// Copyright (c) 2025 The TODOKANAI developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCombinedHashCancellation(t *testing.T) {
	var h combinedHash
	h.init([]byte("salt"))

	var empty [hashSize]byte
	assert.True(t, h.check(empty[:]), "fresh accumulator is the empty-set value")

	h.combine([]byte("a"))
	assert.False(t, h.check(empty[:]))

	// Combining the same input again cancels it.
	h.combine([]byte("a"))
	assert.True(t, h.check(empty[:]))
}

func TestCombinedHashOrderInsensitive(t *testing.T) {
	var a, b combinedHash
	a.init([]byte("salt"))
	b.init([]byte("salt"))

	a.combine([]byte("x"))
	a.combine([]byte("y"))
	b.combine([]byte("y"))
	b.combine([]byte("x"))

	var av, bv [hashSize]byte
	a.dump(av[:])
	b.dump(bv[:])
	assert.Equal(t, av, bv)

	// A different salt produces an unrelated accumulator.
	var c combinedHash
	c.init([]byte("pepper"))
	c.combine([]byte("x"))
	c.combine([]byte("y"))
	var cv [hashSize]byte
	c.dump(cv[:])
	assert.NotEqual(t, av, cv)

	a.clear()
	var empty [hashSize]byte
	assert.True(t, a.check(empty[:]))
}
