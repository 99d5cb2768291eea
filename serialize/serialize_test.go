// Copyright (c) 2025 The TODOKANAI developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package serialize_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nekotekina/TODOKANAI/serialize"
)

// record is a representative stored value exercising most traversals.
type record struct {
	Name  string
	Count uint64
	Small uint8
	Wide  uint16
	Flag  bool
	Tags  []string
	Meta  map[string]uint32
	Blob  []byte
}

func (r *record) traverse(c *serialize.Context) {
	c.String(&r.Name)
	c.Uint64(&r.Count)
	c.Uint8(&r.Small)
	c.Uint16(&r.Wide)
	c.Bool(&r.Flag)
	serialize.Slice(c, &r.Tags, func(c *serialize.Context, s *string) {
		c.String(s)
	})
	serialize.MapOf(c, &r.Meta,
		func(c *serialize.Context, k *string) { c.String(k) },
		func(c *serialize.Context, v *uint32) { c.Uint32(v) })
	c.Bytes(&r.Blob)
}

func TestRoundTrip(t *testing.T) {
	in := record{
		Name:  "alpha",
		Count: 1 << 40,
		Small: 7,
		Wide:  300,
		Flag:  true,
		Tags:  []string{"one", "two", ""},
		Meta:  map[string]uint32{"x": 1, "y": 0},
		Blob:  []byte{0, 1, 2, 3},
	}

	data := serialize.Save(in.traverse)
	require.NotEmpty(t, data)

	var out record
	consumed := serialize.Load(data, out.traverse)

	assert.Equal(t, len(data), consumed, "probe size must equal bytes written")
	assert.Equal(t, in, out)
}

func TestZeroValuesCompact(t *testing.T) {
	// Every zero or empty value encodes as a single tag byte.
	var in record
	data := serialize.Save(in.traverse)
	assert.Len(t, data, 8)

	var out record
	serialize.Load(data, out.traverse)
	assert.Equal(t, in, out)
}

func TestNestedDocument(t *testing.T) {
	type outer struct {
		Inner record
		Tail  uint64
	}
	in := outer{
		Inner: record{Name: "nested", Count: 17},
		Tail:  99,
	}

	fn := func(v *outer) func(*serialize.Context) {
		return func(c *serialize.Context) {
			c.Struct(func() { v.Inner.traverse(c) })
			c.Uint64(&v.Tail)
		}
	}

	data := serialize.Save(fn(&in))

	var out outer
	consumed := serialize.Load(data, fn(&out))
	assert.Equal(t, len(data), consumed)
	assert.Equal(t, in, out)
}

// TestAppendedField checks that data written with an extra trailing
// field loads correctly in a reader that does not know it.
func TestAppendedField(t *testing.T) {
	in := record{Name: "v2", Count: 5}
	extra := uint32(12345)

	data := serialize.Save(func(c *serialize.Context) {
		c.Struct(func() {
			in.traverse(c)
			c.Uint32(&extra) // field added in a newer version
		})
	})

	var out record
	serialize.Load(data, func(c *serialize.Context) {
		c.Struct(func() { out.traverse(c) })
	})
	assert.Equal(t, in, out)

	// A new reader of old data sees the default for the missing field.
	old := serialize.Save(func(c *serialize.Context) {
		c.Struct(func() { in.traverse(c) })
	})
	var out2 record
	var extra2 uint32 = 77
	serialize.Load(old, func(c *serialize.Context) {
		c.Struct(func() {
			out2.traverse(c)
			c.Uint32(&extra2)
		})
	})
	assert.Equal(t, in, out2)
	assert.Equal(t, uint32(77), extra2, "missing trailing field keeps its preset value")
}

// TestNullPlaceholder checks that a deleted field replaced by a null
// keeps both directions readable.
func TestNullPlaceholder(t *testing.T) {
	name := "keep"
	tail := uint64(42)

	// Old layout: string, uint64, uint64. New layout deletes the
	// middle field.
	data := serialize.Save(func(c *serialize.Context) {
		c.Struct(func() {
			c.String(&name)
			c.Null(1)
			c.Uint64(&tail)
		})
	})

	var outName string
	var deleted, outTail uint64
	serialize.Load(data, func(c *serialize.Context) {
		c.Struct(func() {
			c.String(&outName)
			c.Uint64(&deleted) // old reader still traverses the slot
			c.Uint64(&outTail)
		})
	})
	assert.Equal(t, name, outName)
	assert.Zero(t, deleted)
	assert.Equal(t, tail, outTail)
}

// TestNameMismatch checks that a mismatched metadata annotation drops
// the rest of the document instead of misreading it.
func TestNameMismatch(t *testing.T) {
	val := uint64(9000)
	data := serialize.Save(func(c *serialize.Context) {
		c.Struct(func() {
			c.Name("A")
			c.Uint64(&val)
		})
	})

	var out uint64
	var after uint64 = 1
	serialize.Load(data, func(c *serialize.Context) {
		c.Struct(func() {
			c.Name("B")
			c.Uint64(&out)
		})
		c.Uint64(&after)
	})
	assert.Zero(t, out, "mismatched name must not read the value")
	assert.Equal(t, uint64(1), after, "reading continues after the document")

	var ok uint64
	serialize.Load(data, func(c *serialize.Context) {
		c.Struct(func() {
			c.Name("A")
			c.Uint64(&ok)
		})
	})
	assert.Equal(t, val, ok)
}

func TestFixed(t *testing.T) {
	in := [32]byte{0: 0xFF, 31: 1}
	data := serialize.Save(func(c *serialize.Context) {
		c.Fixed(in[:])
	})

	var out [32]byte
	serialize.Load(data, func(c *serialize.Context) {
		c.Fixed(out[:])
	})
	assert.Equal(t, in, out)

	// The all-zero value compresses to one byte and restores.
	var zeroIn [32]byte
	data = serialize.Save(func(c *serialize.Context) {
		c.Fixed(zeroIn[:])
	})
	assert.Len(t, data, 1)

	out = in
	serialize.Load(data, func(c *serialize.Context) {
		c.Fixed(out[:])
	})
	assert.Equal(t, zeroIn, out)
}

func TestTruncatedInput(t *testing.T) {
	in := record{Name: "truncated", Blob: make([]byte, 100)}
	data := serialize.Save(in.traverse)

	// Loading any prefix must terminate without panicking.
	for i := 0; i < len(data); i++ {
		var out record
		serialize.Load(data[:i], out.traverse)
	}
}

func TestReservedTagAborts(t *testing.T) {
	var out record
	consumed := serialize.Load([]byte{0x0A, 0x03, 0x03}, out.traverse)
	assert.Equal(t, 3, consumed, "reserved tag must abort to end of buffer")
	assert.Equal(t, record{}, out)
}

func TestProbeEqualsWriteProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("round-trip preserves values", prop.ForAll(
		func(name string, count uint64, flag bool, blob []byte) bool {
			in := record{Name: name, Count: count, Flag: flag, Blob: blob}
			if len(blob) == 0 {
				in.Blob = nil
			}

			data := serialize.Save(in.traverse)
			var out record
			if serialize.Load(data, out.traverse) != len(data) {
				return false
			}
			return assert.ObjectsAreEqual(in, out)
		},
		gen.AnyString(),
		gen.UInt64(),
		gen.Bool(),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
