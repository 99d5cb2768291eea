// Copyright (c) 2025 The TODOKANAI developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package serialize

import (
	"encoding/binary"
)

// Tag bytes of the value stream. Values 0x0A-0x1E are reserved and
// abort reading; values 0x20-0xFF are metadata characters.
const (
	tagTerminator = 0x00
	tagDocument   = 0x01
	tagFalse      = 0x02
	tagTrue       = 0x03
	tagU8         = 0x04
	tagU8Sized    = 0x05
	tagU32        = 0x06
	tagU32Sized   = 0x07
	tagU64        = 0x08
	tagU64Sized   = 0x09
	tagNull       = 0x1F
)

// maxLevel is the maximum document nesting depth accepted when
// reading. Deeper documents are skipped without descending.
const maxLevel = 128

type mode int

const (
	reading mode = iota
	probing
	writing
)

// Context drives one traversal of a value stream. The same traversal
// function is called for reading, probing and writing; each method
// performs the operation appropriate to the context's mode.
type Context struct {
	mode mode

	// Input buffer (reading) or output buffer (writing).
	data []byte

	// Current position in data.
	pos int

	// Accumulated size (probing only).
	size int

	// Current document nesting depth (reading only).
	level int
}

// Load reads a value stream from data, driving fn in reading mode.
// It returns the number of bytes consumed.
func Load(data []byte, fn func(*Context)) int {
	ctx := &Context{mode: reading, data: data}
	fn(ctx)
	return ctx.pos
}

// Save runs fn twice, first to probe the encoded size and then to
// write, and returns the encoded bytes. It returns nil when fn writes
// nothing.
func Save(fn func(*Context)) []byte {
	return Append(nil, fn)
}

// Append serializes like Save but appends to dst.
func Append(dst []byte, fn func(*Context)) []byte {
	probe := &Context{mode: probing}
	fn(probe)
	if probe.size == 0 {
		return dst
	}

	pos := len(dst)
	dst = append(dst, make([]byte, probe.size)...)
	ctx := &Context{mode: writing, data: dst[pos:]}
	fn(ctx)
	return dst
}

// Reading reports whether the context is deserializing.
func (c *Context) Reading() bool {
	return c.mode == reading
}

// More reports whether the current document has further values to
// read. It is the loop condition for variable-length containers and
// always returns false outside of reading mode.
func (c *Context) More() bool {
	return c.mode == reading && c.pos < len(c.data) && c.data[c.pos] != tagTerminator
}

// remaining returns the number of unread input bytes.
func (c *Context) remaining() int {
	return len(c.data) - c.pos
}

// abort discards the rest of the input buffer.
func (c *Context) abort() {
	c.pos = len(c.data)
}

// readRaw consumes n input bytes, aborting at EOF.
func (c *Context) readRaw(n int) []byte {
	if c.remaining() < n {
		c.abort()
		return nil
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b
}

// readSize consumes the size payload of the given tag and validates it
// against the remaining input. A size that overflows the buffer aborts
// reading and returns 0.
func (c *Context) readSize(tag byte) int {
	var size uint64
	switch tag {
	case tagU8, tagU8Sized:
		b := c.readRaw(1)
		if b == nil {
			return 0
		}
		size = uint64(b[0])
	case tagU32, tagU32Sized:
		b := c.readRaw(4)
		if b == nil {
			return 0
		}
		size = uint64(binary.BigEndian.Uint32(b))
	case tagU64, tagU64Sized:
		b := c.readRaw(8)
		if b == nil {
			return 0
		}
		size = binary.BigEndian.Uint64(b)
	}
	if size > uint64(c.remaining()) {
		// Size overflow: abort.
		c.abort()
		return 0
	}
	return int(size)
}

// skip consumes one value (level == 0), or the rest of the current
// document the given number of nesting levels up.
func (c *Context) skip(level int) {
	for c.pos < len(c.data) && (level != 0 || c.data[c.pos] != tagTerminator) {
		b := c.data[c.pos]
		c.pos++
		switch b {
		case tagTerminator:
			level--
		case tagDocument:
			level++
		case tagNull, tagFalse, tagTrue:
		case tagU8:
			c.readRaw(1)
		case tagU32:
			c.readRaw(4)
		case tagU64:
			c.readRaw(8)
		case tagU8Sized, tagU32Sized, tagU64Sized:
			c.pos += c.readSize(b)
		default:
			if b < tagNull {
				// Reserved tag: abort.
				c.abort()
				return
			}
			// Metadata byte prefixes the next value.
			continue
		}
		if level == 0 {
			return
		}
	}
}

// drop skips all remaining values in the current document.
func (c *Context) drop() {
	for c.pos < len(c.data) && c.data[c.pos] != tagTerminator {
		c.skip(0)
	}
}

// writeRaw emits raw bytes (or accounts for them when probing).
func (c *Context) writeRaw(b []byte) {
	if c.mode == probing {
		c.size += len(b)
		return
	}
	copy(c.data[c.pos:], b)
	c.pos += len(b)
}

// writeByte emits a single tag byte.
func (c *Context) writeByte(b byte) {
	if c.mode == probing {
		c.size++
		return
	}
	c.data[c.pos] = b
	c.pos++
}

// sizedTag returns the sized-buffer tag appropriate for n.
func sizedTag(n int) byte {
	switch {
	case n < 256:
		return tagU8Sized
	case uint64(n) <= 0xFFFFFFFF:
		return tagU32Sized
	default:
		return tagU64Sized
	}
}

// valueTag returns the size-value tag appropriate for n.
func valueTag(n int) byte {
	switch {
	case n < 256:
		return tagU8
	case uint64(n) <= 0xFFFFFFFF:
		return tagU32
	default:
		return tagU64
	}
}

// writeSizeVal emits the payload of a size in its shortest form.
func (c *Context) writeSizeVal(n int) {
	switch {
	case n < 256:
		c.writeByte(byte(n))
	case uint64(n) <= 0xFFFFFFFF:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		c.writeRaw(b[:])
	default:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(n))
		c.writeRaw(b[:])
	}
}

// writeSized emits a sized buffer, compressing the empty case.
func (c *Context) writeSized(b []byte) {
	if len(b) == 0 {
		c.writeByte(tagFalse)
		return
	}
	c.writeByte(sizedTag(len(b)))
	c.writeSizeVal(len(b))
	c.writeRaw(b)
}

// Bool traverses a boolean value.
func (c *Context) Bool(v *bool) {
	if c.mode != reading {
		if *v {
			c.writeByte(tagTrue)
		} else {
			c.writeByte(tagFalse)
		}
		return
	}

	if c.remaining() == 0 {
		return
	}
	switch c.data[c.pos] {
	case tagFalse, tagTrue:
		*v = c.data[c.pos] == tagTrue
		c.pos++
	case tagNull:
		c.pos++
	default:
		c.drop()
	}
}

// Uint8 traverses an 8-bit value. Zero encodes as the false tag.
func (c *Context) Uint8(v *uint8) {
	if c.mode != reading {
		if *v == 0 {
			c.writeByte(tagFalse)
			return
		}
		c.writeByte(tagU8)
		c.writeByte(*v)
		return
	}

	if c.remaining() == 0 {
		return
	}
	switch c.data[c.pos] {
	case tagFalse:
		c.pos++
		*v = 0
	case tagU8:
		c.pos++
		if b := c.readRaw(1); b != nil {
			*v = b[0]
		}
	case tagNull:
		c.pos++
	default:
		c.drop()
	}
}

// Uint16 traverses a 16-bit value as a sized 2-byte big-endian buffer.
// Zero encodes as the false tag.
func (c *Context) Uint16(v *uint16) {
	if c.mode != reading {
		if *v == 0 {
			c.writeByte(tagFalse)
			return
		}
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], *v)
		c.writeSized(b[:])
		return
	}

	if c.remaining() == 0 {
		return
	}
	switch c.data[c.pos] {
	case tagFalse:
		c.pos++
		*v = 0
	case tagU8Sized:
		c.pos++
		size := c.readSize(tagU8Sized)
		if size == 2 {
			if b := c.readRaw(2); b != nil {
				*v = binary.BigEndian.Uint16(b)
			}
			return
		}
		// Invalid size: abort document.
		c.readRaw(size)
		c.drop()
	case tagNull:
		c.pos++
	default:
		c.drop()
	}
}

// Uint32 traverses a 32-bit value. Zero encodes as the false tag.
func (c *Context) Uint32(v *uint32) {
	if c.mode != reading {
		if *v == 0 {
			c.writeByte(tagFalse)
			return
		}
		c.writeByte(tagU32)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], *v)
		c.writeRaw(b[:])
		return
	}

	if c.remaining() == 0 {
		return
	}
	switch c.data[c.pos] {
	case tagFalse:
		c.pos++
		*v = 0
	case tagU32:
		c.pos++
		if b := c.readRaw(4); b != nil {
			*v = binary.BigEndian.Uint32(b)
		}
	case tagNull:
		c.pos++
	default:
		c.drop()
	}
}

// Uint64 traverses a 64-bit value. Zero encodes as the false tag.
func (c *Context) Uint64(v *uint64) {
	if c.mode != reading {
		if *v == 0 {
			c.writeByte(tagFalse)
			return
		}
		c.writeByte(tagU64)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], *v)
		c.writeRaw(b[:])
		return
	}

	if c.remaining() == 0 {
		return
	}
	switch c.data[c.pos] {
	case tagFalse:
		c.pos++
		*v = 0
	case tagU64:
		c.pos++
		if b := c.readRaw(8); b != nil {
			*v = binary.BigEndian.Uint64(b)
		}
	case tagNull:
		c.pos++
	default:
		c.drop()
	}
}

// Size traverses a size hint in its shortest value form. Zero encodes
// as the false tag.
func (c *Context) Size(v *int) {
	if c.mode != reading {
		if *v == 0 {
			c.writeByte(tagFalse)
			return
		}
		c.writeByte(valueTag(*v))
		c.writeSizeVal(*v)
		return
	}

	if c.remaining() == 0 {
		return
	}
	switch c.data[c.pos] {
	case tagFalse:
		c.pos++
		*v = 0
	case tagU8, tagU32, tagU64:
		tag := c.data[c.pos]
		c.pos++
		*v = c.readSize(tag)
	case tagNull:
		c.pos++
	default:
		c.drop()
	}
}

// Bytes traverses a byte buffer as a sized blob. Empty encodes as the
// false tag.
func (c *Context) Bytes(v *[]byte) {
	if c.mode != reading {
		c.writeSized(*v)
		return
	}

	if c.remaining() == 0 {
		return
	}
	switch c.data[c.pos] {
	case tagFalse:
		c.pos++
		*v = nil
	case tagU8Sized, tagU32Sized, tagU64Sized:
		tag := c.data[c.pos]
		c.pos++
		size := c.readSize(tag)
		b := c.readRaw(size)
		*v = append([]byte(nil), b...)
	case tagNull:
		c.pos++
	default:
		c.drop()
	}
}

// String traverses a string as a sized blob of its bytes.
func (c *Context) String(v *string) {
	if c.mode != reading {
		if len(*v) == 0 {
			c.writeByte(tagFalse)
			return
		}
		c.writeByte(sizedTag(len(*v)))
		c.writeSizeVal(len(*v))
		c.writeRaw([]byte(*v))
		return
	}

	var b []byte
	if len(*v) != 0 {
		b = []byte(*v)
	}
	c.Bytes(&b)
	*v = string(b)
}

// Fixed traverses a fixed-width copy type as a blob of exactly
// len(buf) bytes. An all-zero buffer encodes as the false tag.
func (c *Context) Fixed(buf []byte) {
	if c.mode != reading {
		zero := true
		for _, b := range buf {
			if b != 0 {
				zero = false
				break
			}
		}
		if zero {
			c.writeByte(tagFalse)
			return
		}
		c.writeSized(buf)
		return
	}

	if c.remaining() == 0 {
		return
	}
	switch c.data[c.pos] {
	case tagFalse:
		c.pos++
		for i := range buf {
			buf[i] = 0
		}
	case sizedTag(len(buf)):
		tag := c.data[c.pos]
		c.pos++
		size := c.readSize(tag)
		if size == len(buf) {
			copy(buf, c.readRaw(size))
			return
		}
		// Invalid size: abort document.
		c.readRaw(size)
		c.drop()
	case tagNull:
		c.pos++
	default:
		c.drop()
	}
}

// Struct traverses a nested document. The function traverses the
// document's members; on read, unrecognized trailing members are
// skipped and documents nested deeper than the recursion limit are
// dropped without descending.
func (c *Context) Struct(fn func()) {
	if c.mode != reading {
		c.writeByte(tagDocument)
		fn()
		c.writeByte(tagTerminator)
		return
	}

	if c.remaining() == 0 {
		return
	}
	switch c.data[c.pos] {
	case tagDocument:
		c.pos++
		c.level++
		if c.level < maxLevel {
			fn()
		}
		c.skip(1)
		c.level--
	case tagNull:
		c.pos++
	default:
		c.drop()
	}
}

// Null traverses n null placeholders. A deleted element keeps its slot
// as a null so that older and newer readers stay aligned.
func (c *Context) Null(n int) {
	for ; n > 0; n-- {
		if c.mode != reading {
			c.writeByte(tagNull)
			continue
		}
		c.skip(0)
	}
}

// Name traverses a metadata annotation preceding a value. On read a
// mismatched name drops the rest of the current document, which is the
// forward-compatibility escape hatch for renamed or reordered fields.
// The string must consist of bytes in the range 0x20-0xFF.
func (c *Context) Name(s string) {
	if c.mode != reading {
		c.writeRaw([]byte(s))
		return
	}

	if c.remaining() >= len(s) && string(c.data[c.pos:c.pos+len(s)]) == s {
		c.pos += len(s)
		return
	}
	c.drop()
}

// container traverses the document framing shared by all complex
// containers. Empty containers compress to the false tag.
func (c *Context) container(empty bool, clear func(), body func()) {
	if c.mode != reading {
		if empty {
			c.writeByte(tagFalse)
			return
		}
		c.writeByte(tagDocument)
		body()
		c.writeByte(tagTerminator)
		return
	}

	if c.remaining() == 0 {
		return
	}
	switch c.data[c.pos] {
	case tagFalse:
		c.pos++
		clear()
	case tagDocument:
		c.pos++
		clear()
		c.level++
		if c.level < maxLevel {
			body()
		}
		c.skip(1)
		c.level--
	case tagNull:
		c.pos++
	default:
		c.drop()
	}
}

// Slice traverses a slice of complex elements as a document holding a
// size hint followed by the elements.
func Slice[T any](c *Context, s *[]T, elem func(*Context, *T)) {
	c.container(len(*s) == 0, func() { *s = nil }, func() {
		n := len(*s)
		c.Size(&n)
		if c.Reading() {
			if n > 0 {
				*s = make([]T, 0, n)
			}
			for c.More() {
				var v T
				elem(c, &v)
				*s = append(*s, v)
			}
			return
		}
		for i := range *s {
			elem(c, &(*s)[i])
		}
	})
}

// MapOf traverses a map as a document holding a size hint followed by
// interleaved keys and values.
func MapOf[K comparable, V any](c *Context, m *map[K]V,
	key func(*Context, *K), val func(*Context, *V)) {

	c.container(len(*m) == 0, func() { *m = nil }, func() {
		n := len(*m)
		c.Size(&n)
		if c.Reading() {
			*m = make(map[K]V, n)
			for c.More() {
				var k K
				var v V
				key(c, &k)
				val(c, &v)
				(*m)[k] = v
			}
			return
		}
		for k := range *m {
			k := k
			v := (*m)[k]
			key(c, &k)
			val(c, &v)
		}
	})
}

// SetOf traverses a set as a document holding a size hint followed by
// the keys.
func SetOf[K comparable](c *Context, m *map[K]struct{},
	key func(*Context, *K)) {

	c.container(len(*m) == 0, func() { *m = nil }, func() {
		n := len(*m)
		c.Size(&n)
		if c.Reading() {
			*m = make(map[K]struct{}, n)
			for c.More() {
				var k K
				key(c, &k)
				(*m)[k] = struct{}{}
			}
			return
		}
		for k := range *m {
			k := k
			key(c, &k)
		}
	})
}
