// Copyright (c) 2025 The TODOKANAI developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"os"
)

const (
	// FrameSize is the on-disk size of one encrypted frame.
	FrameSize = 4096

	// BlockSize is the plaintext capacity of one frame.
	BlockSize = FrameSize - frameNonceSize - frameTagSize

	// frameNonceSize is the non-default GCM nonce length stored in the
	// frame prologue.
	frameNonceSize = 16

	// frameTagSize is the GCM tag length stored in the frame epilogue.
	frameTagSize = 16

	// maxFileSize limits preallocation and resizing to 1 PiB.
	maxFileSize = 1 << 50

	// maxAutoGrow limits the automatic extension performed by a write
	// past the end of the file to 1 GiB per call.
	maxAutoGrow = 1 << 30
)

// ErrShortIO is returned by the byte-granular View methods when a
// block could not be read back or written, which includes tampered
// ciphertext and plain I/O errors alike.
var ErrShortIO = errors.New("view: block unreadable or unwritable")

// View is an encrypted block container over a single file. The file
// consists of fixed 4096-byte frames:
//
//	offset 0    : 16 bytes random nonce
//	offset 16   : 4064 bytes AES-256-GCM ciphertext
//	offset 4080 : 16 bytes authentication tag
//
// The additional authenticated data of every frame is the big-endian
// container identifier followed by the big-endian block index; it is
// computed, never stored. Blocks are normally indistinguishable from
// random data; the key must be externally known.
//
// A View is not safe for concurrent use; callers serialize access.
type View struct {
	file *os.File
	aead cipher.AEAD

	// Actual file size in blocks.
	count uint64

	// Original path, for SetDelete.
	path string

	// Deleted on close already.
	deleted bool

	// Scratch plaintext block for byte-granular access; wiped after
	// every partial operation.
	buf [BlockSize]byte
}

// OpenView creates or opens an encrypted container at path with the
// given AES-256 key. A file size that is not a multiple of the frame
// size marks the trailing partial frame as nonexistent.
func OpenView(path string, key *[32]byte) (*View, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, frameNonceSize)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.Size()%FrameSize != 0 {
		log.Warnf("container %s size %d is not frame-aligned, tail ignored", path, info.Size())
	}

	return &View{
		file:  file,
		aead:  aead,
		count: uint64(info.Size()) / FrameSize,
		path:  path,
	}, nil
}

// Count returns the current storage size in blocks.
func (v *View) Count() uint64 {
	return v.count
}

// Size returns the current effective storage size in plaintext bytes
// (a multiple of BlockSize).
func (v *View) Size() uint64 {
	return v.count * BlockSize
}

// frameAAD builds the 16-byte additional authenticated data binding a
// frame to its container and index.
func frameAAD(ident, index uint64) [16]byte {
	var aad [16]byte
	binary.BigEndian.PutUint64(aad[0:8], ident)
	binary.BigEndian.PutUint64(aad[8:16], index)
	return aad
}

// ReadBlock decrypts block into buf, which must be BlockSize bytes.
// It returns false when the index is out of range, on I/O error, or
// when authentication fails (tampered data, wrong index, wrong ident).
func (v *View) ReadBlock(block uint64, buf []byte, ident uint64) bool {
	if block >= v.count || len(buf) != BlockSize {
		return false
	}

	var frame [FrameSize]byte
	if _, err := v.file.ReadAt(frame[:], int64(block)*FrameSize); err != nil {
		return false
	}

	aad := frameAAD(ident, block)
	if _, err := v.aead.Open(buf[:0], frame[:frameNonceSize], frame[frameNonceSize:], aad[:]); err != nil {
		return false
	}
	return true
}

// WriteBlock encrypts buf (BlockSize bytes) into the given block. A
// write to index Count appends and extends the container by one block;
// larger indices are rejected. Every write uses a fresh random nonce.
// A failed write leaves the block count unchanged.
func (v *View) WriteBlock(block uint64, buf []byte, ident uint64) bool {
	if block > v.count || len(buf) != BlockSize {
		return false
	}

	var frame [FrameSize]byte
	if _, err := rand.Read(frame[:frameNonceSize]); err != nil {
		return false
	}

	aad := frameAAD(ident, block)
	v.aead.Seal(frame[frameNonceSize:frameNonceSize], frame[:frameNonceSize], buf, aad[:])

	if _, err := v.file.WriteAt(frame[:], int64(block)*FrameSize); err != nil {
		return false
	}

	if block == v.count {
		v.count = block + 1
	}
	return true
}

// Flush forces buffered writes to stable storage.
func (v *View) Flush() error {
	return v.file.Sync()
}

// Alloc preallocates storage for the given future plaintext size
// without changing the logical size. It may do nothing; sizes beyond
// 1 PiB are rejected.
func (v *View) Alloc(futureSize uint64) bool {
	oldRS := v.count * FrameSize
	newRS := futureSize / BlockSize * FrameSize
	if futureSize%BlockSize != 0 {
		newRS += FrameSize
	}

	if oldRS >= newRS {
		return true
	}
	if futureSize > maxFileSize {
		return false
	}

	return preallocate(v.file, int64(oldRS), int64(newRS-oldRS))
}

// SetDelete unlinks the container now; the open handle keeps working
// until Close. It reports whether the file is gone.
func (v *View) SetDelete() bool {
	if v.deleted {
		return true
	}
	if err := os.Remove(v.path); err != nil {
		return false
	}
	v.deleted = true
	return true
}

// Trunc resizes the storage to hold newSize plaintext bytes, rounded
// up to a whole block. Shrinking truncates the file; growing writes
// encrypted zero blocks one by one so that the whole container remains
// readable. It returns the size actually reached.
func (v *View) Trunc(newSize uint64) uint64 {
	oldRS := v.count * FrameSize
	newRS := newSize / BlockSize * FrameSize
	if newSize%BlockSize != 0 {
		newRS += FrameSize
	}

	if oldRS == newRS || newSize > maxFileSize {
		return v.Size()
	}

	if newRS < oldRS {
		if err := v.file.Truncate(int64(newRS)); err != nil {
			return v.Size()
		}
		v.count = newRS / FrameSize
		return v.Size()
	}

	// Increase the size by appending encrypted zero blocks.
	var zeros [BlockSize]byte
	for i := oldRS / FrameSize; i < newRS/FrameSize; i++ {
		if !v.WriteBlock(i, zeros[:], 0) {
			return i * BlockSize
		}
	}
	return v.Size()
}

// ReadAt implements byte-granular reads over the block space. Offsets
// address plaintext bytes. Reads that touch a partial block go through
// the scratch block, which is wiped afterwards. It returns the number
// of bytes read; a short read carries ErrShortIO.
func (v *View) ReadAt(p []byte, off int64) (int, error) {
	result := 0
	for offset := uint64(off); result < len(p); {
		mod := offset % BlockSize
		n := len(p) - result
		if n > int(BlockSize-mod) {
			n = int(BlockSize - mod)
		}

		if n == BlockSize {
			if !v.ReadBlock(offset/BlockSize, p[result:result+BlockSize], 0) {
				return result, ErrShortIO
			}
		} else {
			if !v.ReadBlock(offset/BlockSize, v.buf[:], 0) {
				return result, ErrShortIO
			}
			copy(p[result:result+n], v.buf[mod:int(mod)+n])
			wipe(v.buf[:])
		}

		offset += uint64(n)
		result += n
	}
	return result, nil
}

// WriteAt implements byte-granular writes over the block space.
// Partial blocks are read, modified and rewritten through the scratch
// block. Writing past the end of the file first extends it to the
// aligned predecessor of the offset with encrypted zero blocks; the
// automatic extension is capped at 1 GiB per call. It returns the
// number of bytes written; a short write carries ErrShortIO.
func (v *View) WriteAt(p []byte, off int64) (int, error) {
	fsize := v.Size()
	fneed := uint64(off) - uint64(off)%BlockSize

	if fsize < fneed {
		// The offset may be absurd; refuse runaway extension.
		if fneed-fsize > maxAutoGrow {
			return 0, ErrShortIO
		}

		// Initialize the gap between the previous EOF and the write
		// offset.
		if v.Trunc(fneed) != fneed {
			return 0, ErrShortIO
		}
		fsize = fneed
	}

	result := 0
	for offset := uint64(off); result < len(p); {
		mod := offset % BlockSize
		n := len(p) - result
		if n > int(BlockSize-mod) {
			n = int(BlockSize - mod)
		}

		if n == BlockSize {
			if !v.WriteBlock(offset/BlockSize, p[result:result+BlockSize], 0) {
				return result, ErrShortIO
			}
		} else {
			if offset >= fsize {
				// Appending a fresh partial block.
				wipe(v.buf[:])
			} else if !v.ReadBlock(offset/BlockSize, v.buf[:], 0) {
				return result, ErrShortIO
			}
			copy(v.buf[mod:int(mod)+n], p[result:result+n])
			ok := v.WriteBlock(offset/BlockSize, v.buf[:], 0)
			wipe(v.buf[:])
			if !ok {
				return result, ErrShortIO
			}
		}

		offset += uint64(n)
		result += n
	}
	return result, nil
}

// Close releases the container. An empty container is deleted;
// otherwise the file is truncated to the exact frame-aligned size.
func (v *View) Close() error {
	wipe(v.buf[:])

	// Automatically delete empty storages.
	if v.count != 0 || !v.SetDelete() {
		v.file.Truncate(int64(v.count) * FrameSize)
	}
	return v.file.Close()
}

// FindAll returns the names of files, or of directories when
// directories is true, inside the given directory.
func FindAll(path string, directories bool) []string {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil
	}

	var result []string
	for _, e := range entries {
		if e.IsDir() == directories {
			result = append(result, e.Name())
		}
	}
	return result
}

// wipe clears a plaintext scratch buffer.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
