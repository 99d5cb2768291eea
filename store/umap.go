// Copyright (c) 2025 The TODOKANAI developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/Nekotekina/TODOKANAI/serialize"
)

// Sticky error bits reported by Map.Errors. Scan bits accumulated
// while reloading are discarded again when a reload attempt verifies
// against a terminator hash; ErrDegraded marks a store that never did.
const (
	// ErrDecrypt: a block failed authentication and was skipped.
	ErrDecrypt uint32 = 1 << iota

	// ErrMalformed: a block carried an impossible order or size.
	ErrMalformed

	// ErrOrderAboveCommit: a block was newer than the last commit.
	ErrOrderAboveCommit

	// ErrTruncatedRecord: a multi-block record broke off mid-way.
	ErrTruncatedRecord

	// ErrIncompleteTail: a record ran past the end of the file.
	ErrIncompleteTail

	// ErrDegraded: recovery exhausted all attempts; the store exposes
	// whatever records survived.
	ErrDegraded

	// ErrWriteFailed: a record write failed and was rolled back.
	ErrWriteFailed

	// ErrTerminatorFailed: a commit could not write its terminator.
	ErrTerminatorFailed
)

// Block layout constants. Each plaintext block holds a 32-byte header
// (order, size, 16 reserved bytes) followed by record data. A size of
// 0 marks a terminator whose data begins with the combined hash; the
// maximum size marks the continuation of a multi-block record.
const (
	blockHeader      = 32
	blockData        = BlockSize - blockHeader
	sizeContinuation = ^uint64(0)
)

// invalidBlock is the block sentinel for "no terminator".
const invalidBlock = ^uint32(0)

// Reserved flush values driving the reload attempts.
const (
	flushOptimistic = ^uint64(0)
	flushDegraded   = ^uint64(0) - 1
)

// control tracks the on-disk placement of one record.
type control struct {
	// Current block order (0 - should be assigned and written).
	order uint64

	// Loaded or flushed block range, released after a successful
	// flush of a replacement.
	loadBlock, loadCount uint32

	// Written but uncommitted block range, promoted to the loaded
	// range by a successful flush.
	newBlock, newCount uint32
}

// entry is the in-memory state of one record.
type entry[V any] struct {
	ctrl  control
	value V
}

// Map is a durable keyed map over an encrypted View. Records are
// serialized with the traversal functions supplied at Open and stored
// in one or more contiguous blocks; commits are atomic and crash
// recovery rolls back to the newest verifiable terminator. All public
// methods serialize on one internal mutex; the Map owns its View
// exclusively.
type Map[K comparable, V any] struct {
	freeSpace

	m map[K]*entry[V]

	data *View

	// Error bits.
	errs uint32

	// Block index of the previous terminator.
	lastf uint32

	// Order of the last update.
	order uint64

	// Order of the last flush; a flush is pending while order exceeds
	// it.
	flush uint64

	// Combined hash of all live (order, position) pairs.
	hash combinedHash

	// Note: a shared (reader/writer) mutex must not be used here.
	mu sync.Mutex

	keyFn func(*serialize.Context, *K)
	valFn func(*serialize.Context, *V)
}

// Open loads a keyed map from the view, taking ownership of it. The
// salt keys the combined hash; key and value supply the serialization
// traversals for record keys and values. Opening an empty container
// writes its initial terminator. Recovery findings are reported via
// Errors, not as an open failure.
func Open[K comparable, V any](view *View, salt []byte,
	key func(*serialize.Context, *K),
	value func(*serialize.Context, *V)) (*Map[K, V], error) {

	m := &Map[K, V]{
		data:  view,
		keyFn: key,
		valFn: value,
	}
	m.hash.init(salt)

	m.flush = flushOptimistic
	m.reload()

	if m.lastf == invalidBlock {
		// Freshly created (or unsalvageable) container: establish the
		// initial commit.
		if err := m.finalize(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// xorOrder toggles one (order, position) pair in the combined hash.
func (m *Map[K, V]) xorOrder(order, pos uint64) {
	var data [16]byte
	binary.BigEndian.PutUint64(data[0:8], order)
	binary.BigEndian.PutUint64(data[8:16], pos)
	m.hash.combine(data[:])
}

// reload rebuilds the in-memory state from disk. It scans every block
// and runs up to three attempts: an optimistic pass accepting all
// well-formed records, a rollback pass rejecting records newer than
// the newest terminator, and a salvage pass accepting whatever
// survived. Scan error bits are kept when the salvage pass was reached
// or when no terminator was found; an attempt whose combined hash
// verifies against a found terminator represents an exact committed
// state and discards them.
func (m *Map[K, V]) reload() {
	entryErrs := m.errs

	for attempt := 1; ; attempt++ {
		count := uint32(m.data.Count())

		var lastHash [hashSize]byte
		var sbuf [BlockSize]byte
		var buf []byte

		m.m = make(map[K]*entry[V])
		m.free = nil
		m.hash.clear()
		m.order = 0
		m.lastf = invalidBlock
		m.addFree(count, 0-count)

		for i := uint32(0); i < count; i++ {
			if !m.data.ReadBlock(uint64(i), sbuf[:], 0) {
				m.errs |= ErrDecrypt
				m.addFree(i, 1)
				continue
			}

			order := binary.BigEndian.Uint64(sbuf[0:8])
			size := binary.BigEndian.Uint64(sbuf[8:16])
			head := i

			if order-1 >= 1<<63 {
				m.errs |= ErrMalformed
				m.addFree(i, 1)
				continue
			}

			if size >= 1<<31 && size != sizeContinuation {
				m.errs |= ErrMalformed
				m.addFree(i, 1)
				continue
			}
			if size == sizeContinuation {
				// Lone continuation: its record was consumed or lost.
				m.addFree(i, 1)
				continue
			}

			if m.flush != flushOptimistic && order > m.order {
				// Remember max order.
				m.order = order
			}

			if order > m.flush {
				m.errs |= ErrOrderAboveCommit
				m.addFree(i, 1)
				continue
			}

			if size == 0 {
				// Terminator.
				if m.flush == flushOptimistic && order > m.order {
					if m.lastf != invalidBlock {
						m.addFree(m.lastf, 1)
					}
					copy(lastHash[:], sbuf[blockHeader:blockHeader+hashSize])
					m.order = order
					m.lastf = i
				} else if m.flush == order {
					copy(lastHash[:], sbuf[blockHeader:blockHeader+hashSize])
					m.lastf = i
				} else {
					m.addFree(i, 1)
				}
				continue
			}

			// Head of a record: collect the payload, following sibling
			// continuation blocks until the declared size is consumed.
			remaining := size
			take := remaining
			if take > blockData {
				take = blockData
			}
			buf = append(buf[:0], sbuf[blockHeader:blockHeader+take]...)
			remaining -= take

			broken := false
			for j := i + 1; remaining > 0 && j < count; j++ {
				if !m.data.ReadBlock(uint64(j), sbuf[:], 0) {
					m.errs |= ErrDecrypt | ErrTruncatedRecord
					m.addFree(head, (j+1)-head)
					i = j
					broken = true
					break
				}
				if binary.BigEndian.Uint64(sbuf[0:8]) != order ||
					binary.BigEndian.Uint64(sbuf[8:16]) != sizeContinuation {

					m.errs |= ErrTruncatedRecord
					m.addFree(head, (j+1)-head)
					i = j
					broken = true
					break
				}

				take = remaining
				if take > blockData {
					take = blockData
				}
				buf = append(buf, sbuf[blockHeader:blockHeader+take]...)
				remaining -= take
				i = j
			}

			if broken {
				continue
			}
			if remaining > 0 {
				// The record runs past the end of the file; its blocks
				// stay quarantined.
				m.errs |= ErrIncompleteTail
				continue
			}

			recCount := (i + 1) - head

			var key K
			consumed := serialize.Load(buf, func(c *serialize.Context) {
				m.keyFn(c, &key)
			})

			e := m.m[key]
			if e == nil {
				e = &entry[V]{}
				m.m[key] = e
			}

			if e.ctrl.order < order {
				if e.ctrl.order != 0 {
					// Overwrite the older record.
					m.xorOrder(e.ctrl.order, uint64(e.ctrl.loadBlock))
					m.addFree(e.ctrl.loadBlock, e.ctrl.loadCount)
				}

				e.ctrl = control{order: order, loadBlock: head, loadCount: recCount}
				var value V
				serialize.Load(buf[consumed:], func(c *serialize.Context) {
					m.valFn(c, &value)
				})
				e.value = value
				m.xorOrder(order, uint64(head))
			} else {
				m.addFree(head, recCount)
			}
		}

		if m.flush == flushOptimistic {
			// Complete the first (optimistic) attempt.
			m.flush = m.order
			if !m.hash.check(lastHash[:]) {
				continue
			}
			if m.lastf != invalidBlock {
				m.errs = entryErrs
			}
		} else if m.flush == flushDegraded {
			// Complete the third attempt (heavy damage).
			m.flush = 0
			m.errs |= ErrDegraded
			log.Warnf("store recovery degraded after %d attempts, %d records salvaged", attempt, len(m.m))
		} else if !m.hash.check(lastHash[:]) {
			m.flush = flushDegraded
			continue
		} else {
			// Complete the second attempt: unfinished modifications
			// have been rolled back. The last order may exceed the
			// committed one.
			m.flush = m.order
			if m.lastf != invalidBlock {
				m.errs = entryErrs
			}
		}

		log.Debugf("store reload complete: %v", newLogClosure(func() string {
			return fmt.Sprintf("attempt %d, %d records, %d free ranges, order %d, errors %#x",
				attempt, len(m.m), len(m.free), m.order, m.errs)
		}))
		return
	}
}

// dirty removes an entry's hash contribution and marks it as awaiting
// a write.
func (m *Map[K, V]) dirty(e *entry[V]) {
	if e.ctrl.order != 0 {
		pos := e.ctrl.loadBlock
		if e.ctrl.newCount != 0 {
			pos = e.ctrl.newBlock
		}
		m.xorOrder(e.ctrl.order, uint64(pos))
		e.ctrl.order = 0
	}
}

// writeEntry serializes one record and writes it to a fresh block
// range under the next order. I/O failures are rolled back and
// recorded in the error bits; only address-space exhaustion is
// returned as an error.
func (m *Map[K, V]) writeEntry(key K, e *entry[V]) error {
	buf := serialize.Save(func(c *serialize.Context) {
		m.keyFn(c, &key)
		m.valFn(c, &e.value)
	})

	// Get the number of blocks required.
	count := uint32(len(buf) / blockData)
	if len(buf)%blockData != 0 {
		count++
	}

	// Update the order.
	m.dirty(e)
	m.order++
	e.ctrl.order = m.order

	// Update the block range, reusing an unflushed range of the same
	// length.
	if e.ctrl.newCount != count {
		m.addFree(e.ctrl.newBlock, e.ctrl.newCount)
		block, err := m.takeFree(count)
		if err != nil {
			e.ctrl.newBlock = 0
			e.ctrl.newCount = 0
			e.ctrl.order = 0
			m.order--
			return err
		}
		e.ctrl.newBlock = block
		e.ctrl.newCount = count
	}

	m.xorOrder(e.ctrl.order, uint64(e.ctrl.newBlock))

	var sbuf [BlockSize]byte
	for i := uint32(0); i < count; i++ {
		wipe(sbuf[:])
		binary.BigEndian.PutUint64(sbuf[0:8], e.ctrl.order)
		if i == 0 {
			binary.BigEndian.PutUint64(sbuf[8:16], uint64(len(buf)))
		} else {
			binary.BigEndian.PutUint64(sbuf[8:16], sizeContinuation)
		}

		data := buf[int(i)*blockData:]
		if len(data) > blockData {
			data = data[:blockData]
		}
		copy(sbuf[blockHeader:], data)

		if !m.data.WriteBlock(uint64(e.ctrl.newBlock)+uint64(i), sbuf[:], 0) {
			log.Warnf("record write failed at block %d", e.ctrl.newBlock+i)
			m.addFree(e.ctrl.newBlock, e.ctrl.newCount)
			m.xorOrder(e.ctrl.order, uint64(e.ctrl.newBlock))
			e.ctrl.newBlock = 0
			e.ctrl.newCount = 0
			e.ctrl.order = 0
			m.errs |= ErrWriteFailed
			m.order--
			break
		}
	}
	return nil
}

// finalize commits the current state: it writes all dirty entries,
// syncs, writes a terminator holding the combined hash, syncs again
// and promotes pending block ranges. It is a no-op while nothing is
// dirty and a terminator exists.
func (m *Map[K, V]) finalize() error {
	if m.order <= m.flush && m.lastf != invalidBlock {
		return nil
	}

	for key, e := range m.m {
		if e.ctrl.order == 0 {
			if err := m.writeEntry(key, e); err != nil {
				return err
			}
		}
	}

	m.data.Flush()

	// Write the terminator.
	newPos, err := m.takeFree(1)
	if err != nil {
		return err
	}

	var term [BlockSize]byte
	m.order++
	binary.BigEndian.PutUint64(term[0:8], m.order)
	m.hash.dump(term[blockHeader : blockHeader+hashSize])

	if !m.data.WriteBlock(uint64(newPos), term[:], 0) {
		m.order--
		m.errs |= ErrTerminatorFailed
		m.addFree(newPos, 1)
		log.Warnf("terminator write failed at block %d", newPos)
		return nil
	}

	m.data.Flush()
	if m.lastf != invalidBlock {
		m.addFree(m.lastf, 1)
	}
	m.lastf = newPos
	m.flush = m.order

	// Update free space.
	for _, e := range m.m {
		if e.ctrl.newCount != 0 {
			m.addFree(e.ctrl.loadBlock, e.ctrl.loadCount)
			e.ctrl.loadBlock = e.ctrl.newBlock
			e.ctrl.loadCount = e.ctrl.newCount
			e.ctrl.newBlock = 0
			e.ctrl.newCount = 0
		}
	}
	return nil
}

// Reader is the read-only accessor passed to Map.Read callbacks.
type Reader[K comparable, V any] struct {
	m *Map[K, V]
}

// Get returns the value stored under key, or nil. The pointer is
// valid only inside the accessor callback.
func (r Reader[K, V]) Get(key K) *V {
	e := r.m.m[key]
	if e == nil {
		return nil
	}
	return &e.value
}

// Len returns the number of records.
func (r Reader[K, V]) Len() int {
	return len(r.m.m)
}

// ForEach calls fn for every record until fn returns false.
func (r Reader[K, V]) ForEach(fn func(K, *V) bool) {
	for k, e := range r.m.m {
		if !fn(k, &e.value) {
			return
		}
	}
}

// Writer is the mutating accessor passed to Map.Update and Map.Flush
// callbacks.
type Writer[K comparable, V any] struct {
	m        *Map[K, V]
	modified bool
}

// Get returns the value stored under key without marking it dirty, or
// nil.
func (w *Writer[K, V]) Get(key K) *V {
	e := w.m.m[key]
	if e == nil {
		return nil
	}
	return &e.value
}

// GetMut returns the value stored under key marked for rewriting, or
// nil.
func (w *Writer[K, V]) GetMut(key K) *V {
	e := w.m.m[key]
	if e == nil {
		return nil
	}
	w.modified = true
	w.m.dirty(e)
	return &e.value
}

// Add returns the value stored under key, inserting a zero value
// first when the key is new, and marks it for rewriting.
func (w *Writer[K, V]) Add(key K) *V {
	e := w.m.m[key]
	if e == nil {
		e = &entry[V]{}
		w.m.m[key] = e
	}
	w.modified = true
	w.m.dirty(e)
	return &e.value
}

// Read runs fn with a read-only accessor under the store mutex.
func (m *Map[K, V]) Read(fn func(Reader[K, V])) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(Reader[K, V]{m})
}

// Update runs fn with a mutating accessor under the store mutex and
// writes all dirty records afterwards. The records stay uncommitted
// until the next flush. Only address-space exhaustion is returned as
// an error; I/O failures are recorded in the error bits.
func (m *Map[K, V]) Update(fn func(*Writer[K, V])) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := &Writer[K, V]{m: m}
	fn(w)
	return m.commitWriter(w, false)
}

// Flush is Update followed by a commit.
func (m *Map[K, V]) Flush(fn func(*Writer[K, V])) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := &Writer[K, V]{m: m}
	fn(w)
	return m.commitWriter(w, true)
}

func (m *Map[K, V]) commitWriter(w *Writer[K, V], flush bool) error {
	if w.modified {
		for key, e := range m.m {
			if e.ctrl.order == 0 {
				if err := m.writeEntry(key, e); err != nil {
					return err
				}
			}
		}
	}
	if flush {
		return m.finalize()
	}
	return nil
}

// Commit flushes pending updates without running a callback.
func (m *Map[K, V]) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalize()
}

// Errors returns the sticky error bits.
func (m *Map[K, V]) Errors() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errs
}

// Close commits pending updates and closes the underlying view.
func (m *Map[K, V]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.finalize()
	if cerr := m.data.Close(); err == nil {
		err = cerr
	}
	return err
}
