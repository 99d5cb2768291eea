// Copyright (c) 2025 The TODOKANAI developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nekotekina/TODOKANAI/serialize"
	"github.com/Nekotekina/TODOKANAI/store"
)

var testSalt = []byte("combined-hash-salt")

func strKey(c *serialize.Context, k *string) {
	c.String(k)
}

func bytesVal(c *serialize.Context, v *[]byte) {
	c.Bytes(v)
}

// openMap opens a string-to-bytes map over a container at path.
func openMap(t *testing.T, path string, key *[32]byte) *store.Map[string, []byte] {
	t.Helper()
	v, err := store.OpenView(path, key)
	require.NoError(t, err)
	m, err := store.Open(v, testSalt, strKey, bytesVal)
	require.NoError(t, err)
	return m
}

// get returns a copy of the value stored under key, or nil.
func get(m *store.Map[string, []byte], key string) []byte {
	var out []byte
	m.Read(func(r store.Reader[string, []byte]) {
		if v := r.Get(key); v != nil {
			out = append([]byte(nil), *v...)
		}
	})
	return out
}

func put(t *testing.T, m *store.Map[string, []byte], key string, val []byte) {
	t.Helper()
	require.NoError(t, m.Update(func(w *store.Writer[string, []byte]) {
		*w.Add(key) = val
	}))
}

func TestMapDurability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.dat")
	key := testKey(t)

	m := openMap(t, path, key)
	require.NoError(t, m.Flush(func(w *store.Writer[string, []byte]) {
		*w.Add("alpha") = []byte{42}
	}))
	assert.Zero(t, m.Errors())
	require.NoError(t, m.Close())

	m = openMap(t, path, key)
	defer m.Close()
	assert.Equal(t, []byte{42}, get(m, "alpha"))
	assert.Zero(t, m.Errors())
}

func TestMapEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.dat")
	key := testKey(t)

	// Opening an empty container writes the initial terminator.
	m := openMap(t, path, key)
	assert.Zero(t, m.Errors())
	require.NoError(t, m.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(store.FrameSize), info.Size())

	m = openMap(t, path, key)
	defer m.Close()
	assert.Zero(t, m.Errors())
	m.Read(func(r store.Reader[string, []byte]) {
		assert.Zero(t, r.Len())
	})
}

func TestMapManyRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.dat")
	key := testKey(t)

	value := func(i int) []byte {
		v := make([]byte, 200)
		for j := range v {
			v[j] = byte(i + j)
		}
		return v
	}

	m := openMap(t, path, key)
	require.NoError(t, m.Flush(func(w *store.Writer[string, []byte]) {
		for i := 0; i < 1000; i++ {
			*w.Add(fmt.Sprintf("key-%04d", i)) = value(i)
		}
	}))
	require.NoError(t, m.Close())

	m = openMap(t, path, key)
	defer m.Close()
	assert.Zero(t, m.Errors())

	seen := 0
	m.Read(func(r store.Reader[string, []byte]) {
		assert.Equal(t, 1000, r.Len())
		r.ForEach(func(k string, v *[]byte) bool {
			var i int
			_, err := fmt.Sscanf(k, "key-%04d", &i)
			require.NoError(t, err)
			assert.Equal(t, value(i), *v)
			seen++
			return true
		})
	})
	assert.Equal(t, 1000, seen)
}

func TestMapMultiBlockRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.dat")
	key := testKey(t)

	big := make([]byte, 9000)
	for i := range big {
		big[i] = byte(i * 3)
	}

	m := openMap(t, path, key)
	require.NoError(t, m.Flush(func(w *store.Writer[string, []byte]) {
		*w.Add("big") = big
	}))
	require.NoError(t, m.Close())

	m = openMap(t, path, key)
	defer m.Close()
	assert.Zero(t, m.Errors())
	assert.Equal(t, big, get(m, "big"))
}

// TestMapCorruptContinuation flushes a three-block record plus small
// records, then damages one ciphertext byte of the record's second
// block through a raw file edit. On reopen the damaged record is gone,
// the decrypt error bit is set and everything else is intact.
func TestMapCorruptContinuation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.dat")
	key := testKey(t)

	big := make([]byte, 9000)
	for i := range big {
		big[i] = byte(i)
	}

	m := openMap(t, path, key)

	// The container starts with its terminator in block 0, so the
	// record occupies blocks 1-3.
	require.NoError(t, m.Flush(func(w *store.Writer[string, []byte]) {
		*w.Add("big") = big
	}))
	require.NoError(t, m.Flush(func(w *store.Writer[string, []byte]) {
		*w.Add("small-1") = []byte{1}
		*w.Add("small-2") = []byte{2}
	}))
	require.NoError(t, m.Close())

	// Flip one ciphertext byte in the record's second block.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[2*store.FrameSize+1000] ^= 1
	require.NoError(t, os.WriteFile(path, raw, 0600))

	m = openMap(t, path, key)
	defer m.Close()

	assert.Nil(t, get(m, "big"))
	assert.Equal(t, []byte{1}, get(m, "small-1"))
	assert.Equal(t, []byte{2}, get(m, "small-2"))
	assert.NotZero(t, m.Errors()&store.ErrDecrypt, "decrypt bit must be set")

	// A lost committed record can never match its terminator hash
	// again, so the store ends up in degraded mode.
	assert.NotZero(t, m.Errors()&store.ErrDegraded)
}

// TestMapRollback simulates a crash between writing updated records
// and committing them: the updates are rolled back cleanly and no
// error bits remain.
func TestMapRollback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.dat")
	key := testKey(t)

	m := openMap(t, path, key)
	require.NoError(t, m.Flush(func(w *store.Writer[string, []byte]) {
		for i := 0; i < 10; i++ {
			*w.Add(fmt.Sprintf("key-%d", i)) = []byte("orig")
		}
	}))
	assert.Zero(t, m.Errors())

	// Write five updates without a commit, then abandon the store
	// without closing it, as a crashed process would.
	require.NoError(t, m.Update(func(w *store.Writer[string, []byte]) {
		for i := 0; i < 5; i++ {
			*w.GetMut(fmt.Sprintf("key-%d", i)) = []byte("new!")
		}
	}))

	m2 := openMap(t, path, key)
	defer m2.Close()

	for i := 0; i < 10; i++ {
		assert.Equal(t, []byte("orig"), get(m2, fmt.Sprintf("key-%d", i)),
			"uncommitted update %d must roll back", i)
	}
	assert.Zero(t, m2.Errors(), "a clean rollback reads as error-free")
}

func TestMapUpdateThenFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.dat")
	key := testKey(t)

	m := openMap(t, path, key)
	put(t, m, "k", []byte("one"))

	// Uncommitted records are visible in memory.
	assert.Equal(t, []byte("one"), get(m, "k"))

	require.NoError(t, m.Commit())
	put(t, m, "k", []byte("two"))
	require.NoError(t, m.Close()) // Close commits pending updates

	m = openMap(t, path, key)
	defer m.Close()
	assert.Equal(t, []byte("two"), get(m, "k"))
	assert.Zero(t, m.Errors())
}

func TestMapWriterAccessors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.dat")
	key := testKey(t)

	m := openMap(t, path, key)
	defer m.Close()

	require.NoError(t, m.Update(func(w *store.Writer[string, []byte]) {
		assert.Nil(t, w.Get("missing"))
		assert.Nil(t, w.GetMut("missing"))

		*w.Add("a") = []byte{1}

		// Add is an idempotent emplace.
		assert.Equal(t, []byte{1}, *w.Add("a"))

		// Get does not mark the record dirty, GetMut does.
		assert.Equal(t, []byte{1}, *w.Get("a"))
	}))

	assert.Equal(t, []byte{1}, get(m, "a"))
}

func TestMapStructValues(t *testing.T) {
	type peer struct {
		Addr  string
		Seen  uint64
		Notes []byte
	}
	peerVal := func(c *serialize.Context, p *peer) {
		c.String(&p.Addr)
		c.Uint64(&p.Seen)
		c.Bytes(&p.Notes)
	}

	path := filepath.Join(t.TempDir(), "store.dat")
	key := testKey(t)

	v, err := store.OpenView(path, key)
	require.NoError(t, err)
	m, err := store.Open(v, testSalt, strKey, peerVal)
	require.NoError(t, err)

	in := peer{Addr: "host:1234", Seen: 777, Notes: []byte("n")}
	require.NoError(t, m.Flush(func(w *store.Writer[string, peer]) {
		*w.Add("p1") = in
	}))
	require.NoError(t, m.Close())

	v, err = store.OpenView(path, key)
	require.NoError(t, err)
	m, err = store.Open(v, testSalt, strKey, peerVal)
	require.NoError(t, err)
	defer m.Close()

	m.Read(func(r store.Reader[string, peer]) {
		p := r.Get("p1")
		require.NotNil(t, p)
		assert.Equal(t, in, *p)
	})
	assert.Zero(t, m.Errors())
}
