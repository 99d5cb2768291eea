// Copyright (c) 2025 The TODOKANAI developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package store implements the encrypted persistence core: a block
// container whose on-disk form is indistinguishable from random data
// (View), an interval allocator over its 2^32 block address space, and
// a crash-safe keyed map layered on top (Map).
//
// A View file is a sequence of 4096-byte frames. Every frame is
// independently encrypted with AES-256-GCM under a caller-supplied key
// and bound to its position (and an optional container identifier) via
// additional authenticated data, so a frame moved to a different index
// fails verification. Each frame carries 4064 bytes of plaintext.
//
// A Map stores serialized key/value records in view blocks and commits
// them atomically: a flush writes all pending records, syncs, then
// writes a terminator block holding a combined hash of every live
// record placement, and syncs again. On open the store replays the
// newest terminator; updates that never reached a terminator are
// rolled back, and damaged blocks are skipped and recorded in a sticky
// error-bit vector rather than failing the whole store.
package store
