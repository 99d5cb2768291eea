// Copyright (c) 2025 The TODOKANAI developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves file storage without changing the visible file
// size.
func preallocate(f *os.File, off, length int64) bool {
	return unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_KEEP_SIZE, off, length) == nil
}
