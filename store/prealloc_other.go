// Copyright (c) 2025 The TODOKANAI developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build !linux

package store

import (
	"os"
)

// preallocate is a no-op where keep-size allocation is unavailable;
// Alloc is documented as best effort.
func preallocate(_ *os.File, _, _ int64) bool {
	return true
}
