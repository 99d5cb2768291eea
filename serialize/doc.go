// Copyright (c) 2025 The TODOKANAI developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package serialize implements the compact tagged value stream used to
// encode records in the data store. A single traversal function drives
// all three operations (read, probe and write), which guarantees that
// the probed size of a value is exactly the number of bytes the write
// produces.
//
// Format description:
//
//	u8  --- 2's complement 8-bit integer (byte)
//	u32 --- 2's complement big-endian 32-bit integer
//	u64 --- 2's complement big-endian 64-bit integer
//	*** --- variable amount of bytes
//
//	doc ::= val doc --- recursive document definition (simple list of values)
//	      | "\x00"  --- document terminator (one level)
//	      |         --- document terminator (EOF, all levels)
//	val ::= "\x01" doc --- document value
//	      | "\x02" --- false value (bool), compact "zero" value or empty container
//	      | "\x03" --- true value (bool)
//	      | "\x04" u8 --- u8 value
//	      | "\x05" u8 *** --- u8 size + buffer
//	      | "\x06" u32 --- u32 value
//	      | "\x07" u32 *** --- u32 size + buffer
//	      | "\x08" u64 --- u64 value
//	      | "\x09" u64 *** --- u64 size + buffer
//	      | "\x0A"..."\x1E" --- reserved (abort reading)
//	      | "\x1F" --- null value (force skip)
//	      | "\x20"..."\xFF" val --- value with metadata string
//	      |         --- no value, could be metadata at the end of a doc
//
// The relative order of traversed elements and their types shall be
// preserved across versions. To delete an element, replace its
// traversal with Null. Keeping the element structure intact maintains
// compatibility in both directions: older data loads in newer versions
// with default values for missing trailing elements, and newer data
// loads in older versions with unrecognized elements ignored.
package serialize
