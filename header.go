// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memory

import "unsafe"

// alignment is the platform word alignment every payload size is rounded up
// to. Size 0 is never rounded; it's rejected before it reaches a header.
const alignment = 8

// headerSize is the number of bytes a header occupies immediately before
// every payload this allocator hands out.
var headerSize = roundup(int(unsafe.Sizeof(header{})), alignment)

// header is the fixed-size record placed immediately before each payload.
// next and prev are only meaningful while isFree is true; a live block's
// links are stale and must not be read.
type header struct {
	size   int // rounded payload size, never the total block size
	isFree bool
	next   *header
	prev   *header
}

// roundup rounds n up to the next multiple of m. m must be a power of 2.
func roundup(n, m int) int { return (n + m - 1) &^ (m - 1) }

// placeHeader formats a fresh, in-use header at addr and returns it. The
// caller must already own addr for headerSize+size bytes (typically just
// obtained from the boundary broker).
func placeHeader(addr uintptr, size int) *header {
	h := (*header)(unsafe.Pointer(addr))
	h.size = size
	h.isFree = false
	h.next = nil
	h.prev = nil
	return h
}

// payloadOf returns the address of the payload that follows h.
func payloadOf(h *header) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(h), headerSize)
}

// headerOf recovers the header belonging to a payload previously returned by
// Malloc, Calloc or Realloc. It is undefined behavior to call this with a
// slice that did not come from this allocator.
func headerOf(payload []byte) *header {
	if len(payload) == 0 {
		return nil
	}
	return (*header)(unsafe.Pointer(uintptr(unsafe.Pointer(&payload[0])) - uintptr(headerSize)))
}

// sliceFor builds the []byte view a caller sees for a block: length is the
// size actually requested this call, capacity is the block's true size,
// which can be larger when a bigger parked block satisfied a smaller
// request (see findFit in bucket.go; the excess is not split off).
func sliceFor(h *header, requested int) []byte {
	full := unsafe.Slice((*byte)(payloadOf(h)), h.size)
	return full[:requested]
}
