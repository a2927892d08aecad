// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memory implements a segregated-free-list dynamic memory
// allocator. It stands in for malloc/calloc/realloc/free: it moves a
// process-private heap boundary to get raw address space from the OS,
// carves that space into headered blocks, parks freed blocks in
// size-class buckets for reuse, and returns the trailing edge of the heap
// to the OS when the freed block happens to abut the boundary.
//
// Package memory is safe for concurrent use from multiple goroutines. The
// Allocator's zero value is ready to use; construction is lazy and
// idempotent, so nothing needs to run before the first Malloc.
package memory

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"
)

// Allocator allocates and frees memory. Its zero value is ready for use.
type Allocator struct {
	brk   brk
	index freeListIndex

	maxHeapBytes int64 // atomic; 0 means unlimited

	liveBytes int64 // atomic: sum of in-use header.size
	liveCount int64 // atomic: number of live allocations
	heapBytes int64 // atomic: total bytes currently obtained from the OS
	grows     int64 // atomic: number of successful broker grows
}

// Stats is a point-in-time snapshot of the allocator's bookkeeping. Every
// field may be stale the instant it's read under concurrent use; it exists
// for diagnostics and tests, not for control flow.
type Stats struct {
	LiveAllocs int64 // number of payloads currently handed out
	LiveBytes  int64 // sum of the capacity backing those payloads
	FreeBytes  int64 // sum of parked block sizes across all buckets
	HeapBytes  int64 // total bytes currently below the heap break, headers included
	Grows      int64 // number of times the boundary broker grew the heap
}

// SetMaxHeapBytes caps the number of bytes this allocator holds from the
// OS at any one time (headers included; bytes returned by a topmost Free
// count again as available). n=0 (the default) means unlimited. When a
// grow would exceed the cap, Malloc/Calloc return (nil, nil): no memory
// and no error, unlike an OS refusal, which is reported as an error. Set
// it before the first Malloc/Calloc for a deterministic effect.
func (a *Allocator) SetMaxHeapBytes(n int) {
	atomic.StoreInt64(&a.maxHeapBytes, int64(n))
}

// Stats returns a snapshot of the allocator's current bookkeeping.
func (a *Allocator) Stats() Stats {
	return Stats{
		LiveAllocs: atomic.LoadInt64(&a.liveCount),
		LiveBytes:  atomic.LoadInt64(&a.liveBytes),
		FreeBytes:  int64(a.index.freeBytes()),
		HeapBytes:  atomic.LoadInt64(&a.heapBytes),
		Grows:      atomic.LoadInt64(&a.grows),
	}
}

// AllocatedBytes reports the sum of the capacity backing every payload
// currently live. It's an atomic counter, not a free-list walk, so it's
// cheap enough to call often; the result may already be stale by the time
// the caller sees it under concurrent allocation.
func (a *Allocator) AllocatedBytes() int { return int(atomic.LoadInt64(&a.liveBytes)) }

// FreeBytes reports the sum of parked block sizes across every bucket,
// each walked under its own lock. It's informational only and may be
// stale the instant it returns.
func (a *Allocator) FreeBytes() int { return a.index.freeBytes() }

// UsableSize reports the size of the memory block backing b, which must
// point to the first byte of a slice returned from Malloc, Calloc or
// Realloc. The usable size can be larger than the size originally
// requested, since findFit hands out a bigger parked block whole rather
// than splitting it (see bucket.go).
func (a *Allocator) UsableSize(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	return headerOf(b).size
}

// Close releases the OS memory reservation backing a and resets it to its
// zero value, as if it had never been used. It is not necessary to Close an
// Allocator when exiting a process; it exists for tests and other callers
// that construct and discard many Allocators and want their reservations
// released promptly rather than waiting for process exit. Closing an
// Allocator with live (unfreed) allocations invalidates their payloads; the
// free-list index and all bookkeeping counters are reset along with the
// heap region.
func (a *Allocator) Close() error {
	err := a.brk.close()
	a.index = freeListIndex{}
	atomic.StoreInt64(&a.liveBytes, 0)
	atomic.StoreInt64(&a.liveCount, 0)
	atomic.StoreInt64(&a.heapBytes, 0)
	atomic.StoreInt64(&a.grows, 0)
	atomic.StoreInt64(&a.maxHeapBytes, 0)
	return err
}

// grow asks the boundary broker for size+headerSize more bytes, formats a
// fresh header over them, and returns it. It respects an optional
// SetMaxHeapBytes cap as an ordinary out-of-memory condition.
func (a *Allocator) grow(size int) (*header, error) {
	need := headerSize + size
	if max := atomic.LoadInt64(&a.maxHeapBytes); max > 0 && atomic.LoadInt64(&a.heapBytes)+int64(need) > max {
		return nil, nil
	}

	addr, err := a.brk.adjust(need)
	if err != nil {
		return nil, err
	}

	atomic.AddInt64(&a.heapBytes, int64(need))
	atomic.AddInt64(&a.grows, 1)
	return placeHeader(addr, size), nil
}

// Malloc allocates size bytes and returns a byte slice of the allocated
// memory. The memory is not initialized. Malloc panics for size < 0 and
// returns (nil, nil) for zero size.
//
// It's ok to reslice the returned slice but the result of appending to it
// cannot be passed to Free or Realloc as it may refer to a different
// backing array afterwards.
func (a *Allocator) Malloc(size int) (r []byte, err error) {
	if trace {
		defer func() {
			var p *byte
			if len(r) != 0 {
				p = &r[0]
			}
			fmt.Fprintf(os.Stderr, "Malloc(%#x) %p, %v\n", size, p, err)
		}()
	}

	if size < 0 {
		panic("invalid malloc size")
	}
	if size == 0 {
		return nil, nil
	}

	rounded := roundup(size, alignment)
	if h := a.index.findFit(rounded); h != nil {
		atomic.AddInt64(&a.liveBytes, int64(h.size))
		atomic.AddInt64(&a.liveCount, 1)
		return sliceFor(h, size), nil
	}

	h, err := a.grow(rounded)
	if err != nil || h == nil {
		return nil, err
	}

	atomic.AddInt64(&a.liveBytes, int64(h.size))
	atomic.AddInt64(&a.liveCount, 1)
	return sliceFor(h, size), nil
}

// Calloc is like Malloc except the allocated memory is zeroed, and it
// takes the C-style (count, element size) shape: it returns (nil, nil)
// when either factor is zero, and also when count*elemSize overflows.
func (a *Allocator) Calloc(count, elemSize int) (r []byte, err error) {
	if trace {
		defer func() {
			var p *byte
			if len(r) != 0 {
				p = &r[0]
			}
			fmt.Fprintf(os.Stderr, "Calloc(%#x, %#x) %p, %v\n", count, elemSize, p, err)
		}()
	}

	if count == 0 || elemSize == 0 {
		return nil, nil
	}

	total := count * elemSize
	if total/count != elemSize {
		return nil, nil
	}

	r, err = a.Malloc(total)
	if err != nil || r == nil {
		return r, err
	}

	for i := range r {
		r[i] = 0
	}
	return r, nil
}

// Free deallocates memory (as in C.free). The argument of Free must have
// been acquired from Calloc, Malloc or Realloc. Free(nil), and Free of any
// slice with zero capacity, is a no-op; a resliced payload such as b[:0]
// still frees the whole block, since Free works on b[:cap(b)].
func (a *Allocator) Free(b []byte) (err error) {
	if trace {
		var p *byte
		if len(b) != 0 {
			p = &b[0]
		}
		defer func() {
			fmt.Fprintf(os.Stderr, "Free(%#x) %v\n", p, err)
		}()
	}

	b = b[:cap(b)]
	if len(b) == 0 {
		return nil
	}

	h := headerOf(b)
	total := headerSize + h.size
	blockAddr := uintptr(unsafe.Pointer(h))

	shrunk, err := a.brk.releaseIfTopmost(blockAddr, total)
	if err != nil {
		return err
	}

	atomic.AddInt64(&a.liveBytes, -int64(h.size))
	atomic.AddInt64(&a.liveCount, -1)

	if shrunk {
		atomic.AddInt64(&a.heapBytes, -int64(total))
		return nil
	}

	a.index.insert(h)
	return nil
}

// Realloc changes the size of the backing array of b to size bytes or
// returns an error, if any. The contents are unchanged in the range from
// the start of the region up to the minimum of the old and new sizes. If
// the new size is larger than the old size, the added memory is not
// initialized. If b's backing array is of zero size, the call is
// equivalent to Malloc(size). If size is zero and b's backing array is
// not of zero size, the call is equivalent to Free(b). A block is never
// shrunk or split in place: if it's already big enough, it's returned
// unchanged. If the block must grow and the area was moved, a Free(b) is
// done; on allocation failure the original block is left intact.
func (a *Allocator) Realloc(b []byte, size int) (r []byte, err error) {
	if trace {
		var p0 *byte
		if len(b) != 0 {
			p0 = &b[0]
		}
		defer func() {
			var p *byte
			if len(r) != 0 {
				p = &r[0]
			}
			fmt.Fprintf(os.Stderr, "Realloc(%p, %#x) %p, %v\n", p0, size, p, err)
		}()
	}

	switch {
	case cap(b) == 0:
		return a.Malloc(size)
	case size == 0:
		return nil, a.Free(b)
	}

	b = b[:cap(b)]
	h := headerOf(b)
	if h.size >= size {
		return sliceFor(h, size), nil
	}

	if r, err = a.Malloc(size); err != nil || r == nil {
		return nil, err
	}

	copy(r, b)
	return r, a.Free(b)
}
