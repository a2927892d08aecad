// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memory

import (
	"sync"

	"github.com/cznic/mathutil"
)

// bucketCount is K in the design: the number of size-class buckets in the
// free-list index. All payloads of 2^(bucketCount-1) bytes or more share the
// top bucket.
const bucketCount = 10

// bucketOf maps a rounded payload size to its size class: the exponent of
// the largest power of two not exceeding size (floor(log2(size))), clamped
// to bucketCount-1.
func bucketOf(size int) int {
	if size < 1 {
		size = 1
	}
	b := mathutil.BitLen(size) - 1
	if b > bucketCount-1 {
		b = bucketCount - 1
	}
	return b
}

// bucket is one size class's free list: a headless, doubly-linked chain of
// parked headers guarded by its own lock. Its zero value is an empty list.
type bucket struct {
	mu   sync.Mutex
	head *header
}

// insert parks h at the head of the bucket matching h.size (LIFO). It
// acquires the bucket's own lock; the caller must not already hold it.
func (idx *freeListIndex) insert(h *header) {
	b := &idx.buckets[bucketOf(h.size)]
	b.mu.Lock()
	h.isFree = true
	h.prev = nil
	h.next = b.head
	if b.head != nil {
		b.head.prev = h
	}
	b.head = h
	b.mu.Unlock()
}

// detachLocked unlinks h from b's chain. The caller must already hold b.mu
// and h.isFree must be true.
func (b *bucket) detachLocked(h *header) {
	switch {
	case h.prev == nil:
		b.head = h.next
	default:
		h.prev.next = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	}
	h.isFree = false
}

// freeListIndex is the fixed array of segregated free lists.
type freeListIndex struct {
	buckets [bucketCount]bucket
}

// findFit searches buckets from bucketOf(size) upward, first-fit within each
// class, and detaches and returns the first parked block whose size is big
// enough. It holds at most one bucket lock at a time and releases it before
// trying the next bucket on a miss.
func (idx *freeListIndex) findFit(size int) *header {
	for k := bucketOf(size); k < bucketCount; k++ {
		b := &idx.buckets[k]
		b.mu.Lock()
		for h := b.head; h != nil; h = h.next {
			if h.size >= size {
				b.detachLocked(h)
				b.mu.Unlock()
				return h
			}
		}
		b.mu.Unlock()
	}
	return nil
}

// freeBytes sums the size of every parked block across all buckets, each
// under its own lock. The result may be stale the instant it's returned.
func (idx *freeListIndex) freeBytes() int {
	total := 0
	for i := range idx.buckets {
		b := &idx.buckets[i]
		b.mu.Lock()
		for h := b.head; h != nil; h = h.next {
			total += h.size
		}
		b.mu.Unlock()
	}
	return total
}
