// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memory

import (
	"errors"
	"os"
	"sync"
	"unsafe"
)

// errHeapExhausted is returned when adjust would grow the break past the
// allocator's virtual reservation (see reserveRegion). The optional
// SetMaxHeapBytes cap is checked by the facade before adjust is called and
// does not produce this error.
var errHeapExhausted = errors.New("memory: heap exhausted")

// errInvalidShrink is returned if a negative delta's magnitude exceeds the
// current break offset. The facade never constructs such a delta; this only
// guards against a future caller of adjust misusing the broker directly.
var errInvalidShrink = errors.New("memory: shrink exceeds committed heap")

var osPageSize = os.Getpagesize()

func roundDown(n, m int) int { return n &^ (m - 1) }

// brk is the Boundary Broker: a single lock serializing every read or write
// of the heap break, realized over a lazily-reserved, lazily-committed
// virtual range since the target platforms have no portable sbrk. The break
// is base+off; only [base, base+off) is backed by real memory (mprotect'd
// to PROT_READ|PROT_WRITE / VirtualAlloc MEM_COMMIT), the rest of the
// reservation is address space only.
type brk struct {
	mu sync.Mutex

	region   []byte // the full PROT_NONE/MEM_RESERVE reservation, once made
	base     uintptr
	reserved int
	off      int // current break, as an offset from base
}

// reserveLocked makes the virtual reservation on first use. Idempotent: a
// second call is a no-op. Caller must hold b.mu.
func (b *brk) reserveLocked() error {
	if b.region != nil {
		return nil
	}

	region, err := reserveRegion(reserveSize)
	if err != nil {
		return err
	}

	b.region = region
	b.base = uintptr(unsafe.Pointer(&region[0]))
	b.reserved = len(region)
	return nil
}

// currentBreak returns the present upper boundary.
func (b *brk) currentBreak() (uintptr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.reserveLocked(); err != nil {
		return 0, err
	}
	return b.base + uintptr(b.off), nil
}

// adjust moves the break by delta bytes and returns the break's previous
// value. A positive delta commits whole OS pages as needed; a negative
// delta decommits them. Negative deltas whose magnitude exceeds the current
// offset are rejected.
func (b *brk) adjust(delta int) (uintptr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.reserveLocked(); err != nil {
		return 0, err
	}
	return b.adjustLocked(delta)
}

func (b *brk) adjustLocked(delta int) (uintptr, error) {
	prev := b.base + uintptr(b.off)
	switch {
	case delta == 0:
		return prev, nil
	case delta > 0:
		newOff := b.off + delta
		if newOff > b.reserved {
			return 0, errHeapExhausted
		}

		lo := roundDown(b.off, osPageSize)
		hi := roundup(newOff, osPageSize)
		if hi > lo {
			if err := commit(b.base+uintptr(lo), hi-lo); err != nil {
				return 0, err
			}
		}
		b.off = newOff
		return prev, nil
	default:
		shrink := -delta
		if shrink > b.off {
			return 0, errInvalidShrink
		}

		newOff := b.off - shrink
		lo := roundup(newOff, osPageSize)
		hi := roundup(b.off, osPageSize)
		if hi > lo {
			// Best-effort: a failure to decommit leaks address space, not
			// correctness, so it's not propagated to the caller.
			_ = decommit(b.base+uintptr(lo), hi-lo)
		}
		b.off = newOff
		return prev, nil
	}
}

// close releases the virtual reservation back to the OS and resets b to its
// zero value. A subsequent operation reserves a fresh range, exactly as if b
// had never been used. Closing a brk that never reserved anything is a
// no-op.
func (b *brk) close() error {
	b.mu.Lock()
	region := b.region
	b.region = nil
	b.base = 0
	b.reserved = 0
	b.off = 0
	b.mu.Unlock()

	if region == nil {
		return nil
	}
	return unreserve(region)
}

// releaseIfTopmost shrinks the break by totalSize iff the block starting at
// blockAddr currently abuts the break (i.e. is the topmost block). It
// reports whether the shrink happened. Checking and shrinking happen under
// the same lock acquisition so a concurrent release of a sibling topmost
// block can't race this one into double-shrinking.
func (b *brk) releaseIfTopmost(blockAddr uintptr, totalSize int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.reserveLocked(); err != nil {
		return false, err
	}

	if blockAddr+uintptr(totalSize) != b.base+uintptr(b.off) {
		return false, nil
	}

	if _, err := b.adjustLocked(-totalSize); err != nil {
		return false, err
	}
	return true, nil
}
