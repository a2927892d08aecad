// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

// Modifications (c) 2017 The Memory Authors.

package memory

import (
	"os"
	"reflect"
	"syscall"
	"unsafe"
)

// reserveSize is the size of the virtual address range reserved for the
// heap's break on first use; see broker_unix.go for the rationale.
const reserveSize = 1 << uintSizeShift

const uintSizeShift = 28 + 4*(^uint(0)>>63)

const (
	memReserve  = 0x00002000
	memCommit   = 0x00001000
	memDecommit = 0x00004000
	memRelease  = 0x00008000

	pageNoAccess  = 0x01
	pageReadWrite = 0x04
)

var (
	modkernel32      = syscall.NewLazyDLL("kernel32.dll")
	procVirtualAlloc = modkernel32.NewProc("VirtualAlloc")
	procVirtualFree  = modkernel32.NewProc("VirtualFree")
)

// reserveRegion reserves (but does not commit) size bytes of address space.
func reserveRegion(size int) ([]byte, error) {
	addr, _, errno := procVirtualAlloc.Call(0, uintptr(size), memReserve, pageNoAccess)
	if addr == 0 {
		return nil, os.NewSyscallError("VirtualAlloc", errno)
	}

	var b []byte
	sh := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	sh.Data = addr
	sh.Len = size
	sh.Cap = size
	return b, nil
}

// commit makes [addr, addr+size) accessible, backing it with physical
// memory (or the page file) on demand.
func commit(addr uintptr, size int) error {
	r, _, errno := procVirtualAlloc.Call(addr, uintptr(size), memCommit, pageReadWrite)
	if r == 0 {
		return os.NewSyscallError("VirtualAlloc", errno)
	}
	return nil
}

// decommit releases the physical backing of [addr, addr+size) while
// keeping the address range reserved.
func decommit(addr uintptr, size int) error {
	r, _, errno := procVirtualFree.Call(addr, uintptr(size), memDecommit)
	if r == 0 {
		return os.NewSyscallError("VirtualFree", errno)
	}
	return nil
}

// unreserve releases an entire reservation made by reserveRegion. Called
// from (*Allocator).Close.
func unreserve(region []byte) error {
	if len(region) == 0 {
		return nil
	}

	addr := uintptr(unsafe.Pointer(&region[0]))
	r, _, errno := procVirtualFree.Call(addr, 0, memRelease)
	if r == 0 {
		return os.NewSyscallError("VirtualFree", errno)
	}
	return nil
}
