// Package arena provides a page-aligned, read/write/execute memory region
// that the emitter bump-allocates byte ranges from. This is the one
// component with host-OS significance: pages stay mapped until Destroy,
// and callers holding a pointer into the arena (a specialized function)
// must keep the arena alive for as long as they call it.
package arena

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrOutOfMemory is returned when the host cannot provide R/W/X pages.
var ErrOutOfMemory = errors.New("arena: out of memory")

// ErrExhausted is returned when a reservation would exceed capacity.
var ErrExhausted = errors.New("arena: exhausted")

// Arena owns a page-aligned byte buffer with R/W/X protection and
// bump-allocates ranges out of it.
type Arena struct {
	buf      []byte
	used     int
	capacity int
}

// Create allocates a new arena of at least requestedSize bytes, rounded up
// to the host page size.
func Create(requestedSize int) (*Arena, error) {
	pageSize := unix.Getpagesize()
	capacity := roundUpToPage(requestedSize, pageSize)

	buf, err := unix.Mmap(-1, 0, capacity,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrOutOfMemory, capacity, err)
	}

	return &Arena{buf: buf, capacity: capacity}, nil
}

func roundUpToPage(size, pageSize int) int {
	if pageSize <= 0 {
		pageSize = 4096
	}
	return (size + pageSize - 1) &^ (pageSize - 1)
}

// Used returns the number of bytes committed so far.
func (a *Arena) Used() int { return a.used }

// Capacity returns the arena's total byte capacity.
func (a *Arena) Capacity() int { return a.capacity }

// Reserve returns the address of the next `size` writable bytes without
// advancing Used. Fails if the reservation would not fit.
func (a *Arena) Reserve(size int) (unsafe.Pointer, error) {
	if a.used+size > a.capacity {
		return nil, fmt.Errorf("%w: used %d + requested %d > capacity %d", ErrExhausted, a.used, size, a.capacity)
	}
	return unsafe.Pointer(&a.buf[a.used]), nil
}

// Commit is Reserve plus advancing Used by size. The returned pointer
// remains valid until Destroy.
func (a *Arena) Commit(size int) (unsafe.Pointer, error) {
	p, err := a.Reserve(size)
	if err != nil {
		return nil, err
	}
	a.used += size
	return p, nil
}

// Write copies b into the arena starting at the given byte offset. The
// caller is responsible for having reserved/committed that range.
func (a *Arena) Write(offset int, b []byte) {
	copy(a.buf[offset:offset+len(b)], b)
}

// Addr returns the arena's base address as a raw pointer value, for
// computing absolute addresses of committed ranges.
func (a *Arena) Addr() uintptr {
	if len(a.buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.buf[0]))
}

// FuncAt returns a callable pointer to the byte range starting at offset.
func (a *Arena) FuncAt(offset int) unsafe.Pointer {
	return unsafe.Pointer(&a.buf[offset])
}

// Destroy releases the underlying pages. The arena must not be used
// afterwards, and no caller may invoke a pointer previously returned by
// FuncAt/Commit/Reserve once this returns.
func (a *Arena) Destroy() error {
	if a.buf == nil {
		return nil
	}
	err := unix.Munmap(a.buf)
	a.buf = nil
	a.used = 0
	a.capacity = 0
	return err
}
