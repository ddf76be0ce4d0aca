//go:build linux || darwin

package physmem

import "golang.org/x/sys/unix"

// NewMapped allocates size bytes of RAM as an anonymous mmap region,
// grounded on tinyrange-cc's internal/hv/kvm guest-memory mapping
// (golang.org/x/sys/unix.Mmap with MAP_ANON|MAP_PRIVATE). Using mmap
// instead of make([]byte, n) means a multi-gigabyte emulated RAM image
// is backed by demand-paged, zero-filled pages rather than a single
// eagerly-touched Go allocation.
func NewMapped(size int) (*Store, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	unmap := func() error { return unix.Munmap(mem) }
	return New(mem, unmap), nil
}
