// Package physmem owns the bytes backing RAM: a bounds-checked, sized
// linear store. It is the direct descendant of the teacher's
// emu/memory package, generalized from a fixed 16 MiB S/370 address
// space with an instruction-sized word granularity to an arbitrary-size,
// byte-addressable 64-bit store with 1/2/4/8-byte accesses.
package physmem

import (
	"encoding/binary"
	"fmt"

	"github.com/rcornwell/axpsmp/emu/stats"
)

// ErrOutOfRange is returned (wrapped into a fault.Fault by callers that
// care about the architectural taxonomy) when an access falls outside
// the store's current bounds.
type ErrOutOfRange struct {
	PA   uint64
	Size int
	Len  int
}

func (e *ErrOutOfRange) Error() string {
	return fmt.Sprintf("physmem: out_of_range pa=%#x size=%d len=%#x", e.PA, e.Size, e.Len)
}

// Store is the byte-addressed linear backing store for RAM. The backing
// slice is supplied by platform-specific constructors (physmem_unix.go's
// mmap-backed allocator, physmem_other.go's plain make([]byte, n)
// fallback) so Store itself stays platform-agnostic.
type Store struct {
	bytes []byte
	stats stats.Counters
	// unmap is set by the mmap-backed constructor; nil for the plain
	// make([]byte) fallback, where Close is a no-op.
	unmap func() error
}

// New wraps an already-allocated byte slice (used by tests and by the
// platform constructors in physmem_unix.go / physmem_other.go).
func New(backing []byte, unmap func() error) *Store {
	return &Store{bytes: backing, unmap: unmap}
}

// Len reports the number of usable bytes.
func (s *Store) Len() int { return len(s.bytes) }

// Close releases the backing region, unmapping it if it was mmap-backed.
func (s *Store) Close() error {
	if s.unmap != nil {
		return s.unmap()
	}
	return nil
}

// Resize grows or shrinks the store to exactly n bytes. Only supported
// on the plain make([]byte) backing; mmap-backed stores are fixed-size
// for the process lifetime (the emulated machine's RAM size is a boot
// parameter, not something PALcode resizes at runtime).
func (s *Store) Resize(n int) error {
	if s.unmap != nil {
		return fmt.Errorf("physmem: resize not supported on mmap-backed store")
	}
	switch {
	case n == len(s.bytes):
		return nil
	case n < len(s.bytes):
		s.bytes = s.bytes[:n]
	default:
		grown := make([]byte, n)
		copy(grown, s.bytes)
		s.bytes = grown
	}
	return nil
}

func validSize(size int) bool {
	switch size {
	case 1, 2, 4, 8:
		return true
	default:
		return false
	}
}

// Read returns the little-endian value of size bytes at pa. Size must be
// one of {1,2,4,8}; alignment is not checked here — PhysicalBus has
// already decided whether this access is permitted to be misaligned.
func (s *Store) Read(pa uint64, size int) (uint64, error) {
	if !validSize(size) {
		return 0, fmt.Errorf("physmem: invalid size %d", size)
	}
	if pa+uint64(size) > uint64(len(s.bytes)) {
		return 0, &ErrOutOfRange{PA: pa, Size: size, Len: len(s.bytes)}
	}
	s.stats.Read()
	buf := s.bytes[pa : pa+uint64(size)]
	switch size {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	default:
		return binary.LittleEndian.Uint64(buf), nil
	}
}

// Write stores the low size bytes of value at pa, little-endian.
func (s *Store) Write(pa uint64, size int, value uint64) error {
	if !validSize(size) {
		return fmt.Errorf("physmem: invalid size %d", size)
	}
	if pa+uint64(size) > uint64(len(s.bytes)) {
		return &ErrOutOfRange{PA: pa, Size: size, Len: len(s.bytes)}
	}
	s.stats.Write()
	buf := s.bytes[pa : pa+uint64(size)]
	switch size {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(value))
	default:
		binary.LittleEndian.PutUint64(buf, value)
	}
	return nil
}

// ReadBlock copies len(buf) bytes starting at pa into buf.
func (s *Store) ReadBlock(pa uint64, buf []byte) error {
	if pa+uint64(len(buf)) > uint64(len(s.bytes)) {
		return &ErrOutOfRange{PA: pa, Size: len(buf), Len: len(s.bytes)}
	}
	copy(buf, s.bytes[pa:pa+uint64(len(buf))])
	return nil
}

// WriteBlock copies buf into the store starting at pa.
func (s *Store) WriteBlock(pa uint64, buf []byte) error {
	if pa+uint64(len(buf)) > uint64(len(s.bytes)) {
		return &ErrOutOfRange{PA: pa, Size: len(buf), Len: len(s.bytes)}
	}
	copy(s.bytes[pa:pa+uint64(len(buf))], buf)
	return nil
}

// Stats returns a point-in-time snapshot of read/write counters.
func (s *Store) Stats() stats.Snapshot { return s.stats.Snapshot() }
