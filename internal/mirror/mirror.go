// Package mirror emulates shared memory across the process boundary.
//
// There are no shared pages: every region an application allows to the
// kernel is backed by a kernel-owned copy, reconciled by explicit copy
// frames at syscall boundaries. Each syscall turn pays two full copies per
// region (app to kernel before kernel logic runs, kernel to app before the
// process resumes); no partial or lazy copying is attempted.
package mirror

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hostemu/hostemu/internal/wire"
)

var (
	// ErrSizeMismatch reports that the app and kernel disagree on a
	// region's length. The syscall fails; the slot survives.
	ErrSizeMismatch = errors.New("buffer size mismatch")

	// ErrUnmapped reports a kernel access to a region with no mapping.
	ErrUnmapped = errors.New("region not mapped")
)

// Transport is the slice of a syscall channel the mirror needs.
type Transport interface {
	Send(wire.Message) error
	Receive() (wire.Message, error)
}

// mapping is one kernel-owned copy of an app region. A mapping only becomes
// valid once its contents have been received from the app; copying an
// invalid mapping back would clobber app memory with zeros.
type mapping struct {
	addr  uint64
	buf   []byte
	valid bool
}

// Mirror tracks every allowed region of one application process.
type Mirror struct {
	mu      sync.Mutex
	regions map[uint64]*mapping
}

// New creates an empty mirror.
func New() *Mirror {
	return &Mirror{regions: make(map[uint64]*mapping)}
}

// Allow registers, replaces, or discards the mapping for an app region.
// A zero length discards any existing mapping. Re-allowing an address with
// a different length discards the old buffer and backs the region with a
// fresh, correctly sized one; stale bytes beyond the new length are never
// exposed. Re-allowing with identical parameters keeps the mapping as-is.
// A zero address is the device ABI's un-allow spelling and maps to a no-op
// here (there is nothing to key on).
func (m *Mirror) Allow(addr, length uint64) {
	if addr == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if length == 0 {
		delete(m.regions, addr)
		return
	}
	if existing, ok := m.regions[addr]; ok && uint64(len(existing.buf)) == length {
		return
	}
	m.regions[addr] = &mapping{addr: addr, buf: make([]byte, length)}
}

// Mapped reports whether addr currently has a mapping and its length.
func (m *Mirror) Mapped(addr uint64) (length uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp, ok := m.regions[addr]
	if !ok {
		return 0, false
	}
	return uint64(len(mp.buf)), true
}

// Count returns the number of live mappings.
func (m *Mirror) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regions)
}

// Bytes exposes the kernel-owned copy of a region to kernel logic. The
// requested length must match the mapping exactly; the returned slice
// aliases the backing buffer so drivers mutate it in place.
func (m *Mirror) Bytes(addr, length uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp, ok := m.regions[addr]
	if !ok {
		return nil, fmt.Errorf("region 0x%x: %w", addr, ErrUnmapped)
	}
	if uint64(len(mp.buf)) != length {
		return nil, fmt.Errorf("region 0x%x: have %d want %d: %w", addr, len(mp.buf), length, ErrSizeMismatch)
	}
	return mp.buf, nil
}

// CopyIn pulls the current contents of every mapped region from the app:
// one request frame with empty payload per region, answered by the app with
// the region's bytes. Returns the total bytes moved.
//
// A length disagreement in a reply yields ErrSizeMismatch without touching
// the kernel buffer (all-or-nothing); any other protocol violation is
// returned as-is and is fatal to the slot.
func (m *Mirror) CopyIn(t Transport) (int, error) {
	m.mu.Lock()
	ordered := m.orderedLocked()
	m.mu.Unlock()

	total := 0
	for _, mp := range ordered {
		if err := t.Send(wire.BufferCopyIn{Addr: mp.addr, Len: uint64(len(mp.buf))}); err != nil {
			return total, err
		}
		msg, err := t.Receive()
		if err != nil {
			return total, err
		}
		reply, ok := msg.(wire.BufferCopyIn)
		if !ok || reply.Addr != mp.addr {
			return total, fmt.Errorf("copy-in reply for 0x%x got %T: %w", mp.addr, msg, wire.ErrUnexpectedMessage)
		}
		if reply.Len != uint64(len(mp.buf)) || uint64(len(reply.Data)) != uint64(len(mp.buf)) {
			return total, fmt.Errorf("region 0x%x: app reports %d bytes, mapping has %d: %w",
				mp.addr, reply.Len, len(mp.buf), ErrSizeMismatch)
		}

		m.mu.Lock()
		// The mapping may have been replaced while unlocked; only fill
		// the buffer the reply was sized for.
		if cur, live := m.regions[mp.addr]; live && cur == mp {
			copy(mp.buf, reply.Data)
			mp.valid = true
		}
		m.mu.Unlock()
		total += len(reply.Data)
	}
	return total, nil
}

// CopyOut pushes every valid kernel-owned copy back to the app, overwriting
// the app's in-process memory. Regions never received from the app are
// skipped. Returns the total bytes moved.
func (m *Mirror) CopyOut(t Transport) (int, error) {
	m.mu.Lock()
	ordered := m.orderedLocked()
	m.mu.Unlock()

	total := 0
	for _, mp := range ordered {
		if !mp.valid {
			continue
		}
		data := make([]byte, len(mp.buf))
		m.mu.Lock()
		copy(data, mp.buf)
		m.mu.Unlock()

		if err := t.Send(wire.BufferCopyOut{Addr: mp.addr, Len: uint64(len(data)), Data: data}); err != nil {
			return total, err
		}
		total += len(data)
	}
	return total, nil
}

// Release discards every mapping. Called when the owning slot exits.
func (m *Mirror) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions = make(map[uint64]*mapping)
}

// orderedLocked snapshots mappings in ascending address order so copy
// passes are deterministic.
func (m *Mirror) orderedLocked() []*mapping {
	ordered := make([]*mapping, 0, len(m.regions))
	for _, mp := range m.regions {
		ordered = append(ordered, mp)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].addr < ordered[j].addr })
	return ordered
}
