// Package simhal is an in-memory stand-in for the hal interfaces, used only
// by this module's own tests. It plays the role the real boot loader, TLB
// silicon, and VFS would play underneath a production kernel embedding.
package simhal

import (
	"fmt"
	"sync"

	"github.com/sqinq/operating-system/internal/hal"
	"github.com/sqinq/operating-system/internal/kconfig"
)

// RAM is a fixed-size fake physical memory range.
type RAM struct {
	Low, High uintptr
}

// GetSize implements hal.RAM.
func (r RAM) GetSize() (uintptr, uintptr) { return r.Low, r.High }

// BootAllocator is a simple bump allocator over a RAM range, used only for
// the handful of allocations that happen before the coremap is bootstrapped.
type BootAllocator struct {
	mu   sync.Mutex
	next uintptr
	high uintptr
}

// NewBootAllocator returns a bump allocator starting at low and refusing to
// cross high. When low is 0 it starts one page higher, so a successful
// StealMem never returns 0, the hal.BootAllocator failure value.
func NewBootAllocator(low, high uintptr) *BootAllocator {
	if low == 0 {
		low = kconfig.PageSize
	}
	return &BootAllocator{next: low, high: high}
}

// StealMem implements hal.BootAllocator.
func (b *BootAllocator) StealMem(npages int) uintptr {
	b.mu.Lock()
	defer b.mu.Unlock()
	need := uintptr(npages) * kconfig.PageSize
	if b.next+need > b.high {
		return 0
	}
	addr := b.next
	b.next += need
	return addr
}

// TLB is a small fixed-size software TLB.
type TLB struct {
	mu      sync.Mutex
	entries []hal.TLBEntry
	valid   []bool
	next    int
}

// NewTLB returns a TLB with the given number of slots.
func NewTLB(slots int) *TLB {
	return &TLB{entries: make([]hal.TLBEntry, slots), valid: make([]bool, slots)}
}

// WriteProbe implements hal.TLB.
func (t *TLB) WriteProbe(e hal.TLBEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, v := range t.valid {
		if !v {
			t.entries[i] = e
			t.valid[i] = true
			return true
		}
	}
	return false
}

// WriteRandom implements hal.TLB.
func (t *TLB) WriteRandom(e hal.TLBEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.next
	t.next = (t.next + 1) % len(t.entries)
	t.entries[i] = e
	t.valid[i] = true
}

// Flush implements hal.TLB.
func (t *TLB) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.valid {
		t.valid[i] = false
	}
}

// Lookup is a test helper: find the entry installed for hi, if any.
func (t *TLB) Lookup(hi uint64) (hal.TLBEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, v := range t.valid {
		if v && t.entries[i].Hi == hi {
			return t.entries[i], true
		}
	}
	return hal.TLBEntry{}, false
}

// InterruptMask is a no-op fake: there is only one goroutine touching the
// TLB in tests, so masking is unobservable, but callers still exercise the
// SplHigh/Splx pairing.
type InterruptMask struct{}

// SplHigh implements hal.InterruptMask.
func (InterruptMask) SplHigh() int { return 0 }

// Splx implements hal.InterruptMask.
func (InterruptMask) Splx(int) {}

// ThreadSpawner runs the entry function on a new goroutine, standing in for
// thread_fork.
type ThreadSpawner struct{}

// Fork implements hal.ThreadSpawner.
func (ThreadSpawner) Fork(_ string, entry func()) error {
	go entry()
	return nil
}

// File is a fake open program image.
type File struct {
	Name string
	Prog Program
}

// Close implements hal.File.
func (f *File) Close() error { return nil }

// Program describes a fake ELF image: two loadable regions and an entry
// point, keyed by path in a VFS.
type Program struct {
	Vbase1, Size1 uintptr
	Vbase2, Size2 uintptr
	Entry         uintptr
}

// VFS is an in-memory map from path to program image.
type VFS struct {
	mu       sync.Mutex
	programs map[string]Program
}

// NewVFS returns an empty fake VFS.
func NewVFS() *VFS { return &VFS{programs: make(map[string]Program)} }

// Register installs a program image at path, for Open to later serve.
func (v *VFS) Register(path string, p Program) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.programs[path] = p
}

// Open implements hal.VFS.
func (v *VFS) Open(path string) (hal.File, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.programs[path]
	if !ok {
		return nil, fmt.Errorf("simhal: no such program %q", path)
	}
	return &File{Name: path, Prog: p}, nil
}

// ELFLoader defines the two loadable regions recorded on the fake file and
// completes the load, matching load_elf's contract.
type ELFLoader struct{}

// Load implements hal.ELFLoader.
func (ELFLoader) Load(f hal.File, as hal.AddressSpaceLoader) (uintptr, error) {
	sf, ok := f.(*File)
	if !ok {
		return 0, fmt.Errorf("simhal: not a simhal file")
	}
	if err := as.DefineRegion(sf.Prog.Vbase1, sf.Prog.Size1, true, false, true); err != nil {
		return 0, err
	}
	if err := as.DefineRegion(sf.Prog.Vbase2, sf.Prog.Size2, true, true, false); err != nil {
		return 0, err
	}
	if err := as.PrepareLoad(); err != nil {
		return 0, err
	}
	as.CompleteLoad()
	return sf.Prog.Entry, nil
}

// UserCopier is a fake user address space backed by a map from virtual
// address to the bytes last written at exactly that address, good enough to
// exercise execv's argv layout without a real MMU underneath it. Reads must
// start at an address a write started at.
type UserCopier struct {
	mu  sync.Mutex
	mem map[uintptr][]byte
}

// NewUserCopier returns an empty fake user copier.
func NewUserCopier() *UserCopier { return &UserCopier{mem: make(map[uintptr][]byte)} }

// CopyInString implements hal.UserCopier.
func (u *UserCopier) CopyInString(uva uintptr, max int) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	b, ok := u.mem[uva]
	if !ok {
		return "", fmt.Errorf("simhal: unmapped uva %#x", uva)
	}
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
		if i >= max {
			return "", fmt.Errorf("simhal: string too long")
		}
	}
	return "", fmt.Errorf("simhal: string not NUL terminated")
}

// CopyOut implements hal.UserCopier.
func (u *UserCopier) CopyOut(uva uintptr, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	u.mem[uva] = cp
	return nil
}

// PutString is a test helper: install a NUL-terminated string at uva so
// CopyInString can read it back.
func (u *UserCopier) PutString(uva uintptr, s string) {
	_ = u.CopyOut(uva, append([]byte(s), 0))
}

// Peek is a test helper: read back the n bytes previously written at uva by
// CopyOut, for asserting on a layout a caller built with it (e.g. execv's
// argv array) without reinterpreting the bytes as a NUL-terminated string.
func (u *UserCopier) Peek(uva uintptr, n int) ([]byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	b, ok := u.mem[uva]
	if !ok || len(b) < n {
		return nil, false
	}
	return b[:n], true
}
