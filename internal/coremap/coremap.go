// Package coremap implements the kernel's physical frame allocator: the
// coremap the rest of the module consults for every frame it borrows.
//
// Grounded on the teacher's Physmem_t (biscuit/src/mem/mem.go), which also
// models physical memory as a slice of per-frame records behind a single
// mutex. The run-length/first-fit discipline below is this module's own
// (Physmem_t instead tracks free lists with per-CPU caches, overkill for a
// single-CPU teaching core) but the receiver style, locking discipline, and
// doc-comment density follow Physmem_t directly.
package coremap

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sqinq/operating-system/internal/hal"
	"github.com/sqinq/operating-system/internal/kconfig"
	"github.com/sqinq/operating-system/internal/kerrno"
)

// entry is one coremap slot. RunLength is meaningful only on the first
// frame of an allocated run: it records how many contiguous frames that
// run owns. Every other frame of the run, and every free frame, carries
// RunLength == -1.
type entry struct {
	available bool
	runLength int
}

// Coremap is the kernel's record of frame ownership over the managed
// physical range. The zero value is not ready to use; call Bootstrap.
type Coremap struct {
	mu sync.Mutex

	low      uintptr
	entries  []entry
	mapStart uintptr

	// phys backs every frame in [low, high) with real, copyable,
	// zeroable storage. The bookkeeping above (entries/mapStart) is
	// what the spec actually tests; phys exists only because this
	// module runs standalone, with no real physical memory beneath it
	// for AddressSpace.Copy and PrepareLoad's zeroing step to act on.
	phys []byte

	ready bool

	stealMu sync.Mutex
	boot    hal.BootAllocator
}

// New returns a Coremap spanning the range ram reports, that falls through
// to boot for every allocation until Bootstrap is called, matching the
// spec's "before ready, allocation falls through to the boot-time bump
// allocator" rule.
func New(ram hal.RAM, boot hal.BootAllocator) *Coremap {
	low, high := ram.GetSize()
	return &Coremap{low: low, phys: make([]byte, high-low), boot: boot}
}

// Bootstrap is called once after RAM discovery. It reserves the leading
// frames of [low, high) for the coremap's own bookkeeping and marks every
// remaining frame free.
func (c *Coremap) Bootstrap(ram hal.RAM) {
	low, high := ram.GetSize()
	n := int((high - low) / kconfig.PageSize)

	// Frames needed to hold n entry records, rounded up to a whole
	// number of pages.
	const entrySize = 16 // bool + int, conservatively word-aligned
	reserved := (n*entrySize + kconfig.PageSize - 1) / kconfig.PageSize

	c.mu.Lock()
	defer c.mu.Unlock()

	n -= reserved
	c.mapStart = low + uintptr(reserved)*kconfig.PageSize
	c.entries = make([]entry, n)
	for i := range c.entries {
		c.entries[i] = entry{available: true, runLength: -1}
	}
	c.ready = true

	log.Info().Int("frames", n).Uintptr("map_start", c.mapStart).Msg("coremap bootstrapped")
}

// Alloc reserves n contiguous frames by first-fit scan and returns the
// kernel-virtual alias of the first frame, or 0 if no run of n free frames
// exists. The returned memory is not zeroed; callers that need zero pages
// must zero them explicitly.
//
// Until Bootstrap has run, Alloc falls through to the boot-time bump
// allocator under its own lock, per the spec's pre-ready fallback.
func (c *Coremap) Alloc(n int) uintptr {
	if n <= 0 {
		return 0
	}

	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	if !ready {
		c.stealMu.Lock()
		addr := c.boot.StealMem(n)
		c.stealMu.Unlock()
		return addr
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.firstFit(n)
	if start < 0 {
		log.Warn().Int("frames", n).Msg("coremap out of contiguous space")
		return 0
	}

	c.entries[start] = entry{available: false, runLength: n}
	for i := start + 1; i < start+n; i++ {
		c.entries[i] = entry{available: false, runLength: -1}
	}
	return c.mapStart + uintptr(start)*kconfig.PageSize
}

// firstFit scans left to right for the first run of n consecutive free
// entries. Callers must hold c.mu.
func (c *Coremap) firstFit(n int) int {
	run := 0
	for i, e := range c.entries {
		if e.available {
			run++
			if run == n {
				return i - n + 1
			}
		} else {
			run = 0
		}
	}
	return -1
}

// Free returns the run starting at the frame backing vaddr to the coremap.
// It is a fatal error (panic) to free an address that is not the base of a
// known allocated run — freeing anything else would silently corrupt
// accounting that every other subsystem trusts.
func (c *Coremap) Free(vaddr uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready {
		panic("coremap: free before bootstrap")
	}
	if vaddr%kconfig.PageSize != 0 || vaddr < c.mapStart {
		panic("coremap: free of unaligned or out-of-range address")
	}
	i := int((vaddr - c.mapStart) / kconfig.PageSize)
	if i >= len(c.entries) {
		panic("coremap: free of out-of-range address")
	}
	e := c.entries[i]
	if e.available || e.runLength < 1 {
		panic("coremap: free of address that is not the base of a known run")
	}
	for j := i; j < i+e.runLength; j++ {
		c.entries[j] = entry{available: true, runLength: -1}
	}
}

// Stats reports the free and used frame counts, purely for diagnostics
// (the original kernel exposes the equivalent through a debug menu command;
// CLI/menu surfaces are out of scope here, so this is a plain accessor).
func (c *Coremap) Stats() (free, used int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.available {
			free++
		} else {
			used++
		}
	}
	return free, used
}

// FrameBytes returns the PageSize-byte slice of backing storage for the
// frame at the kernel-virtual alias addr. The slice aliases the coremap's
// storage directly, so writes through it are visible to any other holder
// of the same frame — exactly the sharing an owned frame is supposed to
// allow within a single address space.
func (c *Coremap) FrameBytes(addr uintptr) []byte {
	off := addr - c.low
	return c.phys[off : off+kconfig.PageSize]
}

// ZeroFrame clears the frame at addr to all zero bytes.
func (c *Coremap) ZeroFrame(addr uintptr) {
	clear(c.FrameBytes(addr))
}

// Ready reports whether Bootstrap has completed.
func (c *Coremap) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// ErrOOM is the sentinel error kind callers should surface when Alloc
// returns 0 after bootstrap.
const ErrOOM = kerrno.ENOMEM
