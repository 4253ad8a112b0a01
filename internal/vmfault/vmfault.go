// Package vmfault implements the VM fault handler: translate a faulting
// virtual address through the current address space and install a TLB
// entry, honoring the read-only-after-load rule on the text region.
//
// Grounded on the teacher's Sys_pgfault (biscuit/src/vm/as.go), which is
// also a free function taking the address space and fault address rather
// than a method — biscuit needs that shape because a fault can arrive
// before the Vm_t's own lock is held; this module keeps the same shape so
// the handler reads as one linear dispatch, matching Sys_pgfault's.
package vmfault

import (
	"github.com/sqinq/operating-system/internal/addrspace"
	"github.com/sqinq/operating-system/internal/hal"
	"github.com/sqinq/operating-system/internal/kconfig"
	"github.com/sqinq/operating-system/internal/kerrno"
)

// Type is the hardware-reported reason for a fault.
type Type int

// The three fault types the CPU can report, matching VM_FAULT_READ,
// VM_FAULT_WRITE, and VM_FAULT_READONLY.
const (
	Read Type = iota
	Write
	ReadOnly
)

// Handle resolves a page fault of the given type at faultAddr against as,
// installing a TLB entry on success. as may be nil (no current address
// space, e.g. a very early boot fault); Handle returns EFAULT rather than
// panicking so callers can abort cleanly instead of faulting forever.
func Handle(as *addrspace.AddressSpace, tlb hal.TLB, mask hal.InterruptMask, typ Type, faultAddr uintptr) kerrno.Kerrno {
	switch typ {
	case ReadOnly:
		// A write to a text page after CompleteLoad must not be
		// silently allowed.
		return kerrno.EACCES
	case Read, Write:
	default:
		return kerrno.EINVAL
	}

	if as == nil {
		return kerrno.EFAULT
	}

	page := faultAddr &^ (kconfig.PageSize - 1)
	paddr, kind, readonly, ok := as.Lookup(page)
	if !ok {
		return kerrno.EFAULT
	}

	entry := hal.TLBEntry{
		Hi: uint64(page),
		Lo: uint64(paddr) | hal.TLBValid | hal.TLBDirty,
	}
	if kind == addrspace.RegionText && readonly {
		entry.Lo &^= hal.TLBDirty
	}

	spl := mask.SplHigh()
	defer mask.Splx(spl)
	if !tlb.WriteProbe(entry) {
		tlb.WriteRandom(entry)
	}
	return 0
}
