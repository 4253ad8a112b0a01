package vmfault_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqinq/operating-system/internal/addrspace"
	"github.com/sqinq/operating-system/internal/coremap"
	"github.com/sqinq/operating-system/internal/hal"
	"github.com/sqinq/operating-system/internal/hal/simhal"
	"github.com/sqinq/operating-system/internal/kconfig"
	"github.com/sqinq/operating-system/internal/kerrno"
	"github.com/sqinq/operating-system/internal/vmfault"
)

func freshAS(t *testing.T, frames int) (*addrspace.AddressSpace, *simhal.TLB, *simhal.InterruptMask) {
	t.Helper()
	low, high := uintptr(0), uintptr(frames)*kconfig.PageSize
	ram := simhal.RAM{Low: low, High: high}
	cm := coremap.New(ram, simhal.NewBootAllocator(low, high))
	cm.Bootstrap(ram)
	tlb := simhal.NewTLB(8)
	as := addrspace.Create(cm, tlb)
	require.NoError(t, as.DefineRegion(0x1000, kconfig.PageSize, true, false, true))
	require.NoError(t, as.DefineRegion(0x10000, kconfig.PageSize, true, true, false))
	require.NoError(t, as.PrepareLoad())
	_, err := as.DefineStack()
	require.NoError(t, err)
	return as, tlb, &simhal.InterruptMask{}
}

func TestHandleReadOnlyFaultIsRejected(t *testing.T) {
	as, tlb, mask := freshAS(t, 64)
	errno := vmfault.Handle(as, tlb, mask, vmfault.ReadOnly, 0x1000)
	assert.Equal(t, kerrno.EACCES, errno)
}

func TestHandleUnknownFaultTypeIsInvalid(t *testing.T) {
	as, tlb, mask := freshAS(t, 64)
	errno := vmfault.Handle(as, tlb, mask, vmfault.Type(99), 0x1000)
	assert.Equal(t, kerrno.EINVAL, errno)
}

func TestHandleOutOfRangeFaultsAddressSpace(t *testing.T) {
	as, tlb, mask := freshAS(t, 64)
	errno := vmfault.Handle(as, tlb, mask, vmfault.Read, 0x900000)
	assert.Equal(t, kerrno.EFAULT, errno)
}

func TestHandleNilAddressSpaceFaults(t *testing.T) {
	tlb := simhal.NewTLB(8)
	mask := &simhal.InterruptMask{}
	errno := vmfault.Handle(nil, tlb, mask, vmfault.Read, 0x1000)
	assert.Equal(t, kerrno.EFAULT, errno)
}

func TestHandleTextFaultInstallsTLBEntryAndIsRefilledClean(t *testing.T) {
	as, tlb, mask := freshAS(t, 64)

	errno := vmfault.Handle(as, tlb, mask, vmfault.Write, 0x1000)
	require.Equal(t, kerrno.Kerrno(0), errno)

	paddr, _, _, ok := as.Lookup(0x1000)
	require.True(t, ok)
	entry, found := tlb.Lookup(uint64(0x1000))
	require.True(t, found)
	assert.Equal(t, uint64(paddr)&^uint64(kconfig.PageOffsetMask), entry.Lo&^uint64(kconfig.PageOffsetMask))
	assert.NotZero(t, entry.Lo&hal.TLBValid)
	assert.NotZero(t, entry.Lo&hal.TLBDirty)

	// After CompleteLoad, region one must refill without the dirty bit.
	as.CompleteLoad()
	errno = vmfault.Handle(as, tlb, mask, vmfault.Read, 0x1000)
	require.Equal(t, kerrno.Kerrno(0), errno)
	entry, found = tlb.Lookup(uint64(0x1000))
	require.True(t, found)
	assert.Zero(t, entry.Lo&hal.TLBDirty)
}

func TestHandleStackBoundary(t *testing.T) {
	as, tlb, mask := freshAS(t, 64)

	errno := vmfault.Handle(as, tlb, mask, vmfault.Write, kconfig.USERSTACK-1)
	assert.Equal(t, kerrno.Kerrno(0), errno)

	errno = vmfault.Handle(as, tlb, mask, vmfault.Write, kconfig.USERSTACK)
	assert.Equal(t, kerrno.EFAULT, errno)
}
