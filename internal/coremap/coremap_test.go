package coremap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqinq/operating-system/internal/coremap"
	"github.com/sqinq/operating-system/internal/hal/simhal"
	"github.com/sqinq/operating-system/internal/kconfig"
)

func freshCoremap(t *testing.T, frames int) *coremap.Coremap {
	t.Helper()
	low := uintptr(0)
	high := uintptr(frames) * kconfig.PageSize
	ram := simhal.RAM{Low: low, High: high}
	boot := simhal.NewBootAllocator(low, high)
	cm := coremap.New(ram, boot)
	cm.Bootstrap(ram)
	return cm
}

func TestAllocFreeRoundTrip(t *testing.T) {
	cm := freshCoremap(t, 64)
	freeBefore, usedBefore := cm.Stats()

	addr := cm.Alloc(3)
	require.NotZero(t, addr)

	freeAfter, usedAfter := cm.Stats()
	assert.Equal(t, freeBefore-3, freeAfter)
	assert.Equal(t, usedBefore+3, usedAfter)

	cm.Free(addr)
	freeFinal, usedFinal := cm.Stats()
	assert.Equal(t, freeBefore, freeFinal)
	assert.Equal(t, usedBefore, usedFinal)
}

func TestAllocFirstFit(t *testing.T) {
	cm := freshCoremap(t, 16)
	a := cm.Alloc(2)
	b := cm.Alloc(2)
	require.NotZero(t, a)
	require.NotZero(t, b)
	assert.Less(t, a, b)

	cm.Free(a)
	c := cm.Alloc(1)
	// first-fit must reuse the freed run's start, not scan past it.
	assert.Equal(t, a, c)
}

func TestAllocEntireRemainderSucceedsOnce(t *testing.T) {
	cm := freshCoremap(t, 8)
	// Bootstrap reserves its own bookkeeping frames first, so the managed
	// count is smaller than the raw frame count RAM reports.
	free, _ := cm.Stats()
	require.NotZero(t, free)

	addr := cm.Alloc(free)
	require.NotZero(t, addr)

	assert.Zero(t, cm.Alloc(1))
}

func TestFreeOfNonRunBasePanics(t *testing.T) {
	cm := freshCoremap(t, 8)
	addr := cm.Alloc(4)
	require.NotZero(t, addr)

	assert.Panics(t, func() {
		cm.Free(addr + kconfig.PageSize)
	})
}

func TestAllocBeforeBootstrapUsesBootAllocator(t *testing.T) {
	low, high := uintptr(0), uintptr(16)*kconfig.PageSize
	ram := simhal.RAM{Low: low, High: high}
	boot := simhal.NewBootAllocator(low, high)
	cm := coremap.New(ram, boot)

	addr := cm.Alloc(2)
	require.NotZero(t, addr)
	assert.False(t, cm.Ready())
}
