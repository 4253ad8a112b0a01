package intersection_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sqinq/operating-system/internal/intersection"
)

func TestSameOriginNeverConflicts(t *testing.T) {
	in := intersection.New()
	in.BeforeEntry(intersection.North, intersection.South)

	done := make(chan struct{})
	go func() {
		in.BeforeEntry(intersection.North, intersection.East)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(50 * time.Millisecond):
		t.Fatal("same-origin vehicle blocked unexpectedly")
	}
}

func TestOppositeDirectionsNeverConflict(t *testing.T) {
	in := intersection.New()
	in.BeforeEntry(intersection.North, intersection.South)

	done := make(chan struct{})
	go func() {
		in.BeforeEntry(intersection.South, intersection.North)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(50 * time.Millisecond):
		t.Fatal("opposite-direction vehicle blocked unexpectedly")
	}
}

func TestRightTurnDoesNotConflictWithDifferentDestination(t *testing.T) {
	in := intersection.New()
	// West->South is a right turn.
	in.BeforeEntry(intersection.West, intersection.South)

	done := make(chan struct{})
	go func() {
		in.BeforeEntry(intersection.North, intersection.East)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(50 * time.Millisecond):
		t.Fatal("right-turning vehicle's non-conflicting peer blocked unexpectedly")
	}
}

func TestCrossingPathsConflict(t *testing.T) {
	in := intersection.New()
	// North->South is a straight crossing, not a right turn.
	in.BeforeEntry(intersection.North, intersection.South)

	entered := make(chan struct{})
	go func() {
		// East->West crosses North->South's path and is not a right
		// turn for either vehicle, and shares no origin/opposite
		// relationship: must block.
		in.BeforeEntry(intersection.East, intersection.West)
		close(entered)
	}()

	select {
	case <-entered:
		t.Fatal("conflicting vehicle entered without waiting")
	case <-time.After(30 * time.Millisecond):
	}

	in.AfterExit(intersection.North, intersection.South)

	select {
	case <-entered:
	case <-time.After(50 * time.Millisecond):
		t.Fatal("waiting vehicle never admitted after conflict cleared")
	}
}

func TestAfterExitWakesAllWaiters(t *testing.T) {
	in := intersection.New()
	in.BeforeEntry(intersection.North, intersection.South)

	var wg sync.WaitGroup
	admitted := 0
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in.BeforeEntry(intersection.East, intersection.West)
			mu.Lock()
			admitted++
			mu.Unlock()
		}()
	}

	time.Sleep(30 * time.Millisecond)
	in.AfterExit(intersection.North, intersection.South)
	wg.Wait()

	assert.Equal(t, 3, admitted)
}
