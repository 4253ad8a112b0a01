// Package intersection implements the four-way traffic intersection
// synchronizer: vehicles block on entry until every vehicle already in the
// intersection is compatible with them, and wake waiters on every exit.
//
// Grounded directly on the teacher's accnt package (biscuit/src/accnt/accnt.go)
// for the embedded-mutex-plus-condition-variable shape, and on
// kern/synchprobs/traffic_synch.c for the compatibility rules themselves:
// same origin, opposite directions, or either vehicle turning right without
// a shared destination are all conflict-free.
package intersection

import (
	"sync"

	"github.com/sqinq/operating-system/internal/kconfig"
)

// Direction is one of the four compass directions traffic can arrive from
// or head toward.
type Direction int

// The four directions a vehicle can approach from or depart toward.
const (
	North Direction = iota
	East
	South
	West
)

// vehicle is one occupant of the intersection.
type vehicle struct {
	origin, destination Direction
}

// isRightTurn reports whether v is turning right, the one maneuver that
// never conflicts with traffic from another origin headed to a different
// destination.
func (v vehicle) isRightTurn() bool {
	switch {
	case v.origin == West && v.destination == South:
	case v.origin == South && v.destination == East:
	case v.origin == East && v.destination == North:
	case v.origin == North && v.destination == West:
	default:
		return false
	}
	return true
}

// compatible reports whether v and other can occupy the intersection
// simultaneously, per the three conflict-free cases: same origin, exact
// opposite travel, or a right turn that doesn't share other's destination.
func compatible(v, other vehicle) bool {
	if v.origin == other.origin {
		return true
	}
	if v.destination == other.origin && v.origin == other.destination {
		return true
	}
	if (v.isRightTurn() || other.isRightTurn()) && v.destination != other.destination {
		return true
	}
	return false
}

// Intersection serializes entry into a single four-way intersection so that
// only mutually compatible vehicles ever occupy it together.
//
// Mirrors Accnt_t's shape: one embedded mutex guards both the occupant list
// and the condition a blocked caller waits on, since the list is exactly
// what that condition depends on.
type Intersection struct {
	mu       sync.Mutex
	cond     *sync.Cond
	occupied []vehicle
}

// New returns an empty intersection ready to admit vehicles.
func New() *Intersection {
	in := &Intersection{}
	in.cond = sync.NewCond(&in.mu)
	return in
}

// BeforeEntry blocks the calling goroutine until origin/destination is
// compatible with every vehicle currently in the intersection, then admits
// it. Mirrors intersection_before_entry.
func (in *Intersection) BeforeEntry(origin, destination Direction) {
	v := vehicle{origin: origin, destination: destination}

	in.mu.Lock()
	defer in.mu.Unlock()

	for !in.allCompatibleLocked(v) {
		in.cond.Wait()
	}
	in.occupied = append(in.occupied, v)
}

// allCompatibleLocked reports whether v conflicts with no vehicle already
// admitted. Callers must hold in.mu.
func (in *Intersection) allCompatibleLocked(v vehicle) bool {
	if len(in.occupied) > kconfig.NumThreads {
		panic("intersection: occupancy exceeds simulated vehicle count")
	}
	for _, other := range in.occupied {
		if !compatible(v, other) {
			return false
		}
	}
	return true
}

// AfterExit removes the first matching occupant for origin/destination and
// wakes every blocked BeforeEntry caller so they can re-check compatibility
// against the now-smaller occupant set. Mirrors intersection_after_exit.
func (in *Intersection) AfterExit(origin, destination Direction) {
	v := vehicle{origin: origin, destination: destination}

	in.mu.Lock()
	defer in.mu.Unlock()

	for i, other := range in.occupied {
		if other == v {
			in.occupied = append(in.occupied[:i], in.occupied[i+1:]...)
			break
		}
	}
	in.cond.Broadcast()
}
