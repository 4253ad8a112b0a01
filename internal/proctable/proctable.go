// Package proctable implements the kernel's global process table: a
// fixed-size slot array keyed by pid, with parent/child exit rendezvous
// built on a condition variable per entry.
//
// Grounded on the teacher's Threadinfo_t (biscuit/src/tinfo/tinfo.go), which
// is likewise a single mutex guarding a map of per-entry state reached by
// key; this module swaps Threadinfo_t's map for the original kernel's
// fixed PID_MIN..PID_MAX slot array (kern/proc/proctable.c) because pid
// reuse in this spec depends on scanning that exact range, and keeps
// Threadinfo_t's locking granularity: one lock for table membership, one
// embedded condition variable per entry for the state that entry alone
// owns.
package proctable

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sqinq/operating-system/internal/kconfig"
	"github.com/sqinq/operating-system/internal/kerrno"
)

// noParent marks a table entry with no live parent, matching proctable.c's
// use of -1 for pt->parent.
const noParent = -1

// Node is one process table entry. Proc is the caller-supplied payload (the
// process record itself); Table never interprets it.
//
// Per the concurrency model only the owning process's own thread mutates
// Proc, but Exited/ExitCode/Parent are touched by both the process itself
// (on exit) and its waiting parent, so those fields live behind mu and the
// embedded condition variable.
type Node[P any] struct {
	mu     sync.Mutex
	exitCV *sync.Cond

	Proc     P
	Parent   int
	Exited   bool
	ExitCode int
}

// newNode returns a freshly initialized entry, mirroring
// proctable_create_node: no parent yet, not exited, condition variable
// ready for sys__exit to broadcast on and sys_waitpid to wait on.
func newNode[P any](proc P) *Node[P] {
	n := &Node[P]{Proc: proc, Parent: noParent, ExitCode: -1}
	n.exitCV = sync.NewCond(&n.mu)
	return n
}

// Table is the process table: a fixed PidMin..PidMax slot array plus the
// lock that guards slot occupancy. Individual entries carry their own lock
// for exit-status fields, so a long wait on one pid never blocks Add/Get
// for every other pid.
type Table[P any] struct {
	mu    sync.Mutex
	slots []*Node[P]
}

// New returns an empty process table spanning kconfig.PidMin..PidMax
// inclusive.
func New[P any]() *Table[P] {
	return &Table[P]{slots: make([]*Node[P], kconfig.PidMax-kconfig.PidMin+1)}
}

// index converts a pid into a slot index, or -1 if pid is out of range.
func index(pid int) int {
	if pid < kconfig.PidMin || pid > kconfig.PidMax {
		return -1
	}
	return pid - kconfig.PidMin
}

// Add installs proc in the first free slot and returns its pid, or ENOPROC
// if every slot in PidMin..PidMax is occupied, matching proctable_add's own
// ENPROC return.
func (t *Table[P]) Add(proc P) (pid int, err kerrno.Kerrno) {
	n := newNode(proc)

	t.mu.Lock()
	defer t.mu.Unlock()
	for i, slot := range t.slots {
		if slot == nil {
			t.slots[i] = n
			pid = i + kconfig.PidMin
			log.Debug().Int("pid", pid).Msg("proctable: process added")
			return pid, 0
		}
	}
	return 0, kerrno.ENOPROC
}

// Get returns the entry for pid, or nil if pid is unknown or out of range.
func (t *Table[P]) Get(pid int) *Node[P] {
	i := index(pid)
	if i < 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[i]
}

// SetParent records parent as pid's parent, per sys_fork's
// "proctable[cpid-PID_MIN]->parent = curproc->p_pid" assignment.
func (t *Table[P]) SetParent(pid, parent int) {
	n := t.Get(pid)
	if n == nil {
		return
	}
	n.mu.Lock()
	n.Parent = parent
	n.mu.Unlock()
}

// Exit marks pid as exited with the given encoded status, broadcasts to any
// waiter, reparents or reaps pid's own children (proctable_update), and
// reaps pid itself immediately if it has no live parent to eventually
// collect it.
func (t *Table[P]) Exit(pid, encodedStatus int) {
	n := t.Get(pid)
	if n == nil {
		return
	}

	n.mu.Lock()
	n.Exited = true
	n.ExitCode = encodedStatus
	n.exitCV.Broadcast()
	parent := n.Parent
	n.mu.Unlock()

	t.reparentChildren(pid)

	if parent == noParent {
		t.Remove(pid)
	}
}

// reparentChildren implements proctable_update: every entry whose parent is
// pid is either reaped now, if it had already exited and was only waiting
// on its parent to collect it, or orphaned (parent cleared) so it is never
// waited on again.
func (t *Table[P]) reparentChildren(pid int) {
	t.mu.Lock()
	children := make([]int, 0, len(t.slots))
	for i, slot := range t.slots {
		if slot == nil {
			continue
		}
		slot.mu.Lock()
		if slot.Parent == pid {
			children = append(children, i+kconfig.PidMin)
		}
		slot.mu.Unlock()
	}
	t.mu.Unlock()

	for _, cpid := range children {
		c := t.Get(cpid)
		if c == nil {
			continue
		}
		c.mu.Lock()
		exited := c.Exited
		if !exited {
			c.Parent = noParent
		}
		c.mu.Unlock()
		if exited {
			t.Remove(cpid)
		}
	}
}

// Remove deletes pid's entry entirely, matching proctable_remove. It is a
// no-op if pid is already gone.
func (t *Table[P]) Remove(pid int) {
	i := index(pid)
	if i < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots[i] != nil {
		log.Debug().Int("pid", pid).Msg("proctable: process removed")
	}
	t.slots[i] = nil
}

// Wait blocks until pid has exited, then returns its encoded exit status
// and removes its entry (the parent, having collected it, is its only
// remaining reason to exist in the table). Per sys_waitpid: ESRCH if pid
// names no process, ECHILD if waiterPid is not pid's recorded parent.
func (t *Table[P]) Wait(pid, waiterPid int) (status int, errno kerrno.Kerrno) {
	n := t.Get(pid)
	if n == nil {
		return 0, kerrno.ESRCH
	}

	n.mu.Lock()
	if n.Parent != waiterPid {
		n.mu.Unlock()
		return 0, kerrno.ECHILD
	}
	for !n.Exited {
		n.exitCV.Wait()
	}
	status = n.ExitCode
	n.mu.Unlock()

	t.Remove(pid)
	return status, 0
}
