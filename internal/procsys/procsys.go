// Package procsys implements the process-lifecycle system calls: fork,
// exec, wait, exit, and getpid. It is the layer that ties the process
// table, address spaces, and the HAL-abstracted thread/VFS/ELF/user-copy
// collaborators together into the UNIX-style semantics the spec calls for.
//
// Grounded on kern/syscall/proc_syscalls.c for call-by-call behavior, and
// on the teacher's own syscall-adjacent packages (biscuit/src/fd/fd.go,
// biscuit/src/caller/caller.go) for the convention of a struct bundling a
// process's mutable, per-call collaborators rather than a bag of free
// functions.
package procsys

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sqinq/operating-system/internal/addrspace"
	"github.com/sqinq/operating-system/internal/coremap"
	"github.com/sqinq/operating-system/internal/hal"
	"github.com/sqinq/operating-system/internal/kconfig"
	"github.com/sqinq/operating-system/internal/kerrno"
	"github.com/sqinq/operating-system/internal/proctable"
)

// Process is the per-process record the table stores. Name is carried only
// for diagnostics; AS is the address space sys_fork copies and sys_execv
// replaces wholesale.
type Process struct {
	mu   sync.Mutex
	Pid  int
	Name string
	AS   *addrspace.AddressSpace
}

func (p *Process) setAS(as *addrspace.AddressSpace) *addrspace.AddressSpace {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.AS
	p.AS = as
	return old
}

// Syscalls bundles the process table with the HAL collaborators every
// syscall needs: a coremap to back fresh address spaces, a TLB to activate
// them on, and the VFS/ELF/thread/copy seams the spec says are consumed,
// not implemented, by this layer.
type Syscalls struct {
	procs *proctable.Table[*Process]

	cm      *coremap.Coremap
	tlb     hal.TLB
	threads hal.ThreadSpawner
	vfs     hal.VFS
	elf     hal.ELFLoader
	copier  hal.UserCopier
}

// New returns a Syscalls layer wired to the given collaborators.
func New(cm *coremap.Coremap, tlb hal.TLB, threads hal.ThreadSpawner, vfs hal.VFS, elf hal.ELFLoader, copier hal.UserCopier) *Syscalls {
	return &Syscalls{
		procs:   proctable.New[*Process](),
		cm:      cm,
		tlb:     tlb,
		threads: threads,
		vfs:     vfs,
		elf:     elf,
		copier:  copier,
	}
}

// Bootstrap creates the first process in the system, with no address space
// and no parent, standing in for the kernel menu thread's initial
// proc_create_runprogram/proctable_add pair.
func (s *Syscalls) Bootstrap(name string) (*Process, kerrno.Kerrno) {
	p := &Process{Name: name}
	pid, err := s.procs.Add(p)
	if err != 0 {
		return nil, err
	}
	p.Pid = pid
	return p, 0
}

// Getpid returns curr's own pid. Always succeeds, mirroring sys_getpid.
func (s *Syscalls) Getpid(curr *Process) int {
	return curr.Pid
}

// Fork copies curr's address space into a new process, registers it as
// curr's child in the table, and hands the child off to childEntry on a
// freshly spawned thread. Returns the new child's pid to the caller,
// matching sys_fork's contract (the "return 0 to the child" half of
// fork's double return happens inside childEntry, since that is where the
// spec's thread-spawning seam, not this layer, resumes execution).
func (s *Syscalls) Fork(curr *Process, childEntry func(child *Process)) (childPid int, errno kerrno.Kerrno) {
	curr.mu.Lock()
	parentAS := curr.AS
	curr.mu.Unlock()

	as, err := addrspace.Copy(parentAS)
	if err != nil {
		return 0, asErrno(err)
	}

	child := &Process{Name: curr.Name, AS: as}
	pid, addErr := s.procs.Add(child)
	if addErr != 0 {
		as.Destroy()
		return 0, addErr
	}
	child.Pid = pid
	s.procs.SetParent(pid, curr.Pid)

	if err := s.threads.Fork(fmt.Sprintf("%s-%d", curr.Name, pid), func() { childEntry(child) }); err != nil {
		s.procs.Remove(pid)
		as.Destroy()
		return 0, kerrno.ENOMEM
	}

	log.Debug().Int("parent", curr.Pid).Int("child", pid).Msg("procsys: fork")
	return pid, 0
}

// Exit records curr's exit code, wakes any waiting parent, and releases its
// address space. Mirrors sys__exit: status is encoded via
// kconfig.EncodeExitStatus before it is recorded, so Wait's caller sees
// exactly the byte layout a real waitpid(2) would report.
func (s *Syscalls) Exit(curr *Process, code int) {
	s.procs.Exit(curr.Pid, kconfig.EncodeExitStatus(code))

	curr.mu.Lock()
	as := curr.AS
	curr.AS = nil
	curr.mu.Unlock()

	if as != nil {
		as.Deactivate()
		as.Destroy()
	}
}

// Wait blocks curr until pid (which must be curr's own child) has exited,
// then returns its encoded exit status and reaps its table entry. Mirrors
// sys_waitpid with options always 0 (the only value the original kernel
// accepts); a non-zero options value is the caller's concern to reject
// before calling Wait, since this layer has no userptr_t status buffer to
// validate for EFAULT against.
func (s *Syscalls) Wait(curr *Process, pid int) (status int, errno kerrno.Kerrno) {
	return s.procs.Wait(pid, curr.Pid)
}

// Exec replaces curr's address space with a freshly loaded program image,
// in four stages mirroring sys_execv: pull the program path and argv
// strings in from user space via copyinstr, open the file, build the new
// address space and load it, then lay out argv on the new user stack.
// pathUVA and argvUVA are user-space addresses, standing in for sys_execv's
// own userptr_t program/args parameters; walking the NUL-terminated argv
// pointer array down into individual addresses is the trap layer's job; by
// the time it calls Exec it has already done so, the one piece of the
// original's raw-pointer argv walk that doesn't need a copyinstr of its
// own. argc and argvAddr are returned alongside entry/sp so a caller can
// fill in a trapframe exactly as enter_new_process(argc, argv, sp, entry)
// expects.
//
// Once the old address space has been torn down there is no rollback: any
// failure from here on leaves curr without a usable address space, and the
// caller is expected to respond the same way sys_execv's own callers did
// when it never returned a successful result — by exiting the process.
func (s *Syscalls) Exec(curr *Process, pathUVA uintptr, argvUVA []uintptr) (entry, sp, argvAddr uintptr, argc int, errno kerrno.Kerrno) {
	path, err := s.copier.CopyInString(pathUVA, kconfig.PathMax*2)
	if err != nil {
		return 0, 0, 0, 0, kerrno.ENOENT
	}
	if len(path) == 0 {
		return 0, 0, 0, 0, kerrno.ENOENT
	}
	if len(path) > kconfig.PathMax {
		return 0, 0, 0, 0, kerrno.E2BIG
	}

	// Bounded generously rather than by ArgMax itself: the original counts
	// each arg's raw strlen before deciding whether the *total* exceeds
	// ARG_MAX, so a single argument must be readable in full before that
	// comparison means anything.
	argv := make([]string, len(argvUVA))
	total := 0
	for i, uva := range argvUVA {
		a, err := s.copier.CopyInString(uva, kconfig.ArgMax*2)
		if err != nil {
			return 0, 0, 0, 0, kerrno.EFAULT
		}
		argv[i] = a
		total += len(a) + 1
	}
	if total > kconfig.ArgMax {
		return 0, 0, 0, 0, kerrno.E2BIG
	}

	f, err := s.vfs.Open(path)
	if err != nil {
		return 0, 0, 0, 0, kerrno.ENOENT
	}

	as := addrspace.Create(s.cm, s.tlb)
	old := curr.setAS(as)
	as.Activate()
	if old != nil {
		old.Destroy()
	}

	loadedEntry, err := s.elf.Load(f, as)
	f.Close()
	if err != nil {
		return 0, 0, 0, 0, kerrno.ENOEXEC
	}

	stackTop, serr := as.DefineStack()
	if serr != nil {
		return 0, 0, 0, 0, asErrno(serr)
	}

	finalSP, argvBase, argvErrno := s.layoutArgv(stackTop, argv)
	if argvErrno != 0 {
		return 0, 0, 0, 0, argvErrno
	}

	return loadedEntry, finalSP, argvBase, len(argv), 0
}

// layoutArgv copies each argv string onto the new user stack, highest
// index first, each 8-byte aligned per copyoutstr's ROUNDUP(args_size,8),
// then writes the pointer array back down from count to 0, each entry
// 4-byte aligned, exactly the two-pass order sys_execv uses so that argv[0]
// ends up at the lowest address of the string area and the pointer array
// sits just below the strings it points into. The final stack pointer and
// the argv array's own address are the same value, exactly as sys_execv's
// stackptr and argvAddr coincide once both loops are done.
func (s *Syscalls) layoutArgv(stackTop uintptr, argv []string) (sp, argvAddr uintptr, errno kerrno.Kerrno) {
	sp = stackTop
	count := len(argv)
	pointers := make([]uintptr, count+1)

	for i := count - 1; i >= 0; i-- {
		size := len(argv[i]) + 1
		sp -= roundUp(uintptr(size), 8)
		if err := s.copier.CopyOut(sp, append([]byte(argv[i]), 0)); err != nil {
			return 0, 0, kerrno.EFAULT
		}
		pointers[i] = sp
	}
	pointers[count] = 0

	for i := count; i >= 0; i-- {
		sp -= roundUp(4, 4)
		if err := s.copier.CopyOut(sp, encodeUintptr(pointers[i])); err != nil {
			return 0, 0, kerrno.EFAULT
		}
	}
	return sp, sp, 0
}

func roundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

func encodeUintptr(v uintptr) []byte {
	return []byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
	}
}

func asErrno(err error) kerrno.Kerrno {
	if k, ok := err.(kerrno.Kerrno); ok {
		return k
	}
	return kerrno.EINVAL
}
