// Package task implements the kernel's cooperative scheduler: task control
// blocks, a ready ring, and the context-switch bookkeeping that glues a
// task's kernel stack and address space to the scheduling policy.
package task

import (
	"gopheros/kernel"
	"gopheros/kernel/mem/vmm"
)

// State describes where a task sits in its lifecycle.
type State uint8

const (
	// Running is the state of the single task currently executing.
	Running State = iota
	// Ready marks a task eligible to be picked by schedule().
	Ready
	// Waiting marks a task parked on a semaphore, mutex or event.
	Waiting
	// Terminated marks a task that has exited; its slot may be reused.
	Terminated
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Ready:
		return "ready"
	case Waiting:
		return "waiting"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ID identifies a task, doubling as its pid for the syscall layer.
type ID uint32

// noTask is the arena index used to mark the absence of a "next" task; the
// ready ring never legitimately loops back through it.
const noTask = -1

// ElfInfo records the outcome of the ELF loader for a task's image, as
// named in spec.md's Data Model and populated by elf.Load.
type ElfInfo struct {
	EntryPoint uintptr
	BSSStart   uintptr
	BSSEnd     uintptr
}

// TCB is a task control block. Per the teacher's Design Notes guidance
// (replacing the original's raw "next" pointer with something that survives
// translation to a language with ownership), the ready ring's links are
// indices into the scheduler's task arena rather than pointers.
type TCB struct {
	ID    ID
	State State

	KernelStackPointer uintptr
	KernelStackBase    uintptr

	AddressSpace *vmm.AddressSpace
	ElfInfo      ElfInfo

	Priority  uint8
	TicksLeft uint32

	// PendingSignals is a bitmap of signals queued for this task awaiting
	// delivery at the next syscall-return or scheduling boundary.
	PendingSignals uint32

	// next is the arena index of the task following this one in the
	// ready ring, or noTask if this TCB has not been linked yet.
	next int
}

var (
	errNoRunnableTask = &kernel.Error{Module: "task", Message: "no runnable task in the ready ring"}
	errArenaFull      = &kernel.Error{Module: "task", Message: "task arena exhausted"}
	errUnknownTask    = &kernel.Error{Module: "task", Message: "task id does not belong to a live TCB"}
)

// MaxTasks bounds the scheduler's task arena; a fixed-size arena avoids
// requiring the kernel heap (not reentrant; see SPEC_FULL.md's ambient
// concurrency policy) to be usable before the scheduler is.
const MaxTasks = 64

// Scheduler owns the task arena and the intrusive ready ring described in
// spec.md §4.5/§5: one logical CPU, cooperative switches only at well-defined
// yield points.
type Scheduler struct {
	arena   [MaxTasks]TCB
	used    [MaxTasks]bool
	nextID  ID
	current int
}

// switchToFn performs the actual ESP-save/CR3-load/ESP-restore context
// switch; it is a package var (rather than a direct call) so tests can
// exercise scheduling decisions without real stack pointers. The
// architecture-specific implementation has no Go body, matching the
// teacher's convention for functions that bottom out in hand-written
// trampoline code (see kernel/sync.archAcquireSpinlock).
var switchToFn = taskSwitch

// taskSwitch saves the current task's ESP into from and restores ESP from
// to, activating to's page directory in the process. It is implemented in
// assembly glued in at link time.
func taskSwitch(from, to *TCB)

// NewScheduler returns a Scheduler with an empty arena; Current returns nil
// until the first task is created.
func NewScheduler() *Scheduler {
	s := &Scheduler{current: noTask}
	for i := range s.arena {
		s.arena[i].next = noTask
	}
	return s
}

// Create allocates a TCB from the arena, links it into the ready ring
// immediately after the current task (or as the sole ring member if this is
// the first task), and returns it in the Ready state.
func (s *Scheduler) Create(as *vmm.AddressSpace, kernelStackBase uintptr, stackSize uintptr, priority uint8) (*TCB, *kernel.Error) {
	idx := s.freeSlot()
	if idx < 0 {
		return nil, errArenaFull
	}

	s.nextID++
	t := &s.arena[idx]
	*t = TCB{
		ID:                 s.nextID,
		State:              Ready,
		KernelStackBase:    kernelStackBase,
		KernelStackPointer: kernelStackBase + stackSize,
		AddressSpace:       as,
		Priority:           priority,
		TicksLeft:          defaultQuantum,
		next:               noTask,
	}
	s.used[idx] = true

	if s.current == noTask {
		t.next = idx
		s.current = idx
	} else {
		cur := &s.arena[s.current]
		t.next = cur.next
		cur.next = idx
	}

	return t, nil
}

// defaultQuantum is the number of scheduler ticks a freshly created task is
// granted before it is eligible for preemption at its next syscall-return
// yield point.
const defaultQuantum = 10

// freeSlot returns the index of an unused arena slot, or -1 if the arena is
// full.
func (s *Scheduler) freeSlot() int {
	for i, used := range s.used {
		if !used {
			return i
		}
	}
	return -1
}

// Current returns the currently running task, or nil if none has been
// created yet.
func (s *Scheduler) Current() *TCB {
	if s.current == noTask {
		return nil
	}
	return &s.arena[s.current]
}

// indexOf returns the arena index backing t, or -1 if t does not belong to
// this scheduler's arena.
func (s *Scheduler) indexOf(t *TCB) int {
	for i := range s.arena {
		if &s.arena[i] == t {
			return i
		}
	}
	return -1
}

// Schedule walks the ready ring starting after the current task and returns
// the next Ready task, marking the outgoing task Ready (if it was Running)
// and the incoming one Running. It does not perform the actual stack/CR3
// switch; callers invoke Yield for that.
func (s *Scheduler) Schedule() (*TCB, *kernel.Error) {
	if s.current == noTask {
		return nil, errNoRunnableTask
	}

	start := s.current
	idx := s.arena[start].next
	for {
		if s.used[idx] && s.arena[idx].State == Ready {
			if s.arena[start].State == Running {
				s.arena[start].State = Ready
			}
			s.arena[idx].State = Running
			s.current = idx
			s.arena[idx].TicksLeft = defaultQuantum
			return &s.arena[idx], nil
		}

		if idx == start {
			return nil, errNoRunnableTask
		}
		idx = s.arena[idx].next
	}
}

// Yield picks the next Ready task via Schedule and performs the context
// switch away from the currently running one. It is the only path through
// which a real task_switch happens, matching spec.md's cooperative-only
// suspension-point policy.
func (s *Scheduler) Yield() *kernel.Error {
	from := s.Current()
	if from == nil {
		return errNoRunnableTask
	}

	to, err := s.Schedule()
	if err != nil {
		return err
	}
	if to == from {
		return nil
	}

	switchToFn(from, to)
	return nil
}

// Terminate marks t Terminated and unlinks it from the ready ring so
// Schedule never selects it again. Its arena slot remains reserved (and its
// AddressSpace intact) until the caller explicitly reaps it by calling
// Reap, mirroring a zombie/wait() pair.
func (s *Scheduler) Terminate(t *TCB) *kernel.Error {
	idx := s.indexOf(t)
	if idx < 0 || !s.used[idx] {
		return errUnknownTask
	}

	t.State = Terminated

	for i := range s.arena {
		if s.used[i] && s.arena[i].next == idx {
			s.arena[i].next = t.next
			break
		}
	}

	return nil
}

// Reap frees a Terminated task's arena slot for reuse.
func (s *Scheduler) Reap(t *TCB) *kernel.Error {
	idx := s.indexOf(t)
	if idx < 0 || !s.used[idx] {
		return errUnknownTask
	}
	if t.State != Terminated {
		return &kernel.Error{Module: "task", Message: "cannot reap a task that has not terminated"}
	}

	s.used[idx] = false
	return nil
}
