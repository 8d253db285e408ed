// Package syscall implements the INT 0x80 dispatch table spec.md §4.6
// describes: a dense, fixed-size table of syscall numbers to handlers,
// taking its arguments as an Args value holding the six argument
// registers, and returning a value ready for a direct EAX
// store (negative means an errno.Errno, per the Linux ABI this kernel's
// user-mode tasks are built against).
//
// The dispatcher depends only on interfaces — console.Writer, vfs.FS,
// netstack.Stack, power.Controller — never on the concrete drivers that
// satisfy them, mirroring the dependency-inversion shape kernel/hal.go uses
// for device.Driver/tty.Device/console.Device.
package syscall

import (
	"reflect"
	"unsafe"

	"gopheros/kernel/console"
	"gopheros/kernel/errno"
	"gopheros/kernel/netstack"
	"gopheros/kernel/power"
	"gopheros/kernel/task"
	"gopheros/kernel/vfs"
)

// Number is a syscall number as loaded into EAX before INT 0x80.
type Number uint32

// The subset of the Linux i386 syscall table spec.md §4.6 names explicitly.
// socket/bind/sendto/recvfrom are assigned individual numbers rather than
// multiplexed behind the classic i386 socketcall(2) entry point, since this
// kernel does not otherwise claim full Linux ABI compatibility.
const (
	SysExit      Number = 1
	SysRead      Number = 3
	SysWrite     Number = 4
	SysOpen      Number = 5
	SysClose     Number = 6
	SysTime      Number = 13
	SysLseek     Number = 19
	SysGetpid    Number = 20
	SysGetuid    Number = 24
	SysDup       Number = 41
	SysBrk       Number = 45
	SysGetgid    Number = 47
	SysGeteuid   Number = 49
	SysGetegid   Number = 50
	SysIoctl     Number = 54
	SysFcntl     Number = 55
	SysDup2      Number = 63
	SysGetppid   Number = 64
	SysUname     Number = 122
	SysNanosleep Number = 162
	SysExitGroup Number = 252
	SysSocket    Number = 300
	SysBind      Number = 301
	SysSendto    Number = 302
	SysRecvfrom  Number = 303
	SysPower     Number = 400

	// SysMax bounds the dispatch table; unused slots default to the
	// not-implemented entry.
	SysMax Number = 512
)

// Args holds the six general-purpose argument registers INT 0x80 passes a
// syscall, in EBX..EBP order.
type Args struct {
	A1, A2, A3, A4, A5, A6 uint32
}

// handlerFunc is the shape every table entry's implementation has; it
// returns a value ready for a direct EAX store (negative means -errno).
type handlerFunc func(d *Dispatcher, t *task.TCB, a Args) int32

type entry struct {
	fn          handlerFunc
	implemented bool
}

var table [SysMax]entry

func register(num Number, fn handlerFunc) {
	table[num] = entry{fn: fn, implemented: true}
}

func init() {
	register(SysExit, sysExit)
	register(SysExitGroup, sysExit)
	register(SysWrite, sysWrite)
	register(SysRead, sysRead)
	register(SysOpen, sysOpen)
	register(SysClose, sysClose)
	register(SysLseek, sysLseek)
	register(SysBrk, sysBrk)
	register(SysGetpid, sysGetpid)
	register(SysGetppid, sysGetppid)
	register(SysGetuid, sysGetID)
	register(SysGeteuid, sysGetID)
	register(SysGetgid, sysGetID)
	register(SysGetegid, sysGetID)
	register(SysTime, sysTime)
	register(SysNanosleep, sysNanosleep)
	register(SysUname, sysUname)
	register(SysIoctl, sysIoctl)
	register(SysFcntl, sysFcntl)
	register(SysDup, sysDup)
	register(SysDup2, sysDup2)
	register(SysSocket, sysSocket)
	register(SysBind, sysBind)
	register(SysSendto, sysSendto)
	register(SysRecvfrom, sysRecvfrom)
	register(SysPower, sysPower)
}

// procState holds the per-task state the syscall layer needs that isn't
// part of task.TCB's Data Model fields: the program break, the open file
// and socket tables, and the parent pid. It lives here rather than on TCB
// so task's arena stays exactly the shape spec.md's Data Model names.
type procState struct {
	brk     uintptr
	ppid    task.ID
	nextFD  int32
	files   map[int32]vfs.Handle
	sockets map[int32]netstack.Socket
}

func newProcState(ppid task.ID) *procState {
	return &procState{
		ppid:    ppid,
		nextFD:  3, // 0, 1, 2 are reserved for stdin/stdout/stderr
		files:   make(map[int32]vfs.Handle),
		sockets: make(map[int32]netstack.Socket),
	}
}

// Dispatcher owns the syscall table's external dependencies and the
// per-task bookkeeping those dependencies need. All four dependency fields
// are interfaces; a Dispatcher with any of them left nil still dispatches,
// it just answers ENOSYS, EBADF or ENOENT for calls that need the missing one.
type Dispatcher struct {
	Console console.Writer
	Files   vfs.FS
	Net     netstack.Stack
	Power   power.Controller
	Sched   *task.Scheduler

	procs map[task.ID]*procState

	// warned latches true the first time an unimplemented syscall number
	// is dispatched, so repeated calls to the same missing number don't
	// flood the console with the same warning, per spec.md §4.6.
	warned [SysMax]bool
}

// NewDispatcher returns a Dispatcher with no dependencies wired; callers set
// Console/Files/Net/Power/Sched as those subsystems come online.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{procs: make(map[task.ID]*procState)}
}

// warnMissingFn lets tests observe the one-shot warning without a real
// console wired up.
var warnMissingFn = func(d *Dispatcher, num Number) {
	if d.Console != nil {
		d.Console.Write([]byte("syscall: unimplemented number\n"))
	}
}

// state returns t's procState, creating it (with parent pid 0) the first
// time a task is seen.
func (d *Dispatcher) state(t *task.TCB) *procState {
	if d.procs == nil {
		d.procs = make(map[task.ID]*procState)
	}
	ps, ok := d.procs[t.ID]
	if !ok {
		ps = newProcState(0)
		d.procs[t.ID] = ps
	}
	return ps
}

// Dispatch looks up num in the table and invokes its handler, or returns
// -ENOSYS (warning once) if the slot is empty or out of range.
func (d *Dispatcher) Dispatch(t *task.TCB, num Number, a Args) int32 {
	if num >= SysMax || !table[num].implemented {
		if !d.warned[num%SysMax] {
			d.warned[num%SysMax] = true
			warnMissingFn(d, num)
		}
		return errno.ENOSYS.Negated()
	}
	return table[num].fn(d, t, a)
}

// userBytes views n bytes at a user-space address as a Go byte slice. INT
// 0x80 always traps with the faulting task's page directory still active,
// so addr is dereferenceable exactly as the task itself would see it.
func userBytes(addr uintptr, n int) []byte {
	if n <= 0 {
		return nil
	}
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  n,
		Cap:  n,
	}))
}

func sysExit(d *Dispatcher, t *task.TCB, a Args) int32 {
	if d.Sched != nil {
		d.Sched.Terminate(t)
	}
	delete(d.procs, t.ID)
	return 0
}

func sysWrite(d *Dispatcher, t *task.TCB, a Args) int32 {
	fd, buf, count := int32(a.A1), uintptr(a.A2), int(a.A3)
	switch fd {
	case 1, 2:
		if d.Console == nil {
			return errno.EBADF.Negated()
		}
		n, err := d.Console.Write(userBytes(buf, count))
		if err != nil {
			return errno.EFAULT.Negated()
		}
		return int32(n)
	default:
		ps := d.state(t)
		h, ok := ps.files[fd]
		if !ok {
			return errno.EBADF.Negated()
		}
		_ = h // SPEC_FULL.md's read-only mount has no writable files yet.
		return errno.EACCES.Negated()
	}
}

func sysRead(d *Dispatcher, t *task.TCB, a Args) int32 {
	fd, buf, count := int32(a.A1), uintptr(a.A2), int(a.A3)
	ps := d.state(t)
	switch fd {
	case 0:
		// A blocking line read from the console is a concern of the line
		// discipline, not this dispatcher; with none wired, report EOF.
		return 0
	default:
		h, ok := ps.files[fd]
		if !ok {
			return errno.EBADF.Negated()
		}
		n, kerr := h.Read(userBytes(buf, count))
		if kerr != nil {
			return errno.EFAULT.Negated()
		}
		return int32(n)
	}
}

func sysOpen(d *Dispatcher, t *task.TCB, a Args) int32 {
	if d.Files == nil {
		return errno.ENOENT.Negated()
	}
	path := cString(a.A1, 256)
	h, kerr := d.Files.Open(path)
	if kerr != nil {
		return errno.ENOENT.Negated()
	}

	ps := d.state(t)
	fd := ps.nextFD
	ps.nextFD++
	ps.files[fd] = h
	return fd
}

func sysClose(d *Dispatcher, t *task.TCB, a Args) int32 {
	fd := int32(a.A1)
	ps := d.state(t)
	if h, ok := ps.files[fd]; ok {
		delete(ps.files, fd)
		if kerr := h.Close(); kerr != nil {
			return errno.EFAULT.Negated()
		}
		return 0
	}
	if s, ok := ps.sockets[fd]; ok {
		delete(ps.sockets, fd)
		if kerr := s.Close(); kerr != nil {
			return errno.EFAULT.Negated()
		}
		return 0
	}
	return errno.EBADF.Negated()
}

func sysLseek(d *Dispatcher, t *task.TCB, a Args) int32 {
	fd, offset, whence := int32(a.A1), int64(int32(a.A2)), int(a.A3)
	ps := d.state(t)
	h, ok := ps.files[fd]
	if !ok {
		return errno.EBADF.Negated()
	}
	pos, kerr := h.Seek(offset, whence)
	if kerr != nil {
		return errno.EINVAL.Negated()
	}
	return int32(pos)
}

// sysBrk implements the single program-break call spec.md §4.6 lists:
// passing 0 queries the current break, any other value is recorded as the
// new break and returned; no memory is mapped for it.
func sysBrk(d *Dispatcher, t *task.TCB, a Args) int32 {
	ps := d.state(t)
	if a.A1 == 0 {
		return int32(ps.brk)
	}
	ps.brk = uintptr(a.A1)
	return int32(ps.brk)
}

func sysGetpid(d *Dispatcher, t *task.TCB, a Args) int32 {
	return int32(t.ID)
}

func sysGetppid(d *Dispatcher, t *task.TCB, a Args) int32 {
	return int32(d.state(t).ppid)
}

// sysGetID backs getuid/geteuid/getgid/getegid: this kernel has no user
// accounts, so every task runs as uid/gid 0.
func sysGetID(d *Dispatcher, t *task.TCB, a Args) int32 {
	return 0
}

// sysTime and sysNanosleep are stubs: no wall clock or timer queue is wired
// into this dispatcher yet, so they report success without blocking.
func sysTime(d *Dispatcher, t *task.TCB, a Args) int32 {
	return 0
}

func sysNanosleep(d *Dispatcher, t *task.TCB, a Args) int32 {
	if d.Sched != nil {
		d.Sched.Yield()
	}
	return 0
}

// utsNameLen matches Linux's struct utsname field width; uname copies a
// fixed identity string into each of the five fields the kernel reports.
const utsNameLen = 65

func sysUname(d *Dispatcher, t *task.TCB, a Args) int32 {
	if a.A1 == 0 {
		return errno.EFAULT.Negated()
	}
	buf := userBytes(uintptr(a.A1), utsNameLen*5)
	fields := []string{"gopheros", "localhost", "0.1.0", "#1", "i686"}
	for i, f := range fields {
		copy(buf[i*utsNameLen:], f)
	}
	return 0
}

// sysIoctl and sysFcntl are minimal no-op successes: enough for a shell's
// isatty/tcgetattr-style probing without a real terminal-control backend.
func sysIoctl(d *Dispatcher, t *task.TCB, a Args) int32 {
	return 0
}

func sysFcntl(d *Dispatcher, t *task.TCB, a Args) int32 {
	return 0
}

func sysDup(d *Dispatcher, t *task.TCB, a Args) int32 {
	ps := d.state(t)
	oldfd := int32(a.A1)
	h, ok := ps.files[oldfd]
	if !ok {
		return errno.EBADF.Negated()
	}
	newfd := ps.nextFD
	ps.nextFD++
	ps.files[newfd] = h
	return newfd
}

func sysDup2(d *Dispatcher, t *task.TCB, a Args) int32 {
	ps := d.state(t)
	oldfd, newfd := int32(a.A1), int32(a.A2)
	h, ok := ps.files[oldfd]
	if !ok {
		return errno.EBADF.Negated()
	}
	ps.files[newfd] = h
	return newfd
}

func sysSocket(d *Dispatcher, t *task.TCB, a Args) int32 {
	if d.Net == nil {
		return errno.ENOSYS.Negated()
	}
	s, kerr := d.Net.Socket(int32(a.A1), int32(a.A2), int32(a.A3))
	if kerr != nil {
		return errno.EACCES.Negated()
	}
	ps := d.state(t)
	fd := ps.nextFD
	ps.nextFD++
	ps.sockets[fd] = s
	return fd
}

func sysBind(d *Dispatcher, t *task.TCB, a Args) int32 {
	ps := d.state(t)
	s, ok := ps.sockets[int32(a.A1)]
	if !ok {
		return errno.EBADF.Negated()
	}
	if kerr := s.Bind(userBytes(uintptr(a.A2), int(a.A3))); kerr != nil {
		return errno.EINVAL.Negated()
	}
	return 0
}

func sysSendto(d *Dispatcher, t *task.TCB, a Args) int32 {
	ps := d.state(t)
	s, ok := ps.sockets[int32(a.A1)]
	if !ok {
		return errno.EBADF.Negated()
	}
	buf := userBytes(uintptr(a.A2), int(a.A3))
	addr := userBytes(uintptr(a.A5), int(a.A6))
	n, kerr := s.SendTo(buf, addr)
	if kerr != nil {
		return errno.EINVAL.Negated()
	}
	return int32(n)
}

func sysRecvfrom(d *Dispatcher, t *task.TCB, a Args) int32 {
	ps := d.state(t)
	s, ok := ps.sockets[int32(a.A1)]
	if !ok {
		return errno.EBADF.Negated()
	}
	buf := userBytes(uintptr(a.A2), int(a.A3))
	n, _, kerr := s.RecvFrom(buf)
	if kerr != nil {
		return errno.EINVAL.Negated()
	}
	return int32(n)
}

func sysPower(d *Dispatcher, t *task.TCB, a Args) int32 {
	if d.Power == nil {
		return errno.ENOSYS.Negated()
	}
	switch a.A1 {
	case 0:
		d.Power.Shutdown()
	case 1:
		d.Power.Reboot()
	default:
		return errno.EINVAL.Negated()
	}
	return 0
}

// cString reads a NUL-terminated string out of user memory, capped at
// maxLen bytes so a missing terminator can't walk off into unmapped
// memory.
func cString(addr uint32, maxLen int) string {
	raw := userBytes(uintptr(addr), maxLen)
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i])
		}
	}
	return string(raw)
}
