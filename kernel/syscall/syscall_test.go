package syscall

import (
	"testing"
	"unsafe"

	"gopheros/kernel"
	"gopheros/kernel/errno"
	"gopheros/kernel/mem/vmm"
	"gopheros/kernel/task"
	"gopheros/kernel/vfs"
)

type mockConsole struct {
	written []byte
}

func (c *mockConsole) Write(p []byte) (int, error) {
	c.written = append(c.written, p...)
	return len(p), nil
}

type mockHandle struct {
	data []byte
	pos  int
}

func (h *mockHandle) Read(buf []byte) (int, *kernel.Error) {
	n := copy(buf, h.data[h.pos:])
	h.pos += n
	return n, nil
}
func (h *mockHandle) Seek(offset int64, whence int) (int64, *kernel.Error) {
	h.pos = int(offset)
	return offset, nil
}
func (h *mockHandle) Close() *kernel.Error { return nil }
func (h *mockHandle) Size() int64          { return int64(len(h.data)) }

type mockFS struct {
	files map[string]*mockHandle
}

func (fs *mockFS) Open(path string) (vfs.Handle, *kernel.Error) {
	h, ok := fs.files[path]
	if !ok {
		return nil, &kernel.Error{Module: "vfs", Message: "not found"}
	}
	return h, nil
}

type mockPower struct {
	shutdownCalled, rebootCalled bool
}

func (p *mockPower) Shutdown() { p.shutdownCalled = true }
func (p *mockPower) Reboot()   { p.rebootCalled = true }

func newTestTask(t *testing.T) (*task.Scheduler, *task.TCB) {
	t.Helper()
	sched := task.NewScheduler()
	as := &vmm.AddressSpace{}
	tcb, err := sched.Create(as, 0, 0x1000, 0)
	if err != nil {
		t.Fatal(err)
	}
	return sched, tcb
}

func TestDispatchUnknownSyscallReturnsENOSYSOnce(t *testing.T) {
	origWarn := warnMissingFn
	defer func() { warnMissingFn = origWarn }()

	calls := 0
	warnMissingFn = func(d *Dispatcher, num Number) { calls++ }

	d := NewDispatcher()
	_, tcb := newTestTask(t)

	for i := 0; i < 3; i++ {
		if got := d.Dispatch(tcb, Number(511), Args{}); got != errno.ENOSYS.Negated() {
			t.Errorf("expected -ENOSYS; got %d", got)
		}
	}
	if calls != 1 {
		t.Errorf("expected exactly one warning; got %d", calls)
	}
}

func TestSysWriteRoutesStdoutToConsole(t *testing.T) {
	cons := &mockConsole{}
	d := NewDispatcher()
	d.Console = cons
	_, tcb := newTestTask(t)

	msg := []byte("hi\n")
	ret := d.Dispatch(tcb, SysWrite, Args{
		A1: 1,
		A2: uint32(uintptr(unsafe.Pointer(&msg[0]))),
		A3: uint32(len(msg)),
	})

	if ret != int32(len(msg)) {
		t.Errorf("expected return %d; got %d", len(msg), ret)
	}
	if string(cons.written) != "hi\n" {
		t.Errorf("expected console to receive %q; got %q", "hi\n", cons.written)
	}
}

func TestSysWriteBadFdReturnsEBADF(t *testing.T) {
	d := NewDispatcher()
	d.Console = &mockConsole{}
	_, tcb := newTestTask(t)

	buf := []byte("x")
	ret := d.Dispatch(tcb, SysWrite, Args{A1: 7, A2: uint32(uintptr(unsafe.Pointer(&buf[0]))), A3: 1})
	if ret != errno.EBADF.Negated() {
		t.Errorf("expected -EBADF; got %d", ret)
	}
}

func TestSysWriteNoConsoleReturnsEBADF(t *testing.T) {
	d := NewDispatcher()
	_, tcb := newTestTask(t)

	buf := []byte("x")
	ret := d.Dispatch(tcb, SysWrite, Args{A1: 1, A2: uint32(uintptr(unsafe.Pointer(&buf[0]))), A3: 1})
	if ret != errno.EBADF.Negated() {
		t.Errorf("expected -EBADF; got %d", ret)
	}
}

func TestSysBrkQueryThenGrow(t *testing.T) {
	d := NewDispatcher()
	_, tcb := newTestTask(t)

	if ret := d.Dispatch(tcb, SysBrk, Args{A1: 0}); ret != 0 {
		t.Errorf("expected initial brk 0; got %d", ret)
	}
	if ret := d.Dispatch(tcb, SysBrk, Args{A1: 0x10000}); ret != 0x10000 {
		t.Errorf("expected new brk 0x10000; got %d", ret)
	}
	if ret := d.Dispatch(tcb, SysBrk, Args{A1: 0}); ret != 0x10000 {
		t.Errorf("expected query to report the previously set brk; got %d", ret)
	}
}

func TestSysGetpidReturnsTaskID(t *testing.T) {
	d := NewDispatcher()
	_, tcb := newTestTask(t)

	if ret := d.Dispatch(tcb, SysGetpid, Args{}); ret != int32(tcb.ID) {
		t.Errorf("expected %d; got %d", tcb.ID, ret)
	}
}

func TestSysExitTerminatesTask(t *testing.T) {
	sched, tcb := newTestTask(t)
	d := NewDispatcher()
	d.Sched = sched

	d.Dispatch(tcb, SysExit, Args{})

	if tcb.State != task.Terminated {
		t.Errorf("expected task to be terminated; got state %v", tcb.State)
	}
}

func TestSysPowerForwardsToController(t *testing.T) {
	pw := &mockPower{}
	d := NewDispatcher()
	d.Power = pw
	_, tcb := newTestTask(t)

	if ret := d.Dispatch(tcb, SysPower, Args{A1: 1}); ret != 0 {
		t.Errorf("expected success; got %d", ret)
	}
	if !pw.rebootCalled {
		t.Error("expected Reboot to be called")
	}
}

func TestSysPowerMissingControllerReturnsENOSYS(t *testing.T) {
	d := NewDispatcher()
	_, tcb := newTestTask(t)

	if ret := d.Dispatch(tcb, SysPower, Args{A1: 0}); ret != errno.ENOSYS.Negated() {
		t.Errorf("expected -ENOSYS; got %d", ret)
	}
}

func TestSysOpenReadCloseRoundTrip(t *testing.T) {
	fs := &mockFS{files: map[string]*mockHandle{
		"/greeting": {data: []byte("hello")},
	}}
	d := NewDispatcher()
	d.Files = fs
	_, tcb := newTestTask(t)

	path := append([]byte("/greeting"), 0)
	fd := d.Dispatch(tcb, SysOpen, Args{A1: uint32(uintptr(unsafe.Pointer(&path[0])))})
	if fd < 3 {
		t.Fatalf("expected a non-reserved fd; got %d", fd)
	}

	buf := make([]byte, 5)
	n := d.Dispatch(tcb, SysRead, Args{A1: uint32(fd), A2: uint32(uintptr(unsafe.Pointer(&buf[0]))), A3: uint32(len(buf))})
	if n != 5 || string(buf) != "hello" {
		t.Errorf("expected to read \"hello\" (5 bytes); got %q (%d)", buf, n)
	}

	if ret := d.Dispatch(tcb, SysClose, Args{A1: uint32(fd)}); ret != 0 {
		t.Errorf("expected close to succeed; got %d", ret)
	}
	if ret := d.Dispatch(tcb, SysRead, Args{A1: uint32(fd), A2: uint32(uintptr(unsafe.Pointer(&buf[0]))), A3: uint32(len(buf))}); ret != errno.EBADF.Negated() {
		t.Errorf("expected -EBADF after close; got %d", ret)
	}
}

func TestSysOpenMissingFileReturnsENOENT(t *testing.T) {
	d := NewDispatcher()
	d.Files = &mockFS{files: map[string]*mockHandle{}}
	_, tcb := newTestTask(t)

	path := append([]byte("/missing"), 0)
	ret := d.Dispatch(tcb, SysOpen, Args{A1: uint32(uintptr(unsafe.Pointer(&path[0])))})
	if ret != errno.ENOENT.Negated() {
		t.Errorf("expected -ENOENT; got %d", ret)
	}
}

func TestSysUnameCopiesFixedIdentity(t *testing.T) {
	d := NewDispatcher()
	_, tcb := newTestTask(t)

	buf := make([]byte, utsNameLen*5)
	ret := d.Dispatch(tcb, SysUname, Args{A1: uint32(uintptr(unsafe.Pointer(&buf[0])))})
	if ret != 0 {
		t.Fatalf("expected success; got %d", ret)
	}
	if string(buf[:len("gopheros")]) != "gopheros" {
		t.Errorf("expected sysname gopheros; got %q", buf[:len("gopheros")])
	}
}
