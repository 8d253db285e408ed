package task

import (
	"gopheros/kernel"
	"gopheros/kernel/elf"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/vmm"
	"unsafe"
)

// Fixed GDT selectors spec.md §6 leaves to the reader to set up; the loader
// only needs to know their numeric value to format the initial ring-3
// return frame.
const (
	userCodeSelector = uint32(0x1B) // index 3, RPL 3
	userDataSelector = uint32(0x23) // index 4, RPL 3
	userEFlags       = uint32(0x200) // IF set, everything else clear
)

// USERStackTop is the fixed top-of-stack address every user task's initial
// ESP is formatted to point at, per spec.md §4.5.
const USERStackTop = uintptr(0xB0000000)

// USERStackPages is the number of user-writable pages mapped below
// USERStackTop before a task's first instruction runs.
const USERStackPages = 4

// KernelStackSize is the size of the kernel-mode stack allocated for every
// task; syscall and interrupt entry run on this stack while the task is
// executing in ring 3.
const KernelStackSize = 2 * uintptr(mem.PageSize)

var (
	errNoFrame = &kernel.Error{Module: "task", Message: "out of physical frames while creating a task"}
)

// frameAllocatorFn, mapRegionFn and pdtMapFn are package vars so tests can
// create tasks without a live PMM or a real page directory to walk.
var (
	frameAllocatorFn vmm.FrameAllocatorFn
	mapRegionFn      = vmm.MapRegion
	pdtMapFn         = func(pdt *vmm.PageDirectoryTable, page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		return pdt.Map(page, frame, flags)
	}
)

// SetFrameAllocator wires the physical frame source used to back a new
// task's page directory, kernel stack and user stack.
func SetFrameAllocator(fn vmm.FrameAllocatorFn) {
	frameAllocatorFn = fn
}

// CreateFromELF implements spec.md §4.5's task_create_elf: it loads an ELF32
// image into a fresh address space, allocates a kernel stack, maps the
// user stack, and formats the kernel stack so that the first task_switch
// into this task ends with an IRET into ring 3 at the image's entry point.
func (s *Scheduler) CreateFromELF(image []byte, priority uint8) (*TCB, *elf.Report, *kernel.Error) {
	pdtFrame, err := frameAllocatorFn()
	if err != nil {
		return nil, nil, errNoFrame
	}

	as := &vmm.AddressSpace{}
	if err := as.Init(pdtFrame); err != nil {
		return nil, nil, err
	}

	report, err := elf.Load(image, as)
	if err != nil {
		return nil, nil, err
	}
	if err := as.AddArea(vmm.Area{Start: report.BaseAddr, End: report.MappedEnd, Protection: vmm.ProtReadWriteExec, Type: vmm.AreaAnonymous}); err != nil {
		return nil, nil, err
	}

	if err := mapUserStack(as); err != nil {
		return nil, nil, err
	}

	kStackFrame, err := frameAllocatorFn()
	if err != nil {
		return nil, nil, errNoFrame
	}
	kStackPage, err := mapRegionFn(kStackFrame, mem.Size(KernelStackSize), vmm.FlagPresent|vmm.FlagRW)
	if err != nil {
		return nil, nil, err
	}
	kStackBase := kStackPage.Address()

	t, err := s.Create(as, kStackBase, KernelStackSize, priority)
	if err != nil {
		return nil, nil, err
	}
	t.ElfInfo = ElfInfo{EntryPoint: report.EntryPoint, BSSStart: report.BSSStart, BSSEnd: report.BSSEnd}
	t.KernelStackPointer = formatInitialStack(kStackBase+KernelStackSize, report.EntryPoint)

	return t, &report, nil
}

// mapUserStack reserves USERStackPages user-writable pages immediately
// below USERStackTop, with a single unbacked guard page below them so a
// stack overflow faults instead of silently corrupting an adjacent
// mapping, per spec.md §4.7's guard-page requirement.
func mapUserStack(as *vmm.AddressSpace) *kernel.Error {
	stackBottom := USERStackTop - uintptr(USERStackPages)*uintptr(mem.PageSize)

	for pageAddr := stackBottom; pageAddr < USERStackTop; pageAddr += uintptr(mem.PageSize) {
		frame, err := frameAllocatorFn()
		if err != nil {
			return errNoFrame
		}
		if err := pdtMapFn(&as.PDT, vmm.PageFromAddress(pageAddr), frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
			return err
		}
	}

	if err := as.AddArea(vmm.Area{Start: stackBottom, End: USERStackTop, Protection: vmm.ProtReadWrite, Type: vmm.AreaStack}); err != nil {
		return err
	}

	guardPage := stackBottom - uintptr(mem.PageSize)
	return as.AddArea(vmm.Area{Start: guardPage, End: stackBottom, Protection: vmm.ProtGuard, Type: vmm.AreaGuard})
}

// initialFrame mirrors the layout task_switch expects to pop on its first
// run of a freshly created task: the callee-saved registers task_switch
// itself would normally restore, followed by the IRET frame that lands the
// CPU in ring 3 at the ELF entry point.
type initialFrame struct {
	// Callee-saved registers restored by task_switch before it returns.
	EDI, ESI, EBX, EBP uint32

	// IRET frame.
	EIP, CS, EFlags, ESP, SS uint32
}

// formatInitialStack writes an initialFrame at the top of the kernel stack
// and returns the ESP value task_switch should restore to first run this
// task.
func formatInitialStack(kernelStackTop uintptr, entryPoint uintptr) uintptr {
	frameAddr := kernelStackTop - unsafe.Sizeof(initialFrame{})

	frame := (*initialFrame)(unsafe.Pointer(frameAddr))
	*frame = initialFrame{
		EIP:    uint32(entryPoint),
		CS:     uint32(userCodeSelector),
		EFlags: userEFlags,
		ESP:    uint32(USERStackTop),
		SS:     uint32(userDataSelector),
	}

	return frameAddr
}
