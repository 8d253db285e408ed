package gate

import (
	"io"
	"reflect"
	"unsafe"

	"gopheros/kernel/kfmt"

	"golang.org/x/arch/x86/x86asm"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs, in the layout the trap gate entrypoint leaves
// on the kernel stack before calling into Go code.
type Registers struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
	ESI uint32
	EDI uint32
	EBP uint32
	DS  uint32

	// Info contains the exception code for exceptions, the syscall number
	// for syscall entries (vector 0x80) or the IRQ number for HW
	// interrupts.
	Info uint32

	// Err is the CPU-pushed error code for exceptions that define one
	// (e.g. page faults, general protection faults). It is zero for
	// exceptions that do not push one and for syscall/IRQ entries.
	Err uint32

	// The return frame used by IRET.
	EIP    uint32
	CS     uint32
	EFlags uint32

	// ESPUser/SSUser are only meaningful when the trapped context was
	// running at a lower privilege level; a same-ring trap leaves them
	// zeroed.
	ESPUser uint32
	SSUser  uint32
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EAX = %8x EBX = %8x\n", r.EAX, r.EBX)
	kfmt.Fprintf(w, "ECX = %8x EDX = %8x\n", r.ECX, r.EDX)
	kfmt.Fprintf(w, "ESI = %8x EDI = %8x\n", r.ESI, r.EDI)
	kfmt.Fprintf(w, "EBP = %8x DS  = %8x\n", r.EBP, r.DS)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "EIP = %8x CS  = %8x\n", r.EIP, r.CS)
	kfmt.Fprintf(w, "ESP = %8x SS  = %8x\n", r.ESPUser, r.SSUser)
	kfmt.Fprintf(w, "EFL = %8x\n", r.EFlags)

	if inst, ok := decodeFaultingInstruction(uintptr(r.EIP)); ok {
		kfmt.Fprintf(w, "faulting instruction: %s\n", x86asm.GNUSyntax(inst, uint64(r.EIP), nil))
	}
}

// maxInstructionLen bounds the bytes read at EIP; the longest legal x86
// instruction encoding is 15 bytes.
const maxInstructionLen = 15

// decodeFaultingInstruction disassembles the instruction at addr for the
// panic screen's benefit. addr is always a kernel-mapped code address at
// panic time (the fault happened while executing it), so reading through it
// directly is safe; a decode failure (e.g. a corrupted code page) just
// omits the line rather than panicking recursively.
func decodeFaultingInstruction(addr uintptr) (x86asm.Inst, bool) {
	raw := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  maxInstructionLen,
		Cap:  maxInstructionLen,
	}))

	inst, err := x86asm.Decode(raw, 32)
	if err != nil {
		return x86asm.Inst{}, false
	}
	return inst, true
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available or while
	// FPU/MMX/SSE support has been disabled by manipulating the CR0
	// register.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from an
	// invalid stack address or when the stack base/limit (set in the
	// GDT/LDT descriptor) checks fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an FP instruction while:
	//  - CR0.NE = 1 OR
	//  - an unmasked FP exception is pending
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligmed memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1. If the OSXMMEXCPT bit is
	// not set, SIMD FP exceptions cause InvalidOpcode exceptions instead.
	SIMDFloatingPointException = InterruptNumber(19)

	// SyscallGate is the software interrupt vector user-mode tasks use to
	// request a kernel service. It is installed as a trap gate with
	// DPL=3 so ring-3 code may invoke it directly via INT 0x80.
	SyscallGate = InterruptNumber(0x80)
)

// Init runs the appropriate CPU-specific initialization code for enabling
// support for interrupt handling.
func Init() {
	installIDT()
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. The value of the istOffset argument is
// retained for API parity with the 64-bit gate package but is unused on the
// 32-bit TSS, which has no interrupt-stack-table mechanism; a non-zero value
// instead selects the emergency stack used for re-entrant double faults (see
// kernel/idt386).
func HandleInterrupt(intNumber InterruptNumber, istOffset uint8, handler func(*Registers))

// installIDT populates the IDT descriptor with the address of the IDT and
// loads it into the CPU via LIDT. All gate entries are initially marked as
// non-present and must be explicitly enabled via a call to HandleInterrupt.
func installIDT()

// dispatchInterrupt is invoked by the interrupt gate entrypoints to route
// an incoming interrupt to the selected handler.
func dispatchInterrupt()

// interruptGateEntries contains a list of generated entries for each possible
// interrupt number, each pushing its vector number before jumping to the
// common dispatchInterrupt trampoline.
func interruptGateEntries()
