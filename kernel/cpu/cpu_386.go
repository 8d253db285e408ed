package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register, i.e. the faulting
// linear address of the most recent page fault.
func ReadCR2() uint32

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// ReadTSC returns the current value of the time-stamp counter, read via
// RDTSC. Used only as an entropy source (stack canary seeding); callers
// must not rely on it for wall-clock timing.
func ReadTSC() uint64

// ReadCR4 returns the current value of CR4.
func ReadCR4() uint32

// WriteCR4 loads a new value into CR4. Callers are responsible for
// preserving bits they do not intend to change.
func WriteCR4(value uint32)

// EnableUserAccess executes STAC, clearing EFLAGS.AC's SMAP restriction so
// the current code may dereference user-mode pages. Every path that copies
// between kernel and user memory must bracket the access with this and
// DisableUserAccess.
func EnableUserAccess()

// DisableUserAccess executes CLAC, re-arming SMAP after a bracketed user
// memory access.
func DisableUserAccess()

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
