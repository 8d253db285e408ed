package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

// kernelScratchTop is the top of the virtual address range this kernel
// reserves for its own bookkeeping (temporary mappings, early bump-allocated
// regions): a few megabytes below the 4GiB ceiling, well above where any
// identity or direct-mapped range reaches.
const kernelScratchTop = uintptr(0xFFC00000)

var (
	// earlyReserveLastUsed tracks the last reserved page address and is
	// decreased after each allocation request. Initially it points to the
	// bottom of the Temporary-Mapping Window, so the bump allocator and
	// the window carve disjoint ranges out of kernelScratchTop downward.
	earlyReserveLastUsed = tempWindowBase

	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory region
// with the requested size in the kernel address space and returns its virtual
// address. If size is not a multiple of mem.PageSize it will be automatically
// rounded up.
//
// This function allocates regions starting at the end of the kernel address
// space. It should only be used during the early stages of kernel initialization.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)

	// reserving a region of the requested size will cause an underflow
	if uintptr(size) > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= uintptr(size)
	return earlyReserveLastUsed, nil
}

// Protection describes the access rights granted to an Area.
type Protection uint8

const (
	// ProtNone grants no access; any access faults.
	ProtNone Protection = iota
	// ProtRead grants read-only access.
	ProtRead
	// ProtReadWrite grants read and write access.
	ProtReadWrite
	// ProtReadExec grants read and execute access.
	ProtReadExec
	// ProtReadWriteExec grants read, write and execute access.
	ProtReadWriteExec
	// ProtGuard marks a guard area: it has no backing frames and any
	// access, read or write, must fault.
	ProtGuard
)

// AreaType classifies the purpose of an Area, mirroring the teacher's
// device/driver classification style applied to memory regions instead of
// hardware.
type AreaType uint8

const (
	// AreaAnonymous backs general-purpose memory with no file or device origin.
	AreaAnonymous AreaType = iota
	// AreaHeap backs a kernel or task heap region.
	AreaHeap
	// AreaStack backs a kernel or task stack.
	AreaStack
	// AreaFile backs memory populated from a file (unused until a VFS exists).
	AreaFile
	// AreaDevice backs a memory-mapped device region.
	AreaDevice
	// AreaShared backs memory shared between address spaces.
	AreaShared
	// AreaGuard marks an unbacked guard area; see ProtGuard.
	AreaGuard
)

// Area is a semi-open virtual address range [Start, End) inside an
// AddressSpace, together with its protection, classification, and fault
// statistics. Areas within a single AddressSpace are always disjoint; that
// invariant is enforced by AddressSpace.AddArea.
type Area struct {
	Start, End uintptr
	Protection Protection
	Type       AreaType

	// CreatedAtTick records the scheduler tick at which this area was
	// created; used for diagnostics rather than wall-clock time, since
	// no RTC is assumed to be available this early.
	CreatedAtTick uint64

	// FaultCount counts page faults serviced inside this area.
	FaultCount uint64
}

// Contains reports whether addr falls inside this area.
func (a *Area) Contains(addr uintptr) bool {
	return addr >= a.Start && addr < a.End
}

func (a *Area) overlaps(other Area) bool {
	return a.Start < other.End && other.Start < a.End
}

var (
	errOverlappingArea = &kernel.Error{Module: "vmm", Message: "area overlaps an existing area in this address space"}
	errAreaNotFound    = &kernel.Error{Module: "vmm", Message: "no area contains the given address"}
)

// AddressSpace is the triple (page directory, area list, statistics) named
// in spec's Data Model. It generalizes the teacher's flat
// EarlyReserveRegion bump allocator into a per-address-space area list so
// that user tasks, not just the kernel, can track their own mappings.
type AddressSpace struct {
	PDT   PageDirectoryTable
	areas []Area

	// PageFaults and FramesMapped are cumulative statistics for this
	// address space, surfaced for diagnostics and the corruption
	// detection tracker's caller_tag attribution.
	PageFaults   uint64
	FramesMapped uint64
}

// Init binds this address space to the page directory rooted at pdtFrame,
// creating it if it differs from the currently active one.
func (as *AddressSpace) Init(pdtFrame pmm.Frame) *kernel.Error {
	as.areas = as.areas[:0]
	return as.PDT.Init(pdtFrame)
}

// AddArea registers area in this address space after checking it does not
// overlap any existing area, per the Data Model's disjointness invariant.
func (as *AddressSpace) AddArea(area Area) *kernel.Error {
	for _, existing := range as.areas {
		if area.overlaps(existing) {
			return errOverlappingArea
		}
	}
	as.areas = append(as.areas, area)
	return nil
}

// FindArea returns the area containing addr, if any.
func (as *AddressSpace) FindArea(addr uintptr) (*Area, *kernel.Error) {
	for i := range as.areas {
		if as.areas[i].Contains(addr) {
			return &as.areas[i], nil
		}
	}
	return nil, errAreaNotFound
}

// RemoveArea drops the area that exactly starts at addr.
func (as *AddressSpace) RemoveArea(addr uintptr) *kernel.Error {
	for i := range as.areas {
		if as.areas[i].Start == addr {
			as.areas = append(as.areas[:i], as.areas[i+1:]...)
			return nil
		}
	}
	return errAreaNotFound
}

// Areas returns the area list for diagnostics; callers must not retain or
// mutate the returned slice.
func (as *AddressSpace) Areas() []Area {
	return as.areas
}
