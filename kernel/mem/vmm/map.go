package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

// ReservedZeroedFrame is a special zero-cleared frame allocated by the
// vmm package's Init function. The purpose of this frame is to assist in
// implementing on-demand memory allocation when mapping it in conjunction
// with the CopyOnWrite flag. Here is an example of how it can be used:
//
//	func ReserveOnDemand(start vmm.Page, pageCount int) *kernel.Error {
//	  var err *kernel.Error
//	  mapFlags := vmm.FlagPresent|vmm.FlagCopyOnWrite
//	  for page := start; pageCount > 0; pageCount, page = pageCount-1, page+1 {
//	     if err = vmm.Map(page, vmm.ReservedZeroedFrame, mapFlags); err != nil {
//	       return err
//	     }
//	  }
//	  return nil
//	}
//
// In the above example, page mappings are set up for the requested number of
// pages but no physical memory is reserved for their contents. A write to any
// of the above pages will trigger a page fault causing a new frame to be
// allocated, cleared, and installed in-place with RW permissions.
var ReservedZeroedFrame pmm.Frame

var (
	// protectReservedZeroedPage is set to true once ReservedZeroedFrame
	// has been reserved, preventing it from ever being mapped RW.
	protectReservedZeroedPage bool

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	earlyReserveRegionFn = EarlyReserveRegion

	errNoHugePageSupport           = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag"}
)

// Map establishes a mapping between a virtual page and a physical memory
// frame using the currently active page directory. Calls to Map use the
// supplied physical frame allocator to initialize missing page tables.
//
// Attempts to map ReservedZeroedFrame with a RW flag will result in an error.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return mapIn(activePDTFn(), page, frame, flags)
}

// mapIn establishes a mapping inside the page directory rooted at pdtPhys;
// it backs both the package-level Map (active PDT) and
// PageDirectoryTable.Map (arbitrary PDT, reachable via the direct map
// without switching CR3).
func mapIn(pdtPhys uintptr, page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame && (flags&FlagRW) != 0 {
		return errAttemptToRWMapReservedFrame
	}

	var err *kernel.Error

	walk(pdtPhys, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			if pdtPhys == activePDTFn() {
				flushTLBEntryFn(page.Address())
			}
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			newTableFrame, allocErr := frameAllocator()
			if allocErr != nil {
				err = allocErr
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)

			mem.Memset(physToDirectVirt(newTableFrame.Address()), 0, mem.PageSize)
		}

		return true
	})

	return err
}

// MapRegion establishes a mapping to the physical memory region which starts
// at the given frame and spans size (rounded up to the nearest page). It
// reserves the next available range in the active address space and
// returns the Page the region starts at.
func MapRegion(frame pmm.Frame, size mem.Size, flags PageTableEntryFlag) (Page, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)
	startPage, err := earlyReserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	pageCount := size >> mem.PageShift
	for page := PageFromAddress(startPage); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := mapFn(page, frame, flags); err != nil {
			return 0, err
		}
	}

	return PageFromAddress(startPage), nil
}

// MapTemporary establishes a short-lived RW mapping of frame in the next
// slot of the Temporary-Mapping Window (kernel/mem/vmm/tempwindow.go),
// round-robining across its 1024 slots. Per SPEC_FULL.md §4.2 this replaces
// the teacher's single fixed recursive slot so that several temporary
// mappings (e.g. a source and a destination frame during a copy) can be
// live at once without clobbering each other.
//
// Attempts to map ReservedZeroedFrame will result in an error.
func MapTemporary(frame pmm.Frame) (Page, *kernel.Error) {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame {
		return 0, errAttemptToRWMapReservedFrame
	}

	slotAddr := nextTempWindowSlot()
	if err := Map(PageFromAddress(slotAddr), frame, FlagPresent|FlagRW); err != nil {
		return 0, err
	}

	return PageFromAddress(slotAddr), nil
}

// Unmap removes a mapping previously installed via Map, MapRegion or
// MapTemporary from the currently active page directory.
func Unmap(page Page) *kernel.Error {
	return unmapIn(activePDTFn(), page)
}

func unmapIn(pdtPhys uintptr, page Page) *kernel.Error {
	var err *kernel.Error

	walk(pdtPhys, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			if pdtPhys == activePDTFn() {
				flushTLBEntryFn(page.Address())
			}
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}
