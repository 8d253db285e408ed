package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = activePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = switchPDT

	// mapFn is used by tests and is automatically inlined by the compiler.
	mapFn = Map

	// mapTemporaryFn is used by tests and is automatically inlined by the compiler.
	mapTemporaryFn = MapTemporary

	// unmapFn is used by tests and is automatically inlined by the compiler.
	unmapFn = Unmap
)

// PageDirectoryTable describes the top-most (and, on 32-bit non-PAE x86,
// only intermediate) table in this kernel's two-level paging scheme.
type PageDirectoryTable struct {
	pdtFrame pmm.Frame
}

// Init sets up the page directory starting at the supplied physical frame.
// If pdtFrame already matches the active PDT, Init is a no-op. Otherwise it
// clears the new directory's contents via the direct physical map — no
// temporary or recursive mapping is needed, since pdtFrame is always drawn
// from below DirectMapLimit.
func (pdt *PageDirectoryTable) Init(pdtFrame pmm.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	if pdtFrame.Address() == activePDTFn() {
		return nil
	}

	mem.Memset(physToDirectVirt(pdtFrame.Address()), 0, mem.PageSize)
	return nil
}

// Map establishes a mapping between a virtual page and a physical memory
// frame inside this PDT, whether or not it is the currently active one —
// every page directory and table this kernel owns is reachable through the
// direct physical map regardless of which one CR3 currently points to.
func (pdt PageDirectoryTable) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return mapIn(pdt.pdtFrame.Address(), page, frame, flags)
}

// Unmap removes a mapping previously installed by a call to Map on this PDT.
func (pdt PageDirectoryTable) Unmap(page Page) *kernel.Error {
	return unmapIn(pdt.pdtFrame.Address(), page)
}

// Activate loads this page directory into CR3 and flushes the TLB.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}

// Frame returns the physical frame backing this page directory.
func (pdt PageDirectoryTable) Frame() pmm.Frame {
	return pdt.pdtFrame
}
