// +build 386

package mem

// Constants describing the addressing scheme used by 32-bit x86. They are
// kept in their own arch-tagged file so a 64-bit build (not supported by
// this kernel) would only need to add a
// sibling file rather than touch callers.
const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = 2

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right
	// by PageShift) and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// PtrsPerTable is the number of 32-bit entries in a page directory or
	// page table (each table occupies exactly one page: 1024*4 = 4096).
	PtrsPerTable = 1024

	// HigherHalfBase is the virtual address at which the kernel image is
	// additionally mapped once paging is enabled.
	HigherHalfBase = uintptr(0xC0000000)
)
