// +build 386

package vmm

import "gopheros/kernel/mem"

const (
	// pageLevels is the number of page table levels used by 32-bit,
	// non-PAE x86 paging: a page directory and a page table.
	pageLevels = 2

	// ptePhysPageMask extracts the physical frame address encoded in a
	// page table entry. 32-bit non-PAE entries devote bits 12-31 to the
	// frame address.
	ptePhysPageMask = uintptr(0xFFFFF000)

	// DirectMapBase is the virtual address at which this kernel maps
	// physical memory up to DirectMapLimit one-to-one, so that any page
	// table the kernel itself allocates (always drawn from below the
	// limit; see allocator.SafeCeilingDefault) is reachable without a
	// recursive self-map or a temporary mapping. This is the
	// architecture adaptation SPEC_FULL.md §4.2 calls for in place of
	// the teacher's single-slot recursive PDT mapping.
	DirectMapBase = mem.HigherHalfBase
)

// DirectMapLimit bounds how far the direct map reaches; it is fixed at
// 256 MiB and nothing in the kernel changes it.
var DirectMapLimit uintptr = 256 * uintptr(mem.Mb)

var (
	// pageLevelBits defines how many virtual address bits select the
	// index into each page level's table: 10 bits select one of 1024
	// page-directory entries, another 10 select one of 1024 page-table
	// entries.
	pageLevelBits = [pageLevels]uint8{10, 10}

	// pageLevelShifts defines the shift required to extract each page
	// level's index component from a virtual address.
	pageLevelShifts = [pageLevels]uint8{22, 12}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when using 4MiB pages (with PSE) instead of 4K pages.
	FlagHugePage

	// FlagGlobal prevents the TLB from flushing the cached entry for
	// this page when CR3 is reloaded.
	FlagGlobal

	// FlagCopyOnWrite implements copy-on-write semantics. Mutually
	// exclusive with FlagRW; the page fault handler inspects this flag
	// to decide whether a write fault should allocate a private copy.
	// Non-PAE 32-bit entries have no hardware meaning for bit 9, so this
	// is a software-only flag the page-fault handler interprets.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 9

	// FlagNoExecute is a software-only flag on non-PAE 32-bit x86: the
	// hardware execute-disable bit requires PAE and is unavailable here.
	// The kernel still tracks the intent (e.g. to keep heap regions out
	// of W^X-adjacent bookkeeping) using an OS-available bit; it has no
	// MMU enforcement effect without PAE/NX, which corruption.go's SMEP
	// detection compensates for at the supervisor level.
	FlagNoExecute PageTableEntryFlag = 1 << 11
)

// physToDirectVirt returns the virtual address at which physAddr is mapped
// by the kernel's direct physical map. Callers must only invoke this for
// frames the kernel itself controls (page directories, page tables, boot
// allocator frames) which are always carved from below DirectMapLimit.
func physToDirectVirt(physAddr uintptr) uintptr {
	return DirectMapBase + physAddr
}
