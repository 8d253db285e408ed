package vmm

import "gopheros/kernel/mem"

// tempWindowSlots is the number of round-robin slots in the
// Temporary-Mapping Window named by SPEC_FULL.md §4.2: a dedicated 4MiB
// region (1024 * mem.PageSize) used for short-lived physical frame
// mappings, replacing the teacher's single fixed recursive-mapping slot so
// several temporary mappings can coexist.
const tempWindowSlots = 1024

// tempWindowBase is the virtual address of the first slot in the window. It
// occupies the top of the kernel's reserved scratch range; EarlyReserveRegion
// bump-allocates downward from just below it, so the two ranges never
// collide.
var tempWindowBase = kernelScratchTop - uintptr(tempWindowSlots)*uintptr(mem.PageSize)

var tempWindowCursor uint32

// nextTempWindowSlot returns the virtual address of the next slot in the
// window, advancing the round-robin cursor. Reusing a slot implicitly
// invalidates whatever mapping a much earlier caller installed there;
// callers must not hold onto a temporary mapping across more than
// tempWindowSlots subsequent MapTemporary calls.
func nextTempWindowSlot() uintptr {
	slot := tempWindowCursor
	tempWindowCursor = (tempWindowCursor + 1) % tempWindowSlots
	return tempWindowBase + uintptr(slot)*uintptr(mem.PageSize)
}
