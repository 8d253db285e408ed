package allocator

import (
	"gopheros/kernel"
	"gopheros/kernel/kfmt/early"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

var (
	// BootAllocator is a linear frame allocator used to bootstrap the
	// kernel before the bitmap allocator is available. It is seeded by
	// BootAllocator.Seed once the sanitized region table exists and is
	// retired by Init, which replays its allocation count into the
	// bitmap allocator's reservation bits.
	BootAllocator bootMemAllocator

	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
)

// bootMemAllocator implements the rudimentary linear physical memory
// allocator used at boot time: it hands out
// frames from the sanitized region table one at a time and never frees them.
// Once the kernel is properly initialized its allocations are folded into
// the bitmap allocator's reservation bits and it is never used again.
type bootMemAllocator struct {
	regions []pmm.Region

	allocCount     uint64
	lastAllocFrame pmm.Frame
	haveLast       bool

	kernelEndFrame pmm.Frame
}

// Seed records the sanitized region table and the frame watermark below
// which nothing may ever be handed out (the kernel image, boot stack, and
// any identity-mapped bootstrap structures).
func (b *bootMemAllocator) Seed(regions []pmm.Region, kernelEndFrame pmm.Frame) {
	b.regions = regions
	b.kernelEndFrame = kernelEndFrame
	b.allocCount = 0
	b.haveLast = false
}

// AllocFrame scans the sanitized region table and reserves the next
// available free frame after the watermark, returning an error if no more
// memory can be allocated.
func (b *bootMemAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	for _, r := range b.regions {
		if r.Type != pmm.RegionAvailable || r.Length < mem.Size(mem.PageSize) {
			continue
		}

		regionStart := pmm.FrameFromAddress((r.Base + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1))
		regionEnd := pmm.FrameFromAddress(r.End()&^(uintptr(mem.PageSize)-1)) - 1
		if regionStart < b.kernelEndFrame {
			regionStart = b.kernelEndFrame
		}
		if regionStart > regionEnd {
			continue
		}

		var candidate pmm.Frame
		if !b.haveLast || b.lastAllocFrame < regionStart {
			candidate = regionStart
		} else if b.lastAllocFrame >= regionEnd {
			continue
		} else {
			candidate = b.lastAllocFrame + 1
		}
		if candidate > regionEnd {
			continue
		}

		b.lastAllocFrame = candidate
		b.haveLast = true
		b.allocCount++
		return candidate, nil
	}

	return pmm.InvalidFrame, errBootAllocOutOfMemory
}

// allocated replays every allocation this instance has handed out, in
// order, by resetting its cursor and walking AllocFrame allocCount times.
// It is used once, at handoff, to fold the boot allocator's reservations
// into the bitmap allocator.
func (b *bootMemAllocator) allocated() []pmm.Frame {
	n := b.allocCount
	b.allocCount, b.haveLast = 0, false

	out := make([]pmm.Frame, 0, n)
	for i := uint64(0); i < n; i++ {
		f, err := b.AllocFrame()
		if err != nil {
			break
		}
		out = append(out, f)
	}
	return out
}

// PrintMemoryMap logs the sanitized region table and a summary of available
// memory, mirroring the boot-time diagnostic SPEC_FULL.md §4.1 names.
func (b *bootMemAllocator) PrintMemoryMap() {
	early.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree mem.Size
	for _, r := range b.regions {
		early.Printf("\t[0x%8x - 0x%8x], size: %10d, type: %s\n", r.Base, r.End(), uint64(r.Length), r.Type.String())
		if r.Type == pmm.RegionAvailable {
			totalFree += r.Length
		}
	}
	early.Printf("[boot_mem_alloc] available memory: %dKb\n", uint64(totalFree/mem.Kb))
}
