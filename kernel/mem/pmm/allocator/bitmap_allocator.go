// Package allocator implements the physical frame allocator described in
// SPEC_FULL.md §4.1 (component C1): a boot-time linear allocator
// (BootMemAllocator) that bootstraps a bitmap-backed allocator
// (BitmapAllocator) which becomes the permanent frame source for the rest of
// the kernel.
package allocator

import (
	"gopheros/kernel"
	"gopheros/kernel/kfmt/early"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

var (
	// FrameAllocator is the BitmapAllocator instance that serves as the
	// primary frame source once Init has run.
	FrameAllocator BitmapAllocator

	// ErrOutOfMemory is returned when no frame satisfying the request is
	// available.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrInvalidAddress is returned by FreeFrame/FreeFrames when the
	// supplied frame is misaligned, out of range, or not currently Used.
	// A double-free surfaces through this error.
	ErrInvalidAddress = &kernel.Error{Module: "pmm", Message: "invalid or already-free frame address"}

	// ErrNotInitialized is returned when the allocator is used before
	// Init completes.
	ErrNotInitialized = &kernel.Error{Module: "pmm", Message: "allocator not initialized"}

	// ErrInvalidSize is returned for zero-length allocation/free requests.
	ErrInvalidSize = &kernel.Error{Module: "pmm", Message: "invalid size"}
)

// bitsPerWord matches the bitmap layout named in SPEC_FULL.md §4.1.
const bitsPerWord = 32

// framePool tracks the free/used bitmap for one contiguous Available
// memory region.
type framePool struct {
	startFrame pmm.Frame
	endFrame   pmm.Frame // inclusive
	freeCount  uint32
	bitmap     []uint32 // bit set == used/reserved, clear == free
}

func (p *framePool) frameCount() uint32 {
	return uint32(p.endFrame-p.startFrame) + 1
}

func (p *framePool) wordAndBit(f pmm.Frame) (word, bit uint32) {
	rel := uint32(f - p.startFrame)
	return rel / bitsPerWord, rel % bitsPerWord
}

func (p *framePool) isFree(f pmm.Frame) bool {
	word, bit := p.wordAndBit(f)
	return p.bitmap[word]&(1<<bit) == 0
}

func (p *framePool) setUsed(f pmm.Frame) {
	word, bit := p.wordAndBit(f)
	if p.bitmap[word]&(1<<bit) == 0 {
		p.bitmap[word] |= 1 << bit
		p.freeCount--
	}
}

func (p *framePool) setFree(f pmm.Frame) {
	word, bit := p.wordAndBit(f)
	if p.bitmap[word]&(1<<bit) != 0 {
		p.bitmap[word] &^= 1 << bit
		p.freeCount++
	}
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using per-pool bitmaps,
// skipping fully-allocated 32-bit words while scanning (SPEC_FULL.md §4.1's
// hot-path requirement).
type BitmapAllocator struct {
	initialized bool

	pools []framePool

	totalFrames    uint32
	reservedFrames uint32

	// kernelEndFrame is the watermark below which no frame may ever be
	// Free, per SPEC_FULL.md's Frame invariant.
	kernelEndFrame pmm.Frame

	// lowHint/highHint/anyHint are rotating search starting points for
	// the DMA-zone and general zones respectively, so repeated
	// single-frame allocations do not rescan already-exhausted ranges.
	lowHint, highHint, anyHint pmm.Frame
}

// Init seeds the bitmap allocator from the sanitized region table built by
// pmm.SanitizeRegions. Every page inside an Available region starts Free;
// every frame below kernelEndFrame starts Used, since it is occupied by the
// kernel image, the boot stack, or the BootMemAllocator's own allocations.
func (a *BitmapAllocator) Init(regions []pmm.Region, kernelEndFrame pmm.Frame) *kernel.Error {
	a.kernelEndFrame = kernelEndFrame
	a.pools = a.pools[:0]
	a.totalFrames, a.reservedFrames = 0, 0

	for _, r := range regions {
		if r.Type != pmm.RegionAvailable {
			continue
		}

		alignedBase := (r.Base + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
		alignedEnd := r.End() &^ (uintptr(mem.PageSize) - 1)
		if alignedEnd <= alignedBase {
			continue
		}

		pool := framePool{
			startFrame: pmm.FrameFromAddress(alignedBase),
			endFrame:   pmm.FrameFromAddress(alignedEnd) - 1,
		}
		words := (pool.frameCount() + bitsPerWord - 1) / bitsPerWord
		pool.bitmap = make([]uint32, words)
		pool.freeCount = pool.frameCount()

		a.totalFrames += pool.frameCount()
		a.pools = append(a.pools, pool)
	}

	a.lowHint, a.highHint, a.anyHint = 0, 0, 0

	for i := range a.pools {
		pool := &a.pools[i]
		for f := pool.startFrame; f <= pool.endFrame && f < kernelEndFrame; f++ {
			pool.setUsed(f)
			a.reservedFrames++
		}
	}

	a.initialized = true
	a.printStats()
	return nil
}

func (a *BitmapAllocator) printStats() {
	early.Printf("[pmm] frames: %d total, %d free, %d reserved\n",
		a.totalFrames, a.totalFrames-a.reservedFrames, a.reservedFrames)
}

func (a *BitmapAllocator) poolForFrame(f pmm.Frame) int {
	for i := range a.pools {
		if f >= a.pools[i].startFrame && f <= a.pools[i].endFrame {
			return i
		}
	}
	return -1
}

// hintFor returns the rotating search hint for the requested zone preference.
func (a *BitmapAllocator) hintFor(pref pmm.ZonePreference) *pmm.Frame {
	switch pref {
	case pmm.PrefLow:
		return &a.lowHint
	case pmm.PrefHigh:
		return &a.highHint
	default:
		return &a.anyHint
	}
}

func matchesZone(f pmm.Frame, pref pmm.ZonePreference) bool {
	switch pref {
	case pmm.PrefLow:
		return f.Address() < pmm.DMAZoneCeiling
	case pmm.PrefHigh:
		return f.Address() >= pmm.DMAZoneCeiling
	default:
		return true
	}
}

// AllocFrame returns the next Free frame at or after the rotating hint for
// the requested zone, marks it Used, and advances the hint. It never
// returns a frame below kernelEndFrame.
func (a *BitmapAllocator) AllocFrame(pref pmm.ZonePreference) (pmm.Frame, *kernel.Error) {
	if !a.initialized {
		return pmm.InvalidFrame, ErrNotInitialized
	}

	hint := a.hintFor(pref)
	for poolIdx := range a.pools {
		pool := &a.pools[poolIdx]
		if pool.freeCount == 0 {
			continue
		}

		start := pool.startFrame
		if *hint > start && *hint <= pool.endFrame {
			start = *hint
		}
		if f, ok := a.scanPoolFrom(pool, start, pref); ok {
			pool.setUsed(f)
			a.reservedFrames++
			*hint = f + 1
			return f, nil
		}
		if start != pool.startFrame {
			if f, ok := a.scanPoolFrom(pool, pool.startFrame, pref); ok {
				pool.setUsed(f)
				a.reservedFrames++
				*hint = f + 1
				return f, nil
			}
		}
	}

	return pmm.InvalidFrame, ErrOutOfMemory
}

func (a *BitmapAllocator) scanPoolFrom(pool *framePool, from pmm.Frame, pref pmm.ZonePreference) (pmm.Frame, bool) {
	for f := from; f <= pool.endFrame; f++ {
		word, _ := pool.wordAndBit(f)
		if pool.bitmap[word] == 0xFFFFFFFF {
			skipTo := pool.startFrame + pmm.Frame((word+1)*bitsPerWord)
			if skipTo <= f {
				break
			}
			f = skipTo - 1
			continue
		}
		if f < a.kernelEndFrame {
			continue
		}
		if pool.isFree(f) && matchesZone(f, pref) {
			return f, true
		}
	}
	return pmm.InvalidFrame, false
}

// AllocFrames allocates n contiguous Free frames. On success it marks all n
// frames Used atomically and advances the general-purpose hint past the
// allocated block.
func (a *BitmapAllocator) AllocFrames(n uint32) (pmm.Frame, *kernel.Error) {
	if !a.initialized {
		return pmm.InvalidFrame, ErrNotInitialized
	}
	if n == 0 {
		return pmm.InvalidFrame, ErrInvalidSize
	}

	for poolIdx := range a.pools {
		pool := &a.pools[poolIdx]
		if pool.freeCount < n {
			continue
		}

		var runStart pmm.Frame
		runLen := uint32(0)
		for f := pool.startFrame; f <= pool.endFrame; f++ {
			if f < a.kernelEndFrame || !pool.isFree(f) {
				runLen = 0
				continue
			}
			if runLen == 0 {
				runStart = f
			}
			runLen++
			if runLen == n {
				for i := pmm.Frame(0); i < pmm.Frame(n); i++ {
					pool.setUsed(runStart + i)
				}
				a.reservedFrames += n
				a.anyHint = runStart + pmm.Frame(n)
				return runStart, nil
			}
		}
	}

	return pmm.InvalidFrame, ErrOutOfMemory
}

// AllocScattered prefers a single contiguous run; on failure it falls back
// to one-by-one allocation until n frames are collected or out is full. It
// returns the number of frames written to out and whether the full request
// was satisfied.
func (a *BitmapAllocator) AllocScattered(n uint32, out []pmm.Frame) (count int, ok bool) {
	if cap32 := uint32(len(out)); n > cap32 {
		n = cap32
	}

	if start, err := a.AllocFrames(n); err == nil {
		for i := uint32(0); i < n; i++ {
			out[i] = start + pmm.Frame(i)
		}
		return int(n), true
	}

	var i uint32
	for ; i < n; i++ {
		f, err := a.AllocFrame(pmm.PrefAny)
		if err != nil {
			break
		}
		out[i] = f
	}
	return int(i), i == n
}

// FreeFrame releases a single frame. The frame must be in-range, currently
// Used, and at or above kernelEndFrame; any violation is reported as
// ErrInvalidAddress, which is how a double-free is detected.
func (a *BitmapAllocator) FreeFrame(f pmm.Frame) *kernel.Error {
	if !a.initialized {
		return ErrNotInitialized
	}
	if f < a.kernelEndFrame {
		return ErrInvalidAddress
	}

	poolIdx := a.poolForFrame(f)
	if poolIdx < 0 {
		return ErrInvalidAddress
	}
	pool := &a.pools[poolIdx]
	if pool.isFree(f) {
		return ErrInvalidAddress
	}

	pool.setFree(f)
	a.reservedFrames--
	return nil
}

// FreeFrames validates all n frames starting at base before mutating any of
// them, so the operation is atomic: either all n frames are freed or none
// are and ErrInvalidAddress is returned.
func (a *BitmapAllocator) FreeFrames(base pmm.Frame, n uint32) *kernel.Error {
	if !a.initialized {
		return ErrNotInitialized
	}
	if n == 0 {
		return ErrInvalidSize
	}

	for i := pmm.Frame(0); i < pmm.Frame(n); i++ {
		f := base + i
		if f < a.kernelEndFrame {
			return ErrInvalidAddress
		}
		poolIdx := a.poolForFrame(f)
		if poolIdx < 0 || a.pools[poolIdx].isFree(f) {
			return ErrInvalidAddress
		}
	}

	for i := pmm.Frame(0); i < pmm.Frame(n); i++ {
		f := base + i
		pool := &a.pools[a.poolForFrame(f)]
		pool.setFree(f)
		a.reservedFrames--
	}
	return nil
}

// Stats returns the total frame count, the number currently free, and the
// number currently reserved/used.
func (a *BitmapAllocator) Stats() (total, free, reserved uint32) {
	return a.totalFrames, a.totalFrames - a.reservedFrames, a.reservedFrames
}

// FindLargestFreeBlock scans every pool and returns the length, in frames,
// of the longest run of consecutive Free frames. Used by the PMM stress
// scenario named in SPEC_FULL.md §8.
func (a *BitmapAllocator) FindLargestFreeBlock() uint32 {
	var best uint32
	for poolIdx := range a.pools {
		pool := &a.pools[poolIdx]
		var run uint32
		for f := pool.startFrame; f <= pool.endFrame; f++ {
			if pool.isFree(f) {
				run++
				if run > best {
					best = run
				}
			} else {
				run = 0
			}
		}
	}
	return best
}

// Init wires the boot-time BootMemAllocator's frame ledger into a fresh
// BitmapAllocator and installs it as the package-level FrameAllocator,
// completing the PMM handoff named in SPEC_FULL.md §4.1.
func Init(regions []pmm.Region, kernelEndFrame pmm.Frame) *kernel.Error {
	if err := FrameAllocator.Init(regions, kernelEndFrame); err != nil {
		return err
	}

	for _, f := range BootAllocator.allocated() {
		if f >= kernelEndFrame {
			poolIdx := FrameAllocator.poolForFrame(f)
			if poolIdx >= 0 && FrameAllocator.pools[poolIdx].isFree(f) {
				FrameAllocator.pools[poolIdx].setUsed(f)
				FrameAllocator.reservedFrames++
			}
		}
	}

	return nil
}
