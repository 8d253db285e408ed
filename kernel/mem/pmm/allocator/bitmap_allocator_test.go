package allocator

import (
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"testing"
)

// twoRegions builds a sanitized-looking region table with a 16-frame DMA
// region below pmm.DMAZoneCeiling and a 32-frame region above it, mirroring
// the low/high split that AllocFrame's ZonePreference cares about.
func twoRegions() []pmm.Region {
	return []pmm.Region{
		{Base: 0, Length: mem.Size(16 * mem.PageSize), Type: pmm.RegionAvailable},
		{Base: pmm.DMAZoneCeiling, Length: mem.Size(32 * mem.PageSize), Type: pmm.RegionAvailable},
	}
}

func TestBitmapAllocatorInit(t *testing.T) {
	var a BitmapAllocator
	if err := a.Init(twoRegions(), pmm.Frame(4)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	total, free, reserved := a.Stats()
	if exp := uint32(48); total != exp {
		t.Errorf("expected %d total frames; got %d", exp, total)
	}
	if exp := uint32(4); reserved != exp {
		t.Errorf("expected %d reserved frames below kernelEndFrame; got %d", exp, reserved)
	}
	if exp := total - reserved; free != exp {
		t.Errorf("expected %d free frames; got %d", exp, free)
	}

	for f := pmm.Frame(0); f < pmm.Frame(4); f++ {
		if a.pools[0].isFree(f) {
			t.Errorf("expected frame %d to be reserved by the kernelEndFrame watermark", f)
		}
	}
}

func TestBitmapAllocatorUninitialized(t *testing.T) {
	var a BitmapAllocator

	if _, err := a.AllocFrame(pmm.PrefAny); err != ErrNotInitialized {
		t.Errorf("expected ErrNotInitialized from AllocFrame; got %v", err)
	}
	if _, err := a.AllocFrames(1); err != ErrNotInitialized {
		t.Errorf("expected ErrNotInitialized from AllocFrames; got %v", err)
	}
	if err := a.FreeFrame(0); err != ErrNotInitialized {
		t.Errorf("expected ErrNotInitialized from FreeFrame; got %v", err)
	}
	if err := a.FreeFrames(0, 1); err != ErrNotInitialized {
		t.Errorf("expected ErrNotInitialized from FreeFrames; got %v", err)
	}
}

func TestBitmapAllocatorAllocFrameRoundTrip(t *testing.T) {
	var a BitmapAllocator
	if err := a.Init(twoRegions(), pmm.Frame(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	totalBefore, freeBefore, reservedBefore := a.Stats()

	f, err := a.AllocFrame(pmm.PrefAny)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Valid() {
		t.Fatalf("expected a valid frame")
	}

	if err := a.FreeFrame(f); err != nil {
		t.Fatalf("unexpected error freeing frame: %v", err)
	}

	totalAfter, freeAfter, reservedAfter := a.Stats()
	if totalBefore != totalAfter || freeBefore != freeAfter || reservedBefore != reservedAfter {
		t.Errorf("expected Stats() to be unchanged after an alloc/free round-trip; got (%d,%d,%d) before and (%d,%d,%d) after",
			totalBefore, freeBefore, reservedBefore, totalAfter, freeAfter, reservedAfter)
	}
}

func TestBitmapAllocatorZonePreference(t *testing.T) {
	var a BitmapAllocator
	if err := a.Init(twoRegions(), pmm.Frame(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lowFrame, err := a.AllocFrame(pmm.PrefLow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lowFrame.Address() >= pmm.DMAZoneCeiling {
		t.Errorf("expected PrefLow frame below the DMA zone ceiling; got address %#x", lowFrame.Address())
	}

	highFrame, err := a.AllocFrame(pmm.PrefHigh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if highFrame.Address() < pmm.DMAZoneCeiling {
		t.Errorf("expected PrefHigh frame at or above the DMA zone ceiling; got address %#x", highFrame.Address())
	}
}

func TestBitmapAllocatorAllocFrameExhaustion(t *testing.T) {
	var a BitmapAllocator
	regions := []pmm.Region{
		{Base: 0, Length: mem.Size(2 * mem.PageSize), Type: pmm.RegionAvailable},
	}
	if err := a.Init(regions, pmm.Frame(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := a.AllocFrame(pmm.PrefAny); err != nil {
			t.Fatalf("unexpected error on alloc %d: %v", i, err)
		}
	}

	if _, err := a.AllocFrame(pmm.PrefAny); err != ErrOutOfMemory {
		t.Errorf("expected ErrOutOfMemory once the pool is exhausted; got %v", err)
	}
}

func TestBitmapAllocatorAllocFramesContiguous(t *testing.T) {
	var a BitmapAllocator
	if err := a.Init(twoRegions(), pmm.Frame(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	base, err := a.AllocFrames(8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := pmm.Frame(0); i < 8; i++ {
		if a.pools[a.poolForFrame(base+i)].isFree(base + i) {
			t.Errorf("expected frame %d to be Used after AllocFrames", base+i)
		}
	}

	_, _, reserved := a.Stats()
	if reserved != 8 {
		t.Errorf("expected 8 reserved frames; got %d", reserved)
	}
}

func TestBitmapAllocatorAllocFramesInvalidSize(t *testing.T) {
	var a BitmapAllocator
	if err := a.Init(twoRegions(), pmm.Frame(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := a.AllocFrames(0); err != ErrInvalidSize {
		t.Errorf("expected ErrInvalidSize; got %v", err)
	}
}

func TestBitmapAllocatorAllocFramesOutOfMemory(t *testing.T) {
	var a BitmapAllocator
	if err := a.Init(twoRegions(), pmm.Frame(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := a.AllocFrames(1000); err != ErrOutOfMemory {
		t.Errorf("expected ErrOutOfMemory for a request larger than any pool; got %v", err)
	}
}

func TestBitmapAllocatorAllocScatteredPrefersContiguous(t *testing.T) {
	var a BitmapAllocator
	if err := a.Init(twoRegions(), pmm.Frame(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := make([]pmm.Frame, 4)
	count, ok := a.AllocScattered(4, out)
	if !ok || count != 4 {
		t.Fatalf("expected a fully-satisfied scattered request; got count=%d ok=%v", count, ok)
	}
	for i := 1; i < 4; i++ {
		if out[i] != out[i-1]+1 {
			t.Errorf("expected AllocScattered to return a contiguous run when one is available; got %v", out)
			break
		}
	}
}

func TestBitmapAllocatorAllocScatteredFallsBackToSingleFrames(t *testing.T) {
	var a BitmapAllocator
	regions := []pmm.Region{
		{Base: 0, Length: mem.Size(16 * mem.PageSize), Type: pmm.RegionAvailable},
	}
	if err := a.Init(regions, pmm.Frame(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Fragment the only pool (frames 0-15) so that no 2-frame contiguous
	// run remains, forcing AllocScattered to fall back to one-by-one.
	for f := pmm.Frame(1); f < 16; f += 2 {
		a.pools[0].setUsed(f)
		a.reservedFrames++
	}

	out := make([]pmm.Frame, 4)
	count, ok := a.AllocScattered(4, out)
	if !ok || count != 4 {
		t.Fatalf("expected fallback allocation to still satisfy the request; got count=%d ok=%v", count, ok)
	}
}

func TestBitmapAllocatorAllocScatteredPartialOnExhaustion(t *testing.T) {
	var a BitmapAllocator
	regions := []pmm.Region{
		{Base: 0, Length: mem.Size(3 * mem.PageSize), Type: pmm.RegionAvailable},
	}
	if err := a.Init(regions, pmm.Frame(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := make([]pmm.Frame, 10)
	count, ok := a.AllocScattered(10, out)
	if ok {
		t.Fatalf("expected a partially-satisfied request to report ok=false")
	}
	if count != 3 {
		t.Errorf("expected 3 frames to be allocated before exhaustion; got %d", count)
	}
}

func TestBitmapAllocatorFreeFrameDoubleFree(t *testing.T) {
	var a BitmapAllocator
	if err := a.Init(twoRegions(), pmm.Frame(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f, err := a.AllocFrame(pmm.PrefAny)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.FreeFrame(f); err != nil {
		t.Fatalf("unexpected error on first free: %v", err)
	}
	if err := a.FreeFrame(f); err != ErrInvalidAddress {
		t.Errorf("expected ErrInvalidAddress on double-free; got %v", err)
	}
}

func TestBitmapAllocatorFreeFrameBelowWatermark(t *testing.T) {
	var a BitmapAllocator
	if err := a.Init(twoRegions(), pmm.Frame(4)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := a.FreeFrame(pmm.Frame(1)); err != ErrInvalidAddress {
		t.Errorf("expected ErrInvalidAddress for a frame below kernelEndFrame; got %v", err)
	}
}

func TestBitmapAllocatorFreeFrameOutOfRange(t *testing.T) {
	var a BitmapAllocator
	if err := a.Init(twoRegions(), pmm.Frame(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := a.FreeFrame(pmm.Frame(9999)); err != ErrInvalidAddress {
		t.Errorf("expected ErrInvalidAddress for a frame outside every pool; got %v", err)
	}
}

func TestBitmapAllocatorFreeFramesAtomicity(t *testing.T) {
	var a BitmapAllocator
	if err := a.Init(twoRegions(), pmm.Frame(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	base, err := a.AllocFrames(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Free one of the frames in the middle of the run out-of-band so that
	// the subsequent FreeFrames call finds an already-free frame partway
	// through its range; the whole call must be rejected and none of the
	// still-Used frames in the range may be mutated.
	if err := a.FreeFrame(base + 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, _, reservedBefore := a.Stats()

	if err := a.FreeFrames(base, 4); err != ErrInvalidAddress {
		t.Errorf("expected ErrInvalidAddress when one frame in the range is already free; got %v", err)
	}

	_, _, reservedAfter := a.Stats()
	if reservedBefore != reservedAfter {
		t.Errorf("expected a rejected FreeFrames call to leave reservation counts unchanged; got %d before, %d after", reservedBefore, reservedAfter)
	}
	if a.pools[a.poolForFrame(base)].isFree(base) {
		t.Errorf("expected frame %d to remain Used after the atomic FreeFrames call was rejected", base)
	}
}

func TestBitmapAllocatorFreeFramesInvalidSize(t *testing.T) {
	var a BitmapAllocator
	if err := a.Init(twoRegions(), pmm.Frame(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := a.FreeFrames(0, 0); err != ErrInvalidSize {
		t.Errorf("expected ErrInvalidSize; got %v", err)
	}
}

func TestBitmapAllocatorFindLargestFreeBlock(t *testing.T) {
	var a BitmapAllocator
	regions := []pmm.Region{
		{Base: 0, Length: mem.Size(32 * mem.PageSize), Type: pmm.RegionAvailable},
	}
	if err := a.Init(regions, pmm.Frame(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if exp, got := uint32(32), a.FindLargestFreeBlock(); got != exp {
		t.Fatalf("expected the untouched pool's largest free block to be %d; got %d", exp, got)
	}

	// Punch a single-frame hole near the middle, fragmenting the pool into
	// a 20-frame run and an 11-frame run.
	a.pools[0].setUsed(pmm.Frame(20))
	a.reservedFrames++

	if exp, got := uint32(20), a.FindLargestFreeBlock(); got != exp {
		t.Errorf("expected the largest free run to be 20 frames after fragmentation; got %d", got)
	}

	// Allocate the smaller run entirely; the larger run must still be
	// reported as the largest free block.
	for f := pmm.Frame(21); f < 32; f++ {
		a.pools[0].setUsed(f)
		a.reservedFrames++
	}
	if exp, got := uint32(20), a.FindLargestFreeBlock(); got != exp {
		t.Errorf("expected the largest free run to remain 20 frames; got %d", got)
	}
}

func TestBitmapAllocatorInitExcludesNonAvailableRegions(t *testing.T) {
	var a BitmapAllocator
	regions := []pmm.Region{
		{Base: 0, Length: mem.Size(16 * mem.PageSize), Type: pmm.RegionAvailable},
		{Base: 16 * uintptr(mem.PageSize), Length: mem.Size(16 * mem.PageSize), Type: pmm.RegionReserved},
	}
	if err := a.Init(regions, pmm.Frame(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	total, _, _ := a.Stats()
	if exp := uint32(16); total != exp {
		t.Errorf("expected only the Available region's frames to be pooled; got %d total frames", total)
	}
}
