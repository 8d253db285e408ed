package heap

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/vmm"
	"testing"
	"unsafe"
)

func mockBackingStore(t *testing.T, size mem.Size) {
	t.Helper()

	buf := make([]byte, size+mem.Size(mem.PageSize))
	base := uintptr(unsafe.Pointer(&buf[0]))
	base = (base + uintptr(mem.PageSize-1)) &^ uintptr(mem.PageSize-1)

	origMapRegion := mapRegionFn
	origFrameAlloc := frameAllocatorFn
	t.Cleanup(func() {
		mapRegionFn = origMapRegion
		frameAllocatorFn = origFrameAlloc
		Init()
	})

	used := false
	mapRegionFn = func(_ pmm.Frame, _ mem.Size, _ vmm.PageTableEntryFlag) (vmm.Page, *kernel.Error) {
		if used {
			return 0, ErrOutOfMemory
		}
		used = true
		return vmm.PageFromAddress(base), nil
	}
	frameAllocatorFn = func() (pmm.Frame, *kernel.Error) {
		return pmm.Frame(0), nil
	}

	Init()
}

func TestAllocFreeRoundTrip(t *testing.T) {
	mockBackingStore(t, 64*1024)

	ptr, err := Alloc(128)
	if err != nil {
		t.Fatal(err)
	}
	if ptr == nil {
		t.Fatal("expected non-nil pointer")
	}
	if uintptr(ptr)%alignment != 0 {
		t.Errorf("expected pointer to be %d-byte aligned", alignment)
	}

	if err := Free(ptr); err != nil {
		t.Fatal(err)
	}

	if err := Free(ptr); err != ErrCorruption && err != ErrInvalidPointer {
		t.Errorf("expected double-free to be detected; got %v", err)
	}
}

func TestZallocClears(t *testing.T) {
	mockBackingStore(t, 64*1024)

	ptr, err := Zalloc(64)
	if err != nil {
		t.Fatal(err)
	}

	buf := *(*[64]byte)(ptr)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("expected zeroed memory at index %d; got %d", i, b)
		}
	}
}

func TestAllocCoalescesOnFree(t *testing.T) {
	mockBackingStore(t, 64*1024)

	a, err := Alloc(256)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Alloc(256)
	if err != nil {
		t.Fatal(err)
	}

	_, freeBeforeA := Stats()

	if err := Free(a); err != nil {
		t.Fatal(err)
	}
	if err := Free(b); err != nil {
		t.Fatal(err)
	}

	if err := validateFreeList(); err != nil {
		t.Fatal(err)
	}

	_, freeAfter := Stats()
	if freeAfter <= freeBeforeA {
		t.Errorf("expected coalesced free bytes (%d) to exceed pre-free total (%d)", freeAfter, freeBeforeA)
	}
}

func TestAllocGrowsHeapWhenExhausted(t *testing.T) {
	mockBackingStore(t, 64*1024)

	var ptrs []unsafe.Pointer
	for i := 0; i < 8; i++ {
		ptr, err := Alloc(4 * 1024)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		ptrs = append(ptrs, ptr)
	}

	if regionCount, _ := Stats(); regionCount < 1 {
		t.Error("expected at least one region to have been grown")
	}

	for _, ptr := range ptrs {
		if err := Free(ptr); err != nil {
			t.Error(err)
		}
	}
}

func TestReallocGrow(t *testing.T) {
	mockBackingStore(t, 64*1024)

	ptr, err := Alloc(32)
	if err != nil {
		t.Fatal(err)
	}
	data := (*[32]byte)(ptr)
	for i := range data {
		data[i] = byte(i)
	}

	grown, err := Realloc(ptr, 256)
	if err != nil {
		t.Fatal(err)
	}

	newData := (*[32]byte)(grown)
	for i := range newData {
		if newData[i] != byte(i) {
			t.Errorf("expected byte %d to be preserved; got %d", i, newData[i])
		}
	}
}

func TestReallocToZeroFrees(t *testing.T) {
	mockBackingStore(t, 64*1024)

	ptr, err := Alloc(32)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Realloc(ptr, 0); err != nil {
		t.Fatal(err)
	}
}

func TestOutOfMemory(t *testing.T) {
	origMapRegion := mapRegionFn
	origFrameAlloc := frameAllocatorFn
	defer func() {
		mapRegionFn = origMapRegion
		frameAllocatorFn = origFrameAlloc
		Init()
	}()

	mapRegionFn = func(_ pmm.Frame, _ mem.Size, _ vmm.PageTableEntryFlag) (vmm.Page, *kernel.Error) {
		return 0, ErrOutOfMemory
	}
	frameAllocatorFn = func() (pmm.Frame, *kernel.Error) {
		return pmm.InvalidFrame, ErrOutOfMemory
	}
	Init()

	if _, err := Alloc(16); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
}
