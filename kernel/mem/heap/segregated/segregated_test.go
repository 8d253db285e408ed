package segregated

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"testing"
	"unsafe"
)

func resetClasses() {
	for i := range classes {
		classes[i].free = nil
		classes[i].liveCount = 0
	}
}

func TestClassFor(t *testing.T) {
	specs := []struct {
		size mem.Size
		exp  int
	}{
		{1, 0},
		{16, 0},
		{17, 1},
		{512, len(classSizes) - 1},
		{1024, -1},
	}

	for _, spec := range specs {
		if got := classFor(spec.size); got != spec.exp {
			t.Errorf("classFor(%d) = %d; want %d", spec.size, got, spec.exp)
		}
	}
}

func TestAllocFreeReusesSlot(t *testing.T) {
	resetClasses()
	defer resetClasses()

	backing := make([]byte, 4096)
	cursor := 0
	Bind(
		func(size mem.Size) (unsafe.Pointer, *kernel.Error) {
			p := unsafe.Pointer(&backing[cursor])
			cursor += int(size) + 64
			return p, nil
		},
		func(_ unsafe.Pointer) *kernel.Error { return nil },
	)

	a, err := Alloc(32)
	if err != nil {
		t.Fatal(err)
	}

	if err := Free(a, 32); err != nil {
		t.Fatal(err)
	}

	stats := Stats()
	if stats[classFor(32)] != 0 {
		t.Errorf("expected live count 0 after free; got %d", stats[classFor(32)])
	}

	b, err := Alloc(32)
	if err != nil {
		t.Fatal(err)
	}
	if b != a {
		t.Errorf("expected freed slot to be reused; got different pointer")
	}
}

func TestOversizedFallsThroughToBacking(t *testing.T) {
	resetClasses()
	defer resetClasses()

	var calledSize mem.Size
	Bind(
		func(size mem.Size) (unsafe.Pointer, *kernel.Error) {
			calledSize = size
			return unsafe.Pointer(&size), nil
		},
		func(_ unsafe.Pointer) *kernel.Error { return nil },
	)

	if _, err := Alloc(4096); err != nil {
		t.Fatal(err)
	}
	if calledSize != 4096 {
		t.Errorf("expected oversized request to pass size through unchanged; got %d", calledSize)
	}
}
