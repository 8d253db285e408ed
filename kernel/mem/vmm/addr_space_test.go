package vmm

import (
	"testing"
)

func TestEarlyReserve386(t *testing.T) {
	defer func(origLastUsed uintptr) {
		earlyReserveLastUsed = origLastUsed
	}(earlyReserveLastUsed)

	earlyReserveLastUsed = 4096
	next, err := EarlyReserveRegion(42)
	if err != nil {
		t.Fatal(err)
	}
	if exp := uintptr(0); next != exp {
		t.Fatal("expected reservation request to be rounded to nearest page")
	}

	if _, err = EarlyReserveRegion(1); err != errEarlyReserveNoSpace {
		t.Fatalf("expected to get errEarlyReserveNoSpace; got %v", err)
	}
}

func TestAreaContainsAndOverlaps(t *testing.T) {
	a := Area{Start: 0x1000, End: 0x2000}

	if !a.Contains(0x1500) {
		t.Error("expected area to contain 0x1500")
	}
	if a.Contains(0x2000) {
		t.Error("area end is exclusive; 0x2000 should not be contained")
	}

	disjoint := Area{Start: 0x2000, End: 0x3000}
	if a.overlaps(disjoint) {
		t.Error("adjacent areas should not overlap")
	}

	overlapping := Area{Start: 0x1800, End: 0x2800}
	if !a.overlaps(overlapping) {
		t.Error("expected overlapping areas to be detected")
	}
}

func TestAddressSpaceAreas(t *testing.T) {
	var as AddressSpace

	if err := as.AddArea(Area{Start: 0x1000, End: 0x2000, Type: AreaHeap}); err != nil {
		t.Fatal(err)
	}
	if err := as.AddArea(Area{Start: 0x2000, End: 0x3000, Type: AreaStack}); err != nil {
		t.Fatal(err)
	}

	if err := as.AddArea(Area{Start: 0x1800, End: 0x2800}); err != errOverlappingArea {
		t.Fatalf("expected errOverlappingArea; got %v", err)
	}

	found, err := as.FindArea(0x1500)
	if err != nil {
		t.Fatal(err)
	}
	if found.Type != AreaHeap {
		t.Errorf("expected to find the heap area; got %v", found.Type)
	}

	if _, err := as.FindArea(0x5000); err != errAreaNotFound {
		t.Fatalf("expected errAreaNotFound; got %v", err)
	}

	if err := as.RemoveArea(0x1000); err != nil {
		t.Fatal(err)
	}
	if len(as.Areas()) != 1 {
		t.Fatalf("expected 1 remaining area; got %d", len(as.Areas()))
	}

	if err := as.RemoveArea(0x1000); err != errAreaNotFound {
		t.Fatalf("expected errAreaNotFound for already-removed area; got %v", err)
	}
}
