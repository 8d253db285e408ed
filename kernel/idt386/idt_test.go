package idt386

import "testing"

func TestNewEntry(t *testing.T) {
	e := NewEntry(0x12345678, 0x08, GateInterrupt32, Ring0)

	if e.OffsetLow != 0x5678 {
		t.Errorf("expected offset low 0x5678; got 0x%x", e.OffsetLow)
	}
	if e.OffsetHigh != 0x1234 {
		t.Errorf("expected offset high 0x1234; got 0x%x", e.OffsetHigh)
	}
	if e.Selector != 0x08 {
		t.Errorf("expected selector 0x08; got 0x%x", e.Selector)
	}
	if !e.Present() {
		t.Error("expected entry to be marked present")
	}
}

func TestNewEntryRing3Trap(t *testing.T) {
	e := NewEntry(0, 0x08, GateTrap32, Ring3)

	if dpl := (e.flags >> 5) & 0x3; dpl != uint8(Ring3) {
		t.Errorf("expected dpl %d; got %d", Ring3, dpl)
	}
	if typ := e.flags & 0x0F; typ != uint8(GateTrap32) {
		t.Errorf("expected gate type %d; got %d", GateTrap32, typ)
	}
}

func TestDoubleFaultRecursionGuard(t *testing.T) {
	defer func() { recursionDepth = 0 }()

	for i := 0; i < MaxDoubleFaultRecursion; i++ {
		if !EnterDoubleFault() {
			t.Fatalf("expected recursion %d to be allowed", i)
		}
	}

	if EnterDoubleFault() {
		t.Fatal("expected recursion guard to trip after exceeding the limit")
	}

	LeaveDoubleFault()
	LeaveDoubleFault()
	if recursionDepth != MaxDoubleFaultRecursion-1 {
		t.Errorf("expected recursionDepth %d; got %d", MaxDoubleFaultRecursion-1, recursionDepth)
	}
}
