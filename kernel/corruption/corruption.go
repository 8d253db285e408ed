// Package corruption implements spec.md §4.7's defenses: a global stack
// canary, SMEP/SMAP enablement, a checksummed wrapper around the PMM
// bitmap's aggregate counters, and the guard-page classification the trap
// substrate consults when a page fault lands inside an unbacked area.
//
// Corruption is always fatal (spec.md §7): every check here ends in a call
// to kfmt.Panic, mirrored through a package var so tests can observe a
// detected violation without actually halting the test binary.
package corruption

import (
	"math/rand"

	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem/vmm"
)

// CR4 bit positions for SMEP/SMAP, per Intel SDM vol. 3 §2.5.
const (
	cr4SMEP = uint32(1 << 20)
	cr4SMAP = uint32(1 << 21)
)

var (
	readTSCFn      = cpu.ReadTSC
	readCR4Fn      = cpu.ReadCR4
	writeCR4Fn     = cpu.WriteCR4
	supportsSMEPFn = cpu.SupportsSMEP
	supportsSMAPFn = cpu.SupportsSMAP
	panicFn        = kfmt.Panic

	canary uint32
)

var (
	errStackCanaryViolation  = &kernel.Error{Module: "corruption", Message: "stack canary overwritten"}
	errBitmapMetadataCorrupt = &kernel.Error{Module: "corruption", Message: "PMM bitmap metadata checksum mismatch"}
)

// Init seeds the global stack canary from the TSC and a caller-supplied
// address-space entropy value (spec.md §4.7: "TSC + address-space entropy
// + a PRNG seed, avoiding well-known patterns"), then enables CR4.SMEP and
// CR4.SMAP on CPUs that support them.
func Init(addrEntropy uintptr) {
	seed := int64(readTSCFn()) ^ int64(addrEntropy)
	r := rand.New(rand.NewSource(seed))
	canary = r.Uint32() | 1 // never land on the well-known all-zero pattern

	var toSet uint32
	if supportsSMEPFn() {
		toSet |= cr4SMEP
	}
	if supportsSMAPFn() {
		toSet |= cr4SMAP
	}
	if toSet != 0 {
		writeCR4Fn(readCR4Fn() | toSet)
	}
}

// Canary returns the current global stack guard value; a kernel stack
// allocator stamps this at the lowest address of every stack it hands out.
func Canary() uint32 {
	return canary
}

// CheckStack compares a stack slot's current value against the global
// canary and panics, via kfmt.Panic, if it no longer matches.
func CheckStack(guard uint32) {
	if guard != canary {
		panicFn(errStackCanaryViolation)
	}
}

// WithUserAccess brackets fn with EnableUserAccess/DisableUserAccess,
// matching spec.md §4.7's requirement that every path touching user memory
// (syscall argument copies, the ELF loader's user-space source buffer) be
// bracketed by STAC/CLAC.
func WithUserAccess(fn func()) {
	cpu.EnableUserAccess()
	defer cpu.DisableUserAccess()
	fn()
}

// Bitmap magic values bracketing a BitmapMetadata; arbitrary but fixed, so
// a corrupted header/footer is distinguishable from a checksum mismatch
// caused by a legitimate but unsynchronized update.
const (
	bitmapMagicHeader = uint32(0xB17AAB1E)
	bitmapMagicFooter = uint32(0x0CAB00B5)
)

// BitmapMetadata mirrors the PMM bitmap allocator's aggregate counters
// behind a checksum, kept external to kernel/mem/pmm/allocator so the
// allocator's hot allocate/free path never pays the verification cost;
// only a caller that opts into corruption checking constructs one of
// these and calls Verify after each mutation, per spec.md §4.3/§4.7.
type BitmapMetadata struct {
	magicHeader uint32
	total       uint32
	free        uint32
	allocHint   uint32
	checksum    uint32
	magicFooter uint32
}

// NewBitmapMetadata builds a checksummed snapshot of the allocator's
// current totals.
func NewBitmapMetadata(total, free, allocHint uint32) BitmapMetadata {
	m := BitmapMetadata{
		magicHeader: bitmapMagicHeader,
		total:       total,
		free:        free,
		allocHint:   allocHint,
		magicFooter: bitmapMagicFooter,
	}
	m.checksum = m.computeChecksum()
	return m
}

// Update replaces the tracked totals and recomputes the checksum; call this
// after every allocate/free the caller wants covered.
func (m *BitmapMetadata) Update(total, free, allocHint uint32) {
	m.total, m.free, m.allocHint = total, free, allocHint
	m.checksum = m.computeChecksum()
}

func (m BitmapMetadata) computeChecksum() uint32 {
	return m.magicHeader ^ m.total ^ m.free ^ m.allocHint ^ m.magicFooter
}

// Verify recomputes the checksum and panics (spec.md §4.3's check_corruption
// pass) if either magic has been overwritten or the checksum no longer
// matches the tracked totals.
func (m BitmapMetadata) Verify() {
	if m.magicHeader != bitmapMagicHeader || m.magicFooter != bitmapMagicFooter || m.checksum != m.computeChecksum() {
		panicFn(errBitmapMetadataCorrupt)
	}
}

// IsGuardFault reports whether addr falls inside an unbacked guard area of
// as, meaning the fault is expected-fatal rather than recoverable. It is a
// classification helper only; vmm's page-fault handler does not call it.
func IsGuardFault(as *vmm.AddressSpace, addr uintptr) bool {
	area, err := as.FindArea(addr)
	if err != nil {
		return false
	}
	return area.Type == vmm.AreaGuard || area.Protection == vmm.ProtGuard
}
