package pmm

import (
	"gopheros/kernel/mem"
	"sort"
)

// RegionType classifies a MemoryRegion as reported (or synthesized) during
// boot handoff, per SPEC_FULL.md's Data Model.
type RegionType uint8

const (
	// RegionAvailable is free RAM usable by the frame allocator.
	RegionAvailable RegionType = iota

	// RegionReserved is memory the firmware reserved for itself or for
	// memory-mapped devices.
	RegionReserved

	// RegionACPIReclaim holds ACPI tables that can be reclaimed once the
	// kernel has finished parsing them.
	RegionACPIReclaim

	// RegionACPINVS must be preserved across sleep states.
	RegionACPINVS

	// RegionBadRAM is memory the firmware flagged as faulty.
	RegionBadRAM

	// RegionKernel is occupied by the loaded kernel image.
	RegionKernel

	// RegionInitrd is occupied by the boot module treated as the initrd.
	RegionInitrd
)

// String implements fmt.Stringer for RegionType.
func (t RegionType) String() string {
	switch t {
	case RegionAvailable:
		return "available"
	case RegionReserved:
		return "reserved"
	case RegionACPIReclaim:
		return "ACPI (reclaimable)"
	case RegionACPINVS:
		return "ACPI NVS"
	case RegionBadRAM:
		return "bad RAM"
	case RegionKernel:
		return "kernel"
	case RegionInitrd:
		return "initrd"
	default:
		return "unknown"
	}
}

// Region describes a semi-open physical address interval [Base, Base+Length)
// with a classification. Regions are parsed once at boot, sanitized via
// SanitizeRegions and thereafter treated as immutable ground truth for
// allocator.BitmapAllocator's pool setup.
type Region struct {
	Base   uintptr
	Length mem.Size
	Type   RegionType
}

// End returns the first address not included in the region.
func (r Region) End() uintptr {
	return r.Base + uintptr(r.Length)
}

// Overlaps reports whether r and other share any address.
func (r Region) Overlaps(other Region) bool {
	return r.Base < other.End() && other.Base < r.End()
}

// firstMegabyte is forced Reserved for any region that overlaps it, per
// SPEC_FULL.md's region sanitization rule (real-mode IVT, BDA, legacy VGA
// and option ROM space all live here and must never be handed to the
// allocator even if firmware mis-reports them as available).
const firstMegabyte uintptr = 1 * uintptr(mem.Mb)

// SanitizeRegions normalizes a raw region list reported by the bootloader:
//   - sub-page slivers (length < mem.PageSize after alignment) are dropped
//   - any region overlapping the first 1MiB is forced Reserved
//   - the kernel image and initrd ranges are inserted as Kernel/Initrd
//   - the result is sorted by base address with overlaps resolved in favor
//     of the more restrictive (non-Available) classification
//
// The returned slice is the ground truth the PMM bitmap is seeded from; it
// must never be mutated afterwards.
func SanitizeRegions(raw []Region, kernelStart, kernelEnd, initrdStart, initrdEnd uintptr) []Region {
	out := make([]Region, 0, len(raw)+2)

	for _, r := range raw {
		alignedBase := (r.Base + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
		alignedEnd := r.End() &^ (uintptr(mem.PageSize) - 1)
		if alignedEnd <= alignedBase {
			continue
		}
		r.Base, r.Length = alignedBase, mem.Size(alignedEnd-alignedBase)

		if r.Base < firstMegabyte {
			r.Type = RegionReserved
		}

		out = append(out, r)
	}

	if kernelEnd > kernelStart {
		out = append(out, Region{Base: kernelStart, Length: mem.Size(kernelEnd - kernelStart), Type: RegionKernel})
	}
	if initrdEnd > initrdStart {
		out = append(out, Region{Base: initrdStart, Length: mem.Size(initrdEnd - initrdStart), Type: RegionInitrd})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })

	return splitOverlaps(out)
}

// splitOverlaps walks the sorted region list and carves out any portion of
// an Available region that overlaps a more restrictive region, so that the
// final list is non-overlapping as SPEC_FULL.md's Data Model requires.
func splitOverlaps(sorted []Region) []Region {
	var out []Region
	// Non-Available regions are placed first so that, where the two
	// overlap, the Available region is the one clipped.
	for pass := 0; pass < 2; pass++ {
		for _, r := range sorted {
			if (r.Type == RegionAvailable) != (pass == 1) {
				continue
			}
			clipped := []Region{r}
			for i := range out {
				var next []Region
				for _, c := range clipped {
					next = append(next, clipAgainst(c, out[i])...)
				}
				clipped = next
			}
			out = append(out, clipped...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}

// clipAgainst removes the portion of r that overlaps existing, returning the
// remaining (possibly zero, one or two) fragments of r.
func clipAgainst(r, existing Region) []Region {
	if !r.Overlaps(existing) {
		return []Region{r}
	}

	var out []Region
	if r.Base < existing.Base {
		out = append(out, Region{Base: r.Base, Length: mem.Size(existing.Base - r.Base), Type: r.Type})
	}
	if r.End() > existing.End() {
		out = append(out, Region{Base: existing.End(), Length: mem.Size(r.End() - existing.End()), Type: r.Type})
	}
	return out
}

// Checksum computes a simple additive checksum over the sanitized region
// table so that callers can detect accidental mutation of the "immutable"
// slice (SPEC_FULL.md's Data Model calls the region table "thereafter
// immutable").
func Checksum(regions []Region) uint32 {
	var sum uint32
	for _, r := range regions {
		sum += uint32(r.Base) ^ uint32(r.Length) ^ (uint32(r.Type) << 24)
	}
	return sum
}
