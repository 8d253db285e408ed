// Package elf implements the minimal ELF32 validation and segment loader
// spec.md §4.5 requires: enough to validate an executable image's header
// and program header table, then map its PT_LOAD segments into a freshly
// created address space.
package elf

import (
	"encoding/binary"
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/vmm"
	"unsafe"
)

// Fixed ELF32 structure sizes this loader requires; an image whose header
// reports different values is rejected rather than trusted, since a
// mismatched e_ehsize/e_phentsize usually means the reader is misparsing a
// foreign format.
const (
	ehsize    = 52
	phentsize = 32
)

// e_ident indices and expected values.
const (
	identMag0    = 0
	identMag1    = 1
	identMag2    = 2
	identMag3    = 3
	identClass   = 4
	identData    = 5
	identVersion = 6

	magic0 = 0x7F
	magic1 = 'E'
	magic2 = 'L'
	magic3 = 'F'

	class32   = 1
	dataLSB   = 1
	evCurrent = 1
	etExec    = 2
	emI386    = 3
	ptLoad    = 1
	pfWrite   = 1 << 1
)

var (
	errTooShort       = &kernel.Error{Module: "elf", Message: "image is smaller than a minimal ELF32 header"}
	errBadMagic       = &kernel.Error{Module: "elf", Message: "missing or invalid ELF magic"}
	errUnsupportedAbi = &kernel.Error{Module: "elf", Message: "image is not a 32-bit little-endian i386 executable"}
	errBadHeaderSize  = &kernel.Error{Module: "elf", Message: "e_ehsize/e_phentsize does not match the expected ELF32 layout"}
	errNoSegments     = &kernel.Error{Module: "elf", Message: "image declares zero program headers"}
	errSegmentBounds  = &kernel.Error{Module: "elf", Message: "segment file range exceeds the image length"}
	errSegmentSize    = &kernel.Error{Module: "elf", Message: "p_filesz exceeds p_memsz"}
)

// header32 mirrors the fixed-size prefix of an ELF32 file header. Decoded
// with encoding/binary rather than an unsafe.Pointer cast (the teacher's
// usual style for the page-aligned multiboot structures in
// kernel/hal/multiboot) because an in-memory ELF image is not guaranteed to
// give header32 natural alignment.
type header32 struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// progHeader32 mirrors one ELF32 program header entry.
type progHeader32 struct {
	Type   uint32
	Offset uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

// Report records the outcome of a successful Load, matching the "ELF load
// report" spec.md §4.5 requires: entry point, base address, total mapped
// range and the BSS extent.
type Report struct {
	EntryPoint uintptr
	BaseAddr   uintptr
	MappedEnd  uintptr
	BSSStart   uintptr
	BSSEnd     uintptr
}

// frameAllocatorFn, mapTemporaryFn and unmapFn are package vars (rather than
// direct calls) so tests can exercise segment mapping without a live PMM or
// VMM.
var (
	frameAllocatorFn vmm.FrameAllocatorFn
	mapTemporaryFn   = vmm.MapTemporary
	unmapFn          = vmm.Unmap

	// pdtMapFn wraps AddressSpace.PDT.Map so tests can exercise segment
	// mapping without a real page directory to walk.
	pdtMapFn = func(pdt *vmm.PageDirectoryTable, page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		return pdt.Map(page, frame, flags)
	}
)

// SetFrameAllocator wires the physical frame source this loader uses to
// back PT_LOAD segments. It must be called once during boot before the
// first call to Load.
func SetFrameAllocator(fn vmm.FrameAllocatorFn) {
	frameAllocatorFn = fn
}

func decodeHeader(data []byte) (header32, *kernel.Error) {
	var h header32
	if len(data) < ehsize {
		return h, errTooShort
	}

	copy(h.Ident[:], data[:16])
	h.Type = binary.LittleEndian.Uint16(data[16:18])
	h.Machine = binary.LittleEndian.Uint16(data[18:20])
	h.Version = binary.LittleEndian.Uint32(data[20:24])
	h.Entry = binary.LittleEndian.Uint32(data[24:28])
	h.Phoff = binary.LittleEndian.Uint32(data[28:32])
	h.Shoff = binary.LittleEndian.Uint32(data[32:36])
	h.Flags = binary.LittleEndian.Uint32(data[36:40])
	h.Ehsize = binary.LittleEndian.Uint16(data[40:42])
	h.Phentsize = binary.LittleEndian.Uint16(data[42:44])
	h.Phnum = binary.LittleEndian.Uint16(data[44:46])
	h.Shentsize = binary.LittleEndian.Uint16(data[46:48])
	h.Shnum = binary.LittleEndian.Uint16(data[48:50])
	h.Shstrndx = binary.LittleEndian.Uint16(data[50:52])

	return h, nil
}

// Validate checks e_ident and the remaining header fields against the fixed
// ABI spec.md §4.5 names, without touching program headers.
func Validate(data []byte) (header32, *kernel.Error) {
	h, err := decodeHeader(data)
	if err != nil {
		return h, err
	}

	if h.Ident[identMag0] != magic0 || h.Ident[identMag1] != magic1 ||
		h.Ident[identMag2] != magic2 || h.Ident[identMag3] != magic3 {
		return h, errBadMagic
	}
	if h.Ident[identClass] != class32 || h.Ident[identData] != dataLSB || h.Ident[identVersion] != evCurrent {
		return h, errUnsupportedAbi
	}
	if h.Type != etExec || h.Machine != emI386 || h.Version != evCurrent {
		return h, errUnsupportedAbi
	}
	if h.Ehsize != ehsize || h.Phentsize != phentsize {
		return h, errBadHeaderSize
	}
	if h.Phnum < 1 {
		return h, errNoSegments
	}

	return h, nil
}

func decodeProgHeader(data []byte, off uint32) progHeader32 {
	var ph progHeader32
	b := data[off : off+phentsize]
	ph.Type = binary.LittleEndian.Uint32(b[0:4])
	ph.Offset = binary.LittleEndian.Uint32(b[4:8])
	ph.Vaddr = binary.LittleEndian.Uint32(b[8:12])
	ph.Paddr = binary.LittleEndian.Uint32(b[12:16])
	ph.Filesz = binary.LittleEndian.Uint32(b[16:20])
	ph.Memsz = binary.LittleEndian.Uint32(b[20:24])
	ph.Flags = binary.LittleEndian.Uint32(b[24:28])
	ph.Align = binary.LittleEndian.Uint32(b[28:32])
	return ph
}

// Load validates data as an ELF32 executable and maps every PT_LOAD segment
// into as, copying file contents and zeroing the BSS remainder. The caller
// is responsible for having as already Init'd to a fresh page directory;
// Load never switches CR3 itself, since PageDirectoryTable.Map reaches any
// directory through the direct physical map and every frame this loader
// touches is populated through the Temporary-Mapping Window, matching the
// teacher's vmm package's own "map without activating" idiom.
func Load(data []byte, as *vmm.AddressSpace) (Report, *kernel.Error) {
	h, err := Validate(data)
	if err != nil {
		return Report{}, err
	}

	rep := Report{EntryPoint: uintptr(h.Entry), BaseAddr: ^uintptr(0)}

	phOff := h.Phoff
	for i := uint16(0); i < h.Phnum; i, phOff = i+1, phOff+phentsize {
		if uint64(phOff)+phentsize > uint64(len(data)) {
			return Report{}, errSegmentBounds
		}
		ph := decodeProgHeader(data, phOff)
		if ph.Type != ptLoad || ph.Memsz == 0 {
			continue
		}
		if ph.Filesz > ph.Memsz {
			return Report{}, errSegmentSize
		}
		if uint64(ph.Offset)+uint64(ph.Filesz) > uint64(len(data)) {
			return Report{}, errSegmentBounds
		}

		if loadErr := loadSegment(data, ph, as, &rep); loadErr != nil {
			return Report{}, loadErr
		}
	}

	return rep, nil
}

// loadSegment maps and populates a single PT_LOAD segment, page by page,
// updating rep's base/end/BSS bookkeeping as it goes.
func loadSegment(data []byte, ph progHeader32, as *vmm.AddressSpace, rep *Report) *kernel.Error {
	segStart := uintptr(ph.Vaddr) &^ uintptr(mem.PageSize-1)
	segEnd := (uintptr(ph.Vaddr) + uintptr(ph.Memsz) + uintptr(mem.PageSize-1)) &^ uintptr(mem.PageSize-1)

	flags := vmm.FlagPresent | vmm.FlagUserAccessible
	if ph.Flags&pfWrite != 0 {
		flags |= vmm.FlagRW
	}

	fileEnd := uintptr(ph.Vaddr) + uintptr(ph.Filesz)

	for pageAddr := segStart; pageAddr < segEnd; pageAddr += uintptr(mem.PageSize) {
		frame, allocErr := frameAllocatorFn()
		if allocErr != nil {
			return allocErr
		}
		if mapErr := pdtMapFn(&as.PDT, vmm.PageFromAddress(pageAddr), frame, flags); mapErr != nil {
			return mapErr
		}

		scratch, mapErr := mapTemporaryFn(frame)
		if mapErr != nil {
			return mapErr
		}
		mem.Memset(scratch.Address(), 0, mem.PageSize)

		pageFileStart := maxUintptr(pageAddr, uintptr(ph.Vaddr))
		pageFileEnd := minUintptr(pageAddr+uintptr(mem.PageSize), fileEnd)
		if pageFileEnd > pageFileStart {
			n := pageFileEnd - pageFileStart
			srcOff := ph.Offset + uint32(pageFileStart-uintptr(ph.Vaddr))
			dst := scratch.Address() + (pageFileStart - pageAddr)
			src := uintptr(unsafe.Pointer(&data[srcOff]))
			mem.Memcopy(src, dst, mem.Size(n))
		}

		unmapFn(scratch)
	}

	if segStart < rep.BaseAddr {
		rep.BaseAddr = segStart
	}
	if segEnd > rep.MappedEnd {
		rep.MappedEnd = segEnd
	}

	if uintptr(ph.Memsz) > uintptr(ph.Filesz) {
		bssStart := uintptr(ph.Vaddr) + uintptr(ph.Filesz)
		bssEnd := uintptr(ph.Vaddr) + uintptr(ph.Memsz)
		if rep.BSSStart == 0 || bssStart < rep.BSSStart {
			rep.BSSStart = bssStart
		}
		if bssEnd > rep.BSSEnd {
			rep.BSSEnd = bssEnd
		}
	}

	return nil
}

func maxUintptr(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}

func minUintptr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}
