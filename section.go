// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package memmod

import "encoding/binary"

// Section characteristic flags this loader inspects when materializing and
// finalizing sections, grounded on section.go ImageScn*
// constants.
const (
	imageScnCntCode              = 0x00000020
	imageScnCntInitializedData   = 0x00000040
	imageScnCntUninitializedData = 0x00000080
	imageScnMemDiscardable       = 0x02000000
	imageScnMemNotCached         = 0x04000000
	imageScnMemExecute           = 0x20000000
	imageScnMemRead              = 0x40000000
	imageScnMemWrite             = 0x80000000
)

// imageSectionHeader is IMAGE_SECTION_HEADER, 40 bytes, no padding.
type imageSectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

func (s *imageSectionHeader) name() string {
	n := 0
	for n < len(s.Name) && s.Name[n] != 0 {
		n++
	}
	return string(s.Name[:n])
}

// parseSectionHeaders parses the section table immediately following the
// optional header, the Image Layout Planner's view of what the Section
// Materializer will later copy in (/§4.4).
func parseSectionHeaders(data []byte, offset uint32, count uint16) ([]imageSectionHeader, error) {
	sections := make([]imageSectionHeader, 0, count)
	size := uint32(binary.Size(imageSectionHeader{}))
	for i := uint16(0); i < count; i++ {
		var sh imageSectionHeader
		if err := structUnpack(data, offset, size, &sh); err != nil {
			return nil, newErr(KindInvalidData, "section header", err)
		}
		sections = append(sections, sh)
		offset += size
	}
	return sections, nil
}

// sectionFinalizeData tracks a run of pages shared by one or more
// sections, with their characteristics merged, so finalizeSections can
// issue one VirtualProtect (or decommit) call per run instead of one per
// section, grounded on MemoryModule.c's SECTIONFINALIZEDATA.
type sectionFinalizeData struct {
	address         uintptr
	alignedAddress  uintptr
	size            uintptr
	characteristics uint32
	last            bool
}

// protectionFlags mirrors MemoryModule.c's ProtectionFlags[executable][readable][writeable]
// table, translating the IMAGE_SCN_MEM_{EXECUTE,READ,WRITE} triad into a
// Win32 page protection constant.
var protectionFlags = [2][2][2]uint32{
	// not executable
	{
		{pageNoAccess, pageWriteCopy}, // not readable
		{pageReadOnly, pageReadWrite}, // readable
	},
	// executable
	{
		{pageExecute, pageExecuteWriteCopy}, // not readable
		{pageExecuteRead, pageExecuteReadWrite}, // readable
	},
}

func sectionProtection(characteristics uint32) uint32 {
	executable := 0
	if characteristics&imageScnMemExecute != 0 {
		executable = 1
	}
	readable := 0
	if characteristics&imageScnMemRead != 0 {
		readable = 1
	}
	writeable := 0
	if characteristics&imageScnMemWrite != 0 {
		writeable = 1
	}
	protect := protectionFlags[executable][readable][writeable]
	if characteristics&imageScnMemNotCached != 0 {
		protect |= pageNoCache
	}
	return protect
}

// copySections is the Section Materializer: it copies each section's raw
// data (or zero-fills it, for sections with no file backing) into the
// committed image at its VirtualAddress, grounded on MemoryModule.c's
// CopySections.
func copySections(data []byte, h *peHeaders, codeBase uintptr, mem []byte) error {
	pageSize := uint32(defaultPageSize)
	for i := range h.sections {
		s := &h.sections[i]
		if s.SizeOfRawData == 0 {
			// Section has no raw data, but may still occupy virtual space
			// (e.g. .bss): determine how big it should be zero-filled to.
			size := sectionVirtualSize(h, s)
			if size == 0 {
				continue
			}
			dst := s.VirtualAddress
			if uint64(dst)+uint64(size) > uint64(len(mem)) {
				return newErr(KindInvalidData, "section materializer", ErrOutsideBoundary)
			}
			for j := uint32(0); j < size; j++ {
				mem[dst+j] = 0
			}
			s.Misc(size)
			continue
		}

		if uint64(s.PointerToRawData)+uint64(s.SizeOfRawData) > uint64(len(data)) {
			return newErr(KindInvalidData, "section materializer", ErrOutsideBoundary)
		}
		if uint64(s.VirtualAddress)+uint64(s.SizeOfRawData) > uint64(len(mem)) {
			return newErr(KindInvalidData, "section materializer", ErrOutsideBoundary)
		}

		copy(mem[s.VirtualAddress:], data[s.PointerToRawData:s.PointerToRawData+s.SizeOfRawData])
		s.Misc(s.SizeOfRawData)
		_ = pageSize
	}
	return nil
}

// Misc records the effective (possibly zero-filled) size of the section as
// materialized in memory, the Go analogue of the union reuse MemoryModule.c
// performs on Misc.PhysicalAddress. Kept as a method for symmetry with the
// rest of the section helpers even though it only ever writes VirtualSize.
func (s *imageSectionHeader) Misc(size uint32) {
	if s.VirtualSize < size {
		s.VirtualSize = size
	}
}

// mergeCharacteristics ORs two sections' characteristic flags the way
// FinalizeSections coalesces a page group, with one correction: a page is
// only ever decommitted wholesale if every section overlapping it is
// discardable, so DISCARDABLE is cleared from the merged result whenever
// exactly one of the two inputs carried it (spec.md §4.7 Pass 1).
func mergeCharacteristics(a, b uint32) uint32 {
	merged := a | b
	aDiscardable := a&imageScnMemDiscardable != 0
	bDiscardable := b&imageScnMemDiscardable != 0
	if aDiscardable != bDiscardable {
		merged &^= imageScnMemDiscardable
	}
	return merged
}

func sectionVirtualSize(h *peHeaders, s *imageSectionHeader) uint32 {
	if s.VirtualSize > 0 {
		return s.VirtualSize
	}
	return s.SizeOfRawData
}

// finalizeSections is the Section Finalizer: it walks the sections in
// section table order, folds each section that shares a page with the
// current run into that run (merging characteristics via
// mergeCharacteristics), and then either decommits a discardable run or
// applies one VirtualProtect call for the run's merged protection.
//
// This preserves an acknowledged inefficiency from MemoryModule.c's
// FinalizeSections: when a small section precedes a much larger one with
// different characteristics, the combined run is not split back apart to
// give the small section its own tighter protection — the original's
// comment calls this suboptimal but leaves it, and so does this port (see
// spec.md §9's note on the Section Finalizer).
func finalizeSections(alloc MemoryAllocator, h *peHeaders, codeBase uintptr) error {
	pageSize := uint32(alloc.PageSize())
	sectionAlignment := h.sectionAlignment()

	var current sectionFinalizeData
	haveRun := false

	flush := func(f sectionFinalizeData) error {
		if f.size == 0 {
			return nil
		}
		if f.characteristics&imageScnMemDiscardable != 0 {
			// Only allowed to decommit whole pages: the group must begin on
			// a page boundary, and either it's the trailing group, the
			// image uses page-sized section alignment, or its size is
			// itself a page multiple (spec.md §4.7 Pass 2).
			if f.address == f.alignedAddress &&
				(f.last || sectionAlignment == pageSize || uint32(f.size)%pageSize == 0) {
				_ = alloc.Free(f.address, f.size, freeDecommit)
			}
			return nil
		}
		protect := sectionProtection(f.characteristics)
		if f.characteristics&imageScnMemNotCached != 0 {
			protect |= pageNoCache
		}
		if _, err := alloc.Protect(f.alignedAddress, f.size, protect); err != nil {
			return newErr(KindProtectFailed, "section finalizer", err)
		}
		return nil
	}

	for i := range h.sections {
		s := &h.sections[i]
		sectionSize := sectionVirtualSize(h, s)
		if sectionSize == 0 {
			continue
		}

		sectionAddress := codeBase + uintptr(s.VirtualAddress)
		alignedAddress := codeBase + uintptr(alignDown(s.VirtualAddress, pageSize))
		alignedEnd := codeBase + uintptr(alignUp(s.VirtualAddress+sectionSize, pageSize))

		if !haveRun {
			current = sectionFinalizeData{
				address:         sectionAddress,
				alignedAddress:  alignedAddress,
				size:            alignedEnd - alignedAddress,
				characteristics: s.Characteristics,
			}
			haveRun = true
			continue
		}

		// Section shares a page with the current run - either its aligned
		// start coincides with the run's aligned start, or the run's
		// extent-so-far already reaches into this section - so fold it
		// into the run instead of starting a fresh one, per spec.md §4.7
		// Pass 1's "shares the group's starting page or overlaps the
		// group's end".
		if alignedAddress == current.alignedAddress || sectionAddress < current.alignedAddress+current.size {
			current.characteristics = mergeCharacteristics(current.characteristics, s.Characteristics)
			if newSize := alignedEnd - current.alignedAddress; newSize > current.size {
				current.size = newSize
			}
			continue
		}

		if err := flush(current); err != nil {
			return err
		}
		current = sectionFinalizeData{
			address:         sectionAddress,
			alignedAddress:  alignedAddress,
			size:            alignedEnd - alignedAddress,
			characteristics: s.Characteristics,
		}
	}

	if haveRun {
		current.last = true
		if err := flush(current); err != nil {
			return err
		}
	}

	return nil
}
