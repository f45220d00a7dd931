// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package memmod

import "encoding/binary"

// Relocation entry types, IMAGE_REL_BASED_*. Only HIGHLOW and DIR64 carry
// an actual fixup for this loader; every other type (including HIGH and
// LOW, which real x86/x86-64 linkers never emit standalone) is skipped
// silently for forward compatibility, matching spec.md §4.5.
const (
	imageRelBasedAbsolute = 0
	imageRelBasedHighLow  = 3
	imageRelBasedDir64    = 10
)

// maxRelocEntriesCount caps the number of entries parsed out of a single
// relocation block; some malware uses a fake huge block size to slow
// parsers down (grounded on MaxDefaultRelocEntriesCount).
const maxRelocEntriesCount = 0x10000

// imageBaseRelocation is IMAGE_BASE_RELOCATION, the header of one block of
// relocation entries.
type imageBaseRelocation struct {
	VirtualAddress uint32
	SizeOfBlock    uint32
}

// applyBaseRelocations is the Relocator: it walks the base
// relocation directory and applies (codeBase - preferredImageBase) to
// every fixup, grounded on MemoryModule.c's PerformBaseRelocation.
//
// The returned bool is the Module's is_relocated invariant (spec.md §3):
// true iff the image was loaded at its preferred base (delta == 0) or
// the relocation directory was walked successfully. A missing relocation
// directory with a nonzero delta is not an error - the image maps and
// binds fine - but it leaves the image unrelocated, which CallEntryPoint
// later refuses to run on (spec.md §4.5/§4.9).
func applyBaseRelocations(mem []byte, h *peHeaders, delta int64) (bool, error) {
	if delta == 0 {
		return true, nil
	}
	dir := h.dataDir(dirEntryBaseReloc)
	if dir.Size == 0 {
		return false, nil
	}

	rva := dir.VirtualAddress
	end := rva + dir.Size
	blockHeaderSize := uint32(binary.Size(imageBaseRelocation{}))

	for rva < end {
		var block imageBaseRelocation
		if err := structUnpack(mem, rva, blockHeaderSize, &block); err != nil {
			return false, newErr(KindInvalidData, "relocator", err)
		}
		if block.SizeOfBlock == 0 {
			break
		}
		if uint64(block.VirtualAddress) >= uint64(h.sizeOfImage()) {
			return false, newErr(KindInvalidData, "relocator", ErrOutsideBoundary)
		}

		entryCount := (block.SizeOfBlock - blockHeaderSize) / 2
		if entryCount > maxRelocEntriesCount {
			return false, newErr(KindInvalidData, "relocator", ErrOutsideBoundary)
		}

		entryOffset := rva + blockHeaderSize
		for i := uint32(0); i < entryCount; i++ {
			raw, err := readUint16(mem, entryOffset+i*2)
			if err != nil {
				return false, newErr(KindInvalidData, "relocator", err)
			}
			relocType := raw >> 12
			offsetInPage := raw & 0x0fff
			fixupRVA := block.VirtualAddress + uint32(offsetInPage)

			switch relocType {
			case imageRelBasedAbsolute:
				// Padding entry, skip.
			case imageRelBasedHighLow:
				v, err := readUint32(mem, fixupRVA)
				if err != nil {
					return false, newErr(KindInvalidData, "relocator", err)
				}
				binary.LittleEndian.PutUint32(mem[fixupRVA:], uint32(int64(v)+delta))
			case imageRelBasedDir64:
				v, err := readUint64(mem, fixupRVA)
				if err != nil {
					return false, newErr(KindInvalidData, "relocator", err)
				}
				binary.LittleEndian.PutUint64(mem[fixupRVA:], uint64(int64(v)+delta))
			default:
				// Forward compatibility: any other relocation type (including
				// HIGH/LOW) is skipped rather than rejected.
			}
		}

		rva += block.SizeOfBlock
	}

	return true, nil
}
