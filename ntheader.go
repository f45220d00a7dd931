// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package memmod

import "encoding/binary"

// Optional header magic values.
const (
	imageNtOptionalHeader32Magic = 0x10b
	imageNtOptionalHeader64Magic = 0x20b
)

// Image file machine types this loader accepts. Anything else is a
// REDESIGN-worthy extension, not something MemoryModule-style loading
// supports (ARM/ARM64 and other non-x86 machines are out of scope).
const (
	imageFileMachineI386  = uint16(0x14c)
	imageFileMachineAMD64 = uint16(0x8664)
)

// Characteristics flags of the IMAGE_FILE_HEADER that the loader inspects.
const (
	imageFileDLL             = 0x2000
	imageFileExecutableImage = 0x0002
)

// imageFileHeader contains the physical layout and properties of the file,
// IMAGE_FILE_HEADER.
type imageFileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// dataDirectory is one entry of the 16-entry IMAGE_DATA_DIRECTORY array.
type dataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// imageDirectoryEntry indexes into the data directory array.
type imageDirectoryEntry int

// Data directory indices, IMAGE_DIRECTORY_ENTRY_*.
const (
	dirEntryExport imageDirectoryEntry = iota
	dirEntryImport
	dirEntryResource
	dirEntryException
	dirEntryCertificate
	dirEntryBaseReloc
	dirEntryDebug
	dirEntryArchitecture
	dirEntryGlobalPtr
	dirEntryTLS
	dirEntryLoadConfig
	dirEntryBoundImport
	dirEntryIAT
	dirEntryDelayImport
	dirEntryCLR
	dirEntryReserved
	numberOfDirectoryEntries
)

// imageOptionalHeader32 is IMAGE_OPTIONAL_HEADER (PE32).
type imageOptionalHeader32 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint32
	SectionAlignment            uint32
	FileAlignment                uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint32
	SizeOfStackCommit           uint32
	SizeOfHeapReserve           uint32
	SizeOfHeapCommit            uint32
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [16]dataDirectory
}

// imageOptionalHeader64 is IMAGE_OPTIONAL_HEADER64 (PE32+).
type imageOptionalHeader64 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment                uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint64
	SizeOfStackCommit           uint64
	SizeOfHeapReserve           uint64
	SizeOfHeapCommit            uint64
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [16]dataDirectory
}

// peHeaders is the parsed, validated header set the rest of the pipeline
// works from: the fields of MemoryModule.c's MEMORYMODULE struct that come
// directly off the file headers, collected in one place instead of
// threaded through a *File the way static analyzer does it.
type peHeaders struct {
	dos        imageDOSHeader
	file       imageFileHeader
	is64       bool
	oh32       imageOptionalHeader32
	oh64       imageOptionalHeader64
	sections   []imageSectionHeader
	ntHeaderAt uint32
	optHdrAt   uint32
}

func (h *peHeaders) imageBase() uint64 {
	if h.is64 {
		return h.oh64.ImageBase
	}
	return uint64(h.oh32.ImageBase)
}

func (h *peHeaders) sizeOfImage() uint32 {
	if h.is64 {
		return h.oh64.SizeOfImage
	}
	return h.oh32.SizeOfImage
}

func (h *peHeaders) sizeOfHeaders() uint32 {
	if h.is64 {
		return h.oh64.SizeOfHeaders
	}
	return h.oh32.SizeOfHeaders
}

func (h *peHeaders) sectionAlignment() uint32 {
	if h.is64 {
		return h.oh64.SectionAlignment
	}
	return h.oh32.SectionAlignment
}

func (h *peHeaders) addressOfEntryPoint() uint32 {
	if h.is64 {
		return h.oh64.AddressOfEntryPoint
	}
	return h.oh32.AddressOfEntryPoint
}

func (h *peHeaders) dataDir(entry imageDirectoryEntry) dataDirectory {
	if h.is64 {
		return h.oh64.DataDirectory[entry]
	}
	return h.oh32.DataDirectory[entry]
}

func (h *peHeaders) isDLL() bool {
	return h.file.Characteristics&imageFileDLL != 0
}

// imageBaseFieldOffset returns the file offset of the optional header's
// ImageBase field, so the loader can rewrite it in place once the image is
// relocated to its actual load address (MemoryModule.c sets
// headers->OptionalHeader.ImageBase = codeBase for the same reason: later
// consumers of the mapped image, like a debugger walking it, expect the
// field to reflect reality).
func (h *peHeaders) imageBaseFieldOffset() uint32 {
	if h.is64 {
		return h.optHdrAt + 24
	}
	return h.optHdrAt + 28
}

// parseNTHeaders parses IMAGE_NT_HEADERS (COFF file header + PE32/PE32+
// optional header) immediately following the DOS stub, the second half of
// the Header Validator.
func parseNTHeaders(data []byte, dos imageDOSHeader) (*peHeaders, error) {
	h := &peHeaders{dos: dos, ntHeaderAt: dos.AddressOfNewEXEHeader}

	signature, err := readUint32(data, h.ntHeaderAt)
	if err != nil {
		return nil, newErr(KindBadFormat, "nt headers", ErrInvalidElfanew)
	}
	switch signature & 0xFFFF {
	case imageOS2Signature, imageOS2LESignature, imageVXDSignature, imageTESignature:
		return nil, newErr(KindBadFormat, "nt headers", ErrImageNtSignature)
	}
	if signature != imageNTSignature {
		return nil, newErr(KindBadFormat, "nt headers", ErrImageNtSignature)
	}

	fileHeaderSize := uint32(binary.Size(h.file))
	fileHeaderOffset := h.ntHeaderAt + 4
	if err := structUnpack(data, fileHeaderOffset, fileHeaderSize, &h.file); err != nil {
		return nil, newErr(KindBadFormat, "file header", err)
	}

	if h.file.Machine != imageFileMachineI386 && h.file.Machine != imageFileMachineAMD64 {
		return nil, newErr(KindBadFormat, "file header", ErrUnsupportedMachine)
	}

	optHeaderOffset := fileHeaderOffset + fileHeaderSize
	h.optHdrAt = optHeaderOffset
	magic, err := readUint16(data, optHeaderOffset)
	if err != nil {
		return nil, newErr(KindBadFormat, "optional header", err)
	}

	switch magic {
	case imageNtOptionalHeader64Magic:
		size := uint32(binary.Size(h.oh64))
		if err := structUnpack(data, optHeaderOffset, size, &h.oh64); err != nil {
			return nil, newErr(KindInvalidData, "optional header 64", err)
		}
		h.is64 = true
	case imageNtOptionalHeader32Magic:
		size := uint32(binary.Size(h.oh32))
		if err := structUnpack(data, optHeaderOffset, size, &h.oh32); err != nil {
			return nil, newErr(KindInvalidData, "optional header 32", err)
		}
	default:
		return nil, newErr(KindBadFormat, "optional header", ErrOptionalHeaderMagic)
	}

	// PE32 images can't be loaded by a 64-bit machine type and vice versa;
	// the combination would already have failed the Magic switch above for
	// any real linker output, but a hand-crafted image could still smuggle
	// a mismatched pair through.
	if h.is64 && h.file.Machine != imageFileMachineAMD64 {
		return nil, newErr(KindBadFormat, "optional header", ErrOptionalHeaderMagic)
	}
	if !h.is64 && h.file.Machine != imageFileMachineI386 {
		return nil, newErr(KindBadFormat, "optional header", ErrOptionalHeaderMagic)
	}

	if h.imageBase()%0x10000 != 0 {
		return nil, newErr(KindInvalidData, "optional header", nil)
	}

	sectionTableOffset := optHeaderOffset + uint32(h.file.SizeOfOptionalHeader)
	h.sections, err = parseSectionHeaders(data, sectionTableOffset, h.file.NumberOfSections)
	if err != nil {
		return nil, err
	}

	return h, nil
}
