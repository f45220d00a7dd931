// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package memmod

import (
	"encoding/binary"
	"strconv"
)

// SectionInfo is one section table entry as Inspect reports it, the
// static counterpart of the live imageSectionHeader the Section
// Materializer commits to memory.
type SectionInfo struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	SizeOfRawData   uint32
	Characteristics uint32
}

// ImportInfo is one import descriptor's DLL name and the symbols it pulls
// from it, each either a name or, for an ordinal-only thunk, "#N".
type ImportInfo struct {
	DLL     string
	Symbols []string
}

// ResourceTypeInfo is one entry of the resource directory's TYPE level:
// either a predefined/application-defined numeric type (Name empty) or a
// named one (Type zero).
type ResourceTypeInfo struct {
	Type uint16
	Name string
}

// Info is the static, load-free view of a PE buffer's headers, sections,
// imports, exports and resource types that Inspect produces.
type Info struct {
	IsDLL         bool
	Is64          bool
	ImageBase     uint64
	EntryPointRVA uint32
	SizeOfImage   uint32
	Sections      []SectionInfo
	Imports       []ImportInfo
	Exports       []string
	Resources     []ResourceTypeInfo
}

// Inspect parses a PE buffer's headers, sections, imports, exports and
// resource directory without reserving virtual memory, applying relocations,
// binding imports, finalizing section protection or running any code -
// the read-only counterpart to Load/LoadEx that a static analysis tool
// like cmd/memmoddump's dump subcommand needs, and that works the same on
// every host since (unlike Load) it never needs a MemoryAllocator or
// ModuleResolver.
//
// Internally it materializes a private, RVA-addressed copy of the image on
// the Go heap - the same byte layout Load's Section Materializer would
// commit into real memory - purely so its RVA-indexed directory walkers
// (inspectImports, inspectExports, inspectResourceTypes, built on the same
// readers bindImports, findExport and findResource use) can index it by
// RVA. Nothing in that copy is ever made executable or jumped into.
func Inspect(data []byte) (*Info, error) {
	dos, err := parseDOSHeader(data)
	if err != nil {
		return nil, err
	}
	h, err := parseNTHeaders(data, dos)
	if err != nil {
		return nil, err
	}

	imageSize := h.sizeOfImage()
	if end := lastSectionEnd(h); end > imageSize {
		imageSize = end
	}
	mem := make([]byte, alignUp(imageSize, defaultPageSize))

	if uint64(h.sizeOfHeaders()) > uint64(len(data)) {
		return nil, newErr(KindInvalidData, "incomplete headers", ErrOutsideBoundary)
	}
	copy(mem, data[:h.sizeOfHeaders()])
	if err := copySections(data, h, 0, mem); err != nil {
		return nil, err
	}

	info := &Info{
		IsDLL:         h.isDLL(),
		Is64:          h.is64,
		ImageBase:     h.imageBase(),
		EntryPointRVA: h.addressOfEntryPoint(),
		SizeOfImage:   h.sizeOfImage(),
	}
	for i := range h.sections {
		s := &h.sections[i]
		info.Sections = append(info.Sections, SectionInfo{
			Name:            s.name(),
			VirtualAddress:  s.VirtualAddress,
			VirtualSize:     sectionVirtualSize(h, s),
			SizeOfRawData:   s.SizeOfRawData,
			Characteristics: s.Characteristics,
		})
	}

	if info.Imports, err = inspectImports(mem, h); err != nil {
		return nil, err
	}
	if info.Exports, err = inspectExports(mem, h); err != nil {
		return nil, err
	}
	if info.Resources, err = inspectResourceTypes(mem, h); err != nil {
		return nil, err
	}

	return info, nil
}

// inspectImports walks the import directory the same way bindImports
// does, but records each thunk's name/ordinal instead of resolving and
// binding it - there is no ModuleResolver in a load-free inspection.
func inspectImports(mem []byte, h *peHeaders) ([]ImportInfo, error) {
	dir := h.dataDir(dirEntryImport)
	if dir.Size == 0 {
		return nil, nil
	}

	var result []ImportInfo
	descSize := uint32(binary.Size(imageImportDescriptor{}))
	offset := dir.VirtualAddress
	end := dir.VirtualAddress + dir.Size

	for offset+descSize <= end {
		var desc imageImportDescriptor
		if err := structUnpack(mem, offset, descSize, &desc); err != nil {
			return nil, newErr(KindInvalidData, "inspect imports", err)
		}
		if desc.Name == 0 && desc.FirstThunk == 0 && desc.OriginalFirstThunk == 0 {
			break
		}

		name, err := readASCIIZAt(mem, desc.Name)
		if err != nil {
			return nil, newErr(KindInvalidData, "inspect imports", err)
		}

		thunkRVA := desc.OriginalFirstThunk
		if thunkRVA == 0 {
			thunkRVA = desc.FirstThunk
		}
		syms, err := inspectThunkNames(mem, h, thunkRVA)
		if err != nil {
			return nil, err
		}
		result = append(result, ImportInfo{DLL: name, Symbols: syms})
		offset += descSize
	}

	return result, nil
}

func inspectThunkNames(mem []byte, h *peHeaders, thunkRVA uint32) ([]string, error) {
	var syms []string
	if h.is64 {
		for {
			thunk, err := readUint64(mem, thunkRVA)
			if err != nil {
				return nil, newErr(KindInvalidData, "inspect imports", err)
			}
			if thunk == 0 {
				break
			}
			if thunk&imageOrdinalFlag64 != 0 {
				syms = append(syms, "#"+strconv.Itoa(int(thunk&0xffff)))
			} else {
				name, err := readASCIIZAt(mem, uint32(thunk)+2)
				if err != nil {
					return nil, newErr(KindInvalidData, "inspect imports", err)
				}
				syms = append(syms, name)
			}
			thunkRVA += 8
		}
		return syms, nil
	}
	for {
		thunk, err := readUint32(mem, thunkRVA)
		if err != nil {
			return nil, newErr(KindInvalidData, "inspect imports", err)
		}
		if thunk == 0 {
			break
		}
		if thunk&imageOrdinalFlag32 != 0 {
			syms = append(syms, "#"+strconv.Itoa(int(thunk&0xffff)))
		} else {
			name, err := readASCIIZAt(mem, thunk+2)
			if err != nil {
				return nil, newErr(KindInvalidData, "inspect imports", err)
			}
			syms = append(syms, name)
		}
		thunkRVA += 4
	}
	return syms, nil
}

// inspectExports lists the export directory's names, the ones findExport
// resolves against. Forwarded exports are listed like any other name, and
// exports that have only an ordinal (no name entry) are not listed.
func inspectExports(mem []byte, h *peHeaders) ([]string, error) {
	dir := h.dataDir(dirEntryExport)
	if dir.Size == 0 {
		return nil, nil
	}

	var exp imageExportDirectory
	size := uint32(binary.Size(exp))
	if err := structUnpack(mem, dir.VirtualAddress, size, &exp); err != nil {
		return nil, newErr(KindInvalidData, "inspect exports", err)
	}

	names := make([]string, 0, exp.NumberOfNames)
	for i := uint32(0); i < exp.NumberOfNames; i++ {
		nameRVA, err := readUint32(mem, exp.AddressOfNames+i*4)
		if err != nil {
			return nil, newErr(KindInvalidData, "inspect exports", err)
		}
		name, err := readASCIIZAt(mem, nameRVA)
		if err != nil {
			return nil, newErr(KindInvalidData, "inspect exports", err)
		}
		names = append(names, name)
	}
	return names, nil
}

// inspectResourceTypes enumerates the TYPE level of the resource
// directory (the three-level TYPE -> NAME -> LANGUAGE tree's root),
// reusing the same directory-entry reader the Resource Directory Walker
// (resource.go) binary-searches over.
func inspectResourceTypes(mem []byte, h *peHeaders) ([]ResourceTypeInfo, error) {
	dir := h.dataDir(dirEntryResource)
	if dir.Size == 0 {
		return nil, nil
	}
	base := dir.VirtualAddress

	namedCount, idCount, entriesRVA, entrySize, err := resourceDirEntries(mem, base)
	if err != nil {
		return nil, err
	}

	var types []ResourceTypeInfo
	for i := uint32(0); i < namedCount+idCount; i++ {
		e, err := readDirEntry(mem, entriesRVA, entrySize, i)
		if err != nil {
			return nil, err
		}
		if i < namedCount {
			name, err := readResourceName(mem, base+(e.Name&^highBit))
			if err != nil {
				return nil, err
			}
			types = append(types, ResourceTypeInfo{Name: name})
			continue
		}
		types = append(types, ResourceTypeInfo{Type: uint16(e.Name)})
	}
	return types, nil
}
