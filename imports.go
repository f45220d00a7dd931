// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package memmod

import (
	"encoding/binary"
	"strconv"
)

// Ordinal flags marking a thunk as "import by ordinal" rather than
// "import by hint/name", IMAGE_ORDINAL_FLAG32/64.
const (
	imageOrdinalFlag32 = uint32(0x80000000)
	imageOrdinalFlag64 = uint64(0x8000000000000000)
)

// imageImportDescriptor is one entry of the import directory, IMAGE_IMPORT_DESCRIPTOR.
type imageImportDescriptor struct {
	OriginalFirstThunk uint32
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32
	FirstThunk         uint32
}

// bindImports is the Import Binder: for every DLL named in
// the import directory it resolves the module through resolver.Load, then
// walks that DLL's thunk array (by name or by ordinal) and overwrites each
// thunk slot in place with the resolved address, grounded on
// MemoryModule.c's BuildImportTable.
//
// On any failure it unwinds the resolver handles it already acquired,
// mirroring BuildImportTable's "free everything opened so far" cleanup.
func bindImports(mem []byte, h *peHeaders, resolver ModuleResolver) ([]ModuleHandle, error) {
	dir := h.dataDir(dirEntryImport)
	if dir.Size == 0 {
		return nil, nil
	}

	var handles []ModuleHandle
	fail := func(err error) ([]ModuleHandle, error) {
		for _, m := range handles {
			_ = resolver.Free(m)
		}
		return nil, err
	}

	descSize := uint32(binary.Size(imageImportDescriptor{}))
	offset := dir.VirtualAddress
	end := dir.VirtualAddress + dir.Size

	for offset+descSize <= end {
		var desc imageImportDescriptor
		if err := structUnpack(mem, offset, descSize, &desc); err != nil {
			return fail(newErr(KindInvalidData, "import binder", err))
		}
		if desc.Name == 0 && desc.FirstThunk == 0 && desc.OriginalFirstThunk == 0 {
			break
		}

		name, err := readASCIIZAt(mem, desc.Name)
		if err != nil {
			return fail(newErr(KindInvalidData, "import binder", err))
		}

		mod, err := resolver.Load(name)
		if err != nil {
			return fail(newErr(KindModuleNotFound, name, err))
		}
		handles = append(handles, mod)

		thunkRVA := desc.OriginalFirstThunk
		if thunkRVA == 0 {
			thunkRVA = desc.FirstThunk
		}
		iatRVA := desc.FirstThunk

		if h.is64 {
			if err := bindThunks64(mem, resolver, mod, name, thunkRVA, iatRVA); err != nil {
				return fail(err)
			}
		} else {
			if err := bindThunks32(mem, resolver, mod, name, thunkRVA, iatRVA); err != nil {
				return fail(err)
			}
		}

		offset += descSize
	}

	return handles, nil
}

func bindThunks32(mem []byte, resolver ModuleResolver, mod ModuleHandle, dll string, thunkRVA, iatRVA uint32) error {
	for {
		thunk, err := readUint32(mem, thunkRVA)
		if err != nil {
			return newErr(KindInvalidData, dll, err)
		}
		if thunk == 0 {
			break
		}

		sym := Symbol{}
		if thunk&imageOrdinalFlag32 != 0 {
			sym.ByOrdinal = true
			sym.Ordinal = uint16(thunk & 0xffff)
		} else {
			sym.Name, err = readASCIIZAt(mem, thunk+2)
			if err != nil {
				return newErr(KindInvalidData, dll, err)
			}
		}

		addr, err := resolver.ProcAddress(mod, sym)
		if err != nil {
			return newErr(KindSymbolNotFound, dll+"!"+symbolName(sym), err)
		}

		binary.LittleEndian.PutUint32(mem[iatRVA:], uint32(addr))
		thunkRVA += 4
		iatRVA += 4
	}
	return nil
}

func bindThunks64(mem []byte, resolver ModuleResolver, mod ModuleHandle, dll string, thunkRVA, iatRVA uint32) error {
	for {
		thunk, err := readUint64(mem, thunkRVA)
		if err != nil {
			return newErr(KindInvalidData, dll, err)
		}
		if thunk == 0 {
			break
		}

		sym := Symbol{}
		if thunk&imageOrdinalFlag64 != 0 {
			sym.ByOrdinal = true
			sym.Ordinal = uint16(thunk & 0xffff)
		} else {
			sym.Name, err = readASCIIZAt(mem, uint32(thunk)+2)
			if err != nil {
				return newErr(KindInvalidData, dll, err)
			}
		}

		addr, err := resolver.ProcAddress(mod, sym)
		if err != nil {
			return newErr(KindSymbolNotFound, dll+"!"+symbolName(sym), err)
		}

		binary.LittleEndian.PutUint64(mem[iatRVA:], uint64(addr))
		thunkRVA += 8
		iatRVA += 8
	}
	return nil
}

func symbolName(sym Symbol) string {
	if sym.ByOrdinal {
		return "#" + strconv.Itoa(int(sym.Ordinal))
	}
	return sym.Name
}
