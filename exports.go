// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package memmod

import (
	"encoding/binary"
	"strings"
)

// imageExportDirectory is IMAGE_EXPORT_DIRECTORY, resolved here as a live
// name/ordinal -> address lookup rather than as display data, grounded on
// MemoryModule.c's MemoryGetProcAddress and its helper
// _MemoryGetProcAddressByName/Ordinal.
type imageExportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// findExport is the Export Resolver: it resolves sym against
// the image's export directory, either by ordinal (Base-relative index
// into AddressOfFunctions) or by a case-insensitive linear scan of
// AddressOfNames (spec.md §4.10), and returns the RVA of the matching
// function, grounded on MemoryModule.c's MemoryGetProcAddress.
//
// Forwarded exports (an RVA that lands inside the export directory itself,
// pointing at a "DLL.Function" string instead of code) are reported via
// forward so the caller can tell a forward apart from a missing symbol;
// forwarded exports across memory modules are an explicit Non-goal
// (spec.md §1), and §4.10 is explicit that a forward is never chased
// recursively, so module.go's GetProcAddress turns a non-empty forward
// into a SymbolNotFound rather than resolving it.
func findExport(mem []byte, h *peHeaders, sym Symbol) (rva uint32, forward string, err error) {
	dir := h.dataDir(dirEntryExport)
	if dir.Size == 0 {
		return 0, "", newErr(KindSymbolNotFound, symbolName(sym), ErrOutsideBoundary)
	}

	var exp imageExportDirectory
	size := uint32(binary.Size(exp))
	if err := structUnpack(mem, dir.VirtualAddress, size, &exp); err != nil {
		return 0, "", newErr(KindInvalidData, "export resolver", err)
	}

	// spec.md §4.10: an export directory with no names or no functions
	// resolves nothing, by ordinal or by name - without this, an ordinal
	// lookup of 0 against Base==0 would otherwise pass idx==0 straight
	// through to AddressOfFunctions despite NumberOfFunctions==0.
	if exp.NumberOfNames == 0 || exp.NumberOfFunctions == 0 {
		return 0, "", newErr(KindSymbolNotFound, symbolName(sym), nil)
	}

	var idx uint32
	found := false

	if sym.ByOrdinal {
		if uint32(sym.Ordinal) < exp.Base {
			return 0, "", newErr(KindSymbolNotFound, symbolName(sym), ErrOutsideBoundary)
		}
		idx = uint32(sym.Ordinal) - exp.Base
		found = true
	} else {
		for i := uint32(0); i < exp.NumberOfNames; i++ {
			nameRVA, err := readUint32(mem, exp.AddressOfNames+i*4)
			if err != nil {
				return 0, "", newErr(KindInvalidData, "export resolver", err)
			}
			name, err := readASCIIZAt(mem, nameRVA)
			if err != nil {
				return 0, "", newErr(KindInvalidData, "export resolver", err)
			}
			if !strings.EqualFold(name, sym.Name) {
				continue
			}
			ordinalIdx, err := readUint16(mem, exp.AddressOfNameOrdinals+i*2)
			if err != nil {
				return 0, "", newErr(KindInvalidData, "export resolver", err)
			}
			idx = uint32(ordinalIdx)
			found = true
			break
		}
	}

	if !found {
		return 0, "", newErr(KindSymbolNotFound, symbolName(sym), nil)
	}
	// MemoryGetProcAddress checks idx > NumberOfFunctions, not >=: an
	// off-by-one in the original preserved here rather than "corrected",
	// per spec.md §9's instruction to keep observable behavior intact.
	if idx > exp.NumberOfFunctions {
		return 0, "", newErr(KindSymbolNotFound, symbolName(sym), ErrOutsideBoundary)
	}

	funcRVA, err := readUint32(mem, exp.AddressOfFunctions+idx*4)
	if err != nil {
		return 0, "", newErr(KindInvalidData, "export resolver", err)
	}

	if funcRVA >= dir.VirtualAddress && funcRVA < dir.VirtualAddress+dir.Size {
		forwardStr, err := readASCIIZAt(mem, funcRVA)
		if err != nil {
			return 0, "", newErr(KindInvalidData, "export resolver", err)
		}
		return 0, forwardStr, nil
	}

	return funcRVA, "", nil
}

// splitForward splits a forwarder string of the form "DLL.Function" (or
// "DLL.#Ordinal") into its two components.
func splitForward(s string) (dll, entry string, ok bool) {
	i := strings.LastIndexByte(s, '.')
	if i < 0 {
		return "", "", false
	}
	return s[:i] + ".dll", s[i+1:], true
}
