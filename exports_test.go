// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package memmod

import (
	"encoding/binary"
	"testing"
)

func TestFindExportByOrdinalAndName(t *testing.T) {
	const dirRVA = 0x1000
	const dirSize = 0x500
	const functionsRVA = 0x1100
	const namesRVA = 0x1200
	const nameOrdinalsRVA = 0x1300
	const fooNameRVA = 0x1400
	const forwardStrRVA = 0x1050 // inside [dirRVA, dirRVA+dirSize): a forwarder.

	mem := make([]byte, 0x2000)
	binary.LittleEndian.PutUint32(mem[functionsRVA:], 0x3000)   // ordinal base+0 -> real code
	binary.LittleEndian.PutUint32(mem[functionsRVA+4:], forwardStrRVA) // ordinal base+1 -> forwarder
	binary.LittleEndian.PutUint32(mem[namesRVA:], fooNameRVA)
	binary.LittleEndian.PutUint16(mem[nameOrdinalsRVA:], 0)
	copy(mem[fooNameRVA:], "Foo\x00")
	copy(mem[forwardStrRVA:], "OTHER.Bar\x00")

	exp := imageExportDirectory{
		Base:                  1,
		NumberOfFunctions:     2,
		NumberOfNames:         1,
		AddressOfFunctions:    functionsRVA,
		AddressOfNames:        namesRVA,
		AddressOfNameOrdinals: nameOrdinalsRVA,
	}
	w := newSectionWriter(dirRVA)
	w.struct_(exp)
	copy(mem[dirRVA:], w.bytes())

	h := &peHeaders{is64: true}
	h.oh64.DataDirectory[dirEntryExport] = dataDirectory{VirtualAddress: dirRVA, Size: dirSize}

	rva, forward, err := findExport(mem, h, Symbol{Name: "Foo"})
	if err != nil {
		t.Fatalf("findExport by name: %v", err)
	}
	if forward != "" || rva != 0x3000 {
		t.Errorf("got rva=%#x forward=%q, want rva=0x3000 forward=\"\"", rva, forward)
	}

	rva, forward, err = findExport(mem, h, Symbol{Name: "fOO"})
	if err != nil {
		t.Fatalf("findExport by name is case-insensitive: %v", err)
	}
	if forward != "" || rva != 0x3000 {
		t.Errorf("got rva=%#x forward=%q, want rva=0x3000 forward=\"\" for a differently-cased name", rva, forward)
	}

	rva, forward, err = findExport(mem, h, Symbol{ByOrdinal: true, Ordinal: 1})
	if err != nil {
		t.Fatalf("findExport by ordinal: %v", err)
	}
	if forward != "" || rva != 0x3000 {
		t.Errorf("got rva=%#x forward=%q, want rva=0x3000 forward=\"\"", rva, forward)
	}

	_, forward, err = findExport(mem, h, Symbol{ByOrdinal: true, Ordinal: 2})
	if err != nil {
		t.Fatalf("findExport forwarded ordinal: %v", err)
	}
	if forward != "OTHER.Bar" {
		t.Errorf("forward = %q, want OTHER.Bar", forward)
	}

	if _, _, err := findExport(mem, h, Symbol{Name: "NoSuchFunc"}); err == nil {
		t.Fatal("expected error for unknown export name")
	}
	if _, _, err := findExport(mem, h, Symbol{ByOrdinal: true, Ordinal: 99}); err == nil {
		t.Fatal("expected error for out-of-range ordinal")
	}
}

func TestSplitForward(t *testing.T) {
	dll, entry, ok := splitForward("KERNEL32.HeapAlloc")
	if !ok || dll != "KERNEL32.dll" || entry != "HeapAlloc" {
		t.Errorf("got (%q, %q, %v)", dll, entry, ok)
	}
	if _, _, ok := splitForward("nodotatall"); ok {
		t.Error("expected ok=false for a string with no '.'")
	}
}

func TestFindExportNoDirectory(t *testing.T) {
	h := &peHeaders{is64: true}
	mem := make([]byte, 0x10)
	if _, _, err := findExport(mem, h, Symbol{Name: "Foo"}); err == nil {
		t.Fatal("expected error when the image has no export directory")
	}
}
