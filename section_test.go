// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package memmod

import (
	"encoding/binary"
	"testing"
)

func TestParseSectionHeaders(t *testing.T) {
	var buf []byte
	put := func(sh imageSectionHeader) {
		buf = append(buf, structBytes(sh)...)
	}
	var sh1, sh2 imageSectionHeader
	copy(sh1.Name[:], ".text")
	sh1.VirtualAddress = 0x1000
	sh1.SizeOfRawData = 0x200
	copy(sh2.Name[:], ".data")
	sh2.VirtualAddress = 0x2000
	sh2.SizeOfRawData = 0x200
	put(sh1)
	put(sh2)

	sections, err := parseSectionHeaders(buf, 0, 2)
	if err != nil {
		t.Fatalf("parseSectionHeaders: %v", err)
	}
	if len(sections) != 2 {
		t.Fatalf("got %d sections, want 2", len(sections))
	}
	if sections[0].name() != ".text" || sections[1].name() != ".data" {
		t.Errorf("unexpected names: %q, %q", sections[0].name(), sections[1].name())
	}
}

func TestSectionProtection(t *testing.T) {
	cases := []struct {
		chars uint32
		want  uint32
	}{
		{0, pageNoAccess},
		{imageScnMemRead, pageReadOnly},
		{imageScnMemRead | imageScnMemWrite, pageReadWrite},
		{imageScnMemWrite, pageWriteCopy},
		{imageScnMemExecute, pageExecute},
		{imageScnMemExecute | imageScnMemRead, pageExecuteRead},
		{imageScnMemExecute | imageScnMemRead | imageScnMemWrite, pageExecuteReadWrite},
		{imageScnMemExecute | imageScnMemWrite, pageExecuteWriteCopy},
	}
	for _, c := range cases {
		if got := sectionProtection(c.chars); got != c.want {
			t.Errorf("sectionProtection(%#x) = %#x, want %#x", c.chars, got, c.want)
		}
	}
	if got := sectionProtection(imageScnMemRead | imageScnMemNotCached); got != pageReadOnly|pageNoCache {
		t.Errorf("sectionProtection not-cached = %#x, want read-only|no-cache", got)
	}
}

func TestCopySectionsZeroFillsBSS(t *testing.T) {
	h := &peHeaders{
		sections: []imageSectionHeader{
			{VirtualAddress: 0x1000, VirtualSize: 0x100, SizeOfRawData: 0},
		},
	}
	data := make([]byte, 0x200)
	mem := make([]byte, 0x2000)
	for i := range mem {
		mem[i] = 0xCC
	}
	if err := copySections(data, h, 0, mem); err != nil {
		t.Fatalf("copySections: %v", err)
	}
	for i := uint32(0); i < 0x100; i++ {
		if mem[0x1000+i] != 0 {
			t.Fatalf("byte %d of bss section not zero-filled", i)
		}
	}
}

func TestCopySectionsCopiesRawData(t *testing.T) {
	h := &peHeaders{
		sections: []imageSectionHeader{
			{VirtualAddress: 0x1000, SizeOfRawData: 4, PointerToRawData: 0x10},
		},
	}
	data := make([]byte, 0x20)
	copy(data[0x10:], []byte{1, 2, 3, 4})
	mem := make([]byte, 0x2000)
	if err := copySections(data, h, 0, mem); err != nil {
		t.Fatalf("copySections: %v", err)
	}
	if !bytesEqual(mem[0x1000:0x1004], []byte{1, 2, 3, 4}) {
		t.Fatalf("got %v, want [1 2 3 4]", mem[0x1000:0x1004])
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func structBytes(v interface{}) []byte {
	w := new(bufWriter)
	binary.Write(w, binary.LittleEndian, v)
	return w.b
}

type bufWriter struct{ b []byte }

func (w *bufWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}
