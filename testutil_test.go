// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package memmod

import (
	"bytes"
	"encoding/binary"
)

// testSection describes one section to embed in a synthetic image built by
// buildImage: raw is the section's file-backed content (zero-padded up to
// fileAlignment), size is its reported VirtualSize (may exceed len(raw), in
// which case the tail is expected to come from zero-fill at load time).
type testSection struct {
	name  string
	rva   uint32
	size  uint32
	raw   []byte
	chars uint32
}

const (
	testSectionAlign = 0x1000
	testFileAlign    = 0x200
)

// buildImage assembles a minimal, syntactically valid PE image directly out
// of this package's own header structs (rather than a linker-produced
// fixture), so parser tests exercise exactly the layout parseDOSHeader,
// parseNTHeaders, and parseSectionHeaders expect.
func buildImage(is64 bool, imageBase uint64, entryRVA uint32, isDLL bool, sections []testSection, dataDirs [16]dataDirectory) []byte {
	const dosHeaderSize = 64
	const ntHeaderAt = dosHeaderSize

	fileHeaderSize := uint32(binary.Size(imageFileHeader{}))
	var optHeaderSize uint32
	if is64 {
		optHeaderSize = uint32(binary.Size(imageOptionalHeader64{}))
	} else {
		optHeaderSize = uint32(binary.Size(imageOptionalHeader32{}))
	}
	sectionHeaderSize := uint32(binary.Size(imageSectionHeader{}))

	fileHeaderOffset := uint32(ntHeaderAt) + 4
	optHeaderOffset := fileHeaderOffset + fileHeaderSize
	sectionTableOffset := optHeaderOffset + optHeaderSize
	headersEnd := sectionTableOffset + sectionHeaderSize*uint32(len(sections))
	sizeOfHeaders := alignUp(headersEnd, testFileAlign)

	var sizeOfImage uint32
	for _, s := range sections {
		if e := alignUp(s.rva+s.size, testSectionAlign); e > sizeOfImage {
			sizeOfImage = e
		}
	}
	if sizeOfImage == 0 {
		sizeOfImage = testSectionAlign
	}

	pointerToRawData := make([]uint32, len(sections))
	sizeOfRawData := make([]uint32, len(sections))
	cursor := sizeOfHeaders
	for i, s := range sections {
		pointerToRawData[i] = cursor
		sizeOfRawData[i] = alignUp(uint32(len(s.raw)), testFileAlign)
		cursor += sizeOfRawData[i]
	}

	var buf bytes.Buffer

	dos := imageDOSHeader{Magic: imageDOSSignature, AddressOfNewEXEHeader: ntHeaderAt}
	binary.Write(&buf, binary.LittleEndian, &dos)

	binary.Write(&buf, binary.LittleEndian, uint32(imageNTSignature))

	fh := imageFileHeader{
		NumberOfSections:     uint16(len(sections)),
		SizeOfOptionalHeader: uint16(optHeaderSize),
		Characteristics:      imageFileExecutableImage,
	}
	if isDLL {
		fh.Characteristics |= imageFileDLL
	}
	if is64 {
		fh.Machine = imageFileMachineAMD64
	} else {
		fh.Machine = imageFileMachineI386
	}
	binary.Write(&buf, binary.LittleEndian, &fh)

	if is64 {
		oh := imageOptionalHeader64{
			Magic:               imageNtOptionalHeader64Magic,
			ImageBase:           imageBase,
			SectionAlignment:    testSectionAlign,
			FileAlignment:       testFileAlign,
			AddressOfEntryPoint: entryRVA,
			SizeOfImage:         sizeOfImage,
			SizeOfHeaders:       sizeOfHeaders,
			NumberOfRvaAndSizes: 16,
			DataDirectory:       dataDirs,
		}
		binary.Write(&buf, binary.LittleEndian, &oh)
	} else {
		oh := imageOptionalHeader32{
			Magic:               imageNtOptionalHeader32Magic,
			ImageBase:           uint32(imageBase),
			SectionAlignment:    testSectionAlign,
			FileAlignment:       testFileAlign,
			AddressOfEntryPoint: entryRVA,
			SizeOfImage:         sizeOfImage,
			SizeOfHeaders:       sizeOfHeaders,
			NumberOfRvaAndSizes: 16,
			DataDirectory:       dataDirs,
		}
		binary.Write(&buf, binary.LittleEndian, &oh)
	}

	for i, s := range sections {
		var sh imageSectionHeader
		copy(sh.Name[:], s.name)
		sh.VirtualSize = s.size
		sh.VirtualAddress = s.rva
		sh.SizeOfRawData = sizeOfRawData[i]
		sh.PointerToRawData = pointerToRawData[i]
		sh.Characteristics = s.chars
		binary.Write(&buf, binary.LittleEndian, &sh)
	}

	for buf.Len() < int(sizeOfHeaders) {
		buf.WriteByte(0)
	}

	for i, s := range sections {
		for buf.Len() < int(pointerToRawData[i]) {
			buf.WriteByte(0)
		}
		buf.Write(s.raw)
		for buf.Len() < int(pointerToRawData[i]+sizeOfRawData[i]) {
			buf.WriteByte(0)
		}
	}

	return buf.Bytes()
}

// sectionWriter accumulates a section's raw content and hands back RVAs
// relative to the section's base, so tests can lay out import/export/reloc/
// TLS/resource directories without hand-computing byte offsets.
type sectionWriter struct {
	base uint32
	buf  bytes.Buffer
}

func newSectionWriter(base uint32) *sectionWriter {
	return &sectionWriter{base: base}
}

func (w *sectionWriter) rva() uint32 { return w.base + uint32(w.buf.Len()) }

func (w *sectionWriter) bytes() []byte { return w.buf.Bytes() }

func (w *sectionWriter) padTo(rva uint32) {
	for w.rva() < rva {
		w.buf.WriteByte(0)
	}
}

func (w *sectionWriter) u16(v uint16) { binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *sectionWriter) u32(v uint32) { binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *sectionWriter) u64(v uint64) { binary.Write(&w.buf, binary.LittleEndian, v) }

func (w *sectionWriter) bytesRaw(b []byte) { w.buf.Write(b) }

func (w *sectionWriter) asciiz(s string) {
	w.buf.WriteString(s)
	w.buf.WriteByte(0)
}

// utf16le encodes s (ASCII only, which is all these tests need) as
// little-endian UTF-16 code units with no terminator.
func utf16le(s string) []byte {
	b := make([]byte, len(s)*2)
	for i, r := range []byte(s) {
		b[i*2] = r
	}
	return b
}

func (w *sectionWriter) struct_(v interface{}) {
	binary.Write(&w.buf, binary.LittleEndian, v)
}
