// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package memmod

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/text/encoding/unicode"
)

// readUint32/readUint16/readUint64/structUnpack are bounds-checked reads
// over a plain byte slice, generalized to work over any []byte view - the
// raw input buffer before allocation, or the live (and, after relocation,
// rewritten) image after it. Reading the latter through a []byte obtained
// via unsafe.Slice over the allocator-returned base address lets every one
// of these helpers apply unchanged post-relocation.

func readUint64(data []byte, offset uint32) (uint64, error) {
	if uint64(offset)+8 > uint64(len(data)) {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint64(data[offset:]), nil
}

func readUint32(data []byte, offset uint32) (uint32, error) {
	if uint64(offset)+4 > uint64(len(data)) {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint32(data[offset:]), nil
}

func readUint16(data []byte, offset uint32) (uint16, error) {
	if uint64(offset)+2 > uint64(len(data)) {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint16(data[offset:]), nil
}

func readUint8(data []byte, offset uint32) (uint8, error) {
	if uint64(offset)+1 > uint64(len(data)) {
		return 0, ErrOutsideBoundary
	}
	return data[offset], nil
}

func structUnpack(data []byte, offset, size uint32, iface interface{}) error {
	total := uint64(offset) + uint64(size)
	if total > uint64(len(data)) {
		return ErrOutsideBoundary
	}
	r := bytes.NewReader(data[offset : offset+size])
	return binary.Read(r, binary.LittleEndian, iface)
}

func readBytesAt(data []byte, offset, size uint32) ([]byte, error) {
	total := uint64(offset) + uint64(size)
	if total > uint64(len(data)) {
		return nil, ErrOutsideBoundary
	}
	return data[offset : offset+size], nil
}

// readASCIIZAt returns the NUL-terminated ASCII string starting at offset,
// erroring if offset itself falls outside data rather than silently
// returning an empty string - callers rely on the error to distinguish "no
// name here" from "this RVA is garbage".
func readASCIIZAt(data []byte, offset uint32) (string, error) {
	if uint64(offset) >= uint64(len(data)) {
		return "", ErrOutsideBoundary
	}
	end := offset
	for end < uint32(len(data)) && data[end] != 0 {
		end++
	}
	return string(data[offset:end]), nil
}

// decodeUTF16String decodes a NUL-terminated little-endian UTF-16 string
// from the byte slice, grounded on DecodeUTF16String
// (helper.go), which is the only place the pack wires
// golang.org/x/text/encoding/unicode.
func decodeUTF16String(b []byte) (string, error) {
	n := len(b)
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			n = i
			break
		}
	}
	if n == 0 {
		return "", nil
	}
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	s, err := decoder.Bytes(b[:n])
	if err != nil {
		return "", err
	}
	return string(s), nil
}

// alignUp rounds value up to the next multiple of alignment, alignment
// must be a power of two.
func alignUp(value, alignment uint32) uint32 {
	if alignment == 0 {
		return value
	}
	return (value + alignment - 1) &^ (alignment - 1)
}

// alignDown rounds value down to the previous multiple of alignment.
func alignDown(value, alignment uint32) uint32 {
	if alignment == 0 {
		return value
	}
	return value &^ (alignment - 1)
}
