// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package memmod

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// maxAllowedEntries caps how many directory entries a single resource
// directory level may report, guarding against a crafted NumberOfIDEntries
// sending the walker into a near-infinite loop.
const maxAllowedEntries = 0x1000

// Predefined resource types this loader's LoadString/LoadStringEx care
// about; the rest (RT_BITMAP, RT_ICON, RT_MENU, ...) are meaningful only to
// a caller, which can pass any uint16 type id straight through FindResource.
const (
	rtString ResourceType = 6
)

// ResourceType identifies a resource's TYPE entry; either a predefined
// RT_* constant or an application-defined id.
type ResourceType uint16

// highBit marks a resource directory Name field as pointing at a
// unicode-prefixed string (IMAGE_RESOURCE_DIRECTORY_ENTRY's top bit) rather
// than holding a 16-bit numeric id directly.
const highBit = uint32(0x80000000)

// dataIsDirectory marks a resource directory entry's OffsetToData as
// pointing at another ImageResourceDirectory instead of an
// ImageResourceDataEntry.
const dataIsDirectory = uint32(0x80000000)

// imageResourceDirectory is IMAGE_RESOURCE_DIRECTORY, the header of one
// level (TYPE, then NAME, then LANGUAGE) of the three-level resource tree.
type imageResourceDirectory struct {
	Characteristics      uint32
	TimeDateStamp        uint32
	MajorVersion         uint16
	MinorVersion         uint16
	NumberOfNamedEntries uint16
	NumberOfIDEntries    uint16
}

// imageResourceDirectoryEntry is IMAGE_RESOURCE_DIRECTORY_ENTRY.
type imageResourceDirectoryEntry struct {
	Name         uint32
	OffsetToData uint32
}

// imageResourceDataEntry is IMAGE_RESOURCE_DATA_ENTRY, the leaf describing
// one unit of raw resource data.
type imageResourceDataEntry struct {
	OffsetToData uint32
	Size         uint32
	CodePage     uint32
	Reserved     uint32
}

// resourceID identifies a TYPE, NAME, or LANGUAGE level either by a 16-bit
// numeric id or, for named resources, a UTF-16 string - the two flavors
// IMAGE_RESOURCE_DIRECTORY_ENTRY.Name can hold.
type resourceID struct {
	id     uint16
	name   string
	byName bool
}

func resourceIDFromInt(id uint16) resourceID { return resourceID{id: id} }

func resourceIDFromName(name string) resourceID { return resourceID{name: name, byName: true} }

// resourceDirEntries reads a directory's header plus bounds-checks its
// two entry ranges, shared by both the named and id binary searches below.
func resourceDirEntries(mem []byte, dirRVA uint32) (namedCount, idCount, entriesRVA, entrySize uint32, err error) {
	var dir imageResourceDirectory
	dirSize := uint32(binary.Size(dir))
	if err := structUnpack(mem, dirRVA, dirSize, &dir); err != nil {
		return 0, 0, 0, 0, newErr(KindInvalidData, "resource walker", err)
	}
	namedCount = uint32(dir.NumberOfNamedEntries)
	idCount = uint32(dir.NumberOfIDEntries)
	if namedCount+idCount > maxAllowedEntries {
		return 0, 0, 0, 0, newErr(KindInvalidData, "resource walker", ErrOutsideBoundary)
	}
	entrySize = uint32(binary.Size(imageResourceDirectoryEntry{}))
	entriesRVA = dirRVA + dirSize
	return namedCount, idCount, entriesRVA, entrySize, nil
}

func readDirEntry(mem []byte, entriesRVA, entrySize, i uint32) (imageResourceDirectoryEntry, error) {
	var e imageResourceDirectoryEntry
	if err := structUnpack(mem, entriesRVA+i*entrySize, entrySize, &e); err != nil {
		return e, newErr(KindInvalidData, "resource walker", err)
	}
	return e, nil
}

// compareResourceName is MemoryModule.c's _wcsnicmp-then-length-diff
// comparator: case-insensitive over the shared prefix, ties broken by
// length so a longer string sorts after a shorter one that it starts
// with, per spec.md §4.11.
func compareResourceName(search, entry string) int {
	sr := []rune(strings.ToUpper(search))
	er := []rune(strings.ToUpper(entry))
	n := len(sr)
	if len(er) < n {
		n = len(er)
	}
	for i := 0; i < n; i++ {
		if sr[i] != er[i] {
			return int(sr[i]) - int(er[i])
		}
	}
	return len(sr) - len(er)
}

// parseHashNumeric reinterprets a "#1234" string key as the 16-bit
// integer 1234, the special form spec.md §4.11 calls out; ok is false for
// any string that isn't exactly "#" followed by digits fitting a uint16.
func parseHashNumeric(s string) (uint16, bool) {
	if len(s) < 2 || s[0] != '#' {
		return 0, false
	}
	n, err := strconv.ParseUint(s[1:], 10, 32)
	if err != nil || n > 0xffff {
		return 0, false
	}
	return uint16(n), true
}

// searchNamedEntries binary-searches the named half of a resource
// directory ([0, namedCount)), which is sorted by name string.
func searchNamedEntries(mem []byte, baseRVA, entriesRVA, entrySize, namedCount uint32, key string) (imageResourceDirectoryEntry, bool, error) {
	lo, hi := 0, int(namedCount)
	for lo < hi {
		mid := (lo + hi) / 2
		e, err := readDirEntry(mem, entriesRVA, entrySize, uint32(mid))
		if err != nil {
			return e, false, err
		}
		name, err := readResourceName(mem, baseRVA+(e.Name&^highBit))
		if err != nil {
			return e, false, err
		}
		switch cmp := compareResourceName(key, name); {
		case cmp < 0:
			hi = mid
		case cmp > 0:
			lo = mid + 1
		default:
			return e, true, nil
		}
	}
	return imageResourceDirectoryEntry{}, false, nil
}

// searchIDEntries binary-searches the id half of a resource directory
// ([namedCount, namedCount+idCount)), which is sorted by the 16-bit Name
// field treated as a numeric id.
func searchIDEntries(mem []byte, entriesRVA, entrySize, namedCount, idCount uint32, key uint16) (imageResourceDirectoryEntry, bool, error) {
	lo, hi := int(namedCount), int(namedCount+idCount)
	for lo < hi {
		mid := (lo + hi) / 2
		e, err := readDirEntry(mem, entriesRVA, entrySize, uint32(mid))
		if err != nil {
			return e, false, err
		}
		entryID := uint16(e.Name)
		switch {
		case key < entryID:
			hi = mid
		case key > entryID:
			lo = mid + 1
		default:
			return e, true, nil
		}
	}
	return imageResourceDirectoryEntry{}, false, nil
}

// findResourceEntry is the Resource Directory Walker: it binary-searches
// the directory at dirRVA (relative to the resource section's base,
// baseRVA) for key, preserving MemoryModule.c's _MemorySearchResourceEntry
// "#N" reinterpretation of a string key as a numeric one.
func findResourceEntry(mem []byte, baseRVA uint32, dirRVA uint32, key resourceID) (imageResourceDirectoryEntry, bool, error) {
	namedCount, idCount, entriesRVA, entrySize, err := resourceDirEntries(mem, dirRVA)
	if err != nil {
		return imageResourceDirectoryEntry{}, false, err
	}

	k := key
	if k.byName {
		if n, ok := parseHashNumeric(k.name); ok {
			k = resourceIDFromInt(n)
		}
	}

	if k.byName {
		return searchNamedEntries(mem, baseRVA, entriesRVA, entrySize, namedCount, k.name)
	}
	return searchIDEntries(mem, entriesRVA, entrySize, namedCount, idCount, k.id)
}

// readResourceName reads a resource directory's length-prefixed UTF-16
// string form (a uint16 character count followed by that many UTF-16
// code units, no NUL terminator).
func readResourceName(mem []byte, rva uint32) (string, error) {
	count, err := readUint16(mem, rva)
	if err != nil {
		return "", err
	}
	b, err := readBytesAt(mem, rva+2, uint32(count)*2)
	if err != nil {
		return "", err
	}
	return decodeUTF16String(b)
}

// findResource is the Resource Directory Walker's public entry point
// (the FindResourceEx operation): it descends TYPE -> NAME -> LANGUAGE,
// substituting the calling thread's locale for lang==0 the way
// MemoryModule.c's MemoryFindResourceEx substitutes GetThreadLocale().
//
// The LANGUAGE level alone is lenient: if the requested language isn't
// present, MemoryModule.c falls back to the directory's very first entry
// (index 0 of the combined named+id array) rather than its first id
// entry specifically - so the fallback can itself be a named entry. That
// quirk is preserved verbatim here (spec.md §9).
func findResource(mem []byte, h *peHeaders, typ, name resourceID, lang uint16) (uint32, error) {
	dir := h.dataDir(dirEntryResource)
	if dir.Size == 0 {
		return 0, newErr(KindResourceNotFound, "no resource directory", nil)
	}
	base := dir.VirtualAddress

	typeEntry, ok, err := findResourceEntry(mem, base, base, typ)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, newErr(KindResourceNotFound, "type", nil)
	}
	if typeEntry.OffsetToData&dataIsDirectory == 0 {
		return 0, newErr(KindResourceNotFound, "type entry is not a directory", nil)
	}

	nameDirRVA := base + (typeEntry.OffsetToData &^ dataIsDirectory)
	nameEntry, ok, err := findResourceEntry(mem, base, nameDirRVA, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, newErr(KindResourceNotFound, "name", nil)
	}
	if nameEntry.OffsetToData&dataIsDirectory == 0 {
		return 0, newErr(KindResourceNotFound, "name entry is not a directory", nil)
	}

	langDirRVA := base + (nameEntry.OffsetToData &^ dataIsDirectory)
	langKey := resourceIDFromInt(lang)
	if lang == 0 {
		langKey = resourceIDFromInt(uint16(threadLocale()))
	}
	langEntry, ok, err := findResourceEntry(mem, base, langDirRVA, langKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		_, idCount, entriesRVA, entrySize, err := resourceDirEntries(mem, langDirRVA)
		if err != nil {
			return 0, err
		}
		if idCount == 0 {
			return 0, newErr(KindResourceNotFound, "language", nil)
		}
		langEntry, err = readDirEntry(mem, entriesRVA, entrySize, 0)
		if err != nil {
			return 0, err
		}
	}
	if langEntry.OffsetToData&dataIsDirectory != 0 {
		return 0, newErr(KindResourceNotFound, "language entry is a directory", nil)
	}

	return base + langEntry.OffsetToData, nil
}

// loadResourceDataEntry parses the IMAGE_RESOURCE_DATA_ENTRY at dataRVA.
func loadResourceDataEntry(mem []byte, dataRVA uint32) (imageResourceDataEntry, error) {
	var e imageResourceDataEntry
	size := uint32(binary.Size(e))
	if err := structUnpack(mem, dataRVA, size, &e); err != nil {
		return e, newErr(KindInvalidData, "resource walker", err)
	}
	return e, nil
}

// resourceBytes is LoadResource+SizeofResource combined: it
// locates the TYPE/NAME/LANGUAGE entry and returns the raw bytes of the
// resource it names.
func resourceBytes(mem []byte, h *peHeaders, typ, name resourceID, lang uint16) ([]byte, error) {
	dataRVA, err := findResource(mem, h, typ, name, lang)
	if err != nil {
		return nil, err
	}
	entry, err := loadResourceDataEntry(mem, dataRVA)
	if err != nil {
		return nil, err
	}
	return readBytesAt(mem, entry.OffsetToData, entry.Size)
}

// loadString is LoadStringEx, grounded on MemoryModule.c's
// MemoryLoadString. Windows packs sixteen string-table entries into a
// single RT_STRING resource bundle: the string with a given id lives in
// bundle number (id >> 4) + 1 at position (id & 0xF) among that bundle's
// sixteen length-prefixed UTF-16 strings, each of which is skipped over
// (not decoded) until the target position is reached.
//
// The returned string is read up to its recorded length, which needs no
// terminator after it; decoding stops early only if a NUL code unit occurs
// within that length.
func loadString(mem []byte, h *peHeaders, id uint16, lang uint16) (string, error) {
	bundle := id>>4 + 1
	pos := id & 0xF

	data, err := resourceBytes(mem, h, resourceIDFromInt(uint16(rtString)), resourceIDFromInt(bundle), lang)
	if err != nil {
		return "", err
	}

	offset := uint32(0)
	for i := uint16(0); i < pos; i++ {
		if offset+2 > uint32(len(data)) {
			return "", newErr(KindResourceNotFound, "string table bundle", ErrOutsideBoundary)
		}
		count := binary.LittleEndian.Uint16(data[offset:])
		offset += 2 + uint32(count)*2
	}

	if offset+2 > uint32(len(data)) {
		return "", newErr(KindResourceNotFound, "string table bundle", ErrOutsideBoundary)
	}
	count := binary.LittleEndian.Uint16(data[offset:])
	offset += 2
	if offset+uint32(count)*2 > uint32(len(data)) {
		return "", newErr(KindResourceNotFound, "string table bundle", ErrOutsideBoundary)
	}

	return decodeUTF16String(data[offset : offset+uint32(count)*2])
}
