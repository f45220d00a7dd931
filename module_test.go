// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package memmod

import (
	"encoding/binary"
	"errors"
	"testing"
	"unsafe"
)

// fakeAllocator backs LoadEx with ordinary Go heap memory instead of real
// VirtualAlloc, so the full mapping/relocation/import pipeline can be
// exercised without needing an actual OS loader underneath it. It never
// grants the caller's preferred address, which forces a non-zero relocation
// delta on every test that uses it - the interesting path LoadEx has to get
// right.
type fakeAllocator struct {
	regions [][]byte
}

func (a *fakeAllocator) Alloc(address uintptr, size uintptr, allocType uint32, protect uint32) (uintptr, error) {
	buf := make([]byte, size)
	a.regions = append(a.regions, buf)
	return uintptr(unsafe.Pointer(&buf[0])), nil
}

func (a *fakeAllocator) Free(address uintptr, size uintptr, freeType uint32) error { return nil }

func (a *fakeAllocator) Protect(address uintptr, size uintptr, protect uint32) (uint32, error) {
	return 0, nil
}

func (a *fakeAllocator) PageSize() uintptr { return testSectionAlign }

func TestLoadExMapsRelocatesAndFrees(t *testing.T) {
	const textRVA = 0x1000
	const relocRVA = 0x2000

	raw := make([]byte, testFileAlign)
	// A fixed-up pointer living inside .text: an 8-byte absolute VA that
	// the relocator must adjust by (actualBase - preferredImageBase).
	binary.LittleEndian.PutUint64(raw[0x10:], 0x140000000+textRVA)

	w := newSectionWriter(relocRVA)
	w.struct_(imageBaseRelocation{VirtualAddress: textRVA, SizeOfBlock: 8 + 2})
	w.u16(uint16(imageRelBasedDir64)<<12 | 0x10)
	relocRaw := w.bytes()

	var dataDirs [16]dataDirectory
	dataDirs[dirEntryBaseReloc] = dataDirectory{VirtualAddress: relocRVA, Size: uint32(len(relocRaw))}

	sections := []testSection{
		{name: ".text", rva: textRVA, size: uint32(len(raw)), raw: raw, chars: imageScnCntCode | imageScnMemExecute | imageScnMemRead},
		{name: ".reloc", rva: relocRVA, size: uint32(len(relocRaw)), raw: relocRaw, chars: imageScnCntInitializedData | imageScnMemRead},
	}
	data := buildImage(true, 0x140000000, 0, true, sections, dataDirs)

	alloc := &fakeAllocator{}
	mod, err := LoadEx(data, &LoadOptions{Allocator: alloc, Resolver: newFakeResolver()})
	if err != nil {
		t.Fatalf("LoadEx: %v", err)
	}
	if !mod.IsDLL() {
		t.Error("expected IsDLL() true")
	}
	if mod.BaseAddress() == 0 {
		t.Fatal("expected a non-zero mapped base address")
	}

	delta := int64(mod.BaseAddress()) - 0x140000000
	got := binary.LittleEndian.Uint64(mod.mem[textRVA+0x10:])
	want := uint64(int64(0x140000000+textRVA) + delta)
	if got != want {
		t.Errorf("relocated pointer = %#x, want %#x", got, want)
	}

	if err := mod.Free(); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := mod.GetProcAddress("anything"); err != ErrAlreadyFreed {
		t.Errorf("GetProcAddress after Free: got %v, want ErrAlreadyFreed", err)
	}
	if err := mod.Free(); err != ErrAlreadyFreed {
		t.Errorf("double Free: got %v, want ErrAlreadyFreed", err)
	}
}

// testTextSection is a one-section layout for tests that only need LoadEx to
// accept the image: LoadEx rejects an image whose sections don't reach
// SizeOfImage, which a section-less image never does.
var testTextSection = []testSection{
	{name: ".text", rva: 0x1000, size: 0x10, raw: []byte{0xC3}, chars: imageScnCntCode | imageScnMemExecute | imageScnMemRead},
}

func TestLoadExRejectsTruncatedHeaders(t *testing.T) {
	data := buildImage(true, 0x140000000, 0, false, testTextSection, [16]dataDirectory{})
	// Cut the buffer one byte short of SizeOfHeaders (testFileAlign here).
	truncated := data[:testFileAlign-1]
	alloc := &fakeAllocator{}
	if _, err := LoadEx(truncated, &LoadOptions{Allocator: alloc, Resolver: newFakeResolver()}); err == nil {
		t.Fatal("expected error loading a truncated image")
	}
}

func TestCallEntryPointWithNoEntryPoint(t *testing.T) {
	// A relocation directory holding only a terminator block keeps the
	// image relocated, so CallEntryPoint gets as far as the entry check.
	const relocRVA = 0x2000
	w := newSectionWriter(relocRVA)
	w.struct_(imageBaseRelocation{VirtualAddress: 0, SizeOfBlock: 0})
	relocRaw := w.bytes()

	var dataDirs [16]dataDirectory
	dataDirs[dirEntryBaseReloc] = dataDirectory{VirtualAddress: relocRVA, Size: uint32(len(relocRaw))}
	sections := []testSection{
		{name: ".reloc", rva: relocRVA, size: uint32(len(relocRaw)), raw: relocRaw, chars: imageScnCntInitializedData | imageScnMemRead},
	}

	data := buildImage(true, 0x140000000, 0, false, sections, dataDirs)
	alloc := &fakeAllocator{}
	mod, err := LoadEx(data, &LoadOptions{Allocator: alloc, Resolver: newFakeResolver()})
	if err != nil {
		t.Fatalf("LoadEx: %v", err)
	}
	defer mod.Free()

	if _, err := mod.CallEntryPoint(); !errors.Is(err, ErrNoEntryPoint) {
		t.Fatalf("CallEntryPoint on an image with no entry point: got %v, want ErrNoEntryPoint", err)
	}
}

// withFakeEntryPoint substitutes the package's entry-point/exe-entry call
// hooks (callbacks.go's entryPointCaller/exeEntryCaller) with fakes that
// never execute the image, and returns a func that restores the real
// platform-specific ones. A unit test's synthetic image has no real
// machine code at its entry RVA and no Windows host to run it on, so
// exercising LoadEx's DLL_PROCESS_ATTACH call and CallEntryPoint's result
// plumbing needs a fake that reports success/returns a fixed value
// instead of the real callEntryPoint/callExeEntryPoint, which off Windows
// (callbacks_other.go) respectively report ErrUnsupportedPlatform and
// return 0 without running anything.
func withFakeEntryPoint(exeResult int) func() {
	prevEntry, prevExe := entryPointCaller, exeEntryCaller
	entryPointCaller = func(entry, codeBase uintptr, reason tlsReason) (bool, error) {
		return true, nil
	}
	exeEntryCaller = func(entry uintptr) int {
		return exeResult
	}
	return func() {
		entryPointCaller, exeEntryCaller = prevEntry, prevExe
	}
}

func TestCallEntryPointRefusesDLL(t *testing.T) {
	defer withFakeEntryPoint(0)()

	data := buildImage(true, 0x140000000, 0x1000, true, testTextSection, [16]dataDirectory{})
	alloc := &fakeAllocator{}
	mod, err := LoadEx(data, &LoadOptions{Allocator: alloc, Resolver: newFakeResolver()})
	if err != nil {
		t.Fatalf("LoadEx: %v", err)
	}
	defer mod.Free()

	if _, err := mod.CallEntryPoint(); !errors.Is(err, ErrCallEntryOnDLL) {
		t.Errorf("CallEntryPoint on a DLL: got %v, want ErrCallEntryOnDLL", err)
	}
}

func TestCallEntryPointRefusesUnrelocatedEXE(t *testing.T) {
	defer withFakeEntryPoint(0)()

	// No base relocation directory and fakeAllocator never grants the
	// preferred base, so the image loads but is never marked relocated.
	data := buildImage(true, 0x140000000, 0x1000, false, testTextSection, [16]dataDirectory{})
	alloc := &fakeAllocator{}
	mod, err := LoadEx(data, &LoadOptions{Allocator: alloc, Resolver: newFakeResolver()})
	if err != nil {
		t.Fatalf("LoadEx: %v", err)
	}
	defer mod.Free()

	if mod.isRelocated {
		t.Fatal("expected image to be unrelocated given no base relocation directory")
	}
	if _, err := mod.CallEntryPoint(); !errors.Is(err, ErrNotRelocated) {
		t.Errorf("CallEntryPoint on an unrelocated EXE: got %v, want ErrNotRelocated", err)
	}
}

// TestCallEntryPointReturnsExeResult covers spec.md §8 scenario S4: an EXE
// whose entry point returns 42 must have CallEntryPoint report 42 itself,
// not a collapsed 0/1 success flag.
func TestCallEntryPointReturnsExeResult(t *testing.T) {
	defer withFakeEntryPoint(42)()

	const relocRVA = 0x2000
	w := newSectionWriter(relocRVA)
	w.struct_(imageBaseRelocation{VirtualAddress: 0, SizeOfBlock: 0})
	relocRaw := w.bytes()

	var dataDirs [16]dataDirectory
	dataDirs[dirEntryBaseReloc] = dataDirectory{VirtualAddress: relocRVA, Size: uint32(len(relocRaw))}
	sections := []testSection{
		{name: ".reloc", rva: relocRVA, size: uint32(len(relocRaw)), raw: relocRaw, chars: imageScnCntInitializedData | imageScnMemRead},
	}

	data := buildImage(true, 0x140000000, 0x1000, false, sections, dataDirs)
	alloc := &fakeAllocator{}
	mod, err := LoadEx(data, &LoadOptions{Allocator: alloc, Resolver: newFakeResolver()})
	if err != nil {
		t.Fatalf("LoadEx: %v", err)
	}
	defer mod.Free()

	if !mod.isRelocated {
		t.Fatal("expected image to be considered relocated (empty relocation directory, delta != 0 tolerated)")
	}
	got, err := mod.CallEntryPoint()
	if err != nil {
		t.Fatalf("CallEntryPoint: %v", err)
	}
	if got != 42 {
		t.Errorf("CallEntryPoint() = %d, want 42", got)
	}
}
