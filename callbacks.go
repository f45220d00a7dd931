// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package memmod

// Win32 memory protection constants (winnt.h's PAGE_*), reused verbatim as
// the Protect type's values since that's what VirtualProtect expects and
// what the Section Finalizer's protectionFlags table (section.go) already
// speaks in terms of.
const (
	pageNoAccess             = 0x01
	pageReadOnly             = 0x02
	pageReadWrite            = 0x04
	pageWriteCopy            = 0x08
	pageExecute              = 0x10
	pageExecuteRead          = 0x20
	pageExecuteReadWrite     = 0x40
	pageExecuteWriteCopy     = 0x80
	pageNoCache              = 0x200
)

// Allocation types (winnt.h's MEM_*).
const (
	memReserve = 0x00002000
	memCommit  = 0x00001000
)

// Free types (winnt.h's MEM_*).
const (
	freeDecommit = 0x00004000
	freeRelease  = 0x00008000
)

const defaultPageSize = 0x1000

// MemoryAllocator abstracts the virtual memory services the loader needs:
// reserve/commit a region at a preferred (or arbitrary) address, change a
// region's protection, and release it. This is the Go equivalent of
// MemoryModule.c's alloc/free/CustomAlloc/CustomFree callback pair,
// modeled as an interface instead of raw function pointers plus a
// void *userdata, since a receiver already carries whatever state the C
// version threaded through userdata.
type MemoryAllocator interface {
	// Alloc reserves and/or commits size bytes, preferably at address (0
	// lets the implementation choose). allocType is memReserve|memCommit.
	// protect is a PAGE_* constant.
	Alloc(address uintptr, size uintptr, allocType uint32, protect uint32) (uintptr, error)

	// Free releases or decommits a region previously returned by Alloc.
	Free(address uintptr, size uintptr, freeType uint32) error

	// Protect changes a region's protection and returns the previous one.
	Protect(address uintptr, size uintptr, protect uint32) (uint32, error)

	// PageSize reports the platform's allocation granularity for page
	// alignment, used by the Section Finalizer's page-run coalescing.
	PageSize() uintptr
}

// ModuleHandle identifies a module resolved through a ModuleResolver. Its
// meaning is resolver-defined: on Windows it's an HMODULE cast to
// uintptr.
type ModuleHandle uintptr

// Symbol identifies an imported function either by name or by ordinal,
// mirroring how MemoryModule.c's BuildImportTable distinguishes the two
// via IMAGE_SNAP_BY_ORDINAL.
type Symbol struct {
	Name      string
	Ordinal   uint16
	ByOrdinal bool
}

// ModuleResolver abstracts the load_library/get_proc_address/free_library
// triad, used both by the Import Binder (to satisfy the
// loaded image's own imports) and available to callers wanting to resolve
// the loaded image's own exports through the same GetProcAddress-shaped
// API.
type ModuleResolver interface {
	Load(name string) (ModuleHandle, error)
	ProcAddress(mod ModuleHandle, sym Symbol) (uintptr, error)
	Free(mod ModuleHandle) error
}

// entryPointCaller and exeEntryCaller indirect through package variables,
// initialized to the platform-specific callEntryPoint/callExeEntryPoint
// (callbacks_windows.go/callbacks_other.go), rather than module.go calling
// those functions directly. A unit test exercising LoadEx/CallEntryPoint
// against a synthetic image has no real callable machine code to jump to
// and no Windows host to jump on, so it substitutes these with a fake that
// reports success without ever executing the image - the "test-reachable
// fake entry path" the platform-specific callbacks alone can't provide.
var (
	entryPointCaller = callEntryPoint
	exeEntryCaller   = callExeEntryPoint
)
