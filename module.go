// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package memmod

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/go-kratos/kratos/v2/log"

	internallog "github.com/saferwall/memmod/internal/log"
)

// LoadOptions configures a call to LoadEx, mirroring the degrees of
// freedom MemoryModule.c exposes through MemoryLoadLibraryEx's
// CustomAlloc/CustomFree/CustomLoadLibrary/CustomGetProcAddress/CustomFreeLibrary
// parameters plus its userdata pointer - replaced here by two injectable
// interfaces instead of five function pointers and a void*, since a Go
// interface value already carries whatever state userdata would have
// (an Open Question resolution recorded in DESIGN.md).
type LoadOptions struct {
	// Allocator supplies the loader's virtual memory services. DefaultAllocator()
	// is used when nil.
	Allocator MemoryAllocator

	// Resolver supplies the loader's module/symbol resolution services for
	// the image's own imports. DefaultResolver() is used when nil.
	Resolver ModuleResolver

	// Logger receives the loader's structured diagnostics. A filtered
	// stdout logger reporting only errors is used when nil, the same
	// default file.go applies for an unset Options.Logger.
	Logger log.Logger
}

// Module is a PE image loaded into the current process's address space,
// the Go analogue of MemoryModule.c's MEMORYMODULE struct.
type Module struct {
	mu sync.Mutex

	codeBase uintptr
	size     uintptr
	mem      []byte

	headers *peHeaders

	allocator MemoryAllocator
	resolver  ModuleResolver
	imports   []ModuleHandle

	isDLL       bool
	initialized bool
	isRelocated bool
	freed       bool
	entryPoint  uintptr

	logger *log.Helper
}

// Load parses and maps data (the raw bytes of a PE DLL or EXE) into the
// current process using the platform's default allocator and resolver,
// the common case MemoryModule.c's MemoryLoadLibrary covers.
func Load(data []byte) (*Module, error) {
	return LoadEx(data, nil)
}

// LoadEx is the full loading pipeline: Header Validator ->
// Image Layout Planner (the SizeOfImage vs lastSectionEnd check below)
// -> allocate -> Section Materializer -> Relocator -> Import Binder ->
// Section Finalizer -> TLS Invoker -> entry point, grounded end to end on
// MemoryModule.c's MemoryLoadLibraryEx.
func LoadEx(data []byte, opts *LoadOptions) (*Module, error) {
	if opts == nil {
		opts = &LoadOptions{}
	}
	allocator := opts.Allocator
	if allocator == nil {
		allocator = DefaultAllocator()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = DefaultResolver()
	}
	logger := internallog.New(opts.Logger)

	dos, err := parseDOSHeader(data)
	if err != nil {
		return nil, err
	}
	h, err := parseNTHeaders(data, dos)
	if err != nil {
		return nil, err
	}

	if h.sectionAlignment()&1 != 0 {
		return nil, newErr(KindBadFormat, "section alignment", ErrOutsideBoundary)
	}

	pageSize := uint32(allocator.PageSize())
	alignedImageSize := alignUp(h.sizeOfImage(), pageSize)
	if alignedImageSize != alignUp(lastSectionEnd(h), pageSize) {
		return nil, newErr(KindInvalidData, "sections are not page-aligned", nil)
	}

	m := &Module{
		headers:   h,
		allocator: allocator,
		resolver:  resolver,
		isDLL:     h.isDLL(),
		size:      uintptr(alignedImageSize),
		logger:    logger,
	}

	codeBase, err := allocator.Alloc(uintptr(h.imageBase()), uintptr(alignedImageSize), memReserve|memCommit, pageReadWrite)
	if err != nil {
		// Preferred base unavailable; MemoryModule.c falls back to letting
		// the OS pick any address.
		logger.Warnf("preferred image base %#x unavailable, retrying at an arbitrary address: %v", h.imageBase(), err)
		codeBase, err = allocator.Alloc(0, uintptr(alignedImageSize), memReserve|memCommit, pageReadWrite)
		if err != nil {
			logger.Errorf("virtual alloc of %d bytes failed: %v", alignedImageSize, err)
			return nil, newErr(KindOutOfMemory, "virtual alloc", err)
		}
	}
	m.codeBase = codeBase
	m.mem = unsafe.Slice((*byte)(unsafe.Pointer(codeBase)), alignedImageSize)

	if uint64(h.sizeOfHeaders()) > uint64(len(data)) {
		m.release()
		return nil, newErr(KindInvalidData, "incomplete headers", ErrOutsideBoundary)
	}
	copy(m.mem, data[:h.sizeOfHeaders()])

	// Rewrite the mapped copy's ImageBase field to the actual load
	// address, matching MemoryModule.c's headers->OptionalHeader.ImageBase
	// = codeBase.
	if h.is64 {
		binary.LittleEndian.PutUint64(m.mem[h.imageBaseFieldOffset():], uint64(codeBase))
	} else {
		binary.LittleEndian.PutUint32(m.mem[h.imageBaseFieldOffset():], uint32(codeBase))
	}

	if err := copySections(data, h, codeBase, m.mem); err != nil {
		m.release()
		return nil, err
	}

	delta := int64(codeBase) - int64(h.imageBase())
	if delta != 0 {
		logger.Debugf("load delta %#x from preferred base %#x, applying relocations", delta, h.imageBase())
	}
	relocated, err := applyBaseRelocations(m.mem, h, delta)
	if err != nil {
		logger.Errorf("relocator failed: %v", err)
		m.release()
		return nil, err
	}
	m.isRelocated = relocated
	if delta != 0 && !relocated {
		logger.Warnf("image has no base relocation directory and could not load at its preferred base; entry point dispatch for an EXE will be refused")
	}

	imports, err := bindImports(m.mem, h, resolver)
	if err != nil {
		logger.Errorf("import binder failed: %v", err)
		m.release()
		return nil, err
	}
	m.imports = imports
	logger.Debugf("bound %d imported module(s)", len(imports))

	if err := finalizeSections(allocator, h, codeBase); err != nil {
		logger.Errorf("section finalizer failed: %v", err)
		m.freeImports()
		m.release()
		return nil, err
	}

	if err := executeTLSCallbacks(m.mem, h, codeBase, func(callback uintptr, reason tlsReason) {
		callTLSCallback(callback, codeBase, reason)
	}); err != nil {
		logger.Errorf("TLS invoker failed: %v", err)
		m.freeImports()
		m.release()
		return nil, err
	}

	if h.addressOfEntryPoint() != 0 {
		m.entryPoint = codeBase + uintptr(h.addressOfEntryPoint())
		if m.isDLL {
			ok, err := entryPointCaller(m.entryPoint, codeBase, dllProcessAttach)
			if err != nil || !ok {
				logger.Warnf("DllMain returned failure on DLL_PROCESS_ATTACH: %v", err)
				m.freeImports()
				m.release()
				return nil, newErr(KindDllInitFailed, "DllMain", err)
			}
			m.initialized = true
		}
	} else {
		logger.Debugf("image has no entry point")
	}

	return m, nil
}

// lastSectionEnd returns the highest VirtualAddress+size any section
// reaches, used to sanity-check SizeOfImage against the actual section
// layout before committing memory for it.
func lastSectionEnd(h *peHeaders) uint32 {
	var end uint32
	for i := range h.sections {
		s := &h.sections[i]
		size := sectionVirtualSize(h, s)
		if e := s.VirtualAddress + size; e > end {
			end = e
		}
	}
	return end
}

// CallEntryPoint invokes the image's entry point directly, the operation
// an EXE image needs since LoadEx only auto-invokes DLL_PROCESS_ATTACH for
// DLLs, grounded on MemoryModule.c's MemoryCallEntryPoint. Per spec.md
// §4.9, it refuses to run on a DLL, on an image that never relocated
// (is_relocated is false), or on an image without an entry point.
func (m *Module) CallEntryPoint() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freed {
		return 0, ErrAlreadyFreed
	}
	if m.isDLL {
		return 0, newErr(KindDllInitFailed, "entry point", ErrCallEntryOnDLL)
	}
	if !m.isRelocated {
		return 0, newErr(KindDllInitFailed, "entry point", ErrNotRelocated)
	}
	if m.entryPoint == 0 {
		return 0, newErr(KindDllInitFailed, "entry point", ErrNoEntryPoint)
	}
	return exeEntryCaller(m.entryPoint), nil
}

// GetProcAddress resolves an export by name, the Export Resolver applied
// to this loaded image, grounded on MemoryModule.c's MemoryGetProcAddress.
// A forwarded export (spec.md §1 Non-goal, §4.10) is reported as
// SymbolNotFound rather than chased through another module.
func (m *Module) GetProcAddress(name string) (uintptr, error) {
	return m.procAddress(Symbol{Name: name})
}

// GetProcAddressByOrdinal resolves an export by ordinal.
func (m *Module) GetProcAddressByOrdinal(ordinal uint16) (uintptr, error) {
	return m.procAddress(Symbol{ByOrdinal: true, Ordinal: ordinal})
}

func (m *Module) procAddress(sym Symbol) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freed {
		return 0, ErrAlreadyFreed
	}

	rva, forward, err := findExport(m.mem, m.headers, sym)
	if err != nil {
		return 0, err
	}
	if forward != "" {
		// Forwarded exports across memory modules are an explicit
		// Non-goal (spec.md §1); §4.10 is explicit that a forward is
		// reported, not followed recursively, so the caller sees a
		// SymbolNotFound rather than a transparently chased address.
		return 0, newErr(KindSymbolNotFound, forward, ErrForwardedExport)
	}
	return m.codeBase + uintptr(rva), nil
}

// FindResource locates a resource by TYPE, NAME and LANGUAGE, returning the
// raw resource bytes, grounded on MemoryModule.c's
// MemoryFindResourceEx+MemoryLoadResource+MemorySizeofResource collapsed
// into one call since this loader never hands a raw HRSRC back to a
// caller.
func (m *Module) FindResource(typ, name uint16, lang uint16) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freed {
		return nil, ErrAlreadyFreed
	}
	return resourceBytes(m.mem, m.headers, resourceIDFromInt(typ), resourceIDFromInt(name), lang)
}

// FindResourceByName is FindResource for a named (rather than numeric)
// resource NAME entry.
func (m *Module) FindResourceByName(typ uint16, name string, lang uint16) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freed {
		return nil, ErrAlreadyFreed
	}
	return resourceBytes(m.mem, m.headers, resourceIDFromInt(typ), resourceIDFromName(name), lang)
}

// LoadString is LoadStringEx: it returns the string table
// entry identified by id, in the requested language.
func (m *Module) LoadString(id uint16, lang uint16) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freed {
		return "", ErrAlreadyFreed
	}
	return loadString(m.mem, m.headers, id, lang)
}

// IsDLL reports whether the loaded image is a DLL (as opposed to an EXE).
func (m *Module) IsDLL() bool { return m.isDLL }

// EntryPoint returns the loaded image's entry point address in the
// current process, or 0 if the image has none.
func (m *Module) EntryPoint() uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entryPoint
}

// BaseAddress returns the address the image was actually mapped at, which
// may differ from its preferred ImageBase if that range was unavailable.
func (m *Module) BaseAddress() uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codeBase
}

// Free releases the module's resolved import handles and unmaps its
// memory, grounded on MemoryModule.c's MemoryFreeLibrary.
func (m *Module) Free() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freed {
		return ErrAlreadyFreed
	}
	if m.initialized {
		m.logger.Debugf("invoking DllMain with DLL_PROCESS_DETACH")
		entryPointCaller(m.entryPoint, m.codeBase, dllProcessDetach)
		m.initialized = false
	}
	m.freeImports()
	m.release()
	return nil
}

func (m *Module) freeImports() {
	for _, h := range m.imports {
		_ = m.resolver.Free(h)
	}
	m.imports = nil
}

func (m *Module) release() {
	if m.freed {
		return
	}
	if m.codeBase != 0 {
		_ = m.allocator.Free(m.codeBase, 0, freeRelease)
	}
	m.freed = true
	m.mem = nil
}
