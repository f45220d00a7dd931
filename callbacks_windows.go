// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build windows
// +build windows

package memmod

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// GetProcAddress only accepts ordinals through the low-order word of the
// lpProcName argument when its high-order word is zero (the
// MAKEINTRESOURCE convention); golang.org/x/sys/windows only exposes the
// by-name overload, so ordinal lookups go through the raw kernel32 proc
// directly, the same pattern used for any Win32 API not yet wrapped by
// x/sys/windows.
var (
	modkernel32         = windows.NewLazySystemDLL("kernel32.dll")
	procGetProcAddress  = modkernel32.NewProc("GetProcAddress")
)

// windowsAllocator is the default MemoryAllocator, a thin wrapper over
// VirtualAlloc/VirtualProtect/VirtualFree, grounded on MemoryModule.c's
// MemoryDefaultAlloc/MemoryDefaultFree and on the real-syscall usage
// pattern shown in other_examples/dblohm7-wingoes's pe_windows.go.
type windowsAllocator struct {
	pageSize uintptr
}

// DefaultAllocator returns the Windows-backed MemoryAllocator used when a
// caller doesn't need to intercept allocation (the common case).
func DefaultAllocator() MemoryAllocator {
	var info windows.SystemInfo
	windows.GetNativeSystemInfo(&info)
	pageSize := uintptr(info.PageSize)
	if pageSize == 0 {
		pageSize = defaultPageSize
	}
	return &windowsAllocator{pageSize: pageSize}
}

func (a *windowsAllocator) Alloc(address uintptr, size uintptr, allocType uint32, protect uint32) (uintptr, error) {
	addr, err := windows.VirtualAlloc(address, size, allocType, protect)
	if err != nil {
		return 0, err
	}
	return addr, nil
}

func (a *windowsAllocator) Free(address uintptr, size uintptr, freeType uint32) error {
	return windows.VirtualFree(address, size, freeType)
}

func (a *windowsAllocator) Protect(address uintptr, size uintptr, protect uint32) (uint32, error) {
	var old uint32
	if err := windows.VirtualProtect(address, size, protect, &old); err != nil {
		return 0, err
	}
	return old, nil
}

func (a *windowsAllocator) PageSize() uintptr {
	return a.pageSize
}

// windowsResolver is the default ModuleResolver, backed by
// LoadLibraryW/GetProcAddress/FreeLibrary, grounded on MemoryModule.c's
// MemoryDefaultLoadLibrary/MemoryDefaultGetProcAddress/MemoryDefaultFreeLibrary.
type windowsResolver struct{}

// DefaultResolver returns the Windows-backed ModuleResolver used when a
// caller doesn't need to intercept import resolution.
func DefaultResolver() ModuleResolver { return windowsResolver{} }

func (windowsResolver) Load(name string) (ModuleHandle, error) {
	h, err := windows.LoadLibrary(name)
	if err != nil {
		return 0, newErr(KindModuleNotFound, name, err)
	}
	return ModuleHandle(h), nil
}

func (windowsResolver) ProcAddress(mod ModuleHandle, sym Symbol) (uintptr, error) {
	var (
		addr uintptr
		err  error
	)
	if sym.ByOrdinal {
		r0, _, e1 := procGetProcAddress.Call(uintptr(mod), uintptr(sym.Ordinal))
		addr = r0
		if addr == 0 {
			err = e1
		}
	} else {
		addr, err = windows.GetProcAddress(windows.Handle(mod), sym.Name)
	}
	if err != nil {
		return 0, newErr(KindSymbolNotFound, sym.Name, err)
	}
	return addr, nil
}

func (windowsResolver) Free(mod ModuleHandle) error {
	return windows.FreeLibrary(windows.Handle(mod))
}

// threadLocale returns the current thread's locale identifier, used by the
// Resource Directory Walker's DEFAULT_LANGUAGE substitution
// (MemoryModule.c's GetThreadLocale()).
func threadLocale() uint32 {
	return uint32(windows.GetThreadLocale())
}

// callEntryPoint invokes the loaded image's DllMain (or the TLS callback
// convention, which shares DllMain's signature) at entry, passing codeBase
// as the hinstDLL argument and reason as fdwReason with lpvReserved left
// NULL. syscall.Syscall's job on windows/amd64 is exactly "call this
// address with these arguments using the platform calling convention" - it
// does not require entry to be a real Win32 syscall trap, only a callable
// address, which is the trick that makes calling into a manually mapped
// image possible without cgo. Grounded on the memmod port inside
// tklauser/wireguard-go's tun/wintun/memmod package, which calls its
// equivalent DLL entry point the same way.
func callEntryPoint(entry, codeBase uintptr, reason tlsReason) (bool, error) {
	r0, _, e1 := syscall.Syscall(entry, 3, codeBase, uintptr(reason), 0)
	if r0 == 0 {
		return false, e1
	}
	return true, nil
}

// callExeEntryPoint invokes an EXE image's entry point, grounded on
// MemoryModule.c:49-50's distinct ExeEntryProc(void) signature - zero
// arguments, unlike DllEntryProc's (HINSTANCE, DWORD, LPVOID) - and on
// MemoryCallEntryPoint (lines 765-773), which returns that call's actual
// int result verbatim rather than collapsing it to a BOOL.
func callExeEntryPoint(entry uintptr) int {
	r0, _, _ := syscall.Syscall(entry, 0, 0, 0, 0)
	return int(r0)
}

// callTLSCallback invokes one PIMAGE_TLS_CALLBACK entry with the same
// calling convention as callEntryPoint.
func callTLSCallback(callback, codeBase uintptr, reason tlsReason) {
	syscall.Syscall(callback, 3, codeBase, uintptr(reason), 0)
}
