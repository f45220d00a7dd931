// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build !windows
// +build !windows

package memmod

// DefaultAllocator has no meaningful implementation off Windows: there is
// no VirtualAlloc to wrap. Grounded on the wireguard-go-style
// build-tag-gated platform file convention (tun_windows.go vs. the
// cross-platform stub), where the non-Windows variant simply reports the
// platform as unsupported rather than omitting the symbol.
func DefaultAllocator() MemoryAllocator { return unsupportedAllocator{} }

// DefaultResolver mirrors DefaultAllocator's stub behavior.
func DefaultResolver() ModuleResolver { return unsupportedResolver{} }

type unsupportedAllocator struct{}

func (unsupportedAllocator) Alloc(uintptr, uintptr, uint32, uint32) (uintptr, error) {
	return 0, ErrUnsupportedPlatform
}
func (unsupportedAllocator) Free(uintptr, uintptr, uint32) error { return ErrUnsupportedPlatform }
func (unsupportedAllocator) Protect(uintptr, uintptr, uint32) (uint32, error) {
	return 0, ErrUnsupportedPlatform
}
func (unsupportedAllocator) PageSize() uintptr { return defaultPageSize }

type unsupportedResolver struct{}

func (unsupportedResolver) Load(string) (ModuleHandle, error) { return 0, ErrUnsupportedPlatform }
func (unsupportedResolver) ProcAddress(ModuleHandle, Symbol) (uintptr, error) {
	return 0, ErrUnsupportedPlatform
}
func (unsupportedResolver) Free(ModuleHandle) error { return ErrUnsupportedPlatform }

func threadLocale() uint32 { return 0 }

func callEntryPoint(entry, codeBase uintptr, reason tlsReason) (bool, error) {
	return false, ErrUnsupportedPlatform
}

func callExeEntryPoint(entry uintptr) int {
	return 0
}

func callTLSCallback(callback, codeBase uintptr, reason tlsReason) {}
