// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package memmod loads a Portable Executable image from memory, the way the
// Windows loader would load it from disk, without ever touching the
// filesystem. It mirrors the classic MemoryModule technique: a PE/COFF
// image supplied as a byte slice is laid out at a fresh virtual memory
// region, its base relocations are applied, its imports are bound through a
// pluggable resolver, its section protections are finalized, its TLS
// callbacks are run, and its entry point is dispatched.
//
// The loader never talks to the OS directly. All memory and module
// resolution operations go through the MemoryAllocator and ModuleResolver
// interfaces, which callers supply (DefaultAllocator/DefaultResolver on
// Windows, backed by golang.org/x/sys/windows).
package memmod
