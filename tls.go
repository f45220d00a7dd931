// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package memmod

import "encoding/binary"

// imageTLSDirectory32/64 are IMAGE_TLS_DIRECTORY32/64. AddressOfIndex and
// AddressOfCallBacks are VAs (not RVAs) once the image is relocated, so
// they're resolved relative to codeBase rather than through the usual
// RVA-into-mem helpers.
type imageTLSDirectory32 struct {
	StartAddressOfRawData uint32
	EndAddressOfRawData   uint32
	AddressOfIndex        uint32
	AddressOfCallBacks    uint32
	SizeOfZeroFill        uint32
	Characteristics       uint32
}

type imageTLSDirectory64 struct {
	StartAddressOfRawData uint64
	EndAddressOfRawData   uint64
	AddressOfIndex        uint64
	AddressOfCallBacks    uint64
	SizeOfZeroFill        uint32
	Characteristics       uint32
}

// tlsReason mirrors the fdwReason values DllMain and TLS callbacks receive.
type tlsReason uint32

const (
	dllProcessAttach tlsReason = 1
	dllProcessDetach tlsReason = 0
)

// executeTLSCallbacks is the TLS Invoker: it walks the
// null-terminated array of TLS callback pointers and invokes each with
// DLL_PROCESS_ATTACH, grounded on MemoryModule.c's ExecuteTLS.
//
// Calling into the loaded image's own code from Go requires a trampoline
// the way CallEntryPoint does; invoke is supplied by module.go so this file
// stays architecture-agnostic.
func executeTLSCallbacks(mem []byte, h *peHeaders, codeBase uintptr, invoke func(callback uintptr, reason tlsReason)) error {
	dir := h.dataDir(dirEntryTLS)
	if dir.Size == 0 {
		return nil
	}

	if h.is64 {
		var tls imageTLSDirectory64
		size := uint32(binary.Size(tls))
		if err := structUnpack(mem, dir.VirtualAddress, size, &tls); err != nil {
			return newErr(KindInvalidData, "tls invoker", err)
		}
		if tls.AddressOfCallBacks == 0 {
			return nil
		}
		callbacksRVA := uint32(tls.AddressOfCallBacks - uint64(codeBase))
		for i := uint32(0); ; i++ {
			cb, err := readUint64(mem, callbacksRVA+i*8)
			if err != nil {
				return newErr(KindInvalidData, "tls invoker", err)
			}
			if cb == 0 {
				break
			}
			invoke(uintptr(cb), dllProcessAttach)
		}
		return nil
	}

	var tls imageTLSDirectory32
	size := uint32(binary.Size(tls))
	if err := structUnpack(mem, dir.VirtualAddress, size, &tls); err != nil {
		return newErr(KindInvalidData, "tls invoker", err)
	}
	if tls.AddressOfCallBacks == 0 {
		return nil
	}
	callbacksRVA := tls.AddressOfCallBacks - uint32(codeBase)
	for i := uint32(0); ; i++ {
		cb, err := readUint32(mem, callbacksRVA+i*4)
		if err != nil {
			return newErr(KindInvalidData, "tls invoker", err)
		}
		if cb == 0 {
			break
		}
		invoke(uintptr(cb), dllProcessAttach)
	}
	return nil
}
