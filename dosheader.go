// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package memmod

import "encoding/binary"

// Image executable signatures. Every PE file begins with a small MS-DOS
// stub; the only field the loader cares about is AddressOfNewEXEHeader,
// which points past the stub to the NT headers.
const (
	imageDOSSignature   = 0x5A4D // MZ
	imageDOSZMSignature = 0x4D5A // ZM
	imageOS2Signature   = 0x454E
	imageOS2LESignature = 0x454C
	imageVXDSignature   = 0x584C
	imageTESignature    = 0x5A56
	imageNTSignature    = 0x00004550 // PE00
)

// imageDOSHeader represents the DOS stub of a PE, IMAGE_DOS_HEADER.
type imageDOSHeader struct {
	Magic                    uint16
	BytesOnLastPageOfFile    uint16
	PagesInFile              uint16
	Relocations              uint16
	SizeOfHeader             uint16
	MinExtraParagraphsNeeded uint16
	MaxExtraParagraphsNeeded uint16
	InitialSS                uint16
	InitialSP                uint16
	Checksum                 uint16
	InitialIP                uint16
	InitialCS                uint16
	AddressOfRelocationTable uint16
	OverlayNumber            uint16
	ReservedWords1           [4]uint16
	OEMIdentifier            uint16
	OEMInformation           uint16
	ReservedWords2           [10]uint16
	AddressOfNewEXEHeader    uint32
}

// parseDOSHeader validates and unpacks the DOS stub at the start of data,
// the first step of the Header Validator.
func parseDOSHeader(data []byte) (imageDOSHeader, error) {
	var hdr imageDOSHeader
	size := uint32(binary.Size(hdr))
	if err := structUnpack(data, 0, size, &hdr); err != nil {
		return hdr, newErr(KindBadFormat, "dos header", err)
	}

	// It can be ZM on a (non-PE) EXE; these still run under XP via ntvdm,
	// but this loader only ever deals with proper PE images.
	if hdr.Magic != imageDOSSignature && hdr.Magic != imageDOSZMSignature {
		return hdr, newErr(KindBadFormat, "dos header", ErrDOSMagicNotFound)
	}

	// e_lfanew is the only required element (besides the signature) that
	// turns the EXE stub into a PE. It can't be null, and it can't run
	// past the end of the buffer.
	if hdr.AddressOfNewEXEHeader < 4 || uint64(hdr.AddressOfNewEXEHeader) > uint64(len(data)) {
		return hdr, newErr(KindBadFormat, "dos header", ErrInvalidElfanew)
	}

	return hdr, nil
}
