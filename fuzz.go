// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// +build gofuzz

package memmod

// Fuzz exercises the Header Validator and Image Layout Planner (dos/nt/
// section header parsing) against arbitrary input, grounded on the
// go-fuzz harness shape of a top-level Fuzz(data []byte) int entry point.
// It deliberately stops short of LoadEx: that path allocates and executes
// real memory, a mutation fuzzer has no business driving.
func Fuzz(data []byte) int {
	dos, err := parseDOSHeader(data)
	if err != nil {
		return 0
	}
	h, err := parseNTHeaders(data, dos)
	if err != nil {
		return 0
	}
	if h.sizeOfImage() == 0 {
		return 0
	}
	if alignUp(h.sizeOfImage(), defaultPageSize) != alignUp(lastSectionEnd(h), defaultPageSize) {
		return 0
	}
	return 1
}
