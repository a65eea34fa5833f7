// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
)

// EncodePeerCmd serializes a request as a fixed-size peer fan-in datagram:
// a one-byte shingle marker followed by a full shingle request body.  Frames
// without shingles leave the shingle area zeroed.  Extension records are not
// carried between peers.  Exactly PeerCmdSize bytes are written.
func EncodePeerCmd(req *Request, b []byte) (int, error) {
	const fn = "EncodePeerCmd"

	if len(b) < PeerCmdSize {
		msg := fmt.Sprintf("target size %d is too small for peer "+
			"datagram size %d", len(b), PeerCmdSize)
		return 0, messageError(fn, ErrShortBuffer, msg)
	}
	if req.Shingles != nil {
		b[0] = 1
	} else {
		b[0] = 0
	}
	n := 1 + req.encodeBody(b[1:])
	for i := n; i < PeerCmdSize; i++ {
		b[i] = 0
	}
	return PeerCmdSize, nil
}

// DecodePeerCmd parses a peer fan-in datagram produced by EncodePeerCmd.
func DecodePeerCmd(b []byte) (*Request, error) {
	const fn = "DecodePeerCmd"

	if len(b) != PeerCmdSize {
		msg := fmt.Sprintf("peer datagram size %d does not match "+
			"the expected size %d", len(b), PeerCmdSize)
		return nil, messageError(fn, ErrBadFrameLength, msg)
	}

	var req Request
	if _, err := req.decodeBody(fn, b[1:]); err != nil {
		return nil, err
	}
	hasShingles := req.Shingles != nil
	if (b[0] == 1) != hasShingles {
		msg := fmt.Sprintf("shingle marker %d disagrees with the "+
			"body shingle count", b[0])
		return nil, messageError(fn, ErrBadShingleCount, msg)
	}
	return &req, nil
}
