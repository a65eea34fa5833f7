// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Reply is a decoded reply payload.
type Reply struct {
	Tag   uint32
	Prob  float32
	Flag  uint32
	Value int32
	Ts    uint64
}

// ReplySize returns the encoded reply size for the given epoch.
func ReplySize(epoch Epoch) int {
	if epoch == EpochLegacy {
		return ReplyLegacySize
	}
	return ReplyCurrentSize
}

// Encode serializes the reply into b in the layout of the given epoch and
// returns the number of bytes written.  The timestamp is only carried by
// current-epoch replies.
func (r *Reply) Encode(b []byte, epoch Epoch) (int, error) {
	const fn = "Reply.Encode"

	need := ReplySize(epoch)
	if len(b) < need {
		msg := fmt.Sprintf("target size %d is too small for reply "+
			"size %d", len(b), need)
		return 0, messageError(fn, ErrShortBuffer, msg)
	}
	binary.LittleEndian.PutUint32(b[0:4], r.Tag)
	binary.LittleEndian.PutUint32(b[4:8], math.Float32bits(r.Prob))
	binary.LittleEndian.PutUint32(b[8:12], r.Flag)
	binary.LittleEndian.PutUint32(b[12:16], uint32(r.Value))
	if epoch == EpochLegacy {
		return ReplyLegacySize, nil
	}
	binary.LittleEndian.PutUint64(b[16:24], r.Ts)
	return ReplyCurrentSize, nil
}

// DecodeReply parses a reply payload.  The epoch is inferred from the size.
func DecodeReply(b []byte) (*Reply, Epoch, error) {
	const fn = "DecodeReply"

	var epoch Epoch
	switch len(b) {
	case ReplyLegacySize:
		epoch = EpochLegacy
	case ReplyCurrentSize:
		epoch = EpochCurrent
	default:
		msg := fmt.Sprintf("reply size %d matches no known epoch",
			len(b))
		return nil, 0, messageError(fn, ErrBadFrameLength, msg)
	}

	var rep Reply
	rep.Tag = binary.LittleEndian.Uint32(b[0:4])
	rep.Prob = math.Float32frombits(binary.LittleEndian.Uint32(b[4:8]))
	rep.Flag = binary.LittleEndian.Uint32(b[8:12])
	rep.Value = int32(binary.LittleEndian.Uint32(b[12:16]))
	if epoch == EpochCurrent {
		rep.Ts = binary.LittleEndian.Uint64(b[16:24])
	}
	return &rep, epoch, nil
}

// EncryptedReplyHeader is the header prepended to an encrypted reply.
type EncryptedReplyHeader struct {
	Nonce [NonceSize]byte
	MAC   [MACSize]byte
}

// Encode serializes the encrypted reply header into b and returns the number
// of bytes written.
func (h *EncryptedReplyHeader) Encode(b []byte) (int, error) {
	const fn = "EncryptedReplyHeader.Encode"

	if len(b) < EncryptedReplyHeaderSize {
		msg := fmt.Sprintf("target size %d is too small for the "+
			"encrypted reply header size %d", len(b),
			EncryptedReplyHeaderSize)
		return 0, messageError(fn, ErrShortBuffer, msg)
	}
	off := copy(b, h.Nonce[:])
	off += copy(b[off:], h.MAC[:])
	return off, nil
}
