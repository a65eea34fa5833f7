// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ShingleVector is the fixed-length vector of shingle hashes carried by a
// shingle request.
type ShingleVector [ShingleCount]uint64

// Request is a decoded request frame.
type Request struct {
	Version  uint8
	Cmd      Command
	Flag     uint32
	Tag      uint32
	Digest   [DigestSize]byte
	Shingles *ShingleVector
	Ext      Extensions
}

// BodySize returns the encoded size of the request body, excluding any
// extension records.
func (r *Request) BodySize() int {
	if r.Shingles != nil {
		return RequestShingleSize
	}
	return RequestBaseSize
}

// decodeBody parses the fixed request body from b, which must be at least
// RequestBaseSize bytes.  It returns the number of bytes consumed.
func (r *Request) decodeBody(fn string, b []byte) (int, error) {
	r.Version = b[0]
	r.Cmd = Command(b[1])
	nshingles := b[2]
	r.Flag = binary.LittleEndian.Uint32(b[3:7])
	r.Tag = binary.LittleEndian.Uint32(b[7:11])
	copy(r.Digest[:], b[11:11+DigestSize])

	switch nshingles {
	case 0:
		r.Shingles = nil
		return RequestBaseSize, nil

	case ShingleCount:
		if len(b) < RequestShingleSize {
			msg := fmt.Sprintf("frame size %d is too small for a "+
				"shingle request (min %d)", len(b),
				RequestShingleSize)
			return 0, messageError(fn, ErrTruncatedFrame, msg)
		}
		sh := new(ShingleVector)
		off := RequestBaseSize
		for i := range sh {
			sh[i] = binary.LittleEndian.Uint64(b[off : off+8])
			off += 8
		}
		r.Shingles = sh
		return RequestShingleSize, nil

	default:
		msg := fmt.Sprintf("shingle count %d is neither 0 nor %d",
			nshingles, ShingleCount)
		return 0, messageError(fn, ErrBadShingleCount, msg)
	}
}

// encodeBody serializes the fixed request body into b, which must be at
// least BodySize bytes.  It returns the number of bytes written.
func (r *Request) encodeBody(b []byte) int {
	b[0] = r.Version
	b[1] = byte(r.Cmd)
	if r.Shingles != nil {
		b[2] = ShingleCount
	} else {
		b[2] = 0
	}
	binary.LittleEndian.PutUint32(b[3:7], r.Flag)
	binary.LittleEndian.PutUint32(b[7:11], r.Tag)
	copy(b[11:11+DigestSize], r.Digest[:])
	if r.Shingles == nil {
		return RequestBaseSize
	}
	off := RequestBaseSize
	for _, s := range r.Shingles {
		binary.LittleEndian.PutUint64(b[off:off+8], s)
		off += 8
	}
	return RequestShingleSize
}

// Encode serializes the request into b and returns the number of bytes
// written.  Extension records carried by the request are appended after the
// body.
func (r *Request) Encode(b []byte) (int, error) {
	const fn = "Request.Encode"

	need := r.BodySize() + r.Ext.EncodedSize()
	if len(b) < need {
		msg := fmt.Sprintf("target size %d is too small for frame "+
			"size %d", len(b), need)
		return 0, messageError(fn, ErrShortBuffer, msg)
	}
	n := r.encodeBody(b)
	n += r.Ext.encode(b[n:])
	return n, nil
}

// DecodeRequest parses a plaintext request frame and reports the protocol
// epoch it belongs to.  Legacy frames must match the expected size for their
// shape exactly.  Current frames may exceed it, with the tail parsed as
// extension records.
func DecodeRequest(b []byte) (*Request, Epoch, error) {
	const fn = "DecodeRequest"

	if len(b) < RequestBaseSize {
		msg := fmt.Sprintf("frame size %d is below the minimum "+
			"request size %d", len(b), RequestBaseSize)
		return nil, 0, messageError(fn, ErrTruncatedFrame, msg)
	}

	var epoch Epoch
	switch b[0] {
	case VersionLegacy:
		epoch = EpochLegacy
	case VersionCurrent:
		epoch = EpochCurrent
	default:
		msg := fmt.Sprintf("unrecognized protocol version %d", b[0])
		return nil, 0, messageError(fn, ErrBadVersion, msg)
	}

	var req Request
	n, err := req.decodeBody(fn, b)
	if err != nil {
		return nil, 0, err
	}

	switch epoch {
	case EpochLegacy:
		if len(b) != n {
			msg := fmt.Sprintf("legacy frame size %d does not "+
				"match the expected size %d", len(b), n)
			return nil, 0, messageError(fn, ErrBadFrameLength, msg)
		}

	case EpochCurrent:
		ext, err := parseExtensions(b[n:])
		if err != nil {
			return nil, 0, err
		}
		req.Ext = ext
	}

	return &req, epoch, nil
}

// EncryptedHeader is the cleartext header that precedes an encrypted request
// frame.
type EncryptedHeader struct {
	KeyID        [KeyIDSize]byte
	EphemeralPub [PubKeySize]byte
	Nonce        [NonceSize]byte
	MAC          [MACSize]byte
}

// IsEncrypted reports whether the frame carries the encrypted magic prefix.
func IsEncrypted(b []byte) bool {
	if len(b) < len(encryptedMagic) {
		return false
	}
	return bytes.Equal(b[:len(encryptedMagic)], encryptedMagic[:])
}

// ParseEncryptedHeader splits an encrypted frame into its header and the
// trailing ciphertext.  The caller is expected to have checked IsEncrypted
// first; the magic is verified again regardless.
func ParseEncryptedHeader(b []byte) (*EncryptedHeader, []byte, error) {
	const fn = "ParseEncryptedHeader"

	if len(b) < EncryptedHeaderSize {
		msg := fmt.Sprintf("frame size %d is below the encrypted "+
			"header size %d", len(b), EncryptedHeaderSize)
		return nil, nil, messageError(fn, ErrTruncatedFrame, msg)
	}
	if !IsEncrypted(b) {
		msg := "frame does not carry the encrypted magic prefix"
		return nil, nil, messageError(fn, ErrUnknownEncryption, msg)
	}

	var hdr EncryptedHeader
	off := len(encryptedMagic)
	off += copy(hdr.KeyID[:], b[off:off+KeyIDSize])
	off += copy(hdr.EphemeralPub[:], b[off:off+PubKeySize])
	off += copy(hdr.Nonce[:], b[off:off+NonceSize])
	off += copy(hdr.MAC[:], b[off:off+MACSize])
	return &hdr, b[off:], nil
}

// EncodeEncryptedHeader serializes an encrypted request header into b and
// returns the number of bytes written.
func EncodeEncryptedHeader(hdr *EncryptedHeader, b []byte) (int, error) {
	const fn = "EncodeEncryptedHeader"

	if len(b) < EncryptedHeaderSize {
		msg := fmt.Sprintf("target size %d is too small for the "+
			"encrypted header size %d", len(b), EncryptedHeaderSize)
		return 0, messageError(fn, ErrShortBuffer, msg)
	}
	off := copy(b, encryptedMagic[:])
	off += copy(b[off:], hdr.KeyID[:])
	off += copy(b[off:], hdr.EphemeralPub[:])
	off += copy(b[off:], hdr.Nonce[:])
	off += copy(b[off:], hdr.MAC[:])
	return off, nil
}
