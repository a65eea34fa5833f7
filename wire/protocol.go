// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

// Epoch identifies a recognized generation of the request protocol.
type Epoch uint8

const (
	// EpochLegacy is the frame format whose size must match the expected
	// request size exactly and which carries no extension records.
	EpochLegacy Epoch = iota

	// EpochCurrent is the frame format that may exceed the base request
	// size, with the tail parsed as extension records.
	EpochCurrent
)

// String returns the epoch in human-readable form.
func (e Epoch) String() string {
	switch e {
	case EpochLegacy:
		return "legacy"
	case EpochCurrent:
		return "current"
	}
	return "unknown"
}

// Command identifies the operation requested by a frame.
type Command uint8

// These constants define the supported request commands.
const (
	CmdCheck   Command = 0
	CmdWrite   Command = 1
	CmdDelete  Command = 2
	CmdStat    Command = 3
	CmdRefresh Command = 4
)

// String returns the command in human-readable form.
func (c Command) String() string {
	switch c {
	case CmdCheck:
		return "check"
	case CmdWrite:
		return "write"
	case CmdDelete:
		return "delete"
	case CmdStat:
		return "stat"
	case CmdRefresh:
		return "refresh"
	}
	return "unknown"
}

const (
	// VersionLegacy is the version byte carried by legacy frames.
	VersionLegacy = 3

	// VersionCurrent is the version byte carried by current frames.
	VersionCurrent = 4

	// DigestSize is the size in bytes of a content digest.
	DigestSize = 64

	// ShingleCount is the number of shingle hashes carried by a shingle
	// request.  A request either carries exactly this many or none.
	ShingleCount = 32

	// RequestBaseSize is the size in bytes of a request frame without
	// shingles: version 1 + command 1 + shingle count 1 + flag 4 + tag 4 +
	// digest 64.
	RequestBaseSize = 1 + 1 + 1 + 4 + 4 + DigestSize

	// RequestShingleSize is the size in bytes of a request frame carrying
	// a shingle vector.
	RequestShingleSize = RequestBaseSize + ShingleCount*8

	// ReplyLegacySize is the size in bytes of a legacy reply payload:
	// tag 4 + probability 4 + flag 4 + value 4.
	ReplyLegacySize = 4 + 4 + 4 + 4

	// ReplyCurrentSize is the size in bytes of a current reply payload,
	// which appends the last-seen timestamp.
	ReplyCurrentSize = ReplyLegacySize + 8

	// KeyIDSize is the size in bytes of a key identifier, which is the
	// public key of the recipient keypair.
	KeyIDSize = 32

	// PubKeySize is the size in bytes of a Curve25519 public key.
	PubKeySize = 32

	// NonceSize is the size in bytes of an encryption nonce.
	NonceSize = 24

	// MACSize is the size in bytes of a message authentication code.
	MACSize = 16

	// EncryptedHeaderSize is the size in bytes of the cleartext header
	// that precedes an encrypted request frame.
	EncryptedHeaderSize = 8 + KeyIDSize + PubKeySize + NonceSize + MACSize

	// EncryptedReplyHeaderSize is the size in bytes of the header that
	// precedes an encrypted reply: nonce 24 + MAC 16.
	EncryptedReplyHeaderSize = NonceSize + MACSize

	// MaxMessageSize is the maximum size in bytes of any datagram accepted
	// or produced by the protocol.
	MaxMessageSize = 1024

	// PeerCmdSize is the size in bytes of a peer fan-in datagram: a
	// one-byte shingle marker followed by a full shingle request body.
	PeerCmdSize = 1 + RequestShingleSize
)

// These constants are the reply values reported for the various admission and
// processing outcomes.
const (
	// ReplyValueOK indicates the request was processed.
	ReplyValueOK = 0

	// ReplyValueSkip indicates a write matched the skip-hash set.
	ReplyValueSkip = 401

	// ReplyValueForbidden indicates the request was refused by admission
	// policy.
	ReplyValueForbidden = 403

	// ReplyValueError indicates the request was malformed or processing
	// failed internally.
	ReplyValueError = 500
)

// encryptedMagic is the prefix that marks a frame as encrypted.
var encryptedMagic = [8]byte{'f', 'z', 'y', 'd', 'e', 'n', 'c', '1'}
