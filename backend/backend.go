// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package backend defines the storage contract of the daemon and provides a
// LevelDB reference implementation.
package backend

import (
	"context"

	"github.com/nimblesec/fuzzyd/wire"
)

// CheckResult is the outcome of a digest lookup.
type CheckResult struct {
	// Found reports whether the digest, or a sufficiently similar
	// shingle set, is stored.
	Found bool

	// Prob is the match probability: 1 for an exact digest match,
	// matched/total for a shingle match.
	Prob float32

	// Flag is the category flag the entry was stored under.
	Flag uint32

	// Value is the entry value.
	Value int32

	// Ts is the unix time the entry was last stored or refreshed.
	Ts uint64
}

// UpdateHdr carries the fields common to both update shapes.
type UpdateHdr struct {
	Cmd    wire.Command
	Flag   uint32
	Value  int32
	Digest [wire.DigestSize]byte
}

// Update is one pending storage mutation: a NormalUpdate or a
// ShingleUpdate.
type Update interface {
	// Hdr returns the common update fields.
	Hdr() *UpdateHdr

	sealed()
}

// NormalUpdate mutates a digest entry only.
type NormalUpdate struct {
	UpdateHdr
}

// Hdr returns the common update fields.
func (u *NormalUpdate) Hdr() *UpdateHdr { return &u.UpdateHdr }

func (*NormalUpdate) sealed() {}

// ShingleUpdate mutates a digest entry along with its shingle index.
type ShingleUpdate struct {
	UpdateHdr
	Shingles wire.ShingleVector
}

// Hdr returns the common update fields.
func (u *ShingleUpdate) Hdr() *UpdateHdr { return &u.UpdateHdr }

func (*ShingleUpdate) sealed() {}

// UpdateFromRequest converts a decoded request into its pending update
// form.
func UpdateFromRequest(req *wire.Request) Update {
	hdr := UpdateHdr{
		Cmd:    req.Cmd,
		Flag:   req.Flag,
		Value:  1,
		Digest: req.Digest,
	}
	if req.Shingles == nil {
		return &NormalUpdate{UpdateHdr: hdr}
	}
	return &ShingleUpdate{UpdateHdr: hdr, Shingles: *req.Shingles}
}

// Counts reports the stored and expired entry totals.
type Counts struct {
	Stored  uint64
	Expired uint64
}

// Backend is the storage contract.  All calls are dispatched from the
// leader's update loop or a worker's request loop; implementations must be
// safe for that concurrent use.
type Backend interface {
	// Check looks up a digest and, when shingles are given, falls back
	// to a similarity match over the shingle index.
	Check(ctx context.Context, digest [wire.DigestSize]byte,
		shingles *wire.ShingleVector) (CheckResult, error)

	// StartUpdate prepares the store to receive a batch attributed to
	// source.  At most one batch is in flight at a time.
	StartUpdate(ctx context.Context, source string) error

	// ProcessUpdates applies a batch atomically and bumps the version
	// for source.
	ProcessUpdates(ctx context.Context, batch []Update,
		source string) error

	// Count reports the stored and expired entry totals.
	Count(ctx context.Context) (Counts, error)

	// Version reports the number of update batches applied for source.
	Version(ctx context.Context, source string) (uint64, error)

	// Close releases the store.
	Close() error
}
