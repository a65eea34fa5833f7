// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"context"
	"testing"
	"time"

	"github.com/nimblesec/fuzzyd/wire"
)

func openTestLevel(t *testing.T, opts LevelOptions) *Level {
	t.Helper()
	l, err := OpenLevelMemory(opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func testDigest(seed byte) [wire.DigestSize]byte {
	var d [wire.DigestSize]byte
	for i := range d {
		d[i] = seed + byte(i)
	}
	return d
}

func testShingles(seed uint64) wire.ShingleVector {
	var sv wire.ShingleVector
	for i := range sv {
		sv[i] = seed + uint64(i)*0x9e3779b9
	}
	return sv
}

func writeUpdate(digest [wire.DigestSize]byte, flag uint32,
	shingles *wire.ShingleVector) Update {

	hdr := UpdateHdr{Cmd: wire.CmdWrite, Flag: flag, Value: 1,
		Digest: digest}
	if shingles == nil {
		return &NormalUpdate{UpdateHdr: hdr}
	}
	return &ShingleUpdate{UpdateHdr: hdr, Shingles: *shingles}
}

// TestLevelWriteCheckDelete exercises the basic store/lookup/remove cycle.
func TestLevelWriteCheckDelete(t *testing.T) {
	ctx := context.Background()
	l := openTestLevel(t, LevelOptions{})
	digest := testDigest(1)

	// Missing digest.
	res, err := l.Check(ctx, digest, nil)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Found {
		t.Fatal("missing digest reported found")
	}

	// Store it.
	if err := l.StartUpdate(ctx, "local"); err != nil {
		t.Fatalf("start: %v", err)
	}
	err = l.ProcessUpdates(ctx, []Update{writeUpdate(digest, 3, nil)},
		"local")
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	res, err = l.Check(ctx, digest, nil)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Found || res.Prob != 1 || res.Flag != 3 || res.Value != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Ts == 0 {
		t.Fatal("stored entry has no timestamp")
	}

	counts, err := l.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts.Stored != 1 || counts.Expired != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	// A second write accumulates the value without recounting.
	err = l.ProcessUpdates(ctx, []Update{writeUpdate(digest, 3, nil)},
		"local")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	res, _ = l.Check(ctx, digest, nil)
	if res.Value != 2 {
		t.Fatalf("unexpected accumulated value: %d", res.Value)
	}
	counts, _ = l.Count(ctx)
	if counts.Stored != 1 {
		t.Fatalf("unexpected stored count: %d", counts.Stored)
	}

	// Delete it.
	del := &NormalUpdate{UpdateHdr: UpdateHdr{Cmd: wire.CmdDelete,
		Digest: digest}}
	if err := l.ProcessUpdates(ctx, []Update{del}, "local"); err != nil {
		t.Fatalf("process: %v", err)
	}
	res, _ = l.Check(ctx, digest, nil)
	if res.Found {
		t.Fatal("deleted digest reported found")
	}
	counts, _ = l.Count(ctx)
	if counts.Stored != 0 {
		t.Fatalf("unexpected stored count after delete: %d",
			counts.Stored)
	}
}

// TestLevelShingleSimilarity ensures near-matching shingle vectors resolve
// to the stored entry with a fractional probability.
func TestLevelShingleSimilarity(t *testing.T) {
	ctx := context.Background()
	l := openTestLevel(t, LevelOptions{})
	digest := testDigest(2)
	stored := testShingles(1000)

	err := l.ProcessUpdates(ctx, []Update{writeUpdate(digest, 9, &stored)},
		"local")
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	// A different digest with 24 of 32 matching shingles.
	probe := stored
	for i := 0; i < 8; i++ {
		probe[i] = ^probe[i]
	}
	res, err := l.Check(ctx, testDigest(99), &probe)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Found || res.Flag != 9 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if want := float32(24) / wire.ShingleCount; res.Prob != want {
		t.Fatalf("unexpected probability -- got %v, want %v",
			res.Prob, want)
	}

	// Below half the positions there is no match.
	for i := 0; i < 20; i++ {
		probe[i] = ^stored[i]
	}
	res, err = l.Check(ctx, testDigest(99), &probe)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Found {
		t.Fatalf("weak probe reported found: %+v", res)
	}
}

// TestLevelRefresh ensures refresh bumps the timestamp of existing entries
// and ignores missing ones.
func TestLevelRefresh(t *testing.T) {
	ctx := context.Background()
	l := openTestLevel(t, LevelOptions{})
	digest := testDigest(3)

	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	err := l.ProcessUpdates(ctx, []Update{writeUpdate(digest, 0, nil)},
		"local")
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	l.now = func() time.Time { return base.Add(time.Hour) }
	refresh := &NormalUpdate{UpdateHdr: UpdateHdr{Cmd: wire.CmdRefresh,
		Digest: digest}}
	missing := &NormalUpdate{UpdateHdr: UpdateHdr{Cmd: wire.CmdRefresh,
		Digest: testDigest(200)}}
	err = l.ProcessUpdates(ctx, []Update{refresh, missing}, "local")
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	res, _ := l.Check(ctx, digest, nil)
	if res.Ts != uint64(base.Add(time.Hour).Unix()) {
		t.Fatalf("timestamp not refreshed: %d", res.Ts)
	}
	if res.Value != 1 {
		t.Fatalf("refresh altered the value: %d", res.Value)
	}
}

// TestLevelExpiry ensures entries past the expire window vanish and count as
// expired.
func TestLevelExpiry(t *testing.T) {
	ctx := context.Background()
	l := openTestLevel(t, LevelOptions{Expire: time.Hour})
	digest := testDigest(4)

	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	err := l.ProcessUpdates(ctx, []Update{writeUpdate(digest, 0, nil)},
		"local")
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	// Within the window the entry is alive.
	l.now = func() time.Time { return base.Add(30 * time.Minute) }
	res, _ := l.Check(ctx, digest, nil)
	if !res.Found {
		t.Fatal("live entry reported missing")
	}

	// Past the window it is gone and accounted.
	l.now = func() time.Time { return base.Add(2 * time.Hour) }
	res, _ = l.Check(ctx, digest, nil)
	if res.Found {
		t.Fatal("expired entry reported found")
	}
	counts, _ := l.Count(ctx)
	if counts.Stored != 0 || counts.Expired != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

// TestLevelVersion ensures each applied batch bumps the per-source version.
func TestLevelVersion(t *testing.T) {
	ctx := context.Background()
	l := openTestLevel(t, LevelOptions{})

	if v, _ := l.Version(ctx, "local"); v != 0 {
		t.Fatalf("fresh store version: %d", v)
	}
	for i := 1; i <= 3; i++ {
		err := l.ProcessUpdates(ctx,
			[]Update{writeUpdate(testDigest(byte(i)), 0, nil)},
			"local")
		if err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	if v, _ := l.Version(ctx, "local"); v != 3 {
		t.Fatalf("unexpected version: %d", v)
	}
	if v, _ := l.Version(ctx, "other"); v != 0 {
		t.Fatalf("unexpected version for other source: %d", v)
	}
}

// TestUpdateFromRequest ensures requests convert to the matching update
// shape.
func TestUpdateFromRequest(t *testing.T) {
	req := &wire.Request{Cmd: wire.CmdWrite, Flag: 5,
		Digest: testDigest(6)}
	u := UpdateFromRequest(req)
	if _, ok := u.(*NormalUpdate); !ok {
		t.Fatalf("unexpected shape %T", u)
	}
	if hdr := u.Hdr(); hdr.Flag != 5 || hdr.Value != 1 {
		t.Fatalf("unexpected header: %+v", hdr)
	}

	sh := testShingles(5)
	req.Shingles = &sh
	u = UpdateFromRequest(req)
	su, ok := u.(*ShingleUpdate)
	if !ok {
		t.Fatalf("unexpected shape %T", u)
	}
	if su.Shingles != sh {
		t.Fatal("shingles not carried over")
	}
}
