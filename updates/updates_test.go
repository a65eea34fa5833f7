// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package updates

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/nimblesec/fuzzyd/backend"
	"github.com/nimblesec/fuzzyd/wire"
)

// fakeBackend records applied batches and can be primed to fail.
type fakeBackend struct {
	failures int
	applied  [][]backend.Update
}

func (f *fakeBackend) Check(ctx context.Context,
	digest [wire.DigestSize]byte,
	shingles *wire.ShingleVector) (backend.CheckResult, error) {

	return backend.CheckResult{}, nil
}

func (f *fakeBackend) StartUpdate(ctx context.Context, source string) error {
	return nil
}

func (f *fakeBackend) ProcessUpdates(ctx context.Context,
	batch []backend.Update, source string) error {

	if f.failures > 0 {
		f.failures--
		return errors.New("backend unavailable")
	}
	f.applied = append(f.applied, batch)
	return nil
}

func (f *fakeBackend) Count(ctx context.Context) (backend.Counts, error) {
	return backend.Counts{}, nil
}

func (f *fakeBackend) Version(ctx context.Context,
	source string) (uint64, error) {

	return uint64(len(f.applied)), nil
}

func (f *fakeBackend) Close() error { return nil }

func upd(seed byte) backend.Update {
	var d [wire.DigestSize]byte
	d[0] = seed
	return &backend.NormalUpdate{UpdateHdr: backend.UpdateHdr{
		Cmd: wire.CmdWrite, Value: 1, Digest: d}}
}

// TestQueueFlush ensures a healthy backend drains the queue in order.
func TestQueueFlush(t *testing.T) {
	ctx := context.Background()
	be := &fakeBackend{}
	q := NewQueue(3)

	want := []backend.Update{upd(1), upd(2), upd(3)}
	for _, u := range want {
		q.Enqueue(u)
	}

	n, err := q.Flush(ctx, be, false)
	if err != nil {
		t.Fatalf("flush error: %v", err)
	}
	if n != 3 || q.Len() != 0 {
		t.Fatalf("unexpected drain -- applied %d, left %d", n, q.Len())
	}
	if len(be.applied) != 1 || !reflect.DeepEqual(be.applied[0], want) {
		t.Fatalf("unexpected batches: %s", spew.Sdump(be.applied))
	}

	// An empty queue flush is a no-op.
	if n, err := q.Flush(ctx, be, false); n != 0 || err != nil {
		t.Fatalf("empty flush: (%d, %v)", n, err)
	}
}

// TestQueueRequeueOrder ensures a failed batch is retried ahead of later
// mutations.
func TestQueueRequeueOrder(t *testing.T) {
	ctx := context.Background()
	be := &fakeBackend{failures: 1}
	q := NewQueue(3)

	q.Enqueue(upd(1))
	q.Enqueue(upd(2))
	if _, err := q.Flush(ctx, be, false); err == nil {
		t.Fatal("flush against a down backend succeeded")
	}
	if q.Len() != 2 {
		t.Fatalf("batch not requeued -- %d pending", q.Len())
	}

	// A mutation arriving between flushes sorts after the failed batch.
	q.Enqueue(upd(3))
	n, err := q.Flush(ctx, be, false)
	if err != nil || n != 3 {
		t.Fatalf("retry flush: (%d, %v)", n, err)
	}
	want := []backend.Update{upd(1), upd(2), upd(3)}
	if !reflect.DeepEqual(be.applied[0], want) {
		t.Fatalf("unexpected order: %s", spew.Sdump(be.applied[0]))
	}
}

// TestQueueHardLoss ensures the failure budget bounds retries.
func TestQueueHardLoss(t *testing.T) {
	ctx := context.Background()
	be := &fakeBackend{failures: 10}
	q := NewQueue(2)

	q.Enqueue(upd(1))
	for i := 0; i < 2; i++ {
		if _, err := q.Flush(ctx, be, false); err == nil {
			t.Fatalf("flush %d succeeded unexpectedly", i)
		}
		if q.Len() != 1 {
			t.Fatalf("flush %d did not requeue", i)
		}
	}

	// The budget is spent; the batch is abandoned.
	if _, err := q.Flush(ctx, be, false); err == nil {
		t.Fatal("flush succeeded unexpectedly")
	}
	if q.Len() != 0 {
		t.Fatalf("abandoned batch still pending: %d", q.Len())
	}

	// The failure counter resets for fresh batches.
	be.failures = 0
	q.Enqueue(upd(2))
	if n, err := q.Flush(ctx, be, false); n != 1 || err != nil {
		t.Fatalf("fresh flush: (%d, %v)", n, err)
	}
}

// TestQueueFinalFlush ensures the shutdown flush retries once synchronously
// and never requeues.
func TestQueueFinalFlush(t *testing.T) {
	ctx := context.Background()

	// First attempt fails, the synchronous retry lands.
	be := &fakeBackend{failures: 1}
	q := NewQueue(3)
	q.Enqueue(upd(1))
	n, err := q.Flush(ctx, be, true)
	if err != nil || n != 1 {
		t.Fatalf("final flush with retry: (%d, %v)", n, err)
	}

	// Both attempts fail; the batch is gone either way.
	be = &fakeBackend{failures: 2}
	q = NewQueue(3)
	q.Enqueue(upd(2))
	if _, err := q.Flush(ctx, be, true); err == nil {
		t.Fatal("final flush succeeded unexpectedly")
	}
	if q.Len() != 0 {
		t.Fatalf("final flush requeued: %d pending", q.Len())
	}
}

// TestPeerRoundTrip ensures follower datagrams arrive at the leader intact.
func TestPeerRoundTrip(t *testing.T) {
	p, err := NewPair([]byte("test seed"), 1)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	defer p.Close()

	got := make(chan *wire.Request, 4)
	done := make(chan struct{})
	go func() {
		p.Serve(func(req *wire.Request) { got <- req })
		close(done)
	}()

	var sh wire.ShingleVector
	for i := range sh {
		sh[i] = uint64(i) * 31
	}
	reqs := []*wire.Request{{
		Version: wire.VersionCurrent,
		Cmd:     wire.CmdWrite,
		Flag:    6,
		Tag:     11,
	}, {
		Version:  wire.VersionCurrent,
		Cmd:      wire.CmdRefresh,
		Tag:      12,
		Shingles: &sh,
	}}
	for _, req := range reqs {
		if err := p.Send(req); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	for i, want := range reqs {
		select {
		case req := <-got:
			if !reflect.DeepEqual(req, want) {
				t.Errorf("datagram %d mismatch -- got %s, "+
					"want %s", i, spew.Sdump(req),
					spew.Sdump(want))
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("datagram %d never arrived", i)
		}
	}

	p.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("serve loop did not stop on close")
	}
}

// TestPairIDStable ensures pair ids derive deterministically and differ per
// worker.
func TestPairIDStable(t *testing.T) {
	seed := []byte("seed")
	if pairID(seed, 1) != pairID(seed, 1) {
		t.Fatal("pair id is not deterministic")
	}
	if pairID(seed, 1) == pairID(seed, 2) {
		t.Fatal("pair ids collide across workers")
	}
	if len(pairID(seed, 1)) != 16 {
		t.Fatalf("unexpected id length %d", len(pairID(seed, 1)))
	}
}
