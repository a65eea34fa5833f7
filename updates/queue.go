// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package updates

import (
	"context"
	"sync"

	"github.com/nimblesec/fuzzyd/backend"
)

// Source is the batch attribution used for locally accepted mutations.
const Source = "local"

// Queue accumulates pending storage mutations on the leader worker.  It is
// safe for concurrent enqueue from the peer reader and flush from the timer.
type Queue struct {
	mtx     sync.Mutex
	pending []backend.Update
	fails   int
	maxFail int
}

// NewQueue returns a queue that tolerates maxFail consecutive flush failures
// before a batch is abandoned.
func NewQueue(maxFail int) *Queue {
	return &Queue{maxFail: maxFail}
}

// Enqueue appends one mutation in arrival order.
func (q *Queue) Enqueue(u backend.Update) {
	q.mtx.Lock()
	q.pending = append(q.pending, u)
	q.mtx.Unlock()
}

// Len returns the number of pending mutations.
func (q *Queue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.pending)
}

// swap takes the pending batch, leaving the queue empty.
func (q *Queue) swap() []backend.Update {
	q.mtx.Lock()
	batch := q.pending
	q.pending = nil
	q.mtx.Unlock()
	return batch
}

// prepend restores a failed batch ahead of anything enqueued meanwhile,
// preserving arrival order.
func (q *Queue) prepend(batch []backend.Update) {
	q.mtx.Lock()
	q.pending = append(batch, q.pending...)
	q.mtx.Unlock()
}

// Flush applies the pending batch to the backend.  On failure the batch is
// prepended back and retried on the next flush, up to the failure budget;
// past the budget the batch is dropped.  A final flush retries once
// synchronously instead and never requeues.  The number of applied updates
// is returned.
func (q *Queue) Flush(ctx context.Context, be backend.Backend,
	final bool) (int, error) {

	batch := q.swap()
	if len(batch) == 0 {
		return 0, nil
	}

	err := q.apply(ctx, be, batch)
	if err == nil {
		q.fails = 0
		return len(batch), nil
	}

	if final {
		log.Warnf("Final flush of %d updates failed, retrying once: "+
			"%v", len(batch), err)
		if err = q.apply(ctx, be, batch); err == nil {
			return len(batch), nil
		}
		log.Errorf("Abandoning %d updates at shutdown: %v",
			len(batch), err)
		return 0, err
	}

	q.fails++
	if q.fails > q.maxFail {
		log.Errorf("Abandoning %d updates after %d failed flushes: "+
			"%v", len(batch), q.fails, err)
		q.fails = 0
		return 0, err
	}
	log.Warnf("Flush of %d updates failed (attempt %d of %d), "+
		"requeueing: %v", len(batch), q.fails, q.maxFail+1, err)
	q.prepend(batch)
	return 0, err
}

func (q *Queue) apply(ctx context.Context, be backend.Backend,
	batch []backend.Update) error {

	if err := be.StartUpdate(ctx, Source); err != nil {
		return err
	}
	return be.ProcessUpdates(ctx, batch, Source)
}
