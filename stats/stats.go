// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package stats

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/container/lru"
)

const (
	// NumEpochs is the number of protocol epochs tracked by the per-epoch
	// counter arrays.  Index 0 is the legacy epoch, index 1 the current
	// one.
	NumEpochs = 2

	// keyStatInterval is the length of one averaging window for the
	// per-key moving counters.
	keyStatInterval = time.Hour

	// emaDecay is the weight applied to the previous average when a
	// window closes.
	emaDecay = 0.5

	// ipStatLimit bounds the per-client table kept under each key.
	ipStatLimit = 1024

	// errorIPLimit bounds the table of clients that sent malformed
	// frames.
	errorIPLimit = 1024
)

// IPStat counts requests attributed to a single client address.
type IPStat struct {
	Checked atomic.Uint64
	Matched atomic.Uint64
}

// KeyStat accumulates counters for one encryption key.  All methods are safe
// for concurrent use.
type KeyStat struct {
	checked atomic.Uint64
	matched atomic.Uint64
	added   atomic.Uint64
	deleted atomic.Uint64
	errors  atomic.Uint64

	mtx           sync.Mutex
	windowStart   time.Time
	windowChecked uint64
	windowMatched uint64
	checkedCtr    float64
	matchedCtr    float64

	ips *lru.Map[netip.Addr, *IPStat]

	pubKey string
}

func newKeyStat(pubKey string, now time.Time) *KeyStat {
	return &KeyStat{
		windowStart: now,
		ips:         lru.NewMap[netip.Addr, *IPStat](ipStatLimit),
		pubKey:      pubKey,
	}
}

// rotate folds the finished averaging window into the moving counters.  The
// caller must hold the mutex.
func (ks *KeyStat) rotate(now time.Time) {
	for now.Sub(ks.windowStart) >= keyStatInterval {
		ks.checkedCtr = emaDecay*ks.checkedCtr +
			(1-emaDecay)*float64(ks.windowChecked)
		ks.matchedCtr = emaDecay*ks.matchedCtr +
			(1-emaDecay)*float64(ks.windowMatched)
		ks.windowChecked = 0
		ks.windowMatched = 0
		ks.windowStart = ks.windowStart.Add(keyStatInterval)
	}
}

// ipStat returns the per-client entry for addr, creating it when absent.
func (ks *KeyStat) ipStat(addr netip.Addr) *IPStat {
	if st, ok := ks.ips.Get(addr); ok {
		return st
	}
	st := new(IPStat)
	ks.ips.Put(addr, st)
	return st
}

// NoteCheck records one check request from addr that matched nmatched
// entries, feeding both the lifetime counters and the moving averages.
func (ks *KeyStat) NoteCheck(addr netip.Addr, nmatched uint64,
	now time.Time) {

	ks.checked.Add(1)
	ks.matched.Add(nmatched)

	if addr.IsValid() {
		st := ks.ipStat(addr)
		st.Checked.Add(1)
		st.Matched.Add(nmatched)
	}

	ks.mtx.Lock()
	ks.rotate(now)
	ks.windowChecked++
	ks.windowMatched += nmatched
	ks.mtx.Unlock()
}

// NoteAdded records stored entries.
func (ks *KeyStat) NoteAdded(n uint64) {
	ks.added.Add(n)
}

// NoteDeleted records removed entries.
func (ks *KeyStat) NoteDeleted(n uint64) {
	ks.deleted.Add(n)
}

// NoteError records a request that failed processing.
func (ks *KeyStat) NoteError() {
	ks.errors.Add(1)
}

// MovingAverages returns the hourly moving averages of checks and matches as
// of now.
func (ks *KeyStat) MovingAverages(now time.Time) (checked, matched float64) {
	ks.mtx.Lock()
	ks.rotate(now)
	checked, matched = ks.checkedCtr, ks.matchedCtr
	ks.mtx.Unlock()
	return checked, matched
}

// Registry is the shared statistics store.
type Registry struct {
	invalidRequests atomic.Uint64
	delayedHashes   atomic.Uint64

	checked  [NumEpochs]atomic.Uint64
	matched  [NumEpochs]atomic.Uint64
	shingles [NumEpochs]atomic.Uint64

	stored  atomic.Uint64
	expired atomic.Uint64

	mtx  sync.Mutex
	keys map[string]*KeyStat

	errorIPs *lru.Map[netip.Addr, *atomic.Uint64]
}

// NewRegistry returns an empty statistics store.
func NewRegistry() *Registry {
	return &Registry{
		keys:     make(map[string]*KeyStat),
		errorIPs: lru.NewMap[netip.Addr, *atomic.Uint64](errorIPLimit),
	}
}

// RegisterKey returns the stat entry for the key identified by id, creating
// it when absent.  The id is the snapshot index of the key and pubKey its
// rendered public key.
func (r *Registry) RegisterKey(id, pubKey string) *KeyStat {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if ks, ok := r.keys[id]; ok {
		return ks
	}
	ks := newKeyStat(pubKey, time.Now())
	r.keys[id] = ks
	log.Debugf("Tracking statistics for key %s", id)
	return ks
}

// NoteRequest records one decoded request for the given epoch index, along
// with whether it carried shingles and how many entries it matched.
func (r *Registry) NoteRequest(epoch int, shingles bool, nmatched uint64) {
	r.checked[epoch].Add(1)
	r.matched[epoch].Add(nmatched)
	if shingles {
		r.shingles[epoch].Add(1)
	}
}

// NoteInvalid records a frame that failed decoding or decryption, attributed
// to the sending address when known.
func (r *Registry) NoteInvalid(addr netip.Addr) {
	r.invalidRequests.Add(1)
	if !addr.IsValid() {
		return
	}
	ctr, ok := r.errorIPs.Get(addr)
	if !ok {
		ctr = new(atomic.Uint64)
		r.errorIPs.Put(addr, ctr)
	}
	ctr.Add(1)
}

// NoteDelayed records a reply that was censored by the delay policy.
func (r *Registry) NoteDelayed() {
	r.delayedHashes.Add(1)
}

// SetStorageCounts publishes the entry counts reported by the backend.
func (r *Registry) SetStorageCounts(stored, expired uint64) {
	r.stored.Store(stored)
	r.expired.Store(expired)
}

// InvalidRequests returns the number of frames that failed decoding.
func (r *Registry) InvalidRequests() uint64 {
	return r.invalidRequests.Load()
}

// DelayedHashes returns the number of replies censored by the delay policy.
func (r *Registry) DelayedHashes() uint64 {
	return r.delayedHashes.Load()
}
