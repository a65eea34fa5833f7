// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package stats

import (
	"encoding/json"
	"time"
)

// IPSnapshot is the serialized form of one per-client entry.
type IPSnapshot struct {
	Checked uint64 `json:"checked"`
	Matched uint64 `json:"matched"`
}

// KeypairSnapshot identifies the keypair a key stat belongs to.
type KeypairSnapshot struct {
	PubKey string `json:"pubkey"`
}

// KeySnapshot is the serialized form of one per-key entry.
type KeySnapshot struct {
	Checked    uint64                `json:"checked"`
	Matched    uint64                `json:"matched"`
	Added      uint64                `json:"added"`
	Deleted    uint64                `json:"deleted"`
	Errors     uint64                `json:"errors"`
	CheckedCtr float64               `json:"checked_ctr"`
	MatchedCtr float64               `json:"matched_ctr"`
	Keypair    KeypairSnapshot       `json:"keypair"`
	IPs        map[string]IPSnapshot `json:"ips"`
}

// Snapshot is the serialized form of the whole registry, returned by the
// stat control command.
type Snapshot struct {
	FuzzyChecked    [NumEpochs]uint64      `json:"fuzzy_checked"`
	FuzzyShingles   [NumEpochs]uint64      `json:"fuzzy_shingles"`
	FuzzyFound      [NumEpochs]uint64      `json:"fuzzy_found"`
	FuzzyStored     uint64                 `json:"fuzzy_stored"`
	FuzzyExpired    uint64                 `json:"fuzzy_expired"`
	InvalidRequests uint64                 `json:"invalid_requests"`
	DelayedHashes   uint64                 `json:"delayed_hashes"`
	Keys            map[string]KeySnapshot `json:"keys"`
	ErrorIPs        map[string]uint64      `json:"errors_ips"`
}

// snapshot captures one key stat.
func (ks *KeyStat) snapshot(now time.Time) KeySnapshot {
	checkedCtr, matchedCtr := ks.MovingAverages(now)
	snap := KeySnapshot{
		Checked:    ks.checked.Load(),
		Matched:    ks.matched.Load(),
		Added:      ks.added.Load(),
		Deleted:    ks.deleted.Load(),
		Errors:     ks.errors.Load(),
		CheckedCtr: checkedCtr,
		MatchedCtr: matchedCtr,
		Keypair:    KeypairSnapshot{PubKey: ks.pubKey},
		IPs:        make(map[string]IPSnapshot),
	}
	for _, addr := range ks.ips.Keys() {
		st, ok := ks.ips.Peek(addr)
		if !ok {
			continue
		}
		snap.IPs[addr.String()] = IPSnapshot{
			Checked: st.Checked.Load(),
			Matched: st.Matched.Load(),
		}
	}
	return snap
}

// Snapshot captures the current counters.
func (r *Registry) Snapshot(now time.Time) *Snapshot {
	snap := &Snapshot{
		FuzzyStored:     r.stored.Load(),
		FuzzyExpired:    r.expired.Load(),
		InvalidRequests: r.invalidRequests.Load(),
		DelayedHashes:   r.delayedHashes.Load(),
		Keys:            make(map[string]KeySnapshot),
		ErrorIPs:        make(map[string]uint64),
	}
	for i := 0; i < NumEpochs; i++ {
		snap.FuzzyChecked[i] = r.checked[i].Load()
		snap.FuzzyShingles[i] = r.shingles[i].Load()
		snap.FuzzyFound[i] = r.matched[i].Load()
	}

	r.mtx.Lock()
	for id, ks := range r.keys {
		snap.Keys[id] = ks.snapshot(now)
	}
	r.mtx.Unlock()

	for _, addr := range r.errorIPs.Keys() {
		ctr, ok := r.errorIPs.Peek(addr)
		if !ok {
			continue
		}
		snap.ErrorIPs[addr.String()] = ctr.Load()
	}
	return snap
}

// MarshalSnapshot captures the current counters and serializes them as the
// JSON document returned by the stat control command.
func (r *Registry) MarshalSnapshot(now time.Time) ([]byte, error) {
	return json.Marshal(r.Snapshot(now))
}
