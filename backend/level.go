// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/nimblesec/fuzzyd/wire"
)

// Key prefixes of the LevelDB layout.
const (
	prefixDigest  = 'd' // digest -> record
	prefixShingle = 's' // index byte + shingle hash -> digest
	prefixVersion = 'v' // source -> batch counter
	prefixCounter = 'c' // "stored" / "expired" totals
)

// shingleMatchThreshold is the fraction of agreeing shingles that must be
// exceeded before a similarity match is reported.
const shingleMatchThreshold = 0.5

// record is the stored form of one digest entry.
type record struct {
	value    int32
	flag     uint32
	ts       uint64
	shingles *wire.ShingleVector
}

const recordBaseLen = 4 + 4 + 8 + 1

func (r *record) marshal() []byte {
	n := recordBaseLen
	if r.shingles != nil {
		n += wire.ShingleCount * 8
	}
	buf := make([]byte, n)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.value))
	binary.LittleEndian.PutUint32(buf[4:8], r.flag)
	binary.LittleEndian.PutUint64(buf[8:16], r.ts)
	if r.shingles == nil {
		return buf
	}
	buf[16] = 1
	off := recordBaseLen
	for _, s := range r.shingles {
		binary.LittleEndian.PutUint64(buf[off:off+8], s)
		off += 8
	}
	return buf
}

func unmarshalRecord(buf []byte) (*record, error) {
	if len(buf) < recordBaseLen {
		return nil, fmt.Errorf("record too short: %d bytes", len(buf))
	}
	r := &record{
		value: int32(binary.LittleEndian.Uint32(buf[0:4])),
		flag:  binary.LittleEndian.Uint32(buf[4:8]),
		ts:    binary.LittleEndian.Uint64(buf[8:16]),
	}
	if buf[16] == 0 {
		return r, nil
	}
	if len(buf) < recordBaseLen+wire.ShingleCount*8 {
		return nil, fmt.Errorf("shingle record too short: %d bytes",
			len(buf))
	}
	sh := new(wire.ShingleVector)
	off := recordBaseLen
	for i := range sh {
		sh[i] = binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
	}
	r.shingles = sh
	return r, nil
}

func digestKey(digest [wire.DigestSize]byte) []byte {
	return append([]byte{prefixDigest}, digest[:]...)
}

func shingleKey(idx int, hash uint64) []byte {
	key := make([]byte, 10)
	key[0] = prefixShingle
	key[1] = byte(idx)
	binary.LittleEndian.PutUint64(key[2:], hash)
	return key
}

func versionKey(source string) []byte {
	return append([]byte{prefixVersion}, source...)
}

func counterKey(name string) []byte {
	return append([]byte{prefixCounter}, name...)
}

// LevelOptions parameterizes the LevelDB store.
type LevelOptions struct {
	// Expire drops entries older than this.  Zero keeps entries
	// forever.
	Expire time.Duration
}

// Level is the LevelDB reference implementation of the Backend contract.
type Level struct {
	db     *leveldb.DB
	expire time.Duration
	now    func() time.Time
}

var _ Backend = (*Level)(nil)

// OpenLevel opens or creates a LevelDB store at path.
func OpenLevel(path string, opts LevelOptions) (*Level, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	log.Infof("Opened storage at %s", path)
	return &Level{db: db, expire: opts.Expire, now: time.Now}, nil
}

// OpenLevelMemory opens an in-memory store.
func OpenLevelMemory(opts LevelOptions) (*Level, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &Level{db: db, expire: opts.Expire, now: time.Now}, nil
}

// getRecord loads the entry for digest, reporting expiry by absence.  An
// expired entry is removed and counted.
func (l *Level) getRecord(digest [wire.DigestSize]byte,
	now time.Time) (*record, error) {

	buf, err := l.db.Get(digestKey(digest), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := unmarshalRecord(buf)
	if err != nil {
		return nil, err
	}

	if l.expire > 0 &&
		now.Unix() > int64(rec.ts)+int64(l.expire.Seconds()) {

		batch := new(leveldb.Batch)
		l.deleteEntry(batch, digest, rec)
		l.bumpCounter(batch, "expired", 1)
		if err := l.db.Write(batch, nil); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return rec, nil
}

// Check looks up a digest, falling back to shingle similarity when the exact
// entry is missing.
func (l *Level) Check(ctx context.Context, digest [wire.DigestSize]byte,
	shingles *wire.ShingleVector) (CheckResult, error) {

	if err := ctx.Err(); err != nil {
		return CheckResult{}, err
	}
	now := l.now()

	rec, err := l.getRecord(digest, now)
	if err != nil {
		return CheckResult{}, err
	}
	if rec != nil {
		return CheckResult{
			Found: true,
			Prob:  1,
			Flag:  rec.flag,
			Value: rec.value,
			Ts:    rec.ts,
		}, nil
	}
	if shingles == nil {
		return CheckResult{}, nil
	}

	// Tally how many shingle positions agree per candidate digest.
	counts := make(map[[wire.DigestSize]byte]int)
	for i, h := range shingles {
		buf, err := l.db.Get(shingleKey(i, h), nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			continue
		}
		if err != nil {
			return CheckResult{}, err
		}
		if len(buf) != wire.DigestSize {
			continue
		}
		var cand [wire.DigestSize]byte
		copy(cand[:], buf)
		counts[cand]++
	}

	var best [wire.DigestSize]byte
	bestCount := 0
	for cand, n := range counts {
		if n > bestCount {
			best, bestCount = cand, n
		}
	}
	prob := float32(bestCount) / wire.ShingleCount
	if prob <= shingleMatchThreshold {
		return CheckResult{}, nil
	}
	rec, err = l.getRecord(best, now)
	if err != nil || rec == nil {
		return CheckResult{}, err
	}
	return CheckResult{
		Found: true,
		Prob:  prob,
		Flag:  rec.flag,
		Value: rec.value,
		Ts:    rec.ts,
	}, nil
}

// deleteEntry queues removal of a record and its shingle index entries.
func (l *Level) deleteEntry(batch *leveldb.Batch,
	digest [wire.DigestSize]byte, rec *record) {

	batch.Delete(digestKey(digest))
	l.bumpCounter(batch, "stored", -1)
	if rec.shingles == nil {
		return
	}
	for i, h := range rec.shingles {
		batch.Delete(shingleKey(i, h))
	}
}

func (l *Level) counterValue(name string) uint64 {
	buf, err := l.db.Get(counterKey(name), nil)
	if err != nil || len(buf) != 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(buf)
}

// bumpCounter queues a counter adjustment.  A batch must not adjust the same
// counter twice; multi-update deltas are accumulated by the caller.
func (l *Level) bumpCounter(batch *leveldb.Batch, name string, delta int64) {
	cur := int64(l.counterValue(name)) + delta
	if cur < 0 {
		cur = 0
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(cur))
	batch.Put(counterKey(name), buf[:])
}

// StartUpdate prepares the store for a batch attributed to source.
func (l *Level) StartUpdate(ctx context.Context, source string) error {
	return ctx.Err()
}

// ProcessUpdates applies a batch atomically and bumps the version for
// source.
func (l *Level) ProcessUpdates(ctx context.Context, batch []Update,
	source string) error {

	if err := ctx.Err(); err != nil {
		return err
	}
	now := uint64(l.now().Unix())

	wb := new(leveldb.Batch)
	var storedDelta int64
	for _, u := range batch {
		hdr := u.Hdr()
		existing, err := l.getRecord(hdr.Digest, l.now())
		if err != nil {
			return err
		}

		switch hdr.Cmd {
		case wire.CmdWrite:
			rec := &record{
				value: hdr.Value,
				flag:  hdr.Flag,
				ts:    now,
			}
			if su, ok := u.(*ShingleUpdate); ok {
				sh := su.Shingles
				rec.shingles = &sh
				for i, h := range &sh {
					wb.Put(shingleKey(i, h),
						hdr.Digest[:])
				}
			}
			if existing != nil {
				rec.value = existing.value + hdr.Value
			} else {
				storedDelta++
			}
			wb.Put(digestKey(hdr.Digest), rec.marshal())

		case wire.CmdDelete:
			if existing == nil {
				continue
			}
			wb.Delete(digestKey(hdr.Digest))
			if existing.shingles != nil {
				for i, h := range existing.shingles {
					wb.Delete(shingleKey(i, h))
				}
			}
			storedDelta--

		case wire.CmdRefresh:
			if existing == nil {
				continue
			}
			existing.ts = now
			wb.Put(digestKey(hdr.Digest), existing.marshal())
		}
	}

	if storedDelta != 0 {
		cur := int64(l.counterValue("stored")) + storedDelta
		if cur < 0 {
			cur = 0
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(cur))
		wb.Put(counterKey("stored"), buf[:])
	}

	var vbuf [8]byte
	version := l.versionValue(source) + 1
	binary.LittleEndian.PutUint64(vbuf[:], version)
	wb.Put(versionKey(source), vbuf[:])

	if err := l.db.Write(wb, nil); err != nil {
		return fmt.Errorf("apply batch: %w", err)
	}
	log.Debugf("Applied %d updates from %s (version %d)", len(batch),
		source, version)
	return nil
}

func (l *Level) versionValue(source string) uint64 {
	buf, err := l.db.Get(versionKey(source), nil)
	if err != nil || len(buf) != 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(buf)
}

// Count reports the stored and expired entry totals.
func (l *Level) Count(ctx context.Context) (Counts, error) {
	if err := ctx.Err(); err != nil {
		return Counts{}, err
	}
	return Counts{
		Stored:  l.counterValue("stored"),
		Expired: l.counterValue("expired"),
	}, nil
}

// Version reports the number of update batches applied for source.
func (l *Level) Version(ctx context.Context, source string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return l.versionValue(source), nil
}

// Close releases the store.
func (l *Level) Close() error {
	return l.db.Close()
}
