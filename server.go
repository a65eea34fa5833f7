// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/crypto/rand"

	"github.com/nimblesec/fuzzyd/admission"
	"github.com/nimblesec/fuzzyd/backend"
	"github.com/nimblesec/fuzzyd/hooks"
	"github.com/nimblesec/fuzzyd/ipmap"
	"github.com/nimblesec/fuzzyd/keyring"
	"github.com/nimblesec/fuzzyd/stats"
	"github.com/nimblesec/fuzzyd/updates"
	"github.com/nimblesec/fuzzyd/wire"
)

// server ties the shared request-processing state to the worker set.  The
// leader worker (index 0) owns the update queue; every other worker forwards
// its accepted mutations over a peer socket pair.
type server struct {
	cfg *config

	beMtx sync.RWMutex
	be    backend.Backend

	reg    *stats.Registry
	keys   *keyring.Registry
	policy *admission.Policy
	hooks  *hooks.Set

	limiterCfg admission.LimiterConfig

	delay          time.Duration
	delayWhitelist *ipmap.Set

	queue   *updates.Queue
	pairs   []*updates.Pair
	workers []*worker

	syncCh chan struct{}
	stored atomic.Uint64

	wg sync.WaitGroup
}

// openBackend opens the storage under the configured data directory.
func openBackend(cfg *config) (backend.Backend, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("data directory: %w", err)
	}
	path := filepath.Join(cfg.DataDir, defaultDbFilename)
	return backend.OpenLevel(path, backend.LevelOptions{
		Expire: cfg.expirePeriod(),
	})
}

// parseForbiddenFlags parses the colon-separated flag list of a keypair
// option value.
func parseForbiddenFlags(fields []string) ([]uint32, error) {
	var flags []uint32
	for _, field := range fields {
		for _, part := range strings.Split(field, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			v, err := strconv.ParseUint(part, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("forbidden flag %q: %w",
					part, err)
			}
			flags = append(flags, uint32(v))
		}
	}
	return flags, nil
}

// loadKeys fills the key registry from the configured keypair options.  The
// first keypair becomes the default key that encrypted frames naming an
// unknown key id fall back to.
func loadKeys(keys *keyring.Registry, entries []string) error {
	for i, entry := range entries {
		fields := strings.Split(entry, ":")
		forbidden, err := parseForbiddenFlags(fields[1:])
		if err != nil {
			return fmt.Errorf("keypair %d: %w", i+1, err)
		}
		k, err := keyring.ParseKey(fields[0], forbidden)
		if err != nil {
			return fmt.Errorf("keypair %d: %w", i+1, err)
		}
		if i == 0 {
			keys.SetDefault(k)
		} else {
			keys.Add(k)
		}
	}
	return nil
}

// parseWriteKeys parses the base64 public keys allowed to submit writes.
func parseWriteKeys(entries []string) (map[[32]byte]struct{}, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	m := make(map[[32]byte]struct{}, len(entries))
	for _, entry := range entries {
		pub, err := base64.StdEncoding.DecodeString(entry)
		if err != nil {
			return nil, fmt.Errorf("update key %q: %w", entry, err)
		}
		if len(pub) != wire.PubKeySize {
			return nil, fmt.Errorf("update key %q: %d bytes, want %d",
				entry, len(pub), wire.PubKeySize)
		}
		var id [32]byte
		copy(id[:], pub)
		m[id] = struct{}{}
	}
	return m, nil
}

// parseSkipHashes parses the hex digests acknowledged without being stored.
func parseSkipHashes(entries []string) (map[string]struct{}, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	m := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		d, err := hex.DecodeString(entry)
		if err != nil {
			return nil, fmt.Errorf("skip hash %q: %w", entry, err)
		}
		if len(d) != wire.DigestSize {
			return nil, fmt.Errorf("skip hash %q: %d bytes, want %d",
				entry, len(d), wire.DigestSize)
		}
		m[hex.EncodeToString(d)] = struct{}{}
	}
	return m, nil
}

// newPolicy builds the admission policy from the configured maps.
func newPolicy(cfg *config) (*admission.Policy, error) {
	blocked, err := ipmap.ParseSet(cfg.Blocked)
	if err != nil {
		return nil, fmt.Errorf("blocked: %w", err)
	}
	writeAddrs, err := ipmap.ParseSet(cfg.AllowUpdate)
	if err != nil {
		return nil, fmt.Errorf("allowupdate: %w", err)
	}
	rlWhitelist, err := ipmap.ParseSet(cfg.RatelimitWhitelist)
	if err != nil {
		return nil, fmt.Errorf("ratelimitwhitelist: %w", err)
	}
	writeKeys, err := parseWriteKeys(cfg.AllowUpdateKeys)
	if err != nil {
		return nil, err
	}
	skip, err := parseSkipHashes(cfg.SkipHashes)
	if err != nil {
		return nil, err
	}
	return &admission.Policy{
		Blocklist:          blocked,
		EncryptedOnly:      cfg.EncryptedOnly,
		ReadOnly:           cfg.ReadOnly,
		WriteAddrs:         writeAddrs,
		WriteKeys:          writeKeys,
		SkipDigests:        skip,
		RatelimitWhitelist: rlWhitelist,
	}, nil
}

// newServer builds the worker set over an opened backend.  Every error it
// returns, including a peer socket pair that cannot be established, ends
// startup with a nonzero exit.
func newServer(cfg *config, be backend.Backend) (*server, error) {
	reg := stats.NewRegistry()
	keys := keyring.NewRegistry(reg)
	if err := loadKeys(keys, cfg.Keypair); err != nil {
		return nil, err
	}
	if cfg.EncryptedOnly && keys.Len() == 0 {
		return nil, fmt.Errorf("encryptedonly requires at least one " +
			"keypair")
	}

	policy, err := newPolicy(cfg)
	if err != nil {
		return nil, err
	}
	delayWhitelist, err := ipmap.ParseSet(cfg.DelayWhitelist)
	if err != nil {
		return nil, fmt.Errorf("delaywhitelist: %w", err)
	}

	s := &server{
		cfg:    cfg,
		be:     be,
		reg:    reg,
		keys:   keys,
		policy: policy,
		hooks:  &hooks.Set{},
		limiterCfg: admission.LimiterConfig{
			Rate:       cfg.RatelimitRate,
			Burst:      cfg.RatelimitBurst,
			Mask:       cfg.RatelimitMask,
			MaxBuckets: cfg.RatelimitMaxBuckets,
			TTL: time.Duration(cfg.RatelimitBucketTTL) *
				time.Second,
			LogOnly: cfg.RatelimitLogOnly,
		},
		delay:          cfg.delayPeriod(),
		delayWhitelist: delayWhitelist,
		queue:          updates.NewQueue(cfg.UpdatesMaxfail),
		pairs:          make([]*updates.Pair, cfg.Workers),
		syncCh:         make(chan struct{}, 1),
	}

	// Followers reach the leader through per-worker socket pairs derived
	// from a per-instance seed.
	seed := make([]byte, 32)
	rand.Read(seed)
	for i := 1; i < cfg.Workers; i++ {
		p, err := updates.NewPair(seed, i)
		if err != nil {
			s.closePairs()
			return nil, fmt.Errorf("peer pair for worker %d: %w",
				i, err)
		}
		s.pairs[i] = p
	}

	// The leader stops serving UDP in dedicated update mode so flushes
	// never compete with query traffic.
	dedicated := cfg.DedicatedUpdateWorker && cfg.Workers > 1
	s.workers = make([]*worker, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		w, err := newWorker(s, i, i > 0 || !dedicated)
		if err != nil {
			s.closeWorkers()
			s.closePairs()
			return nil, err
		}
		s.workers[i] = w
	}
	if dedicated {
		fuzzydLog.Infof("Worker 0 dedicated to updates")
	}

	return s, nil
}

func (s *server) closePairs() {
	for _, p := range s.pairs {
		if p != nil {
			p.Close()
		}
	}
}

func (s *server) closeWorkers() {
	for _, w := range s.workers {
		if w != nil {
			w.close()
		}
	}
}

// backend returns the active storage.  Reload swaps it, so sessions resolve
// it per call instead of holding it.
func (s *server) backend() backend.Backend {
	s.beMtx.RLock()
	defer s.beMtx.RUnlock()
	return s.be
}

// triggerSync requests an immediate flush of the pending update queue.
func (s *server) triggerSync() {
	select {
	case s.syncCh <- struct{}{}:
	default:
	}
}

// reloadBackend opens a fresh storage handle, applies any pending updates to
// the old one, and swaps.  The old handle only closes once the swap cannot
// fail anymore.
func (s *server) reloadBackend(ctx context.Context) error {
	be, err := openBackend(s.cfg)
	if err != nil {
		return err
	}

	s.beMtx.Lock()
	old := s.be
	if n, err := s.queue.Flush(ctx, old, true); err == nil && n > 0 {
		fuzzydLog.Infof("Applied %d pending updates before reload", n)
	}
	old.Close()
	s.be = be
	s.beMtx.Unlock()

	fuzzydLog.Infof("Storage reloaded")
	s.refreshCounts(ctx)
	return nil
}

// refreshCounts pulls the entry counters from the backend into the stat
// registry and the cached total served by stat commands.
func (s *server) refreshCounts(ctx context.Context) {
	counts, err := s.backend().Count(ctx)
	if err != nil {
		fuzzydLog.Warnf("Unable to refresh storage counts: %v", err)
		return
	}
	s.reg.SetStorageCounts(counts.Stored, counts.Expired)
	s.stored.Store(counts.Stored)
}

// flush drains the pending queue into the backend and refreshes the derived
// counters after a successful apply.
func (s *server) flush(ctx context.Context) {
	n, err := s.queue.Flush(ctx, s.backend(), false)
	if err != nil || n == 0 {
		return
	}
	s.refreshCounts(ctx)
	ver, err := s.backend().Version(ctx, updates.Source)
	if err != nil {
		fuzzydLog.Warnf("Unable to probe storage version: %v", err)
		return
	}
	fuzzydLog.Debugf("Applied %d updates, source %q now at version %d", n,
		updates.Source, ver)
}

// flushLoop drives the periodic flush on the leader until shutdown.
func (s *server) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.syncPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-s.syncCh:
		case <-ctx.Done():
			return
		}
		s.flush(ctx)
	}
}

// Run starts the worker set and blocks until the context is canceled.  Any
// updates still pending at shutdown go through one final flush before the
// backend closes.
func (s *server) Run(ctx context.Context) {
	s.refreshCounts(ctx)

	for _, p := range s.pairs {
		if p == nil {
			continue
		}
		s.wg.Add(1)
		go func(p *updates.Pair) {
			defer s.wg.Done()
			p.Serve(func(req *wire.Request) {
				s.queue.Enqueue(backend.UpdateFromRequest(req))
			})
		}(p)
	}

	for _, w := range s.workers {
		if w.conn == nil {
			continue
		}
		s.wg.Add(1)
		go func(w *worker) {
			defer s.wg.Done()
			w.run(ctx)
		}(w)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.flushLoop(ctx)
	}()

	<-ctx.Done()

	s.closeWorkers()
	s.closePairs()
	s.wg.Wait()

	// The shutdown context is spent, so the final flush runs under its
	// own.
	fctx, cancel := context.WithTimeout(context.Background(),
		10*time.Second)
	defer cancel()
	if n, err := s.queue.Flush(fctx, s.backend(), true); err == nil &&
		n > 0 {

		fuzzydLog.Infof("Applied %d updates at shutdown", n)
	}

	fuzzydLog.Info("Gracefully shutting down the storage...")
	if err := s.backend().Close(); err != nil {
		fuzzydLog.Errorf("Storage close failed: %v", err)
	}
}
