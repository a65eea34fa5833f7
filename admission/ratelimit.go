// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package admission

import (
	"math"
	"net/netip"
	"time"

	"github.com/decred/dcrd/container/lru"
)

// LimiterConfig parameterizes the per-client leaky bucket table.
type LimiterConfig struct {
	// Rate is the token drain per second.
	Rate float64

	// Burst is the bucket level that triggers a lockout.
	Burst float64

	// Mask is the IPv4 prefix length used to group clients.  The IPv6
	// length is derived from it.
	Mask int

	// MaxBuckets bounds the bucket table.
	MaxBuckets uint32

	// TTL evicts idle buckets, which is also the only way out of a
	// lockout.
	TTL time.Duration

	// LogOnly runs the bucket accounting but never refuses a request.
	LogOnly bool
}

// bucket is the leaky bucket state for one client prefix.  A level of NaN
// marks a lockout that persists until the entry ages out of the table.
type bucket struct {
	last  time.Time
	level float64
}

// Limiter is a table of per-client leaky buckets.  Each worker owns one.
type Limiter struct {
	cfg     LimiterConfig
	maskV6  int
	buckets *lru.Map[netip.Prefix, *bucket]
}

// NewLimiter returns a limiter for the given configuration.
func NewLimiter(cfg LimiterConfig) *Limiter {
	maskV6 := cfg.Mask * 4
	if maskV6 < 64 {
		maskV6 = 64
	}
	if maskV6 > 128 {
		maskV6 = 128
	}
	if cfg.Mask > 32 {
		cfg.Mask = 32
	}
	return &Limiter{
		cfg:    cfg,
		maskV6: maskV6,
		buckets: lru.NewMapWithDefaultTTL[netip.Prefix, *bucket](
			cfg.MaxBuckets, cfg.TTL),
	}
}

// clientPrefix groups addr into its bucket key.
func (l *Limiter) clientPrefix(addr netip.Addr) netip.Prefix {
	addr = addr.Unmap()
	bits := l.cfg.Mask
	if addr.Is6() {
		bits = l.maskV6
	}
	p, err := addr.Prefix(bits)
	if err != nil {
		return netip.PrefixFrom(addr, addr.BitLen())
	}
	return p
}

// Allow runs the bucket accounting for one check request from addr.  The
// first result reports whether the request may proceed and the second
// whether the client sits in a lockout.  Log-only mode admits locked out
// clients while still reporting the lockout.  Clients that reach the burst
// level stay locked out until their bucket ages out of the table.
func (l *Limiter) Allow(addr netip.Addr, now time.Time) (allowed, limited bool) {
	if !addr.IsValid() {
		return true, false
	}
	key := l.clientPrefix(addr)

	b, ok := l.buckets.Get(key)
	if !ok {
		b = &bucket{last: now, level: 1}
		l.buckets.Put(key, b)
		return true, false
	}

	if math.IsNaN(b.level) {
		b.last = now
		return l.cfg.LogOnly, true
	}

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.level -= l.cfg.Rate * elapsed
		if b.level < 0 {
			b.level = 0
		}
	}
	b.last = now

	if b.level >= l.cfg.Burst {
		b.level = math.NaN()
		log.Debugf("Rate limiting %v (burst %v reached)", key,
			l.cfg.Burst)
		return l.cfg.LogOnly, true
	}
	b.level++
	return true, false
}

// Locked reports whether addr currently sits in a lockout.  The check does
// not touch the bucket state.
func (l *Limiter) Locked(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	b, ok := l.buckets.Peek(l.clientPrefix(addr))
	return ok && math.IsNaN(b.level)
}
