// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package admission

import (
	"encoding/hex"
	"net/netip"
	"time"

	"github.com/nimblesec/fuzzyd/ipmap"
	"github.com/nimblesec/fuzzyd/wire"
)

// Verdict is the admission decision for one request.
type Verdict int

// These constants define the possible admission decisions.
const (
	// VerdictAllow admits the request for processing.
	VerdictAllow Verdict = iota

	// VerdictDrop discards the request without a reply.
	VerdictDrop

	// VerdictForbidden refuses the request with a forbidden reply value.
	VerdictForbidden

	// VerdictSkip acknowledges a write without storing it.
	VerdictSkip
)

// String returns the verdict in human-readable form.
func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictDrop:
		return "drop"
	case VerdictForbidden:
		return "forbidden"
	case VerdictSkip:
		return "skip"
	}
	return "unknown"
}

// These constants name the refusal reasons passed to the blacklist hook.
const (
	ReasonBlacklisted = "blacklisted"
	ReasonRatelimit   = "ratelimit"
)

// Request carries the request attributes the policy decides on.
type Request struct {
	// Addr is the client address.  It is the zero value for requests
	// arriving over a local stream transport.
	Addr netip.Addr

	// Local marks requests from a local stream transport, which bypass
	// the write permission checks.
	Local bool

	// Encrypted reports whether the frame arrived encrypted.
	Encrypted bool

	// KeyID is the public key of the resolved encryption key, or zero
	// for plaintext frames.
	KeyID [32]byte

	// Cmd is the decoded command.
	Cmd wire.Command

	// Digest is the content digest named by the request.
	Digest [wire.DigestSize]byte
}

// write reports whether the command mutates storage.
func (r *Request) write() bool {
	switch r.Cmd {
	case wire.CmdWrite, wire.CmdDelete, wire.CmdRefresh:
		return true
	}
	return false
}

// Policy is the admission configuration shared by all workers, except for
// the rate limiter, which each worker owns separately.
type Policy struct {
	// Blocklist names clients whose requests are silently discarded.
	Blocklist *ipmap.Set

	// EncryptedOnly refuses plaintext frames.
	EncryptedOnly bool

	// ReadOnly refuses every write regardless of other permissions.
	ReadOnly bool

	// WriteAddrs names clients allowed to write.
	WriteAddrs *ipmap.Set

	// WriteKeys names encryption keys allowed to write.
	WriteKeys map[[32]byte]struct{}

	// SkipDigests names digests acknowledged without being stored,
	// keyed by their lowercase hex encoding.
	SkipDigests map[string]struct{}

	// RatelimitWhitelist names clients exempt from rate limiting.
	RatelimitWhitelist *ipmap.Set
}

// writeAllowed reports whether the request holds write permission.
func (p *Policy) writeAllowed(req *Request) bool {
	if p.ReadOnly {
		return false
	}
	if req.Local {
		return true
	}
	if p.WriteAddrs.Contains(req.Addr) {
		return true
	}
	_, ok := p.WriteKeys[req.KeyID]
	return ok
}

// Admit runs the admission checks in policy order and returns the verdict
// along with the refusal reason for the blacklist hook, when one applies.
// A locked out client under a log-only limiter yields VerdictAllow together
// with ReasonRatelimit so the hook still observes the lockout.  The limiter
// may be nil when rate limiting is disabled.
func (p *Policy) Admit(req *Request, lim *Limiter,
	now time.Time) (Verdict, string) {

	if p.Blocklist.Contains(req.Addr) {
		log.Debugf("Dropping request from blocklisted client %v",
			req.Addr)
		return VerdictDrop, ReasonBlacklisted
	}

	if p.EncryptedOnly && !req.Encrypted {
		return VerdictForbidden, ""
	}

	if req.write() && !p.writeAllowed(req) {
		return VerdictForbidden, ""
	}

	var reason string
	if req.Cmd == wire.CmdCheck && lim != nil &&
		!p.RatelimitWhitelist.Contains(req.Addr) {

		allowed, limited := lim.Allow(req.Addr, now)
		if !allowed {
			return VerdictForbidden, ReasonRatelimit
		}
		if limited {
			reason = ReasonRatelimit
		}
	}

	if req.Cmd == wire.CmdWrite && len(p.SkipDigests) > 0 {
		d := hex.EncodeToString(req.Digest[:])
		if _, ok := p.SkipDigests[d]; ok {
			log.Debugf("Skipping write for digest %s", d[:16])
			return VerdictSkip, ""
		}
	}

	return VerdictAllow, reason
}
