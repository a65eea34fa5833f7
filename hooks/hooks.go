// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package hooks exposes the extension points invoked around request
// processing.  Hooks are optional plain functions registered once at
// startup; a hook error is logged and the request proceeds as if the hook
// had declined to act.
package hooks

import (
	"net/netip"

	"github.com/nimblesec/fuzzyd/wire"
)

// Source describes where the queried content was seen, as reported by the
// extension records of a current-epoch frame.
type Source struct {
	// Domain is the sending domain, or empty when not reported.
	Domain string

	// Addrs are the sending addresses, in wire order.
	Addrs []netip.Addr
}

// SourceFromExtensions builds the source description from decoded extension
// records.  The first domain record wins; address records accumulate.
func SourceFromExtensions(ext *wire.Extensions) *Source {
	if ext.Len() == 0 {
		return nil
	}
	var src Source
	for i := 0; i < ext.Len(); i++ {
		switch ext.Kind(i) {
		case wire.ExtDomain:
			if src.Domain == "" {
				src.Domain = string(ext.Payload(i))
			}
		case wire.ExtIPv4:
			var a [4]byte
			copy(a[:], ext.Payload(i))
			src.Addrs = append(src.Addrs, netip.AddrFrom4(a))
		case wire.ExtIPv6:
			var a [16]byte
			copy(a[:], ext.Payload(i))
			src.Addrs = append(src.Addrs, netip.AddrFrom16(a))
		}
	}
	return &src
}

// Args carries the request attributes passed to the pre and post hooks.
type Args struct {
	Cmd    wire.Command
	Addr   netip.Addr
	Flag   uint32
	Digest [wire.DigestSize]byte
	Source *Source
}

// Override is a hook-supplied replacement for the reply outcome.
type Override struct {
	Value int32
	Flag  uint32
	Prob  float32
}

// PreFunc runs before a request is processed.  A non-nil override answers
// the request without touching storage.
type PreFunc func(*Args) (*Override, error)

// PostFunc runs after a request produced a reply and may rewrite the
// outcome.
type PostFunc func(*Args, *wire.Reply) (*Override, error)

// BlacklistFunc is notified when a request is refused by admission policy,
// with the refusal reason.
type BlacklistFunc func(addr netip.Addr, reason string)

// Set is the fixed group of hook slots.  Slots are assigned before serving
// starts and read concurrently afterwards.
type Set struct {
	Pre       PreFunc
	Post      PostFunc
	Blacklist BlacklistFunc
}

// RunPre invokes the pre hook when one is registered.  Hook errors are
// logged and reported as no override.
func (s *Set) RunPre(args *Args) *Override {
	if s == nil || s.Pre == nil {
		return nil
	}
	ov, err := s.Pre(args)
	if err != nil {
		log.Errorf("Pre hook failed for %v from %v: %v", args.Cmd,
			args.Addr, err)
		return nil
	}
	return ov
}

// RunPost invokes the post hook when one is registered.  Hook errors are
// logged and reported as no override.
func (s *Set) RunPost(args *Args, reply *wire.Reply) *Override {
	if s == nil || s.Post == nil {
		return nil
	}
	ov, err := s.Post(args, reply)
	if err != nil {
		log.Errorf("Post hook failed for %v from %v: %v", args.Cmd,
			args.Addr, err)
		return nil
	}
	return ov
}

// RunBlacklist notifies the blacklist hook when one is registered.
func (s *Set) RunBlacklist(addr netip.Addr, reason string) {
	if s == nil || s.Blacklist == nil {
		return
	}
	s.Blacklist(addr, reason)
}
