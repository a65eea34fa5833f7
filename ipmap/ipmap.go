// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ipmap implements address prefix sets used by the admission and
// reply delay policies.
package ipmap

import (
	"fmt"
	"net/netip"
	"strings"
)

// Set is an immutable set of address prefixes.  Membership checks accept
// both bare addresses, which match exactly, and CIDR prefixes.  The zero
// value is an empty set.
type Set struct {
	prefixes []netip.Prefix
}

// ParseSet builds a set from a list of addresses and CIDR prefixes.
// Entries may contain comma-separated values.
func ParseSet(entries []string) (*Set, error) {
	var s Set
	for _, entry := range entries {
		for _, field := range strings.Split(entry, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			if strings.Contains(field, "/") {
				p, err := netip.ParsePrefix(field)
				if err != nil {
					return nil, fmt.Errorf("bad prefix "+
						"%q: %w", field, err)
				}
				s.prefixes = append(s.prefixes, p.Masked())
				continue
			}
			a, err := netip.ParseAddr(field)
			if err != nil {
				return nil, fmt.Errorf("bad address %q: %w",
					field, err)
			}
			s.prefixes = append(s.prefixes,
				netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return &s, nil
}

// Contains reports whether addr falls within any prefix of the set.
// IPv4-mapped IPv6 addresses are unmapped before matching.
func (s *Set) Contains(addr netip.Addr) bool {
	if s == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Empty reports whether the set has no entries.
func (s *Set) Empty() bool {
	return s == nil || len(s.prefixes) == 0
}

// Len returns the number of prefixes in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.prefixes)
}
