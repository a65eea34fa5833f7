// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
)

// ExtensionKind identifies the type of an extension record.
type ExtensionKind byte

// These constants define the recognized extension record kinds.
const (
	// ExtDomain carries the source domain of the queried content as a
	// length-prefixed string.
	ExtDomain = ExtensionKind('d')

	// ExtIPv4 carries a 4-byte source address.
	ExtIPv4 = ExtensionKind('4')

	// ExtIPv6 carries a 16-byte source address.
	ExtIPv6 = ExtensionKind('6')
)

// String returns the extension kind in human-readable form.
func (k ExtensionKind) String() string {
	switch k {
	case ExtDomain:
		return "domain"
	case ExtIPv4:
		return "ipv4"
	case ExtIPv6:
		return "ipv6"
	}
	return "unknown"
}

// extRecord locates one record's payload inside the shared arena.
type extRecord struct {
	kind ExtensionKind
	off  uint16
	len  uint16
}

// Extensions is the ordered sequence of extension records parsed from the
// tail of a current-epoch frame.  All payloads share a single backing arena
// so a frame costs at most two allocations regardless of record count.
type Extensions struct {
	recs  []extRecord
	arena []byte
}

// Len returns the number of records.
func (e *Extensions) Len() int {
	return len(e.recs)
}

// Kind returns the kind of record i.
func (e *Extensions) Kind(i int) ExtensionKind {
	return e.recs[i].kind
}

// Payload returns the payload of record i.  The returned slice aliases the
// arena and must not be modified.
func (e *Extensions) Payload(i int) []byte {
	r := e.recs[i]
	return e.arena[r.off : r.off+r.len]
}

// EncodedSize returns the number of bytes the records occupy on the wire.
func (e *Extensions) EncodedSize() int {
	n := 0
	for _, r := range e.recs {
		n += 1 + int(r.len)
		if r.kind == ExtDomain {
			n++
		}
	}
	return n
}

// encode serializes the records into b, which must be at least EncodedSize
// bytes, and returns the number of bytes written.
func (e *Extensions) encode(b []byte) int {
	off := 0
	for i, r := range e.recs {
		b[off] = byte(r.kind)
		off++
		if r.kind == ExtDomain {
			b[off] = byte(r.len)
			off++
		}
		off += copy(b[off:], e.Payload(i))
	}
	return off
}

// AddDomain appends a domain record.  The name is truncated to 255 bytes.
func (e *Extensions) AddDomain(name string) {
	if len(name) > 255 {
		name = name[:255]
	}
	e.add(ExtDomain, []byte(name))
}

// AddIPv4 appends a 4-byte source address record.
func (e *Extensions) AddIPv4(addr [4]byte) {
	e.add(ExtIPv4, addr[:])
}

// AddIPv6 appends a 16-byte source address record.
func (e *Extensions) AddIPv6(addr [16]byte) {
	e.add(ExtIPv6, addr[:])
}

func (e *Extensions) add(kind ExtensionKind, payload []byte) {
	off := len(e.arena)
	e.arena = append(e.arena, payload...)
	e.recs = append(e.recs, extRecord{
		kind: kind,
		off:  uint16(off),
		len:  uint16(len(payload)),
	})
}

// parseExtensions parses the tail of a current-epoch frame as a sequence of
// extension records.  The scan runs twice: the first pass validates every
// record and totals the payload bytes, the second copies the payloads into
// one contiguous arena.  Any unknown record kind or truncated record
// invalidates the whole frame.
func parseExtensions(b []byte) (Extensions, error) {
	const fn = "parseExtensions"

	var ext Extensions
	if len(b) == 0 {
		return ext, nil
	}

	nrecs, total := 0, 0
	for off := 0; off < len(b); {
		kind := ExtensionKind(b[off])
		off++
		var plen int
		switch kind {
		case ExtDomain:
			if off >= len(b) {
				msg := "domain record is missing its length " +
					"prefix"
				return ext, messageError(fn, ErrBadExtension,
					msg)
			}
			plen = int(b[off])
			off++
		case ExtIPv4:
			plen = 4
		case ExtIPv6:
			plen = 16
		default:
			msg := fmt.Sprintf("unknown extension kind 0x%02x at "+
				"offset %d", byte(kind), off-1)
			return ext, messageError(fn, ErrBadExtension, msg)
		}
		if off+plen > len(b) {
			msg := fmt.Sprintf("%v record payload of %d bytes "+
				"exceeds the remaining %d bytes", kind, plen,
				len(b)-off)
			return ext, messageError(fn, ErrBadExtension, msg)
		}
		off += plen
		nrecs++
		total += plen
	}

	ext.recs = make([]extRecord, 0, nrecs)
	ext.arena = make([]byte, 0, total)
	for off := 0; off < len(b); {
		kind := ExtensionKind(b[off])
		off++
		var plen int
		switch kind {
		case ExtDomain:
			plen = int(b[off])
			off++
		case ExtIPv4:
			plen = 4
		case ExtIPv6:
			plen = 16
		}
		ext.add(kind, b[off:off+plen])
		off += plen
	}
	return ext, nil
}
