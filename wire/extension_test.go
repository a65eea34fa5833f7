// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"errors"
	"testing"
)

// TestParseExtensions ensures extension tails parse into ordered records and
// that malformed tails are refused.
func TestParseExtensions(t *testing.T) {
	tests := []struct {
		name     string
		tail     []byte
		kinds    []ExtensionKind
		payloads [][]byte
		err      error
	}{{
		name: "empty tail",
	}, {
		name:     "single domain",
		tail:     []byte{'d', 5, 'h', 'e', 'l', 'l', 'o'},
		kinds:    []ExtensionKind{ExtDomain},
		payloads: [][]byte{[]byte("hello")},
	}, {
		name:     "zero length domain",
		tail:     []byte{'d', 0},
		kinds:    []ExtensionKind{ExtDomain},
		payloads: [][]byte{{}},
	}, {
		name:     "ipv4 record",
		tail:     []byte{'4', 192, 0, 2, 7},
		kinds:    []ExtensionKind{ExtIPv4},
		payloads: [][]byte{{192, 0, 2, 7}},
	}, {
		name: "ipv6 record",
		tail: append([]byte{'6'}, bytes.Repeat([]byte{0xfd}, 16)...),
		kinds: []ExtensionKind{ExtIPv6},
		payloads: [][]byte{bytes.Repeat([]byte{0xfd}, 16)},
	}, {
		name: "ordered mixed records",
		tail: []byte{
			'4', 10, 0, 0, 1,
			'd', 2, 'o', 'k',
			'4', 10, 0, 0, 2,
		},
		kinds: []ExtensionKind{ExtIPv4, ExtDomain, ExtIPv4},
		payloads: [][]byte{
			{10, 0, 0, 1},
			[]byte("ok"),
			{10, 0, 0, 2},
		},
	}, {
		name: "unknown kind",
		tail: []byte{'z', 1, 2},
		err:  ErrBadExtension,
	}, {
		name: "domain missing length prefix",
		tail: []byte{'d'},
		err:  ErrBadExtension,
	}, {
		name: "domain payload truncated",
		tail: []byte{'d', 4, 'a', 'b'},
		err:  ErrBadExtension,
	}, {
		name: "ipv4 payload truncated",
		tail: []byte{'4', 1, 2},
		err:  ErrBadExtension,
	}, {
		name: "ipv6 payload truncated",
		tail: append([]byte{'6'}, make([]byte, 15)...),
		err:  ErrBadExtension,
	}, {
		name: "valid record followed by junk",
		tail: []byte{'4', 1, 2, 3, 4, 0xff},
		err:  ErrBadExtension,
	}}

	for _, test := range tests {
		ext, err := parseExtensions(test.tail)
		if !errors.Is(err, test.err) {
			t.Errorf("%q: unexpected error -- got %v, want %v",
				test.name, err, test.err)
			continue
		}
		if err != nil {
			continue
		}
		if ext.Len() != len(test.kinds) {
			t.Errorf("%q: unexpected record count -- got %d, "+
				"want %d", test.name, ext.Len(),
				len(test.kinds))
			continue
		}
		for i := 0; i < ext.Len(); i++ {
			if ext.Kind(i) != test.kinds[i] {
				t.Errorf("%q: record %d kind -- got %v, want "+
					"%v", test.name, i, ext.Kind(i),
					test.kinds[i])
			}
			if !bytes.Equal(ext.Payload(i), test.payloads[i]) {
				t.Errorf("%q: record %d payload -- got %x, "+
					"want %x", test.name, i,
					ext.Payload(i), test.payloads[i])
			}
		}
	}
}

// TestExtensionsEncodeRoundTrip ensures built extensions serialize to a tail
// that parses back to the same records.
func TestExtensionsEncodeRoundTrip(t *testing.T) {
	var ext Extensions
	ext.AddDomain("mail.example.com")
	ext.AddIPv4([4]byte{198, 51, 100, 23})
	ext.AddIPv6([16]byte{0x20, 0x01, 0x0d, 0xb8, 15: 0x01})

	buf := make([]byte, ext.EncodedSize())
	if n := ext.encode(buf); n != len(buf) {
		t.Fatalf("unexpected encoded size -- got %d, want %d", n,
			len(buf))
	}

	got, err := parseExtensions(buf)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if got.Len() != ext.Len() {
		t.Fatalf("unexpected record count -- got %d, want %d",
			got.Len(), ext.Len())
	}
	for i := 0; i < got.Len(); i++ {
		if got.Kind(i) != ext.Kind(i) {
			t.Errorf("record %d kind -- got %v, want %v", i,
				got.Kind(i), ext.Kind(i))
		}
		if !bytes.Equal(got.Payload(i), ext.Payload(i)) {
			t.Errorf("record %d payload -- got %x, want %x", i,
				got.Payload(i), ext.Payload(i))
		}
	}
}

// TestExtensionsDomainTruncation ensures overlong domain names are clipped to
// the length prefix limit.
func TestExtensionsDomainTruncation(t *testing.T) {
	var ext Extensions
	ext.AddDomain(string(bytes.Repeat([]byte{'a'}, 300)))
	if got := len(ext.Payload(0)); got != 255 {
		t.Fatalf("unexpected clipped length -- got %d, want 255", got)
	}
}
