// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyring

import (
	"encoding/base32"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/nimblesec/fuzzyd/stats"
)

// base32Enc renders public keys in stat snapshots: lowercase, unpadded.
var base32Enc = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").
	WithPadding(base32.NoPadding)

// Key is one daemon encryption keypair along with its per-key policy and
// statistics.
type Key struct {
	pub       [32]byte
	priv      [32]byte
	forbidden map[uint32]struct{}

	// Stat accumulates the counters attributed to this key.  It is set by
	// the registry when the key is added.
	Stat *stats.KeyStat
}

// NewKey derives a keypair from a 32-byte secret.  The flags in forbidden
// are censored from replies produced under this key.
func NewKey(secret [32]byte, forbidden []uint32) *Key {
	k := &Key{priv: secret}
	curve25519.ScalarBaseMult(&k.pub, &k.priv)
	if len(forbidden) > 0 {
		k.forbidden = make(map[uint32]struct{}, len(forbidden))
		for _, f := range forbidden {
			k.forbidden[f] = struct{}{}
		}
	}
	return k
}

// ParseKey derives a keypair from a base64-encoded 32-byte secret.
func ParseKey(encoded string, forbidden []uint32) (*Key, error) {
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		msg := fmt.Sprintf("malformed secret key: %v", err)
		return nil, makeError(ErrBadSecret, msg)
	}
	if len(secret) != 32 {
		msg := fmt.Sprintf("secret key is %d bytes, want 32",
			len(secret))
		return nil, makeError(ErrBadSecret, msg)
	}
	var sk [32]byte
	copy(sk[:], secret)
	return NewKey(sk, forbidden), nil
}

// Public returns the public key, which also serves as the key id on the
// wire.
func (k *Key) Public() [32]byte {
	return k.pub
}

// PublicBase32 renders the public key the way stat snapshots do.
func (k *Key) PublicBase32() string {
	return base32Enc.EncodeToString(k.pub[:])
}

// IDPrefix returns the 16-hex-character index under which the key appears in
// stat snapshots.
func (k *Key) IDPrefix() string {
	return hex.EncodeToString(k.pub[:8])
}

// ForbiddenFlag reports whether replies carrying flag must be censored under
// this key.
func (k *Key) ForbiddenFlag(flag uint32) bool {
	_, ok := k.forbidden[flag]
	return ok
}

// Registry resolves the recipient key named by encrypted frames.  The
// registry is built once at startup and safe for concurrent readers.
type Registry struct {
	keys       map[uint64][]*Key
	defaultKey *Key
	reg        *stats.Registry
}

// NewRegistry returns an empty key registry whose keys report statistics
// into reg.
func NewRegistry(reg *stats.Registry) *Registry {
	return &Registry{
		keys: make(map[uint64][]*Key),
		reg:  reg,
	}
}

func keyPrefix(id [32]byte) uint64 {
	return binary.LittleEndian.Uint64(id[:8])
}

// Add registers a key for lookup and wires its stat entry.
func (r *Registry) Add(k *Key) {
	k.Stat = r.reg.RegisterKey(k.IDPrefix(), k.PublicBase32())
	p := keyPrefix(k.pub)
	r.keys[p] = append(r.keys[p], k)
	log.Infof("Loaded encryption key %s", k.IDPrefix())
}

// SetDefault registers k as the fallback for frames naming an unknown key.
// The default key also participates in normal lookup.
func (r *Registry) SetDefault(k *Key) {
	r.Add(k)
	r.defaultKey = k
}

// Lookup resolves the key named by id.  Resolution matches on the first 8
// bytes and confirms with a full comparison.  Unknown ids resolve to the
// default key, or nil when none is configured.
func (r *Registry) Lookup(id [32]byte) *Key {
	for _, k := range r.keys[keyPrefix(id)] {
		if k.pub == id {
			return k
		}
	}
	return r.defaultKey
}

// Default returns the fallback key, or nil when none is configured.
func (r *Registry) Default() *Key {
	return r.defaultKey
}

// Len returns the number of registered keys.
func (r *Registry) Len() int {
	n := 0
	for _, l := range r.keys {
		n += len(l)
	}
	return n
}
