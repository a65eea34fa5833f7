// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyring

import (
	"fmt"

	"github.com/decred/dcrd/container/lru"
	"github.com/decred/dcrd/crypto/rand"
	"golang.org/x/crypto/nacl/box"

	"github.com/nimblesec/fuzzyd/wire"
)

// secretCacheKey identifies one derived shared secret.
type secretCacheKey struct {
	local  [32]byte
	remote [32]byte
}

// SecretCache derives and caches NaCl box shared secrets.  Each worker owns
// one, so no locking beyond the map's own is needed and a client re-using an
// ephemeral key skips the Curve25519 scalar multiplication.
type SecretCache struct {
	secrets *lru.Map[secretCacheKey, *[32]byte]
}

// NewSecretCache returns a cache bounded to limit derived secrets.
func NewSecretCache(limit uint32) *SecretCache {
	return &SecretCache{
		secrets: lru.NewMap[secretCacheKey, *[32]byte](limit),
	}
}

// shared returns the precomputed box secret between the daemon key and the
// client's ephemeral public key.
func (c *SecretCache) shared(k *Key, remote *[32]byte) *[32]byte {
	ck := secretCacheKey{local: k.pub, remote: *remote}
	if s, ok := c.secrets.Get(ck); ok {
		return s
	}
	s := new([32]byte)
	box.Precompute(s, remote, &k.priv)
	c.secrets.Put(ck, s)
	return s
}

// Session carries the key material resolved for one encrypted request so the
// reply can be sealed to the same client.
type Session struct {
	// Key is the daemon key the request was addressed to.
	Key *Key

	shared *[32]byte
}

// Decrypt resolves the recipient key named by an encrypted request header
// and opens the ciphertext.  The returned session seals the reply.
func (c *SecretCache) Decrypt(reg *Registry, hdr *wire.EncryptedHeader,
	ciphertext []byte) (*Session, []byte, error) {

	k := reg.Lookup(hdr.KeyID)
	if k == nil {
		msg := fmt.Sprintf("no key material for key id %x",
			hdr.KeyID[:8])
		return nil, nil, makeError(ErrNoKey, msg)
	}

	shared := c.shared(k, &hdr.EphemeralPub)
	sealed := make([]byte, 0, wire.MACSize+len(ciphertext))
	sealed = append(sealed, hdr.MAC[:]...)
	sealed = append(sealed, ciphertext...)
	plain, ok := box.OpenAfterPrecomputation(nil, sealed, &hdr.Nonce,
		shared)
	if !ok {
		msg := fmt.Sprintf("frame authentication failed for key %s",
			k.IDPrefix())
		return nil, nil, makeError(ErrDecrypt, msg)
	}
	return &Session{Key: k, shared: shared}, plain, nil
}

// EncryptReply seals a plaintext reply payload into b using a fresh nonce
// and returns the number of bytes written: the encrypted reply header
// followed by the ciphertext.
func (s *Session) EncryptReply(plain, b []byte) (int, error) {
	need := wire.EncryptedReplyHeaderSize + len(plain)
	if len(b) < need {
		msg := fmt.Sprintf("target size %d is too small for sealed "+
			"reply size %d", len(b), need)
		return 0, makeError(ErrShortBuffer, msg)
	}

	var hdr wire.EncryptedReplyHeader
	rand.Read(hdr.Nonce[:])
	sealed := box.SealAfterPrecomputation(nil, plain, &hdr.Nonce,
		s.shared)
	copy(hdr.MAC[:], sealed[:wire.MACSize])
	n, err := hdr.Encode(b)
	if err != nil {
		return 0, err
	}
	n += copy(b[n:], sealed[wire.MACSize:])
	return n, nil
}
