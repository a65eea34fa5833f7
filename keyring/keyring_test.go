// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyring

import (
	"bytes"
	crand "crypto/rand"
	"encoding/base64"
	"errors"
	"testing"

	"golang.org/x/crypto/nacl/box"

	"github.com/nimblesec/fuzzyd/stats"
	"github.com/nimblesec/fuzzyd/wire"
)

// testSecret returns a deterministic 32-byte secret.
func testSecret(seed byte) [32]byte {
	var s [32]byte
	for i := range s {
		s[i] = seed ^ byte(i*7)
	}
	return s
}

// sealRequest performs the client half of the handshake: it derives the
// shared secret from a fresh ephemeral keypair and seals plain for the
// recipient key.
func sealRequest(t *testing.T, recipient [32]byte,
	plain []byte) (*wire.EncryptedHeader, []byte, *[32]byte) {

	t.Helper()
	ephPub, ephPriv, err := box.GenerateKey(crand.Reader)
	if err != nil {
		t.Fatalf("ephemeral key generation: %v", err)
	}

	shared := new([32]byte)
	box.Precompute(shared, &recipient, ephPriv)

	hdr := &wire.EncryptedHeader{KeyID: recipient, EphemeralPub: *ephPub}
	if _, err := crand.Read(hdr.Nonce[:]); err != nil {
		t.Fatalf("nonce: %v", err)
	}
	sealed := box.SealAfterPrecomputation(nil, plain, &hdr.Nonce, shared)
	copy(hdr.MAC[:], sealed[:wire.MACSize])
	return hdr, sealed[wire.MACSize:], shared
}

// TestDecryptRoundTrip ensures a sealed request opens under the addressed
// key and the session seals replies the client can open.
func TestDecryptRoundTrip(t *testing.T) {
	reg := NewRegistry(stats.NewRegistry())
	key := NewKey(testSecret(1), nil)
	reg.Add(key)

	plain := []byte("request payload")
	hdr, ct, shared := sealRequest(t, key.Public(), plain)

	cache := NewSecretCache(16)
	sess, got, err := cache.Decrypt(reg, hdr, ct)
	if err != nil {
		t.Fatalf("decrypt error: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("unexpected plaintext -- got %x, want %x", got, plain)
	}
	if sess.Key != key {
		t.Fatal("session resolved the wrong key")
	}

	// Seal a reply and open it on the client side.
	replyPlain := []byte("reply payload")
	buf := make([]byte, wire.MaxMessageSize)
	n, err := sess.EncryptReply(replyPlain, buf)
	if err != nil {
		t.Fatalf("seal error: %v", err)
	}
	if n != wire.EncryptedReplyHeaderSize+len(replyPlain) {
		t.Fatalf("unexpected sealed size -- got %d, want %d", n,
			wire.EncryptedReplyHeaderSize+len(replyPlain))
	}
	var nonce [wire.NonceSize]byte
	copy(nonce[:], buf[:wire.NonceSize])
	sealed := buf[wire.NonceSize:n]
	opened, ok := box.OpenAfterPrecomputation(nil, sealed, &nonce, shared)
	if !ok {
		t.Fatal("client failed to open the reply")
	}
	if !bytes.Equal(opened, replyPlain) {
		t.Fatalf("unexpected reply -- got %x, want %x", opened,
			replyPlain)
	}

	// A second frame from the same ephemeral key reuses the cached
	// secret.
	if _, _, err := cache.Decrypt(reg, hdr, ct); err != nil {
		t.Fatalf("second decrypt error: %v", err)
	}
	if cache.secrets.Len() != 1 {
		t.Fatalf("unexpected cache size -- got %d, want 1",
			cache.secrets.Len())
	}
}

// TestDecryptFailures ensures unknown keys and tampered frames fail with the
// expected kinds.
func TestDecryptFailures(t *testing.T) {
	reg := NewRegistry(stats.NewRegistry())
	key := NewKey(testSecret(2), nil)
	reg.Add(key)
	cache := NewSecretCache(16)

	plain := []byte("payload")
	hdr, ct, _ := sealRequest(t, key.Public(), plain)

	// Unknown key id with no default configured.
	unknown := *hdr
	unknown.KeyID[0] ^= 0xff
	if _, _, err := cache.Decrypt(reg, &unknown, ct); !errors.Is(err,
		ErrNoKey) {

		t.Errorf("unexpected unknown-key error -- got %v, want %v",
			err, ErrNoKey)
	}

	// Tampered MAC.
	bad := *hdr
	bad.MAC[0] ^= 0xff
	if _, _, err := cache.Decrypt(reg, &bad, ct); !errors.Is(err,
		ErrDecrypt) {

		t.Errorf("unexpected tamper error -- got %v, want %v", err,
			ErrDecrypt)
	}

	// Tampered ciphertext.
	badCt := append([]byte(nil), ct...)
	badCt[0] ^= 0xff
	if _, _, err := cache.Decrypt(reg, hdr, badCt); !errors.Is(err,
		ErrDecrypt) {

		t.Errorf("unexpected ciphertext error -- got %v, want %v",
			err, ErrDecrypt)
	}
}

// TestDefaultKeyFallback ensures unknown key ids resolve to the default key.
func TestDefaultKeyFallback(t *testing.T) {
	reg := NewRegistry(stats.NewRegistry())
	def := NewKey(testSecret(3), nil)
	reg.SetDefault(def)
	cache := NewSecretCache(16)

	// Seal for the default key but name a bogus key id.
	plain := []byte("fallback payload")
	hdr, ct, _ := sealRequest(t, def.Public(), plain)
	for i := range hdr.KeyID {
		hdr.KeyID[i] = 0xee
	}

	sess, got, err := cache.Decrypt(reg, hdr, ct)
	if err != nil {
		t.Fatalf("decrypt error: %v", err)
	}
	if sess.Key != def {
		t.Fatal("fallback resolved the wrong key")
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("unexpected plaintext -- got %x, want %x", got, plain)
	}
}

// TestParseKey ensures secret decoding failures are reported.
func TestParseKey(t *testing.T) {
	secret := testSecret(4)
	k, err := ParseKey(base64.StdEncoding.EncodeToString(secret[:]),
		[]uint32{7})
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if k.Public() != NewKey(secret, nil).Public() {
		t.Fatal("parsed key derives a different public key")
	}
	if !k.ForbiddenFlag(7) || k.ForbiddenFlag(8) {
		t.Error("unexpected forbidden flag set")
	}

	if _, err := ParseKey("not base64!!!", nil); !errors.Is(err,
		ErrBadSecret) {

		t.Errorf("unexpected decode error -- got %v, want %v", err,
			ErrBadSecret)
	}
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := ParseKey(short, nil); !errors.Is(err, ErrBadSecret) {
		t.Errorf("unexpected length error -- got %v, want %v", err,
			ErrBadSecret)
	}
}

// TestKeyRendering ensures the snapshot renderings have the documented
// shapes.
func TestKeyRendering(t *testing.T) {
	k := NewKey(testSecret(5), nil)
	if got := len(k.IDPrefix()); got != 16 {
		t.Errorf("unexpected id prefix length -- got %d, want 16", got)
	}
	pub := k.PublicBase32()
	if got := len(pub); got != 52 {
		t.Errorf("unexpected base32 length -- got %d, want 52", got)
	}
	for _, c := range pub {
		if (c < 'a' || c > 'z') && (c < '2' || c > '7') {
			t.Fatalf("unexpected base32 character %q", c)
		}
	}
}
