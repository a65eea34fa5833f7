// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package keyring holds the daemon encryption keys and performs the
authenticated encryption of request and reply frames.

Keys are Curve25519 keypairs.  An encrypted request names its recipient key
by public key; lookup is keyed by the first 8 bytes with a full comparison to
confirm, and requests naming an unknown key fall back to the default key when
one is configured.  Shared secrets are derived with the NaCl box construction
(Curve25519 key agreement, XSalsa20-Poly1305 sealing) and cached per worker,
keyed by the client's ephemeral public key.
*/
package keyring
