// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package wire implements the fuzzyd datagram protocol.

# Overview

Clients submit small binary request frames over UDP that check, write,
refresh, or delete content fingerprints.  A request carries a 64-byte digest
and optionally a vector of 32 shingle hashes used for similarity matching.
Replies report a match probability, a category flag, and the time the entry
was last seen.

Two protocol epochs are recognized.  Legacy frames (version 3) must match the
expected frame size exactly and carry no extensions.  Current frames
(version 4) may exceed the base size, with the tail parsed as a sequence of
extension records describing the source of the queried content.

Requests may additionally be encrypted.  An encrypted frame is recognized by
an 8-byte magic prefix followed by the recipient key id, an ephemeral public
key, a nonce, and a MAC; the remainder is the ciphertext of a plaintext frame.
This package only parses the encrypted header; the actual authenticated
decryption is performed by the keyring package.

# Errors

Errors returned by this package are of type MessageError and wrap an
ErrorKind, so callers can inspect the failure reason with errors.Is.
*/
package wire
