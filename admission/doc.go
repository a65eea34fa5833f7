// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package admission decides whether a decoded request may proceed.

Checks run in a fixed order: blocklisted clients are dropped without a
reply, plaintext frames are refused when encryption is mandatory, write
commands are refused unless the client address, key, or transport grants
write permission, and check commands are subject to a per-client leaky
bucket rate limit.  Writes whose digest appears in the skip set are
acknowledged without being stored.
*/
package admission
