// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// fuzzykey generates a Curve25519 keypair suitable for the fuzzyd keypair
// option and prints the base64 secret along with the rendered public key.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"

	"github.com/decred/dcrd/crypto/rand"

	"github.com/nimblesec/fuzzyd/keyring"
)

var n = flag.Int("n", 1, "number of keypairs to generate")

func main() {
	flag.Parse()

	for i := 0; i < *n; i++ {
		var secret [32]byte
		rand.Read(secret[:])
		k := keyring.NewKey(secret, nil)
		fmt.Printf("keypair=%s\n",
			base64.StdEncoding.EncodeToString(secret[:]))
		fmt.Printf("pubkey=%s\n", k.PublicBase32())
		fmt.Printf("id=%s\n", k.IDPrefix())
	}
}
