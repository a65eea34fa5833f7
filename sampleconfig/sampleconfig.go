// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sampleconfig

import (
	_ "embed"
)

// sampleFuzzydConf is a string containing the commented example config for
// fuzzyd.
//
//go:embed sample-fuzzyd.conf
var sampleFuzzydConf string

// Fuzzyd returns a string containing the commented example config for fuzzyd.
func Fuzzyd() string {
	return sampleFuzzydConf
}
