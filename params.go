// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

const (
	defaultConfigFilename = "fuzzyd.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "fuzzyd.log"
	defaultDbFilename     = "fuzzy.db"
	defaultDebugLevel     = "info"

	// defaultListen is the UDP query endpoint.
	defaultListen  = "127.0.0.1:11335"
	defaultWorkers = 4

	// defaultSyncSecs is the period between update queue flushes.
	defaultSyncSecs = 60

	// defaultExpireSecs is the storage entry lifetime (90 days).
	defaultExpireSecs = 90 * 24 * 3600

	defaultKeypairCacheSize = 512
	defaultUpdatesMaxfail   = 3

	defaultRatelimitMaxBuckets = 2000
	defaultRatelimitMask       = 24
	defaultRatelimitBucketTTL  = 3600
)

// batchSize is the number of datagrams requested per receive syscall.
const batchSize = 16
