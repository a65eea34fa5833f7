// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package stats tracks request counters for the daemon.

A single Registry is shared by all workers.  Global counters are split by
protocol epoch.  Per-key statistics additionally maintain an hourly
exponential moving average of check and match volume and a bounded per-client
table.  The registry serializes to the JSON document returned by the stat
control command.
*/
package stats
