// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/nimblesec/fuzzyd/sampleconfig"
)

// withArgs runs fn with os.Args replaced, which is how go-flags receives the
// command line under test.
func withArgs(t *testing.T, args []string, fn func()) {
	t.Helper()
	saved := os.Args
	os.Args = append([]string{"fuzzyd"}, args...)
	defer func() { os.Args = saved }()
	fn()
}

// TestLoadConfigDefaults ensures a bare invocation yields the documented
// defaults rooted under the application home directory.
func TestLoadConfigDefaults(t *testing.T) {
	home := t.TempDir()
	withArgs(t, []string{"-A", home, "--nofilelogging"}, func() {
		cfg, _, err := loadConfig("fuzzyd")
		if err != nil {
			t.Fatalf("load config: %v", err)
		}
		if cfg.Listen != defaultListen {
			t.Errorf("listen: got %q, want %q", cfg.Listen,
				defaultListen)
		}
		if cfg.Workers != defaultWorkers {
			t.Errorf("workers: got %d, want %d", cfg.Workers,
				defaultWorkers)
		}
		if cfg.syncPeriod() != defaultSyncSecs*time.Second {
			t.Errorf("sync period: got %v", cfg.syncPeriod())
		}
		if cfg.ratelimitEnabled() {
			t.Error("rate limiting enabled without a burst")
		}
		wantData := filepath.Join(home, defaultDataDirname)
		if cfg.DataDir != wantData {
			t.Errorf("datadir: got %q, want %q", cfg.DataDir,
				wantData)
		}
	})
}

// TestLoadConfigRejects ensures the documented validation failures are
// refused.
func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{{
		name: "zero workers",
		args: []string{"--workers", "0"},
	}, {
		name: "zero sync",
		args: []string{"--sync", "0"},
	}, {
		name: "unresolvable listen",
		args: []string{"--listen", "not an address"},
	}, {
		name: "negative burst",
		args: []string{"--ratelimitburst=-1"},
	}, {
		name: "bad debug level",
		args: []string{"-d", "spam"},
	}}

	for _, test := range tests {
		home := t.TempDir()
		args := append([]string{"-A", home, "--nofilelogging"},
			test.args...)
		withArgs(t, args, func() {
			if _, _, err := loadConfig("fuzzyd"); err == nil {
				t.Errorf("%s: accepted", test.name)
			}
		})
	}
}

// TestSampleConfig ensures the shipped sample configuration parses.
func TestSampleConfig(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "fuzzyd.conf")
	err := os.WriteFile(path, []byte(sampleconfig.Fuzzyd()), 0600)
	if err != nil {
		t.Fatalf("write sample config: %v", err)
	}
	args := []string{"-A", home, "-C", path, "--nofilelogging"}
	withArgs(t, args, func() {
		if _, _, err := loadConfig("fuzzyd"); err != nil {
			t.Fatalf("sample config rejected: %v", err)
		}
	})
}

// TestParseAndSetDebugLevels ensures both the single-level and the
// per-subsystem forms parse.
func TestParseAndSetDebugLevels(t *testing.T) {
	tests := []struct {
		level   string
		wantErr bool
	}{
		{level: "debug"},
		{level: "MAIN=debug,KRNG=trace"},
		{level: "spam", wantErr: true},
		{level: "MAIN=spam", wantErr: true},
		{level: "NOPE=debug", wantErr: true},
		{level: "MAINdebug,", wantErr: true},
	}
	defer setLogLevels(defaultDebugLevel)

	for _, test := range tests {
		err := parseAndSetDebugLevels(test.level)
		if (err != nil) != test.wantErr {
			t.Errorf("%q: unexpected error: %v", test.level, err)
		}
	}
}

// TestSupportedSubsystems ensures the subsystem list is sorted and carries
// every registered logger.
func TestSupportedSubsystems(t *testing.T) {
	subs := supportedSubsystems()
	if !sort.StringsAreSorted(subs) {
		t.Fatalf("subsystems not sorted: %v", subs)
	}
	if len(subs) != len(subsystemLoggers) {
		t.Fatalf("subsystem count: got %d, want %d", len(subs),
			len(subsystemLoggers))
	}
}

// TestCleanAndExpandPath ensures environment variables expand and relative
// paths normalize.
func TestCleanAndExpandPath(t *testing.T) {
	t.Setenv("FUZZYD_TEST_DIR", "/var/lib")
	got := cleanAndExpandPath("$FUZZYD_TEST_DIR/fuzzyd")
	if got != "/var/lib/fuzzyd" {
		t.Errorf("env expansion: got %q", got)
	}
	if got := cleanAndExpandPath(""); got != "" {
		t.Errorf("empty path: got %q", got)
	}
}
