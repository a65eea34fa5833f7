// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/nimblesec/fuzzyd/internal/version"
)

var cfg *config

// fuzzydMain is the real main function for fuzzyd.  It is necessary to work
// around the fact that deferred functions do not run when os.Exit() is
// called.
func fuzzydMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	tcfg, _, err := loadConfig(appName)
	if err != nil {
		usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
		fmt.Fprintln(os.Stderr, err)
		var e errSuppressUsage
		if !errors.As(err, &e) {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Get a context that will be canceled when a shutdown signal has been
	// triggered from an OS signal such as SIGINT (Ctrl+C).
	ctx := shutdownListener()
	defer fuzzydLog.Info("Shutdown complete")

	// Show version and home dir at startup.
	fuzzydLog.Infof("Version %s (Go version %s %s/%s)", version.String(),
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fuzzydLog.Infof("Home dir: %s", cfg.HomeDir)
	if cfg.NoFileLogging {
		fuzzydLog.Info("File logging disabled")
	}

	// Enable http profile server if requested.  Note that since the server
	// may be started now or dynamically started and stopped later, the
	// stop call is always deferred to ensure it is always stopped during
	// process shutdown.
	var profiler profileServer
	defer profiler.Stop()
	if cfg.Profile != "" {
		if err := profiler.Start(cfg.Profile); err != nil {
			fuzzydLog.Warnf("unable to start profile server: %v",
				err)
			return err
		}
	}

	// Return now if an interrupt signal was triggered.
	if shutdownRequested(ctx) {
		return nil
	}

	// A storage that cannot be opened leaves nothing to serve, but it is
	// an operational condition rather than a deployment mistake, so the
	// supervisor sees a clean exit.
	be, err := openBackend(cfg)
	if err != nil {
		fuzzydLog.Errorf("Unable to open the storage: %v", err)
		return nil
	}

	srv, err := newServer(cfg, be)
	if err != nil {
		be.Close()
		fuzzydLog.Errorf("Unable to start the server: %v", err)
		return err
	}

	if cfg.ControlSocket != "" {
		ctl, err := newControlServer(srv, cfg.ControlSocket)
		if err != nil {
			srv.closeWorkers()
			srv.closePairs()
			be.Close()
			fuzzydLog.Errorf("Unable to open the control "+
				"channel: %v", err)
			return err
		}
		defer ctl.close()
		go ctl.run(ctx)
	}

	srv.Run(ctx)
	return nil
}

func main() {
	// Work around defer not working after os.Exit()
	if err := fuzzydMain(); err != nil {
		os.Exit(1)
	}
}
