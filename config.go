// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/nimblesec/fuzzyd/internal/version"
)

// errSuppressUsage signifies that an error that happened during the initial
// configuration process should suppress the usage output since it was caused
// by an unexpected condition as opposed to invalid configuration parameters
// provided by the user.
type errSuppressUsage string

// Error implements the error interface.
func (e errSuppressUsage) Error() string {
	return string(e)
}

// config defines the configuration options for fuzzyd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	HomeDir       string `short:"A" long:"appdata" description:"Path to application home directory"`
	ShowVersion   bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile    string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir       string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir        string `long:"logdir" description:"Directory to log output"`
	NoFileLogging bool   `long:"nofilelogging" description:"Disable file logging"`
	DebugLevel    string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	Profile       string `long:"profile" description:"Enable HTTP profiling on given [addr:]port -- NOTE port must be between 1024 and 65535"`

	Listen        string `long:"listen" description:"UDP address to listen on for queries"`
	Workers       int    `long:"workers" description:"Number of worker loops sharing the listen address"`
	ControlSocket string `long:"controlsocket" description:"Path of the unix datagram socket for supervisor control commands"`

	Sync                  uint     `long:"sync" description:"Seconds between update queue flushes"`
	Expire                uint     `long:"expire" description:"Storage entry lifetime in seconds"`
	Delay                 uint     `long:"delay" description:"Seconds a freshly learned hash is hidden from unlisted clients"`
	Keypair               []string `long:"keypair" description:"Base64 Curve25519 secret key with optional colon-separated forbidden flag list; may be specified multiple times and the first entry is the default key"`
	KeypairCacheSize      uint32   `long:"keypaircachesize" description:"Per-worker capacity of the shared secret cache"`
	EncryptedOnly         bool     `long:"encryptedonly" description:"Refuse plaintext frames"`
	ReadOnly              bool     `long:"readonly" description:"Refuse all write commands"`
	DedicatedUpdateWorker bool     `long:"dedicatedupdateworker" description:"Reserve the leader worker for updates only; it stops serving UDP queries when more than one worker is configured"`
	UpdatesMaxfail        int      `long:"updatesmaxfail" description:"Consecutive flush failures tolerated before a batch is dropped"`

	AllowUpdate     []string `long:"allowupdate" description:"IP address or CIDR prefix allowed to submit writes; may be specified multiple times"`
	AllowUpdateKeys []string `long:"allowupdatekeys" description:"Base64 public key allowed to submit writes; may be specified multiple times"`
	SkipHashes      []string `long:"skiphashes" description:"Hex digest acknowledged without being stored; may be specified multiple times"`
	Blocked         []string `long:"blocked" description:"IP address or CIDR prefix whose requests are silently discarded; may be specified multiple times"`
	DelayWhitelist  []string `long:"delaywhitelist" description:"IP address or CIDR prefix exempt from the reply delay; may be specified multiple times"`

	RatelimitWhitelist  []string `long:"ratelimitwhitelist" description:"IP address or CIDR prefix exempt from rate limiting; may be specified multiple times"`
	RatelimitMaxBuckets uint32   `long:"ratelimitmaxbuckets" description:"Capacity of the per-worker rate limit bucket table"`
	RatelimitMask       int      `long:"ratelimitnetworkmask" description:"IPv4 prefix length clients are grouped under for rate limiting"`
	RatelimitBucketTTL  uint     `long:"ratelimitbucketttl" description:"Seconds an idle rate limit bucket survives"`
	RatelimitRate       float64  `long:"ratelimitrate" description:"Tokens drained from a rate limit bucket per second"`
	RatelimitBurst      float64  `long:"ratelimitburst" description:"Bucket level that locks a client out; rate limiting is disabled when unset"`
	RatelimitLogOnly    bool     `long:"ratelimitlogonly" description:"Account rate limit violations without refusing requests"`
}

// defaultHomeDir returns the default home directory for fuzzyd data and
// configuration.
func defaultHomeDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(homeDir, ".fuzzyd")
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Nothing to do when no path is given.
	if path == "" {
		return path
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)

	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser
	// to otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in fuzzyd functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
//
// The loadConfig function also initializes logging and configures it
// accordingly.
func loadConfig(appName string) (*config, []string, error) {
	// Default config.
	home := defaultHomeDir()
	cfg := config{
		HomeDir:             home,
		ConfigFile:          filepath.Join(home, defaultConfigFilename),
		DataDir:             filepath.Join(home, defaultDataDirname),
		LogDir:              filepath.Join(home, defaultLogDirname),
		DebugLevel:          defaultDebugLevel,
		Listen:              defaultListen,
		Workers:             defaultWorkers,
		Sync:                defaultSyncSecs,
		Expire:              defaultExpireSecs,
		KeypairCacheSize:    defaultKeypairCacheSize,
		UpdatesMaxfail:      defaultUpdatesMaxfail,
		RatelimitMaxBuckets: defaultRatelimitMaxBuckets,
		RatelimitMask:       defaultRatelimitMask,
		RatelimitBucketTTL:  defaultRatelimitBucketTTL,
	}

	// Pre-parse the command line options to see if an alternative config
	// file, home directory, or the version flag was specified.  Any errors
	// aside from the help message error can be ignored here since they
	// will be caught by the final parse below.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName,
			version.String(), runtime.Version(), runtime.GOOS,
			runtime.GOARCH)
		os.Exit(0)
	}

	// Update the home directory for fuzzyd if specified.  Since the home
	// directory is updated, other variables need to be updated to reflect
	// the new changes.
	if preCfg.HomeDir != home {
		cfg.HomeDir = cleanAndExpandPath(preCfg.HomeDir)

		if preCfg.ConfigFile == filepath.Join(home, defaultConfigFilename) {
			cfg.ConfigFile = filepath.Join(cfg.HomeDir,
				defaultConfigFilename)
		} else {
			cfg.ConfigFile = preCfg.ConfigFile
		}
		if preCfg.DataDir == filepath.Join(home, defaultDataDirname) {
			cfg.DataDir = filepath.Join(cfg.HomeDir, defaultDataDirname)
		} else {
			cfg.DataDir = preCfg.DataDir
		}
		if preCfg.LogDir == filepath.Join(home, defaultLogDirname) {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		} else {
			cfg.LogDir = preCfg.LogDir
		}
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	cfg.ConfigFile = cleanAndExpandPath(cfg.ConfigFile)
	err = flags.NewIniParser(parser).ParseFile(cfg.ConfigFile)
	if err != nil {
		var e *os.PathError
		if !errors.As(err, &e) {
			return nil, nil, fmt.Errorf("error parsing config file: %w",
				err)
		}

		// Missing config files are only an error when one was
		// explicitly requested.
		if preCfg.ConfigFile != "" &&
			cfg.ConfigFile != filepath.Join(cfg.HomeDir,
				defaultConfigFilename) {

			return nil, nil, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		return nil, nil, err
	}

	// Create the home directory if it doesn't already exist.
	funcName := "loadConfig"
	err = os.MkdirAll(cfg.HomeDir, 0700)
	if err != nil {
		str := "%s: failed to create home directory: %v"
		return nil, nil, errSuppressUsage(fmt.Sprintf(str, funcName, err))
	}

	// Clean and expand all file and directory paths.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	if cfg.ControlSocket != "" {
		cfg.ControlSocket = cleanAndExpandPath(cfg.ControlSocket)
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After the log rotation has been
	// initialized, the logger variables may be used.
	if !cfg.NoFileLogging {
		initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %w", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// The listen address must name a resolvable UDP endpoint.
	if _, err := net.ResolveUDPAddr("udp", cfg.Listen); err != nil {
		str := "%s: invalid listen address %q: %v"
		err := fmt.Errorf(str, funcName, cfg.Listen, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	if cfg.Workers < 1 {
		str := "%s: the workers option must be at least 1 -- parsed [%d]"
		err := fmt.Errorf(str, funcName, cfg.Workers)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	if cfg.Sync < 1 {
		str := "%s: the sync option must be at least 1 -- parsed [%d]"
		err := fmt.Errorf(str, funcName, cfg.Sync)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	if cfg.UpdatesMaxfail < 0 {
		str := "%s: the updatesmaxfail option may not be negative -- " +
			"parsed [%d]"
		err := fmt.Errorf(str, funcName, cfg.UpdatesMaxfail)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	if cfg.RatelimitBurst < 0 || cfg.RatelimitRate < 0 {
		str := "%s: rate limit parameters may not be negative"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	return &cfg, remainingArgs, nil
}

// syncPeriod returns the flush period as a duration.
func (cfg *config) syncPeriod() time.Duration {
	return time.Duration(cfg.Sync) * time.Second
}

// expirePeriod returns the storage entry lifetime as a duration.
func (cfg *config) expirePeriod() time.Duration {
	return time.Duration(cfg.Expire) * time.Second
}

// delayPeriod returns the reply delay as a duration.
func (cfg *config) delayPeriod() time.Duration {
	return time.Duration(cfg.Delay) * time.Second
}

// ratelimitEnabled reports whether a usable rate limit is configured.
func (cfg *config) ratelimitEnabled() bool {
	return cfg.RatelimitBurst > 0
}
