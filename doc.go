// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
fuzzyd is a UDP daemon that stores fuzzy content hashes and answers
similarity queries against them.

The default options are sane for most users.  This means fuzzyd will work
'out of the box' for most users.  However, there are also a wide variety of
flags that can be used to control it.

The following section provides a usage overview which enumerates the flags.
An interesting point to note is that the long form of all of these options
(except -C) can be specified in a configuration file that is automatically
parsed when fuzzyd starts up.  By default, the configuration file is located
at ~/.fuzzyd/fuzzyd.conf.  The -C (--configfile) flag, as shown below, can be
used to override this location.

Usage:

	fuzzyd [OPTIONS]

Application Options:

	-V, --version               Display version information and exit
	-A, --appdata=              Path to application home directory
	-C, --configfile=           Path to configuration file
	-b, --datadir=              Directory to store data
	    --logdir=               Directory to log output
	    --nofilelogging         Disable file logging
	-d, --debuglevel=           Logging level for all subsystems {trace,
	                            debug, info, warn, error, critical} -- You
	                            may also specify
	                            <subsystem>=<level>,<subsystem2>=<level>,...
	                            to set the log level for individual
	                            subsystems -- Use show to list available
	                            subsystems
	    --profile=              Enable HTTP profiling on given [addr:]port
	                            -- NOTE port must be between 1024 and 65535
	    --listen=               UDP address to listen on for queries
	    --workers=              Number of worker loops sharing the listen
	                            address
	    --controlsocket=        Path of the unix datagram socket for
	                            supervisor control commands
	    --sync=                 Seconds between update queue flushes
	    --expire=               Storage entry lifetime in seconds
	    --delay=                Seconds a freshly learned hash is hidden
	                            from unlisted clients
	    --keypair=              Base64 Curve25519 secret key with optional
	                            colon-separated forbidden flag list; may be
	                            specified multiple times and the first
	                            entry is the default key
	    --keypaircachesize=     Per-worker capacity of the shared secret
	                            cache
	    --encryptedonly         Refuse plaintext frames
	    --readonly              Refuse all write commands
	    --dedicatedupdateworker Reserve the leader worker for updates only;
	                            it stops serving UDP queries when more than
	                            one worker is configured
	    --updatesmaxfail=       Consecutive flush failures tolerated before
	                            a batch is dropped
	    --allowupdate=          IP address or CIDR prefix allowed to submit
	                            writes; may be specified multiple times
	    --allowupdatekeys=      Base64 public key allowed to submit writes;
	                            may be specified multiple times
	    --skiphashes=           Hex digest acknowledged without being
	                            stored; may be specified multiple times
	    --blocked=              IP address or CIDR prefix whose requests
	                            are silently discarded; may be specified
	                            multiple times
	    --delaywhitelist=       IP address or CIDR prefix exempt from the
	                            reply delay; may be specified multiple
	                            times
	    --ratelimitwhitelist=   IP address or CIDR prefix exempt from rate
	                            limiting; may be specified multiple times
	    --ratelimitmaxbuckets=  Capacity of the per-worker rate limit
	                            bucket table
	    --ratelimitnetworkmask= IPv4 prefix length clients are grouped
	                            under for rate limiting
	    --ratelimitbucketttl=   Seconds an idle rate limit bucket survives
	    --ratelimitrate=        Tokens drained from a rate limit bucket per
	                            second
	    --ratelimitburst=       Bucket level that locks a client out; rate
	                            limiting is disabled when unset
	    --ratelimitlogonly      Account rate limit violations without
	                            refusing requests

Help Options:

	-h, --help                  Show this help message
*/
package main
