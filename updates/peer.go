// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package updates

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"lukechampine.com/blake3"

	"github.com/nimblesec/fuzzyd/wire"
)

// retryTimeoutMs bounds the single write-readiness wait when the pair
// buffer is full.
const retryTimeoutMs = 1000

// Pair is the datagram channel between one follower worker and the leader.
// The follower writes with Send; the leader drains with Serve.
type Pair struct {
	id         string
	leader     *net.UnixConn
	followerFD int
	closed     atomic.Bool
	lost       atomic.Uint64
}

// pairID derives a stable identifier for the pair from the instance seed
// and the follower's worker index.
func pairID(seed []byte, worker int) string {
	h := blake3.New(32, nil)
	h.Write(seed)
	h.Write([]byte{byte(worker), byte(worker >> 8)})
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// NewPair creates the socket pair for one follower worker.
func NewPair(seed []byte, worker int) (*Pair, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX,
		unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}

	// The leader end joins the runtime poller so reads block without
	// pinning a thread.
	unix.SetNonblock(fds[0], true)
	f := os.NewFile(uintptr(fds[0]), "peer-leader")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		unix.Close(fds[1])
		return nil, fmt.Errorf("leader conn: %w", err)
	}

	// The follower end stays a raw non-blocking descriptor so a full
	// buffer surfaces instead of stalling the request loop.
	unix.SetNonblock(fds[1], true)

	p := &Pair{
		id:         pairID(seed, worker),
		leader:     conn.(*net.UnixConn),
		followerFD: fds[1],
	}
	log.Debugf("Created peer pair %s for worker %d", p.id, worker)
	return p, nil
}

// ID returns the derived pair identifier.
func (p *Pair) ID() string {
	return p.id
}

// Lost returns the number of datagrams abandoned after a failed retry.
func (p *Pair) Lost() uint64 {
	return p.lost.Load()
}

// Send serializes req as exactly one fixed-size datagram and writes it from
// the follower side.  The write is attempted once; a full buffer arms a
// single write-readiness retry task before the datagram is counted lost.
func (p *Pair) Send(req *wire.Request) error {
	buf := make([]byte, wire.PeerCmdSize)
	if _, err := wire.EncodePeerCmd(req, buf); err != nil {
		return err
	}

	_, err := unix.Write(p.followerFD, buf)
	if err == nil {
		return nil
	}
	if err != unix.EAGAIN {
		return fmt.Errorf("peer %s: %w", p.id, err)
	}
	go p.retrySend(buf)
	return nil
}

// retrySend waits once for write readiness and retries the datagram.
func (p *Pair) retrySend(buf []byte) {
	pfd := []unix.PollFd{{
		Fd:     int32(p.followerFD),
		Events: unix.POLLOUT,
	}}
	n, err := unix.Poll(pfd, retryTimeoutMs)
	if err == nil && n > 0 {
		if _, err = unix.Write(p.followerFD, buf); err == nil {
			return
		}
	}
	p.lost.Add(1)
	log.Warnf("Peer %s dropped an update datagram (%d lost): %v", p.id,
		p.lost.Load(), err)
}

// Serve drains the leader end, delivering each decoded request, until the
// pair is closed.
func (p *Pair) Serve(deliver func(*wire.Request)) {
	buf := make([]byte, wire.PeerCmdSize)
	for {
		n, err := p.leader.Read(buf)
		if err != nil {
			if !p.closed.Load() {
				log.Errorf("Peer %s read failed: %v", p.id,
					err)
			}
			return
		}
		req, err := wire.DecodePeerCmd(buf[:n])
		if err != nil {
			log.Errorf("Peer %s sent a malformed datagram: %v",
				p.id, err)
			continue
		}
		deliver(req)
	}
}

// Close releases both ends of the pair.
func (p *Pair) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.leader.Close()
	unix.Close(p.followerFD)
}
