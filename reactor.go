// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/nimblesec/fuzzyd/admission"
	"github.com/nimblesec/fuzzyd/backend"
	"github.com/nimblesec/fuzzyd/keyring"
	"github.com/nimblesec/fuzzyd/updates"
	"github.com/nimblesec/fuzzyd/wire"
)

// sendRetryTimeoutMs bounds the single write-readiness wait armed when a
// reply hits a full socket buffer.
const sendRetryTimeoutMs = 1000

// batchConn is the batch-receive surface shared by the v4 and v6 packet
// conns.  Both accept the same message type, so a single worker loop serves
// either family.
type batchConn interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

// worker is one request-processing loop.  Every worker owns its own listening
// socket bound with SO_REUSEPORT so the kernel spreads clients across them,
// plus its own keypair cache and rate limiter.  Worker 0 is the leader; the
// rest forward accepted mutations to it over their peer pair.
type worker struct {
	idx int
	srv *server
	ctx context.Context

	conn   *net.UDPConn
	sendFD int
	v6     bool
	batch  batchConn

	secrets *keyring.SecretCache
	limiter *admission.Limiter
	pair    *updates.Pair
}

// newWorker builds a worker over its own listening socket.  A worker with
// serveUDP unset opens no socket, handles no client traffic and is not run;
// the server's flush loop applies the update queue.
func newWorker(s *server, idx int, serveUDP bool) (*worker, error) {
	w := &worker{
		idx:     idx,
		srv:     s,
		secrets: keyring.NewSecretCache(s.cfg.KeypairCacheSize),
	}
	if idx > 0 {
		w.pair = s.pairs[idx]
	}
	if s.cfg.ratelimitEnabled() {
		w.limiter = admission.NewLimiter(s.limiterCfg)
	}
	if !serveUDP {
		w.sendFD = -1
		return w, nil
	}

	conn, err := listenUDP(s.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", idx, err)
	}
	w.conn = conn
	w.v6 = conn.LocalAddr().(*net.UDPAddr).IP.To4() == nil
	if w.v6 {
		w.batch = ipv6.NewPacketConn(conn)
	} else {
		w.batch = ipv4.NewPacketConn(conn)
	}

	// Replies go out over a duplicate of the listening descriptor so a
	// full buffer surfaces as EAGAIN instead of parking the worker in the
	// runtime poller.
	w.sendFD, err = dupConnFD(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("worker %d: %w", idx, err)
	}
	return w, nil
}

// listenUDP binds a UDP socket with SO_REUSEPORT so every worker can listen
// on the same address.
func listenUDP(addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd),
					unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// dupConnFD duplicates the descriptor behind conn.  The duplicate shares the
// nonblocking file description.
func dupConnFD(conn *net.UDPConn) (int, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	var derr error
	err = rc.Control(func(cfd uintptr) {
		fd, derr = unix.Dup(int(cfd))
	})
	if err != nil {
		return -1, err
	}
	return fd, derr
}

func (w *worker) close() {
	if w.conn != nil {
		w.conn.Close()
	}
	if w.sendFD >= 0 {
		unix.Close(w.sendFD)
	}
}

// run receives datagrams until the listening socket closes.  Batch receive
// amortizes the syscall cost under load; kernels without recvmmsg fall back
// to one datagram per call.
func (w *worker) run(ctx context.Context) {
	w.ctx = ctx
	fuzzydLog.Infof("Worker %d listening on %v", w.idx,
		w.conn.LocalAddr())

	msgs := make([]ipv4.Message, batchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, wire.MaxMessageSize)}
	}

	for {
		n, err := w.batch.ReadBatch(msgs, 0)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, unix.ENOSYS) ||
				errors.Is(err, unix.EOPNOTSUPP) {

				fuzzydLog.Infof("Worker %d: batch receive "+
					"unsupported, using single receive",
					w.idx)
				w.runSingle(ctx)
				return
			}
			fuzzydLog.Errorf("Worker %d receive failed: %v", w.idx,
				err)
			continue
		}
		now := time.Now()
		for i := 0; i < n; i++ {
			m := &msgs[i]
			w.handle(m.Buffers[0][:m.N], m.Addr, now)
		}
	}
}

// runSingle is the one-datagram-per-syscall receive loop.
func (w *worker) runSingle(ctx context.Context) {
	buf := make([]byte, wire.MaxMessageSize)
	for {
		n, addr, err := w.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			fuzzydLog.Errorf("Worker %d receive failed: %v", w.idx,
				err)
			continue
		}
		w.handle(buf[:n], addr, time.Now())
	}
}

// send writes one reply datagram without blocking.  A full socket buffer
// arms a single write-readiness retry task before the reply is dropped.
func (w *worker) send(buf []byte, dst net.Addr) {
	sa, err := w.sockaddr(dst)
	if err != nil {
		fuzzydLog.Errorf("Worker %d cannot address reply to %v: %v",
			w.idx, dst, err)
		return
	}
	err = unix.Sendto(w.sendFD, buf, 0, sa)
	if err == nil {
		return
	}
	if err != unix.EAGAIN && err != unix.EINTR {
		fuzzydLog.Debugf("Worker %d reply to %v failed: %v", w.idx,
			dst, err)
		return
	}
	go w.retrySend(buf, sa, dst)
}

// retrySend waits once for write readiness and retries the reply.
func (w *worker) retrySend(buf []byte, sa unix.Sockaddr, dst net.Addr) {
	pfd := []unix.PollFd{{
		Fd:     int32(w.sendFD),
		Events: unix.POLLOUT,
	}}
	n, err := unix.Poll(pfd, sendRetryTimeoutMs)
	if err == nil && n > 0 {
		if err = unix.Sendto(w.sendFD, buf, 0, sa); err == nil {
			return
		}
	}
	fuzzydLog.Warnf("Worker %d dropped a reply to %v: %v", w.idx, dst,
		err)
}

// sockaddr converts the client address to the form of the listening socket's
// family.  A v6 socket addresses v4 clients through their mapped form.
func (w *worker) sockaddr(dst net.Addr) (unix.Sockaddr, error) {
	ua, ok := dst.(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected address type %T", dst)
	}
	if w.v6 {
		sa := &unix.SockaddrInet6{Port: ua.Port}
		copy(sa.Addr[:], ua.IP.To16())
		return sa, nil
	}
	ip4 := ua.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("no IPv4 form for %v", ua.IP)
	}
	sa := &unix.SockaddrInet4{Port: ua.Port}
	copy(sa.Addr[:], ip4)
	return sa, nil
}

// submit routes an accepted mutation toward the leader's update queue.  The
// leader enqueues directly; followers forward over their peer pair.
func (w *worker) submit(req *wire.Request) {
	if w.pair == nil {
		w.srv.queue.Enqueue(backend.UpdateFromRequest(req))
		return
	}
	if err := w.pair.Send(req); err != nil {
		fuzzydLog.Errorf("Worker %d cannot forward an update: %v",
			w.idx, err)
	}
}
