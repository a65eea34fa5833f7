// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Control frame types.  A frame is eight bytes: a little-endian type word
// followed by a little-endian status word, which requests leave zero.
const (
	controlReload uint32 = 0
	controlSync   uint32 = 1
	controlStat   uint32 = 2
)

// controlFrameSize is the encoded size of a control frame.
const controlFrameSize = 8

// controlServer answers management commands on a unix datagram socket.
type controlServer struct {
	srv  *server
	conn *net.UnixConn
	path string
}

// newControlServer binds the control socket, replacing a stale socket file
// left by an earlier instance.
func newControlServer(srv *server, path string) (*controlServer, error) {
	if fi, err := os.Stat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("control socket path %s "+
				"exists and is not a socket", path)
		}
		os.Remove(path)
	}
	conn, err := net.ListenUnixgram("unixgram",
		&net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("control socket: %w", err)
	}
	return &controlServer{srv: srv, conn: conn, path: path}, nil
}

func (c *controlServer) close() {
	c.conn.Close()
	os.Remove(c.path)
}

// run answers control frames until the socket closes.
func (c *controlServer) run(ctx context.Context) {
	fuzzydLog.Infof("Control channel listening on %s", c.path)

	buf := make([]byte, controlFrameSize)
	for {
		n, addr, err := c.conn.ReadFromUnix(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			fuzzydLog.Errorf("Control receive failed: %v", err)
			continue
		}
		if n < 4 {
			fuzzydLog.Warnf("Short control frame (%d bytes)", n)
			continue
		}
		if addr == nil || addr.Name == "" {
			fuzzydLog.Warnf("Control frame from an unbound peer " +
				"cannot be answered")
			continue
		}
		c.dispatch(ctx, binary.LittleEndian.Uint32(buf[0:4]), addr)
	}
}

// dispatch runs one control command and reports its status to the peer.
func (c *controlServer) dispatch(ctx context.Context, typ uint32,
	addr *net.UnixAddr) {

	var status int32
	var statFile *os.File
	var err error

	switch typ {
	case controlReload:
		fuzzydLog.Infof("Control: reloading storage")
		err = c.srv.reloadBackend(ctx)
	case controlSync:
		fuzzydLog.Debugf("Control: requesting sync")
		c.srv.triggerSync()
	case controlStat:
		statFile, err = c.statFile()
	default:
		err = fmt.Errorf("unknown control command %d", typ)
	}
	if err != nil {
		fuzzydLog.Errorf("Control command %d failed: %v", typ, err)
		status = -1
	}
	if statFile != nil {
		defer statFile.Close()
	}

	reply := make([]byte, controlFrameSize)
	binary.LittleEndian.PutUint32(reply[0:4], typ)
	binary.LittleEndian.PutUint32(reply[4:8], uint32(status))

	var oob []byte
	if statFile != nil {
		oob = unix.UnixRights(int(statFile.Fd()))
	}
	if _, _, err := c.conn.WriteMsgUnix(reply, oob, addr); err != nil {
		fuzzydLog.Errorf("Control reply failed: %v", err)
	}
}

// statFile renders a statistics snapshot into an unlinked temporary file
// whose descriptor travels back to the peer as ancillary data.
func (c *controlServer) statFile() (*os.File, error) {
	snap, err := c.srv.reg.MarshalSnapshot(time.Now())
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp("", "fuzzyd-stat-")
	if err != nil {
		return nil, err
	}
	os.Remove(f.Name())
	if _, err := f.Write(snap); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
