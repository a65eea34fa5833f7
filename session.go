// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"net"
	"net/netip"
	"time"

	"github.com/decred/dcrd/crypto/rand"

	"github.com/nimblesec/fuzzyd/admission"
	"github.com/nimblesec/fuzzyd/hooks"
	"github.com/nimblesec/fuzzyd/keyring"
	"github.com/nimblesec/fuzzyd/wire"
)

// matchThreshold is the probability above which a check reply counts as a
// match for statistics purposes.
const matchThreshold = 0.5

// refreshThreshold is the probability above which a check hit refreshes the
// matched entry's timestamp.
const refreshThreshold = 0.9

// session is the state of one request from receipt to reply.  Sessions live
// on the stack of the worker loop; nothing retains them.
type session struct {
	w     *worker
	addr  netip.Addr
	dst   net.Addr
	now   time.Time
	epoch wire.Epoch
	req   *wire.Request
	crypt *keyring.Session
	key   *keyring.Key
	reply wire.Reply
}

// addrFromNet extracts the client IP in canonical form.
func addrFromNet(dst net.Addr) netip.Addr {
	ua, ok := dst.(*net.UDPAddr)
	if !ok {
		return netip.Addr{}
	}
	addr, ok := netip.AddrFromSlice(ua.IP)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}

// handle processes one received datagram end to end.
func (w *worker) handle(buf []byte, dst net.Addr, now time.Time) {
	ses := session{w: w, addr: addrFromNet(dst), dst: dst, now: now}

	// Blocked clients are dropped before any parsing effort.
	if w.srv.policy.Blocklist.Contains(ses.addr) {
		w.srv.hooks.RunBlacklist(ses.addr, admission.ReasonBlacklisted)
		return
	}

	if !ses.decode(buf) {
		w.srv.reg.NoteInvalid(ses.addr)
		return
	}

	areq := admission.Request{
		Addr:      ses.addr,
		Encrypted: ses.crypt != nil,
		Cmd:       ses.req.Cmd,
		Digest:    ses.req.Digest,
	}
	if ses.crypt != nil {
		areq.KeyID = ses.crypt.Key.Public()
	}
	verdict, reason := w.srv.policy.Admit(&areq, w.limiter, now)
	if reason != "" {
		w.srv.hooks.RunBlacklist(ses.addr, reason)
	}
	switch verdict {
	case admission.VerdictDrop:
		return
	case admission.VerdictForbidden:
		ses.refuse(wire.ReplyValueForbidden)
		return
	case admission.VerdictSkip:
		ses.refuse(wire.ReplyValueSkip)
		return
	}

	ses.serve()
}

// decode parses the datagram, opening the encryption layer when present.
// Plaintext frames are attributed to the default key when one is loaded.
func (s *session) decode(buf []byte) bool {
	body := buf
	if wire.IsEncrypted(buf) {
		hdr, ct, err := wire.ParseEncryptedHeader(buf)
		if err != nil {
			fuzzydLog.Debugf("Malformed encrypted frame from %v: %v",
				s.addr, err)
			return false
		}
		crypt, plain, err := s.w.secrets.Decrypt(s.w.srv.keys, hdr, ct)
		if err != nil {
			fuzzydLog.Debugf("Undecryptable frame from %v: %v",
				s.addr, err)
			return false
		}
		s.crypt = crypt
		s.key = crypt.Key
		body = plain
	} else {
		s.key = s.w.srv.keys.Default()
	}

	req, epoch, err := wire.DecodeRequest(body)
	if err != nil {
		fuzzydLog.Debugf("Malformed request from %v: %v", s.addr, err)
		return false
	}
	s.req = req
	s.epoch = epoch
	return true
}

// refuse answers the request with a bare status value.
func (s *session) refuse(value int32) {
	s.reply.Tag = s.req.Tag
	s.reply.Value = value
	s.respond()
}

// serve dispatches the admitted request and sends the reply.
func (s *session) serve() {
	srv := s.w.srv
	args := hooks.Args{
		Cmd:    s.req.Cmd,
		Addr:   s.addr,
		Flag:   s.req.Flag,
		Digest: s.req.Digest,
		Source: hooks.SourceFromExtensions(&s.req.Ext),
	}
	s.reply.Tag = s.req.Tag

	if ov := srv.hooks.RunPre(&args); ov != nil {
		s.reply.Value = ov.Value
		s.reply.Flag = ov.Flag
		s.reply.Prob = ov.Prob
		s.respond()
		return
	}

	switch s.req.Cmd {
	case wire.CmdCheck:
		s.serveCheck()
	case wire.CmdWrite, wire.CmdDelete, wire.CmdRefresh:
		s.serveWrite()
	case wire.CmdStat:
		s.serveStat()
	default:
		srv.reg.NoteInvalid(s.addr)
		return
	}

	if ov := srv.hooks.RunPost(&args, &s.reply); ov != nil {
		s.reply.Value = ov.Value
		s.reply.Flag = ov.Flag
		s.reply.Prob = ov.Prob
	}

	s.respond()
}

// serveCheck looks the digest up and fills the reply from the result.  A
// strong hit on a writable store refreshes the entry's timestamp.
func (s *session) serveCheck() {
	srv := s.w.srv
	res, err := srv.backend().Check(s.w.ctx, s.req.Digest,
		s.req.Shingles)
	if err != nil {
		fuzzydLog.Errorf("Check for %v failed: %v", s.addr, err)
		s.reply.Value = wire.ReplyValueError
		if s.key != nil {
			s.key.Stat.NoteError()
		}
		return
	}

	var nmatched uint64
	if res.Found {
		s.reply.Prob = res.Prob
		s.reply.Flag = res.Flag
		s.reply.Value = res.Value
		s.reply.Ts = res.Ts
		if res.Prob > matchThreshold {
			nmatched = 1
		}
		if res.Prob > refreshThreshold && !srv.cfg.ReadOnly {
			refresh := *s.req
			refresh.Cmd = wire.CmdRefresh
			s.w.submit(&refresh)
		}
	}

	srv.reg.NoteRequest(int(s.epoch), s.req.Shingles != nil, nmatched)
	if s.key != nil {
		s.key.Stat.NoteCheck(s.addr, nmatched, s.now)
	}
}

// serveStat reports the stored entry count.  The count travels in the flag
// field with the value left at the ok status.
func (s *session) serveStat() {
	s.reply.Flag = uint32(s.w.srv.stored.Load())
	s.reply.Value = wire.ReplyValueOK
	s.reply.Prob = 1
}

// serveWrite queues the mutation and acknowledges it.  Application happens
// on the leader's next flush.
func (s *session) serveWrite() {
	s.w.submit(s.req)
	s.reply.Value = wire.ReplyValueOK
	if s.key != nil {
		switch s.req.Cmd {
		case wire.CmdWrite:
			s.key.Stat.NoteAdded(1)
		case wire.CmdDelete:
			s.key.Stat.NoteDeleted(1)
		}
	}
}

// censor strips reply fields the client may not see.  Recently stored
// entries read as unknown until they age past a jittered delay, unless the
// client is trusted to see them, and keys may censor whole flag categories
// from their replies.
func (s *session) censor() {
	srv := s.w.srv

	if s.req.Cmd == wire.CmdCheck && srv.delay > 0 && s.reply.Ts != 0 &&
		!srv.delayWhitelist.Contains(s.addr) {

		age := s.now.Sub(time.Unix(int64(s.reply.Ts), 0))
		if age < srv.delay+rand.Duration(srv.delay/2) {
			s.reply.Ts = 0
			s.reply.Prob = 0
			s.reply.Value = 0
			srv.reg.NoteDelayed()
		}
	}

	if s.key != nil && s.key.ForbiddenFlag(s.reply.Flag) {
		s.reply.Ts = 0
		s.reply.Prob = 0
		s.reply.Value = 0
		s.reply.Flag = 0
	}
}

// respond censors, encodes, and sends the reply.
func (s *session) respond() {
	s.censor()

	plain := make([]byte, wire.ReplySize(s.epoch))
	if _, err := s.reply.Encode(plain, s.epoch); err != nil {
		fuzzydLog.Errorf("Reply encode for %v failed: %v", s.addr, err)
		return
	}

	out := plain
	if s.crypt != nil {
		out = make([]byte, wire.EncryptedReplyHeaderSize+len(plain))
		if _, err := s.crypt.EncryptReply(plain, out); err != nil {
			fuzzydLog.Errorf("Reply seal for %v failed: %v", s.addr,
				err)
			return
		}
	}

	s.w.send(out, s.dst)
}
