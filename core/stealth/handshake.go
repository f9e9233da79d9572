// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package stealth

import (
	"bytes"
	"crypto/hmac"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/ghostwire/ghostwire/core/threat"
)

var (
	errBadVersion  = errors.New("unsupported version")
	errBadMagic    = errors.New("magic mismatch")
	errBadResponse = errors.New("challenge response mismatch")
)

// handshake is the state of a single in-progress handshake.  It is
// discarded once the handshake completes, successfully or not.
type handshake struct {
	conn      net.Conn
	cfg       *Config
	remote    string
	initiator bool
	state     State
}

func newHandshake(conn net.Conn, cfg *Config, remote string, initiator bool) *handshake {
	return &handshake{
		conn:      conn,
		cfg:       cfg,
		remote:    remote,
		initiator: initiator,
		state:     StatePending,
	}
}

// step arms the deadline for the next handshake step.
func (h *handshake) step() error {
	return h.conn.SetDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
}

func (h *handshake) fail(outcome threat.Outcome, err error) error {
	herr := &HandshakeError{
		State:     h.state,
		Outcome:   outcome,
		Remote:    h.remote,
		Initiator: h.initiator,
		Err:       err,
	}
	h.state = StateRejected
	return herr
}

func (h *handshake) ioFail(err error) error {
	return h.fail(outcomeForIOError(err), err)
}

// respond runs the responder side.
func (h *handshake) respond() error {
	if err := h.step(); err != nil {
		return h.ioFail(err)
	}
	var version [1]byte
	if _, err := io.ReadFull(h.conn, version[:]); err != nil {
		return h.ioFail(err)
	}
	if version[0] != h.cfg.Version {
		return h.fail(threat.OutcomeBadVersion, errBadVersion)
	}
	h.state = StateVersionChecked

	if err := h.step(); err != nil {
		return h.ioFail(err)
	}
	magic := make([]byte, len(h.cfg.Magic))
	if _, err := io.ReadFull(h.conn, magic); err != nil {
		return h.ioFail(err)
	}
	if !bytes.Equal(magic, h.cfg.Magic) {
		return h.fail(threat.OutcomeBadMagic, errBadMagic)
	}
	h.state = StateMagicChecked

	if h.cfg.StealthMode {
		challenge := make([]byte, ChallengeSize)
		if _, err := io.ReadFull(rand.Reader, challenge); err != nil {
			return h.fail(threat.OutcomeIOError, err)
		}
		if err := h.step(); err != nil {
			return h.ioFail(err)
		}
		if _, err := h.conn.Write(challenge); err != nil {
			return h.ioFail(err)
		}
		h.state = StateChallengeIssued

		if err := h.step(); err != nil {
			return h.ioFail(err)
		}
		response := make([]byte, ResponseSize)
		if _, err := io.ReadFull(h.conn, response); err != nil {
			return h.ioFail(err)
		}
		if !hmac.Equal(response, ChallengeResponse(h.cfg.Secret, challenge)) {
			return h.fail(threat.OutcomeBadResponse, errBadResponse)
		}
		h.state = StateChallengeVerified
	}

	return h.accept()
}

// initiate runs the initiator side.
func (h *handshake) initiate() error {
	if err := h.step(); err != nil {
		return h.ioFail(err)
	}
	hello := make([]byte, 0, 1+len(h.cfg.Magic))
	hello = append(hello, h.cfg.Version)
	hello = append(hello, h.cfg.Magic...)
	if _, err := h.conn.Write(hello); err != nil {
		return h.ioFail(err)
	}
	h.state = StateMagicChecked

	if h.cfg.StealthMode {
		if err := h.step(); err != nil {
			return h.ioFail(err)
		}
		challenge := make([]byte, ChallengeSize)
		if _, err := io.ReadFull(h.conn, challenge); err != nil {
			return h.ioFail(err)
		}
		h.state = StateChallengeIssued

		if err := h.step(); err != nil {
			return h.ioFail(err)
		}
		if _, err := h.conn.Write(ChallengeResponse(h.cfg.Secret, challenge)); err != nil {
			return h.ioFail(err)
		}
		h.state = StateChallengeVerified
	}

	return h.accept()
}

func (h *handshake) accept() error {
	if err := h.conn.SetDeadline(time.Time{}); err != nil {
		return h.ioFail(err)
	}
	h.state = StateAccepted
	return nil
}

func outcomeForIOError(err error) threat.Outcome {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return threat.OutcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return threat.OutcomeTimeout
	}
	return threat.OutcomeIOError
}
