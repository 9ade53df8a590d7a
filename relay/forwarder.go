// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/waypost-net/waypost/lib/clock"
)

// outboundBuffer is the per-connection frame queue depth. A full queue
// blocks the peer's reader, pushing backpressure onto the sender
// instead of buffering unboundedly.
const outboundBuffer = 64

// link is one attached connection. All writes to the connection go
// through the out queue and a single writer goroutine, so frames from
// the peer's reader and from teardown never interleave.
type link struct {
	conn net.Conn
	out  chan Frame

	closeOnce sync.Once
	closed    chan struct{}
}

func newLink(conn net.Conn) *link {
	return &link{
		conn:   conn,
		out:    make(chan Frame, outboundBuffer),
		closed: make(chan struct{}),
	}
}

// send queues a frame for writing. Blocks for backpressure; returns
// false once the link is closed.
func (l *link) send(frame Frame) bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	select {
	case l.out <- frame:
		return true
	case <-l.closed:
		return false
	}
}

// close tears the link down. The writer goroutine flushes queued
// frames and closes the connection, which unblocks a reader parked in
// ReadFrame.
func (l *link) close() {
	l.closeOnce.Do(func() { close(l.closed) })
}

// runWriter drains the outbound queue onto the connection. Owns all
// writes to conn and the final conn close, so a frame queued just
// before teardown (typically the error explaining it) still reaches
// the wire.
func (l *link) runWriter() {
	defer l.conn.Close()
	for {
		select {
		case frame := <-l.out:
			if err := WriteFrame(l.conn, frame); err != nil {
				l.close()
				return
			}
		case <-l.closed:
			for {
				select {
				case frame := <-l.out:
					if err := WriteFrame(l.conn, frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// session pairs the two connections attached to one allocation. The
// session outlives its connections: a side may detach and re-attach
// (resume) while the allocation stays Active.
type session struct {
	allocation *Allocation

	mu    sync.Mutex
	links [2]*link
}

func newSession(allocation *Allocation) *session {
	return &session{allocation: allocation}
}

// attach claims a side for conn. A second attach on an occupied side
// is rejected without disturbing the existing connection.
func (s *session) attach(side int, conn net.Conn) (*link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.links[side] != nil {
		return nil, ErrSideBusy
	}
	l := newLink(conn)
	s.links[side] = l
	return l, nil
}

// detach releases a side if it is still held by l.
func (s *session) detach(side int, l *link) {
	s.mu.Lock()
	if s.links[side] == l {
		s.links[side] = nil
	}
	s.mu.Unlock()
	l.close()
}

// peer returns the link attached to the opposite side, or nil.
func (s *session) peer(side int) *link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[1-side]
}

// shutdown notifies both sides with an error frame and closes them.
func (s *session) shutdown(cause error) {
	frame := NewErrorFrame(cause)
	s.mu.Lock()
	links := s.links
	s.links = [2]*link{}
	s.mu.Unlock()

	for _, l := range links {
		if l == nil {
			continue
		}
		l.send(frame)
		l.close()
	}
}

// forward relays one data frame from side to its peer, charging the
// allocation first. Returns the error sent back to the sender, nil on
// success. The peer check precedes accounting: bytes that cannot be
// delivered are never charged.
func (s *session) forward(side int, payload []byte, now time.Time) error {
	peer := s.peer(side)
	if peer == nil {
		return ErrNoPeer
	}

	if err := s.allocation.Authorize(side, len(payload), now); err != nil {
		return err
	}

	if !peer.send(Frame{Type: FrameData, Payload: payload}) {
		// Peer vanished after the charge; the allocation keeps the
		// charge, matching a delivery lost in flight.
		return ErrNoPeer
	}
	metricBytesForwarded.WithLabelValues(directionLabel(side)).Add(float64(len(payload)))
	return nil
}

// runReader pumps frames from one attached connection until it fails,
// the client requests teardown, or the allocation dies. Returns true
// if the client asked to terminate the allocation.
func runReader(s *session, side int, l *link, clk clock.Clock) (terminate bool) {
	for {
		frame, err := ReadFrame(l.conn)
		if err != nil {
			return false
		}

		switch frame.Type {
		case FrameData:
			if err := s.forward(side, frame.Payload, clk.Now()); err != nil {
				metricForwardRejections.WithLabelValues(ErrorKind(err)).Inc()
				l.send(NewErrorFrame(err))
				// Terminal allocation states end the pump; transient
				// denials (bandwidth, missing peer) keep it alive.
				if isTerminalError(err) {
					return false
				}
			}
		case FrameClose:
			return true
		default:
			l.send(NewErrorFrame(errors.New("relay: unexpected frame")))
			return false
		}
	}
}

// isTerminalError reports whether err reflects an allocation state no
// further forwarding can recover from.
func isTerminalError(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrTerminated)
}
