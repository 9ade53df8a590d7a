// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/waypost-net/waypost/audit"
	"github.com/waypost-net/waypost/lib/clock"
)

// attachTimeout bounds how long a fresh connection may sit silent
// before presenting its token.
const attachTimeout = 10 * time.Second

// Server accepts relay connections, resolves capability tokens to
// allocations, and drives the forwarder until expiry, quota
// exhaustion, or teardown.
type Server struct {
	address       string
	table         *Table
	clock         clock.Clock
	log           *slog.Logger
	audit         audit.Log
	sweepInterval time.Duration

	draining atomic.Bool

	// ready closes once the listener is bound and accepting.
	ready chan struct{}
	addr  net.Addr

	mu       sync.Mutex
	sessions map[string]*session
}

// ServerConfig configures a relay Server.
type ServerConfig struct {
	// Address is the TCP listen address. Required.
	Address string

	// Table owns the allocations. Required.
	Table *Table

	// Clock supplies time for accounting and sweeps. Required.
	Clock clock.Clock

	// SweepInterval is the allocation expiry cadence.
	SweepInterval time.Duration

	// Audit receives allocation lifecycle events. Required.
	Audit audit.Log

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// NewServer creates a relay server. Call Serve to start accepting.
func NewServer(config ServerConfig) *Server {
	if config.Address == "" {
		panic("relay.Server: Address is required")
	}
	if config.Table == nil {
		panic("relay.Server: Table is required")
	}
	if config.Clock == nil {
		panic("relay.Server: Clock is required")
	}
	if config.Logger == nil {
		panic("relay.Server: Logger is required")
	}

	auditLog := config.Audit
	if auditLog == nil {
		auditLog = audit.Discard()
	}
	sweepInterval := config.SweepInterval
	if sweepInterval == 0 {
		sweepInterval = 30 * time.Second
	}

	return &Server{
		address:       config.Address,
		table:         config.Table,
		clock:         config.Clock,
		log:           config.Logger,
		audit:         auditLog,
		sweepInterval: sweepInterval,
		ready:         make(chan struct{}),
		sessions:      make(map[string]*session),
	}
}

// Ready returns a channel closed once the server is accepting
// connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the resolved listen address. Valid only after Ready()
// has closed.
func (s *Server) Addr() net.Addr { return s.addr }

// Table returns the allocation table, for the admin surface.
func (s *Server) Table() *Table { return s.table }

// Serve accepts relay connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)
	s.log.Info("relay listening", "address", s.addr.String())

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-ctx.Done()
		s.draining.Store(true)
		listener.Close()

		// Tear every live session down so in-flight pumps exit.
		s.mu.Lock()
		sessions := make([]*session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.Unlock()
		for _, sess := range sessions {
			sess.shutdown(ErrDraining)
		}
		return nil
	})

	group.Go(func() error {
		s.runSweeper(ctx)
		return nil
	})

	group.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("accepting connection: %w", err)
			}
			go s.handleConn(conn)
		}
	})

	err = group.Wait()
	s.log.Info("relay stopped")
	return err
}

// runSweeper expires stale allocations on the configured cadence.
func (s *Server) runSweeper(ctx context.Context) {
	ticker := s.clock.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := s.table.ExpireStale(); expired > 0 {
				metricAllocationsExpired.Add(float64(expired))
				s.log.Info("allocation sweep", "expired", expired)
			}
			metricActiveAllocations.Set(float64(s.table.ActiveLen()))
		}
	}
}

// handleConn runs one relay connection: attach handshake, then the
// forwarding pump until the connection or the allocation dies.
func (s *Server) handleConn(conn net.Conn) {
	source := conn.RemoteAddr().String()

	conn.SetReadDeadline(time.Now().Add(attachTimeout))
	frame, err := ReadFrame(conn)
	if err != nil || frame.Type != FrameAttach {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	request, err := DecodeAttachRequest(frame.Payload)
	if err != nil {
		WriteFrame(conn, NewErrorFrame(ErrInvalidToken))
		conn.Close()
		return
	}

	if s.draining.Load() {
		s.rejectAttach(conn, source, ErrDraining)
		return
	}

	allocation, created, err := s.table.CreateOrResume(request.Token)
	if err != nil {
		s.rejectAttach(conn, source, err)
		return
	}

	sess := s.sessionFor(allocation)
	side := int(request.Side)

	l, err := sess.attach(side, conn)
	if err != nil {
		s.rejectAttach(conn, source, err)
		return
	}

	if created {
		metricAllocationsCreated.Inc()
		s.audit.Record(audit.Event{
			Kind:   audit.KindAllocationCreated,
			Time:   s.clock.Now(),
			Target: allocation.ID(),
			Source: source,
		})
	} else {
		metricAllocationsResumed.Inc()
		s.audit.Record(audit.Event{
			Kind:   audit.KindAllocationResumed,
			Time:   s.clock.Now(),
			Target: allocation.ID(),
			Source: source,
		})
	}
	metricActiveAllocations.Set(float64(s.table.ActiveLen()))

	go l.runWriter()

	ok, err := NewAttachOKFrame(allocation)
	if err != nil || !l.send(ok) {
		sess.detach(side, l)
		return
	}

	terminate := runReader(sess, side, l, s.clock)
	sess.detach(side, l)

	if terminate {
		s.table.Terminate(allocation.ID())
		s.audit.Record(audit.Event{
			Kind:   audit.KindAllocationTerminated,
			Time:   s.clock.Now(),
			Target: allocation.ID(),
			Source: source,
		})
	}
}

// rejectAttach answers a failed attach with an error frame and audits
// the rejection.
func (s *Server) rejectAttach(conn net.Conn, source string, cause error) {
	metricAttachRejections.WithLabelValues(ErrorKind(cause)).Inc()
	s.audit.Record(audit.Event{
		Kind:   audit.KindTokenRejected,
		Time:   s.clock.Now(),
		Source: source,
		Detail: ErrorKind(cause),
	})
	WriteFrame(conn, NewErrorFrame(cause))
	conn.Close()
}

// sessionFor returns the session for an allocation, creating it and
// its teardown watcher on first attach.
func (s *Server) sessionFor(allocation *Allocation) *session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[allocation.ID()]; ok {
		return sess
	}
	sess := newSession(allocation)
	s.sessions[allocation.ID()] = sess

	// The watcher propagates quota exhaustion, expiry, and termination
	// to both connections the moment the allocation leaves Active.
	go func() {
		<-allocation.Done()
		sess.shutdown(statusError(allocation.Status()))
		s.mu.Lock()
		delete(s.sessions, allocation.ID())
		s.mu.Unlock()

		if allocation.Status() == StatusQuotaExceeded {
			s.audit.Record(audit.Event{
				Kind:   audit.KindQuotaExhausted,
				Time:   s.clock.Now(),
				Target: allocation.ID(),
				Bytes:  int(allocation.BytesUsed()),
			})
		}
	}()
	return sess
}

// Terminate force-terminates an allocation on behalf of the admin API
// and revokes its token.
func (s *Server) Terminate(id string) error {
	if err := s.table.Terminate(id); err != nil {
		return err
	}
	s.audit.Record(audit.Event{
		Kind:   audit.KindAllocationRevoked,
		Time:   s.clock.Now(),
		Target: id,
	})
	return nil
}
