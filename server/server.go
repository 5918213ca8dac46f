// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/chatterbox-project/chatterbox/lib/clock"
	"github.com/chatterbox-project/chatterbox/signal"
)

// DefaultPort is the TCP port the signaling server listens on when the
// configuration does not name one.
const DefaultPort = 50000

// defaultHeartbeatInterval is how often connected clients receive a
// heartbeat line.
const defaultHeartbeatInterval = 10 * time.Second

// Config carries the server's startup parameters.
type Config struct {
	// Address is the TCP listen address, for example ":50000". An
	// empty address listens on DefaultPort on all interfaces.
	Address string

	// HeartbeatInterval overrides the heartbeat period. Zero means
	// the default.
	HeartbeatInterval time.Duration

	// PushSinks builds push-notification sinks for registrations that
	// carry a channel URI. Nil disables push delivery.
	PushSinks PushSinkFactory
}

// Server accepts signaling connections, shepherds them through
// registration, and hosts the domains clients register into. Domains
// are created on first use and live for the life of the server.
type Server struct {
	logger    *slog.Logger
	clk       clock.Clock
	listener  net.Listener
	heartbeat time.Duration
	sinks     PushSinkFactory

	mu      sync.Mutex
	domains map[string]*Domain
	pending map[string]*UnregisteredConnection
	closed  bool

	done chan struct{}
}

// NewServer opens the listen socket. Serve must be called to start
// accepting.
func NewServer(cfg Config, logger *slog.Logger, clk clock.Clock) (*Server, error) {
	address := cfg.Address
	if address == "" {
		address = fmt.Sprintf(":%d", DefaultPort)
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	return &Server{
		logger:    logger,
		clk:       clk,
		listener:  listener,
		heartbeat: heartbeat,
		sinks:     cfg.PushSinks,
		domains:   make(map[string]*Domain),
		pending:   make(map[string]*UnregisteredConnection),
		done:      make(chan struct{}),
	}, nil
}

// Address is the listener's bound address, useful when listening on
// port 0.
func (s *Server) Address() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until the context is cancelled or Close is
// called. It blocks; run it in its own goroutine if needed.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("server listening", "address", s.Address().String())

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	ticker := s.clk.NewTicker(s.heartbeat)
	go s.heartbeatLoop(ticker)
	defer ticker.Stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				s.logger.Info("server stopped")
				return nil
			}
			// Transient accept failures are survivable.
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.admit(conn)
	}
}

// Close stops the accept loop and the heartbeat. Established client
// connections are left to drain on their own.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Domain returns the domain with the given name, creating it if
// needed. Names are case-insensitive.
func (s *Server) Domain(name string) *Domain {
	canonical := strings.ToUpper(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	domain, ok := s.domains[canonical]
	if !ok {
		domain = NewDomain(canonical, s.sinks, s.logger, s.clk)
		s.domains[canonical] = domain
	}
	return domain
}

// admit tracks a fresh socket in the pending table and waits for its
// registration in a goroutine of its own.
func (s *Server) admit(conn net.Conn) {
	pending := NewUnregisteredConnection(conn, s.logger, s.clk)
	s.logger.Debug("connection accepted", "remote", conn.RemoteAddr().String(), "connection", pending.ID())

	s.mu.Lock()
	s.pending[pending.ID()] = pending
	s.mu.Unlock()

	go pending.WaitForRegistration(func(u *UnregisteredConnection, registration *signal.Registration) {
		s.mu.Lock()
		delete(s.pending, u.ID())
		s.mu.Unlock()

		if registration == nil {
			return
		}
		s.Domain(registration.Domain).HandleRegistration(conn, registration)
	})
}

func (s *Server) heartbeatLoop(ticker *clock.Ticker) {
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			domains := make([]*Domain, 0, len(s.domains))
			for _, domain := range s.domains {
				domains = append(domains, domain)
			}
			s.mu.Unlock()
			for _, domain := range domains {
				domain.Heartbeat()
			}
		case <-s.done:
			return
		}
	}
}
