// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bufio"
	"log/slog"
	"net"
	"strings"

	"github.com/google/uuid"

	"github.com/chatterbox-project/chatterbox/lib/clock"
	"github.com/chatterbox-project/chatterbox/signal"
)

// UnregisteredConnection is a freshly accepted socket whose user is
// not yet known. It reads lines until a valid RegisterAsync arrives,
// then hands the socket off to the owning domain. Every other line is
// discarded. If the socket drops first, the connection is discarded;
// the client must reconnect and try again.
type UnregisteredConnection struct {
	id     string
	conn   net.Conn
	logger *slog.Logger
	clk    clock.Clock
}

// NewUnregisteredConnection wraps an accepted socket.
func NewUnregisteredConnection(conn net.Conn, logger *slog.Logger, clk clock.Clock) *UnregisteredConnection {
	id := uuid.NewString()
	return &UnregisteredConnection{
		id:     id,
		conn:   conn,
		logger: logger.With("connection", id),
		clk:    clk,
	}
}

// ID is the connection's transient identity, used only to track it in
// the server's pending table.
func (u *UnregisteredConnection) ID() string { return u.id }

// registrationCapture implements signal.ClientToServer for the
// pre-registration phase: only Register does anything.
type registrationCapture struct {
	registration *signal.Registration
}

func (r *registrationCapture) Register(m *signal.Registration)           { r.registration = m }
func (r *registrationCapture) ClientConfirmation(m *signal.Confirmation) {}
func (r *registrationCapture) ClientHeartBeat()                          {}
func (r *registrationCapture) GetPeerList(m *signal.Message)             {}
func (r *registrationCapture) Relay(m *signal.RelayMessage)              {}

// WaitForRegistration blocks reading the socket until a valid
// registration arrives or the socket dies, then calls done exactly
// once. A nil registration means the connection dropped without
// registering and the socket has been closed; otherwise ownership of
// the still-open socket transfers to the caller.
func (u *UnregisteredConnection) WaitForRegistration(done func(c *UnregisteredConnection, registration *signal.Registration)) {
	scanner := bufio.NewScanner(u.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLength)

	for scanner.Scan() {
		line := scanner.Text()
		u.logger.Debug("pre-registration line received", "line", line)

		// Anything that is not a registration attempt is discarded.
		if !strings.HasPrefix(strings.ToUpper(line), strings.ToUpper(signal.MethodRegister)) {
			continue
		}

		capture := &registrationCapture{}
		if err := signal.DispatchClientLine(line, capture); err != nil || capture.registration == nil {
			u.logger.Warn("invalid registration line", "error", err)
			u.write(signal.MethodServerInvalidMessage, signal.InvalidMessageFor(line))
			continue
		}

		u.write(signal.MethodServerConfirmation, signal.ConfirmationFor(capture.registration))
		done(u, capture.registration)
		return
	}

	u.logger.Debug("connection dropped before registering", "error", scanner.Err())
	u.conn.Close()
	done(u, nil)
}

// write sends one line directly on the socket. Pre-registration writes
// are best-effort; a failure surfaces soon after as a read error.
func (u *UnregisteredConnection) write(method string, argument any) {
	line, err := signal.Format(method, argument, u.clk.Now())
	if err != nil {
		u.logger.Error("encoding pre-registration reply failed", "method", method, "error", err)
		return
	}
	if _, err := u.conn.Write([]byte(line + "\n")); err != nil {
		u.logger.Debug("pre-registration write failed", "error", err)
	}
}
