// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package client implements the device side of the signaling protocol:
// a Channel that dials the server, registers, confirms every
// confirmable message it receives, and surfaces the rest to a Handler.
package client

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/chatterbox-project/chatterbox/lib/clock"
	"github.com/chatterbox-project/chatterbox/signal"
)

// maxLineLength bounds a single protocol line from the server.
const maxLineLength = 1 << 20

// Handler receives the server messages a Channel cannot handle by
// itself. Methods are called from the channel's read goroutine.
type Handler interface {
	RegistrationConfirmed(reply *signal.RegisteredReply)
	PeerList(list *signal.PeerList)
	PeerPresence(update *signal.PeerUpdate)
	Relay(m *signal.RelayMessage)
	ServerError(e *signal.ErrorReply)

	// Disconnected reports that the connection dropped. The Channel
	// does not reconnect by itself; call Connect again.
	Disconnected(err error)
}

// Config identifies this device to the signaling server.
type Config struct {
	ServerAddress  string
	UserID         string
	Name           string
	Domain         string
	PushChannelURI string
}

// Channel is the client's signaling connection. Connect dials and
// registers; overlapping Connect calls collapse onto the in-flight
// attempt, so the server never sees duplicate sockets from one device.
type Channel struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger
	clk     clock.Clock

	mu            sync.Mutex
	conn          net.Conn
	connecting    chan struct{} // non-nil while a dial is in flight
	lastHeartbeat time.Time
	closed        bool
}

// New builds a disconnected Channel.
func New(cfg Config, handler Handler, logger *slog.Logger, clk clock.Clock) *Channel {
	return &Channel{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("server", cfg.ServerAddress, "user", cfg.UserID),
		clk:     clk,
	}
}

// Connect establishes the connection and sends the registration. When
// a connection already exists this is a no-op; when another goroutine
// is mid-dial, Connect waits for that attempt and returns its outcome
// by observing the resulting connection.
func (c *Channel) Connect(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return net.ErrClosed
		}
		if c.conn != nil {
			c.mu.Unlock()
			return nil
		}
		if c.connecting == nil {
			attempt := make(chan struct{})
			c.connecting = attempt
			c.mu.Unlock()

			err := c.dial(ctx)

			c.mu.Lock()
			c.connecting = nil
			c.mu.Unlock()
			close(attempt)
			return err
		}
		attempt := c.connecting
		c.mu.Unlock()

		select {
		case <-attempt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) dial(ctx context.Context) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.ServerAddress)
	if err != nil {
		return fmt.Errorf("dialing signaling server: %w", err)
	}

	registration := &signal.Registration{
		Message:        signal.NewMessage(),
		UserID:         c.cfg.UserID,
		Name:           c.cfg.Name,
		Domain:         c.cfg.Domain,
		PushChannelURI: c.cfg.PushChannelURI,
	}
	line, err := signal.Format(signal.MethodRegister, registration, c.clk.Now())
	if err != nil {
		conn.Close()
		return fmt.Errorf("encoding registration: %w", err)
	}
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		conn.Close()
		return fmt.Errorf("sending registration: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("connected")

	go c.readLoop(conn)
	return nil
}

// Close drops the connection for good; further Connect calls fail.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send encodes and writes one line. A nil argument sends the bare
// method name.
func (c *Channel) Send(method string, argument any) error {
	line, err := signal.Format(method, argument, c.clk.Now())
	if err != nil {
		return fmt.Errorf("encoding %s: %w", method, err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("sending %s: not connected", method)
	}
	c.logger.Debug("line sent", "line", line)
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("sending %s: %w", method, err)
	}
	return nil
}

// SendToPeer relays a tagged payload to another user of the domain.
// Implements the call machine's outbox.
func (c *Channel) SendToPeer(peerUserID, peerName, tag, payload string) error {
	return c.Send(signal.MethodRelay, &signal.RelayMessage{
		Message:  signal.NewMessage(),
		Tag:      tag,
		ToUserID: peerUserID,
		ToName:   peerName,
		Payload:  payload,
	})
}

// RequestPeerList asks for the domain roster. The returned id
// correlates the eventual PeerList reply.
func (c *Channel) RequestPeerList() (string, error) {
	request := signal.NewMessage()
	if err := c.Send(signal.MethodGetPeerList, &request); err != nil {
		return "", err
	}
	return request.ID, nil
}

// Heartbeat sends a bare client heartbeat line.
func (c *Channel) Heartbeat() error {
	return c.Send(signal.MethodClientHeartBeat, nil)
}

// LastHeartbeat returns when the server was last heard heartbeating,
// zero before the first one.
func (c *Channel) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

func (c *Channel) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLength)
	for scanner.Scan() {
		line := scanner.Text()
		c.logger.Debug("line received", "line", line)
		if err := signal.DispatchServerLine(line, c); err != nil {
			c.logger.Warn("server line not invoked", "error", err)
		}
	}
	err := scanner.Err()

	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()
	if current {
		c.logger.Info("disconnected", "error", err)
		conn.Close()
		c.handler.Disconnected(err)
	}
}

// confirm acknowledges receipt of a confirmable server message.
func (c *Channel) confirm(m signal.Confirmable) {
	if err := c.Send(signal.MethodClientConfirmation, signal.ConfirmationFor(m)); err != nil {
		c.logger.Warn("sending confirmation failed", "error", err)
	}
}

// Channel implements signal.ServerToClient for its read loop.

func (c *Channel) RegistrationConfirmation(m *signal.RegisteredReply) {
	c.confirm(m)
	c.handler.RegistrationConfirmed(m)
}

func (c *Channel) PeerList(m *signal.PeerList) {
	c.confirm(m)
	c.handler.PeerList(m)
}

func (c *Channel) PeerPresence(m *signal.PeerUpdate) {
	c.confirm(m)
	c.handler.PeerPresence(m)
}

func (c *Channel) ServerConfirmation(m *signal.Confirmation) {
	// Confirmations of our own requests need no acknowledgement and
	// carry nothing the application acts on.
}

func (c *Channel) ServerRelay(m *signal.RelayMessage) {
	c.confirm(m)
	c.handler.Relay(m)
}

func (c *Channel) ServerHeartBeat() {
	c.mu.Lock()
	c.lastHeartbeat = c.clk.Now()
	c.mu.Unlock()
}

func (c *Channel) ServerError(m *signal.ErrorReply) {
	c.handler.ServerError(m)
}

func (c *Channel) ServerReceivedInvalidMessage(m *signal.InvalidMessage) {
	c.logger.Warn("server reported invalid request", "request", m.OriginalRequest)
}
