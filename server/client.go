// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bufio"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/chatterbox-project/chatterbox/lib/clock"
	"github.com/chatterbox-project/chatterbox/signal"
)

// maxLineLength bounds a single protocol line. SDP offers are a few KB;
// 1 MB leaves generous headroom without letting one connection exhaust
// memory.
const maxLineLength = 1 << 20

// queuePollInterval is the idle sleep of the queue pump and the write
// loop. The protocol's message volume is low, so polling is acceptable
// and keeps both loops trivial.
const queuePollInterval = 10 * time.Millisecond

// PushSink delivers an encoded protocol line to a client's
// push-notification channel. Delivery is fire-and-forget: failures are
// the sink's problem, and the message stays in the client's queue for
// the next reconnect regardless.
type PushSink interface {
	Send(payload string)
}

// PushSinkFactory builds the sink for a registration's push channel
// URI. Returns nil when the URI is empty or push is not configured.
type PushSinkFactory func(channelURI string) PushSink

// clientEvents receives the domain-facing events of a RegisteredClient.
// Calls are synchronous; the Domain is the only implementation.
type clientEvents interface {
	clientConnected(c *RegisteredClient)
	clientDisconnected(c *RegisteredClient)
	peerListRequested(c *RegisteredClient, request *signal.Message)
	relayReceived(c *RegisteredClient, m *signal.RelayMessage)
}

// queueItem is one entry of the confirmed-delivery queue.
type queueItem struct {
	method    string
	line      string    // encoded wire line
	id        string    // message id, matched against confirmations
	enqueued  time.Time // ordering key across queue resets
	sent      bool
	delivered bool
}

// RegisteredClient is the durable server-side representative of one
// user within a domain. It survives disconnects: the client object is
// created at first registration and only ever marked offline, never
// destroyed, so undelivered messages wait for the next reconnect.
//
// Delivery guarantees: the outbound queue is strictly ordered, at most
// one unconfirmed message is in flight, and a reconnect replays every
// unconfirmed message from the top (at-least-once; de-duplication is
// the client's concern).
type RegisteredClient struct {
	UserID     string
	Name       string
	DomainName string
	Avatar     int

	logger *slog.Logger
	clk    clock.Clock
	events clientEvents
	sinks  PushSinkFactory

	mu         sync.Mutex
	conn       net.Conn
	epoch      uint64 // connection identity; bumped on every new connection
	online     bool
	queue      []*queueItem
	writeQueue []string
	push       PushSink
}

func newRegisteredClient(userID, name, domainName string, avatar int, events clientEvents, sinks PushSinkFactory, logger *slog.Logger, clk clock.Clock) *RegisteredClient {
	return &RegisteredClient{
		UserID:     userID,
		Name:       name,
		DomainName: domainName,
		Avatar:     avatar,
		logger:     logger.With("domain", domainName, "user", userID),
		clk:        clk,
		events:     events,
		sinks:      sinks,
	}
}

// IsOnline reports whether the client currently has a live connection.
func (c *RegisteredClient) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetActiveConnection binds a new socket to this client. Any previous
// connection is superseded: its epoch is invalidated so its reader,
// writer, and pump exit on their next cycle, and the old socket is
// closed. The delivery queue is reset for full in-order redelivery,
// with the fresh registration confirmation moved to the front.
func (c *RegisteredClient) SetActiveConnection(conn net.Conn, registration *signal.Registration) {
	c.mu.Lock()
	c.logger.Debug("binding new connection")

	if c.conn != nil {
		c.conn.Close()
	}
	c.epoch++
	epoch := c.epoch
	c.conn = conn
	if c.sinks != nil {
		c.push = c.sinks(registration.PushChannelURI)
	}

	c.enqueueMessageLocked(signal.MethodRegistrationConfirmation, &signal.RegisteredReply{
		Message:  signal.NewMessage(),
		Avatar:   c.Avatar,
		ReplyFor: registration.ID,
	})
	c.resetQueuesLocked()
	c.online = true
	c.mu.Unlock()

	go c.readLoop(epoch, conn)
	go c.writeLoop(epoch, conn)
	go c.pumpQueue(epoch)

	c.events.clientConnected(c)
}

// EnqueueMessage appends a confirmable message to the delivery queue.
// If the client is offline the encoded line is also handed to the push
// sink immediately, best-effort; the queue entry remains either way.
func (c *RegisteredClient) EnqueueMessage(method string, m signal.Confirmable) {
	c.mu.Lock()
	item := c.enqueueMessageLocked(method, m)
	offline := c.conn == nil
	sink := c.push
	c.mu.Unlock()

	if item != nil && offline && sink != nil {
		sink.Send(item.line)
	}
}

// enqueueMessageLocked encodes and appends. Returns nil if encoding
// fails (a programming error on our own message types; logged and
// dropped rather than wedging the queue).
func (c *RegisteredClient) enqueueMessageLocked(method string, m signal.Confirmable) *queueItem {
	line, err := signal.Format(method, m, c.clk.Now())
	if err != nil {
		c.logger.Error("encoding queued message failed", "method", method, "error", err)
		return nil
	}
	item := &queueItem{
		method:   method,
		line:     line,
		id:       m.MessageID(),
		enqueued: c.clk.Now(),
	}
	c.queue = append(c.queue, item)
	return item
}

// enqueueOutput appends a raw line to the unconfirmed write queue:
// confirmations, invalid-message reports, and heartbeats, which do not
// participate in confirmed delivery.
func (c *RegisteredClient) enqueueOutput(method string, argument any) {
	line, err := signal.Format(method, argument, c.clk.Now())
	if err != nil {
		c.logger.Error("encoding output line failed", "method", method, "error", err)
		return
	}
	c.mu.Lock()
	c.writeQueue = append(c.writeQueue, line)
	c.mu.Unlock()
}

// ServerHeartBeat queues a bare heartbeat line when a connection is
// active. Invoked by the domain on the server's heartbeat tick; a
// client that stops hearing these knows to consider itself
// disconnected.
func (c *RegisteredClient) ServerHeartBeat() {
	c.mu.Lock()
	active := c.conn != nil
	c.mu.Unlock()
	if active {
		c.enqueueOutput(signal.MethodServerHeartBeat, nil)
	}
}

// resetQueuesLocked prepares the queues for a fresh connection: the
// raw write queue is discarded (its lines were connection-specific),
// the delivery queue is re-ordered by enqueue time with the newest
// registration confirmation moved to the front, and the sent and
// delivered flags are cleared so everything is redelivered in order.
func (c *RegisteredClient) resetQueuesLocked() {
	c.writeQueue = nil

	sort.SliceStable(c.queue, func(i, j int) bool {
		return c.queue[i].enqueued.Before(c.queue[j].enqueued)
	})

	var confirmation *queueItem
	remaining := make([]*queueItem, 0, len(c.queue))
	for _, item := range c.queue {
		if item.method == signal.MethodRegistrationConfirmation {
			confirmation = item // keep only the newest
			continue
		}
		remaining = append(remaining, item)
	}
	if confirmation != nil {
		remaining = append([]*queueItem{confirmation}, remaining...)
	}
	for _, item := range remaining {
		item.sent = false
		item.delivered = false
	}
	c.queue = remaining
}

// pumpQueue walks the delivery queue while the connection it was
// started for is current. The head item is sent once; further items
// wait until the head is confirmed delivered and dequeued
// (head-of-line blocking bounds unacknowledged messages to one).
func (c *RegisteredClient) pumpQueue(epoch uint64) {
	for {
		c.mu.Lock()
		if !c.online || c.epoch != epoch {
			c.mu.Unlock()
			return
		}
		for len(c.queue) > 0 {
			head := c.queue[0]
			if !head.sent {
				head.sent = true
				c.writeQueue = append(c.writeQueue, head.line)
			}
			if !head.delivered {
				break
			}
			c.queue = c.queue[1:]
		}
		c.mu.Unlock()
		c.clk.Sleep(queuePollInterval)
	}
}

// readLoop consumes lines from the socket and dispatches them. It owns
// disconnect detection for its epoch: a read error or EOF while the
// epoch is still current marks the client offline.
func (c *RegisteredClient) readLoop(epoch uint64, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLength)

	for scanner.Scan() {
		if !c.epochCurrent(epoch) {
			return
		}
		line := scanner.Text()
		c.logger.Debug("line received", "line", line)
		if err := signal.DispatchClientLine(line, c); err != nil {
			c.logger.Warn("request not invoked", "error", err)
			c.enqueueOutput(signal.MethodServerInvalidMessage, signal.InvalidMessageFor(line))
		}
	}

	c.logger.Debug("read loop ended", "error", scanner.Err())
	c.handleDisconnect(epoch)
}

// writeLoop drains the write queue onto the socket, sleeping briefly
// when idle. A write error while the epoch is current is a disconnect.
func (c *RegisteredClient) writeLoop(epoch uint64, conn net.Conn) {
	for {
		c.mu.Lock()
		if !c.online || c.epoch != epoch {
			c.mu.Unlock()
			return
		}
		pending := c.writeQueue
		c.writeQueue = nil
		c.mu.Unlock()

		for _, line := range pending {
			c.logger.Debug("line sent", "line", line)
			if _, err := conn.Write([]byte(line + "\n")); err != nil {
				c.logger.Debug("write loop ended", "error", err)
				c.handleDisconnect(epoch)
				return
			}
		}
		c.clk.Sleep(queuePollInterval)
	}
}

func (c *RegisteredClient) epochCurrent(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online && c.epoch == epoch
}

// handleDisconnect marks the client offline if the failing epoch is
// still the current one (a stale loop observing its superseded socket
// fail must not knock the new connection offline). Every queued
// message is then flushed to the push sink as a best-effort substitute
// for live delivery; the queue itself is left intact for reconnect.
func (c *RegisteredClient) handleDisconnect(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || !c.online {
		c.mu.Unlock()
		return
	}
	c.online = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	sink := c.push
	pending := make([]string, 0, len(c.queue))
	for _, item := range c.queue {
		pending = append(pending, item.line)
	}
	c.mu.Unlock()

	c.logger.Info("client disconnected", "queued", len(pending))
	c.events.clientDisconnected(c)

	if sink != nil {
		for _, line := range pending {
			sink.Send(line)
		}
	}
}

// RegisteredClient implements signal.ClientToServer for its inbound
// lines.

// Register on an already-registered connection is ignored; the client
// must reconnect to re-register.
func (c *RegisteredClient) Register(m *signal.Registration) {}

// ClientConfirmation marks the matching queue entry delivered, which
// lets the queue pump dequeue it and advance.
func (c *RegisteredClient) ClientConfirmation(m *signal.Confirmation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range c.queue {
		if item.id == m.ConfirmationFor {
			item.delivered = true
			return
		}
	}
}

// ClientHeartBeat acknowledges client liveness; no state changes.
func (c *RegisteredClient) ClientHeartBeat() {}

// GetPeerList forwards the roster request to the domain.
func (c *RegisteredClient) GetPeerList(m *signal.Message) {
	c.events.peerListRequested(c, m)
}

// Relay confirms receipt to the sender, then hands the message to the
// domain for routing.
func (c *RegisteredClient) Relay(m *signal.RelayMessage) {
	c.enqueueOutput(signal.MethodServerConfirmation, signal.ConfirmationFor(m))
	c.events.relayReceived(c, m)
}
