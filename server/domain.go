// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/chatterbox-project/chatterbox/lib/clock"
	"github.com/chatterbox-project/chatterbox/signal"
)

// Domain is an isolated namespace of registered clients. Users only
// ever see, and relay to, peers of their own domain. Domain names are
// case-insensitive; NewDomain canonicalizes to upper case.
type Domain struct {
	Name string

	logger *slog.Logger
	clk    clock.Clock
	sinks  PushSinkFactory

	mu      sync.Mutex
	clients map[string]*RegisteredClient // keyed by user id
}

// NewDomain returns an empty domain named name.
func NewDomain(name string, sinks PushSinkFactory, logger *slog.Logger, clk clock.Clock) *Domain {
	canonical := strings.ToUpper(name)
	return &Domain{
		Name:    canonical,
		logger:  logger.With("domain", canonical),
		clk:     clk,
		sinks:   sinks,
		clients: make(map[string]*RegisteredClient),
	}
}

// HandleRegistration admits a connection into the domain. Registration
// is idempotent on user id: a returning user reclaims their existing
// client object, queue included, and only a first-time user gets a new
// one (with the next free avatar). The connection is then bound, which
// supersedes any previous connection of the same user.
func (d *Domain) HandleRegistration(conn net.Conn, registration *signal.Registration) *RegisteredClient {
	d.mu.Lock()
	client, ok := d.clients[registration.UserID]
	if !ok {
		client = newRegisteredClient(registration.UserID, registration.Name,
			d.Name, len(d.clients)+1, d, d.sinks, d.logger, d.clk)
		d.clients[registration.UserID] = client
		d.logger.Info("new client registered", "user", registration.UserID, "name", registration.Name)
	}
	d.mu.Unlock()

	client.SetActiveConnection(conn, registration)
	return client
}

// Client returns the registered client with the given user id, or nil.
func (d *Domain) Client(userID string) *RegisteredClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[userID]
}

// Heartbeat queues a heartbeat line on every connected client.
func (d *Domain) Heartbeat() {
	for _, client := range d.snapshot() {
		client.ServerHeartBeat()
	}
}

func (d *Domain) snapshot() []*RegisteredClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	clients := make([]*RegisteredClient, 0, len(d.clients))
	for _, client := range d.clients {
		clients = append(clients, client)
	}
	return clients
}

func peerDataFor(c *RegisteredClient) signal.PeerData {
	return signal.PeerData{
		UserID:   c.UserID,
		Name:     c.Name,
		IsOnline: c.IsOnline(),
		Avatar:   c.Avatar,
	}
}

// broadcastPresence announces about's current state to every other
// client of the domain. The subject never hears about itself.
func (d *Domain) broadcastPresence(about *RegisteredClient) {
	update := peerDataFor(about)
	for _, client := range d.snapshot() {
		if client == about {
			continue
		}
		client.EnqueueMessage(signal.MethodPeerPresence, &signal.PeerUpdate{
			Message: signal.NewMessage(),
			Peer:    update,
		})
	}
}

// Domain implements clientEvents for its clients.

func (d *Domain) clientConnected(c *RegisteredClient) {
	d.broadcastPresence(c)
}

func (d *Domain) clientDisconnected(c *RegisteredClient) {
	d.broadcastPresence(c)
}

// peerListRequested replies with the current roster, requester
// excluded, in a stable name order.
func (d *Domain) peerListRequested(c *RegisteredClient, request *signal.Message) {
	clients := d.snapshot()
	peers := make([]signal.PeerData, 0, len(clients))
	for _, client := range clients {
		if client == c {
			continue
		}
		peers = append(peers, peerDataFor(client))
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })

	c.EnqueueMessage(signal.MethodPeerList, &signal.PeerList{
		Message:  signal.NewMessage(),
		ReplyFor: request.ID,
		Peers:    peers,
	})
}

// relayReceived routes a relay message to its recipient. The sender
// identity fields are overwritten from the authenticated sender before
// routing. A message to an unknown recipient is dropped silently, per
// protocol: the sender already got its receipt confirmation, and
// leaking roster membership through errors is not worth it.
func (d *Domain) relayReceived(from *RegisteredClient, m *signal.RelayMessage) {
	m.FromUserID = from.UserID
	m.FromName = from.Name
	m.FromAvatar = from.Avatar

	to := d.Client(m.ToUserID)
	if to == nil {
		d.logger.Warn("relay recipient unknown", "from", from.UserID, "to", m.ToUserID, "tag", m.Tag)
		return
	}
	d.logger.Debug("relaying message", "from", from.UserID, "to", m.ToUserID, "tag", m.Tag)
	to.EnqueueMessage(signal.MethodServerRelay, m)
}
