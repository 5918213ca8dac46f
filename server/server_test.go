// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/chatterbox-project/chatterbox/lib/clock"
	"github.com/chatterbox-project/chatterbox/signal"
)

const testWait = 5 * time.Second

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewServer(cfg, logger, clock.Real())
	if err != nil {
		t.Fatalf("starting server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Serve(ctx); err != nil {
			t.Errorf("serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

// recorded is one decoded server→client message.
type recorded struct {
	method string
	msg    any
	id     string // confirmable message id; empty otherwise
}

// recorder implements signal.ServerToClient by stashing the decoded
// message for the test connection to inspect.
type recorder struct {
	last recorded
}

func (r *recorder) RegistrationConfirmation(m *signal.RegisteredReply) {
	r.last = recorded{signal.MethodRegistrationConfirmation, m, m.ID}
}

func (r *recorder) PeerList(m *signal.PeerList) {
	r.last = recorded{signal.MethodPeerList, m, m.ID}
}

func (r *recorder) PeerPresence(m *signal.PeerUpdate) {
	r.last = recorded{signal.MethodPeerPresence, m, m.ID}
}

func (r *recorder) ServerConfirmation(m *signal.Confirmation) {
	r.last = recorded{signal.MethodServerConfirmation, m, ""}
}

func (r *recorder) ServerRelay(m *signal.RelayMessage) {
	r.last = recorded{signal.MethodServerRelay, m, m.ID}
}

func (r *recorder) ServerHeartBeat() {
	r.last = recorded{signal.MethodServerHeartBeat, nil, ""}
}

func (r *recorder) ServerError(m *signal.ErrorReply) {
	r.last = recorded{signal.MethodServerError, m, ""}
}

func (r *recorder) ServerReceivedInvalidMessage(m *signal.InvalidMessage) {
	r.last = recorded{signal.MethodServerInvalidMessage, m, ""}
}

// testClient is a protocol-speaking test peer. It confirms every
// confirmable message it reads, like a well-behaved real client, unless
// the test turns confirmation off to exercise head-of-line blocking. A
// reader goroutine feeds lines through a channel so that waiting for
// silence does not wedge the reader.
type testClient struct {
	t     *testing.T
	conn  net.Conn
	lines chan string
	rec   recorder

	mu      sync.Mutex
	confirm bool
}

func dial(t *testing.T, s *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("dialing server: %v", err)
	}
	c := &testClient{t: t, conn: conn, lines: make(chan string, 64), confirm: true}
	go func() {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			c.lines <- scanner.Text()
		}
		close(c.lines)
	}()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *testClient) close() {
	c.conn.Close()
}

func (c *testClient) setAutoConfirm(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirm = on
}

func (c *testClient) autoConfirm() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirm
}

func (c *testClient) send(method string, argument any) {
	c.t.Helper()
	line, err := signal.Format(method, argument, time.Now())
	if err != nil {
		c.t.Fatalf("formatting %s: %v", method, err)
	}
	c.sendRaw(line)
}

func (c *testClient) sendRaw(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("writing %q: %v", line, err)
	}
}

// sendFragmented writes the line in pieces across separate TCP
// writes, the newline arriving last.
func (c *testClient) sendFragmented(method string, argument any) {
	c.t.Helper()
	line, err := signal.Format(method, argument, time.Now())
	if err != nil {
		c.t.Fatalf("formatting %s: %v", method, err)
	}
	mid := len(line) / 2
	for _, chunk := range []string{line[:mid], line[mid:], "\n"} {
		if _, err := c.conn.Write([]byte(chunk)); err != nil {
			c.t.Fatalf("writing fragment %q: %v", chunk, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// await reads messages until one with the wanted method arrives,
// confirming confirmables along the way. Heartbeats and messages of
// other methods are consumed silently.
func (c *testClient) await(method string) recorded {
	c.t.Helper()
	deadline := time.Now().Add(testWait)
	for {
		got, ok := c.next(deadline)
		if !ok {
			c.t.Fatalf("timed out waiting for %s", method)
		}
		if got.method == method {
			return got
		}
	}
}

// awaitNone asserts that nothing but heartbeats arrives within d.
func (c *testClient) awaitNone(d time.Duration) {
	c.t.Helper()
	deadline := time.Now().Add(d)
	for {
		got, ok := c.next(deadline)
		if !ok {
			return
		}
		if got.method != signal.MethodServerHeartBeat {
			c.t.Fatalf("unexpected %s while expecting silence", got.method)
		}
	}
}

// next decodes the next line, returning false on the deadline.
func (c *testClient) next(deadline time.Time) (recorded, bool) {
	c.t.Helper()
	var line string
	select {
	case l, ok := <-c.lines:
		if !ok {
			c.t.Fatalf("connection closed by server")
		}
		line = l
	case <-time.After(time.Until(deadline)):
		return recorded{}, false
	}
	if err := signal.DispatchServerLine(line, &c.rec); err != nil {
		c.t.Fatalf("dispatching %q: %v", line, err)
	}
	got := c.rec.last
	if got.id != "" && c.autoConfirm() {
		c.send(signal.MethodClientConfirmation, signal.ConfirmationFor(stubConfirmable(got.id)))
	}
	return got, true
}

type stubConfirmable string

func (s stubConfirmable) MessageID() string { return string(s) }

// register performs the full handshake and returns the assigned
// avatar.
func (c *testClient) register(userID, name, domain string) int {
	c.t.Helper()
	reg := &signal.Registration{
		Message: signal.NewMessage(),
		UserID:  userID,
		Name:    name,
		Domain:  domain,
	}
	c.send(signal.MethodRegister, reg)

	got := c.await(signal.MethodServerConfirmation)
	if confirmed := got.msg.(*signal.Confirmation).ConfirmationFor; confirmed != reg.ID {
		c.t.Fatalf("confirmation for %q, registered %q", confirmed, reg.ID)
	}

	got = c.await(signal.MethodRegistrationConfirmation)
	reply := got.msg.(*signal.RegisteredReply)
	if reply.ReplyFor != reg.ID {
		c.t.Fatalf("registration reply for %q, registered %q", reply.ReplyFor, reg.ID)
	}
	return reply.Avatar
}

func (c *testClient) relay(tag, toUserID, payload string) *signal.RelayMessage {
	c.t.Helper()
	m := &signal.RelayMessage{
		Message:  signal.NewMessage(),
		Tag:      tag,
		ToUserID: toUserID,
		Payload:  payload,
	}
	c.send(signal.MethodRelay, m)
	return m
}

func TestRegisterAssignsAvatars(t *testing.T) {
	t.Parallel()
	s := startServer(t, Config{})

	alice := dial(t, s)
	if avatar := alice.register("alice", "Alice", "test"); avatar != 1 {
		t.Errorf("first avatar = %d, want 1", avatar)
	}

	bob := dial(t, s)
	if avatar := bob.register("bob", "Bob", "test"); avatar != 2 {
		t.Errorf("second avatar = %d, want 2", avatar)
	}
}

func TestGarbageBeforeRegistration(t *testing.T) {
	t.Parallel()
	s := startServer(t, Config{})

	c := dial(t, s)
	c.sendRaw("NoSuchMethodAsync {}")
	c.sendRaw("RegisterAsync this-is-not-json")

	got := c.await(signal.MethodServerInvalidMessage)
	invalid := got.msg.(*signal.InvalidMessage)
	if invalid.OriginalRequest != "RegisterAsync this-is-not-json" {
		t.Errorf("invalid report for %q", invalid.OriginalRequest)
	}

	// The connection is still usable.
	c.register("carol", "Carol", "test")
}

func TestFragmentedLinesReassembled(t *testing.T) {
	t.Parallel()
	s := startServer(t, Config{})

	alice := dial(t, s)
	alice.register("alice", "Alice", "test")

	bob := dial(t, s)
	reg := &signal.Registration{
		Message: signal.NewMessage(),
		UserID:  "bob",
		Name:    "Bob",
		Domain:  "test",
	}
	bob.sendFragmented(signal.MethodRegister, reg)
	got := bob.await(signal.MethodRegistrationConfirmation)
	if reply := got.msg.(*signal.RegisteredReply); reply.ReplyFor != reg.ID {
		t.Fatalf("registration reply for %q, registered %q", reply.ReplyFor, reg.ID)
	}

	m := &signal.RelayMessage{
		Message:  signal.NewMessage(),
		Tag:      signal.TagInstantMessage,
		ToUserID: "alice",
		Payload:  "split across writes",
	}
	bob.sendFragmented(signal.MethodRelay, m)

	got = alice.await(signal.MethodServerRelay)
	relayed := got.msg.(*signal.RelayMessage)
	if relayed.FromUserID != "bob" || relayed.Payload != "split across writes" {
		t.Errorf("relayed = %+v, want bob's payload intact", relayed)
	}

	// Reassembly delivered the message exactly once.
	alice.awaitNone(200 * time.Millisecond)
}

func TestPresenceAnnouncedToOthersOnly(t *testing.T) {
	t.Parallel()
	s := startServer(t, Config{})

	alice := dial(t, s)
	alice.register("alice", "Alice", "test")

	bob := dial(t, s)
	bob.register("bob", "Bob", "test")

	got := alice.await(signal.MethodPeerPresence)
	update := got.msg.(*signal.PeerUpdate)
	if update.Peer.UserID != "bob" || !update.Peer.IsOnline {
		t.Errorf("presence = %+v, want online bob", update.Peer)
	}

	// Bob hears about Alice's state changes, never his own
	// registration.
	request := signal.NewMessage()
	bob.send(signal.MethodGetPeerList, &request)
	got = bob.await(signal.MethodPeerList)
	list := got.msg.(*signal.PeerList)
	if list.ReplyFor != request.ID {
		t.Errorf("peer list for %q, requested %q", list.ReplyFor, request.ID)
	}
	if len(list.Peers) != 1 {
		t.Fatalf("peer list has %d entries, want 1", len(list.Peers))
	}
	if list.Peers[0].Name != "Alice" || !list.Peers[0].IsOnline {
		t.Errorf("peer list = %+v, want online Alice", list.Peers[0])
	}
}

func TestDomainsAreIsolated(t *testing.T) {
	t.Parallel()
	s := startServer(t, Config{})

	alice := dial(t, s)
	alice.register("alice", "Alice", "one")

	bob := dial(t, s)
	bob.register("bob", "Bob", "two")

	request := signal.NewMessage()
	bob.send(signal.MethodGetPeerList, &request)
	got := bob.await(signal.MethodPeerList)
	list := got.msg.(*signal.PeerList)
	if len(list.Peers) != 0 {
		t.Errorf("cross-domain roster leak: %+v", list.Peers)
	}
}

func TestDomainNamesCaseInsensitive(t *testing.T) {
	t.Parallel()
	s := startServer(t, Config{})

	alice := dial(t, s)
	alice.register("alice", "Alice", "Test")

	bob := dial(t, s)
	bob.register("bob", "Bob", "TEST")

	got := alice.await(signal.MethodPeerPresence)
	if update := got.msg.(*signal.PeerUpdate); update.Peer.UserID != "bob" {
		t.Errorf("presence = %+v, want bob", update.Peer)
	}
}

func TestRelayRewritesSenderIdentity(t *testing.T) {
	t.Parallel()
	s := startServer(t, Config{})

	alice := dial(t, s)
	aliceAvatar := alice.register("alice", "Alice", "test")

	bob := dial(t, s)
	bob.register("bob", "Bob", "test")

	m := &signal.RelayMessage{
		Message:    signal.NewMessage(),
		Tag:        signal.TagInstantMessage,
		FromUserID: "mallory",
		FromName:   "Mallory",
		FromAvatar: 99,
		ToUserID:   "bob",
		Payload:    "hi bob",
	}
	alice.send(signal.MethodRelay, m)

	got := alice.await(signal.MethodServerConfirmation)
	if confirmed := got.msg.(*signal.Confirmation).ConfirmationFor; confirmed != m.ID {
		t.Errorf("relay confirmed %q, sent %q", confirmed, m.ID)
	}

	got = bob.await(signal.MethodServerRelay)
	delivered := got.msg.(*signal.RelayMessage)
	if delivered.FromUserID != "alice" || delivered.FromName != "Alice" || delivered.FromAvatar != aliceAvatar {
		t.Errorf("sender identity not rewritten: %+v", delivered)
	}
	if delivered.Payload != "hi bob" || delivered.Tag != signal.TagInstantMessage {
		t.Errorf("payload altered in transit: %+v", delivered)
	}
}

func TestRelayToUnknownRecipientDropped(t *testing.T) {
	t.Parallel()
	s := startServer(t, Config{})

	alice := dial(t, s)
	alice.register("alice", "Alice", "test")

	bob := dial(t, s)
	bob.register("bob", "Bob", "test")

	lost := alice.relay(signal.TagInstantMessage, "nobody", "into the void")
	got := alice.await(signal.MethodServerConfirmation)
	if confirmed := got.msg.(*signal.Confirmation).ConfirmationFor; confirmed != lost.ID {
		t.Errorf("relay confirmed %q, sent %q", confirmed, lost.ID)
	}

	kept := alice.relay(signal.TagInstantMessage, "bob", "still here")
	got = bob.await(signal.MethodServerRelay)
	if delivered := got.msg.(*signal.RelayMessage); delivered.ID != kept.ID {
		t.Errorf("delivered %q, want %q", delivered.ID, kept.ID)
	}
}

func TestUnconfirmedMessageBlocksQueue(t *testing.T) {
	t.Parallel()
	s := startServer(t, Config{})

	alice := dial(t, s)
	alice.register("alice", "Alice", "test")

	bob := dial(t, s)
	bob.register("bob", "Bob", "test")
	bob.setAutoConfirm(false)

	first := alice.relay(signal.TagInstantMessage, "bob", "one")
	second := alice.relay(signal.TagInstantMessage, "bob", "two")

	got := bob.await(signal.MethodServerRelay)
	if delivered := got.msg.(*signal.RelayMessage); delivered.ID != first.ID {
		t.Fatalf("delivered %q first, want %q", delivered.ID, first.ID)
	}
	firstID := got.id

	// The second message must wait behind the unconfirmed first.
	bob.awaitNone(200 * time.Millisecond)

	bob.send(signal.MethodClientConfirmation, signal.ConfirmationFor(stubConfirmable(firstID)))
	got = bob.await(signal.MethodServerRelay)
	if delivered := got.msg.(*signal.RelayMessage); delivered.ID != second.ID {
		t.Errorf("delivered %q after confirmation, want %q", delivered.ID, second.ID)
	}
}

func TestQueueRedeliveredOnReconnect(t *testing.T) {
	t.Parallel()
	s := startServer(t, Config{})

	alice := dial(t, s)
	alice.register("alice", "Alice", "test")

	bob := dial(t, s)
	bob.register("bob", "Bob", "test")
	bob.setAutoConfirm(false)

	first := alice.relay(signal.TagInstantMessage, "bob", "one")
	got := bob.await(signal.MethodServerRelay)
	if delivered := got.msg.(*signal.RelayMessage); delivered.ID != first.ID {
		t.Fatalf("delivered %q first, want %q", delivered.ID, first.ID)
	}

	// Drop without confirming; Alice hears Bob go offline.
	bob.close()
	got = alice.await(signal.MethodPeerPresence)
	if update := got.msg.(*signal.PeerUpdate); update.Peer.IsOnline {
		t.Fatalf("presence = %+v, want offline bob", update.Peer)
	}

	second := alice.relay(signal.TagInstantMessage, "bob", "two")

	// Reconnecting replays everything unconfirmed, oldest first, and
	// keeps the original avatar.
	bob = dial(t, s)
	if avatar := bob.register("bob", "Bob", "test"); avatar != 2 {
		t.Errorf("avatar after reconnect = %d, want 2", avatar)
	}
	got = bob.await(signal.MethodServerRelay)
	if delivered := got.msg.(*signal.RelayMessage); delivered.ID != first.ID {
		t.Errorf("first redelivery %q, want %q", delivered.ID, first.ID)
	}
	got = bob.await(signal.MethodServerRelay)
	if delivered := got.msg.(*signal.RelayMessage); delivered.ID != second.ID {
		t.Errorf("second redelivery %q, want %q", delivered.ID, second.ID)
	}
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()
	s := startServer(t, Config{HeartbeatInterval: 50 * time.Millisecond})

	c := dial(t, s)
	c.register("alice", "Alice", "test")
	c.await(signal.MethodServerHeartBeat)
}

// recordingSink captures lines sent to a push channel.
type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingSink) Send(payload string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, payload)
}

func (r *recordingSink) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestOfflineDeliveryGoesToPushChannel(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	s := startServer(t, Config{
		PushSinks: func(channelURI string) PushSink {
			if channelURI == "" {
				return nil
			}
			return sink
		},
	})

	alice := dial(t, s)
	alice.register("alice", "Alice", "test")

	bob := dial(t, s)
	reg := &signal.Registration{
		Message:        signal.NewMessage(),
		UserID:         "bob",
		Name:           "Bob",
		Domain:         "test",
		PushChannelURI: "https://push.example/bob",
	}
	bob.send(signal.MethodRegister, reg)
	bob.await(signal.MethodRegistrationConfirmation)

	bob.close()
	got := alice.await(signal.MethodPeerPresence)
	if update := got.msg.(*signal.PeerUpdate); update.Peer.IsOnline {
		t.Fatalf("presence = %+v, want offline bob", update.Peer)
	}

	alice.relay(signal.TagInstantMessage, "bob", "wake up")

	deadline := time.Now().Add(testWait)
	for {
		for _, line := range sink.snapshot() {
			if method, _ := signal.Split(line); method == signal.MethodServerRelay {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("relay never reached the push channel; got %q", sink.snapshot())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
