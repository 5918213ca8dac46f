// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"errors"
	"testing"
	"time"
)

// clientRecorder records the single method a dispatched line invoked.
type clientRecorder struct {
	method string
	relay  *RelayMessage
	reg    *Registration
	conf   *Confirmation
}

func (r *clientRecorder) Register(m *Registration)         { r.method = MethodRegister; r.reg = m }
func (r *clientRecorder) ClientConfirmation(m *Confirmation) {
	r.method = MethodClientConfirmation
	r.conf = m
}
func (r *clientRecorder) ClientHeartBeat()       { r.method = MethodClientHeartBeat }
func (r *clientRecorder) GetPeerList(m *Message) { r.method = MethodGetPeerList }
func (r *clientRecorder) Relay(m *RelayMessage)  { r.method = MethodRelay; r.relay = m }

func TestDispatchClientLineRegister(t *testing.T) {
	t.Parallel()
	line, err := Format(MethodRegister, &Registration{
		Message: NewMessage(),
		UserID:  "alice",
		Name:    "Alice",
		Domain:  "contoso",
	}, time.Now())
	if err != nil {
		t.Fatalf("Format() error: %v", err)
	}

	var rec clientRecorder
	if err := DispatchClientLine(line, &rec); err != nil {
		t.Fatalf("DispatchClientLine() error: %v", err)
	}
	if rec.method != MethodRegister {
		t.Fatalf("dispatched %q, want %q", rec.method, MethodRegister)
	}
	if rec.reg.UserID != "alice" || rec.reg.Domain != "contoso" {
		t.Errorf("registration = %+v, want decoded fields", rec.reg)
	}
}

func TestDispatchClientLineBareHeartBeat(t *testing.T) {
	t.Parallel()
	var rec clientRecorder
	if err := DispatchClientLine(MethodClientHeartBeat, &rec); err != nil {
		t.Fatalf("DispatchClientLine() error: %v", err)
	}
	if rec.method != MethodClientHeartBeat {
		t.Errorf("dispatched %q, want heartbeat", rec.method)
	}
}

func TestDispatchClientLineUnknownMethod(t *testing.T) {
	t.Parallel()
	var rec clientRecorder
	err := DispatchClientLine(`MakeCoffeeAsync {"Sugar":true}`, &rec)
	if !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("error = %v, want ErrUnknownMethod", err)
	}
	if rec.method != "" {
		t.Errorf("handler invoked for unknown method: %q", rec.method)
	}
}

func TestDispatchClientLineMalformedPayload(t *testing.T) {
	t.Parallel()
	var rec clientRecorder
	// Truncated JSON, as when a read ends mid-line and the fragment is
	// mistakenly treated as complete.
	if err := DispatchClientLine(`RelayAsync {"Tag":"Call","ToUs`, &rec); err == nil {
		t.Fatal("DispatchClientLine() with truncated JSON: want error")
	}
	if rec.method != "" {
		t.Errorf("handler invoked despite decode failure: %q", rec.method)
	}
}

func TestDispatchClientLineMissingArgument(t *testing.T) {
	t.Parallel()
	var rec clientRecorder
	if err := DispatchClientLine(MethodRelay, &rec); err == nil {
		t.Fatal("DispatchClientLine() with missing argument: want error")
	}
}

// serverRecorder counts server→client dispatches by method.
type serverRecorder struct {
	methods []string
	relay   *RelayMessage
	reply   *RegisteredReply
}

func (r *serverRecorder) record(m string) { r.methods = append(r.methods, m) }

func (r *serverRecorder) RegistrationConfirmation(m *RegisteredReply) {
	r.record(MethodRegistrationConfirmation)
	r.reply = m
}
func (r *serverRecorder) PeerList(m *PeerList)           { r.record(MethodPeerList) }
func (r *serverRecorder) PeerPresence(m *PeerUpdate)     { r.record(MethodPeerPresence) }
func (r *serverRecorder) ServerConfirmation(m *Confirmation) { r.record(MethodServerConfirmation) }
func (r *serverRecorder) ServerRelay(m *RelayMessage) {
	r.record(MethodServerRelay)
	r.relay = m
}
func (r *serverRecorder) ServerHeartBeat()                 { r.record(MethodServerHeartBeat) }
func (r *serverRecorder) ServerError(m *ErrorReply)        { r.record(MethodServerError) }
func (r *serverRecorder) ServerReceivedInvalidMessage(m *InvalidMessage) {
	r.record(MethodServerInvalidMessage)
}

func TestDispatchServerLineRoundTrip(t *testing.T) {
	t.Parallel()
	relay := &RelayMessage{
		Message:    NewMessage(),
		Tag:        TagSdpOffer,
		FromUserID: "alice",
		ToUserID:   "bob",
		Payload:    "v=0\r\n",
	}
	line, err := Format(MethodServerRelay, relay, time.Now())
	if err != nil {
		t.Fatalf("Format() error: %v", err)
	}

	var rec serverRecorder
	if err := DispatchServerLine(line, &rec); err != nil {
		t.Fatalf("DispatchServerLine() error: %v", err)
	}
	if rec.relay == nil || rec.relay.Tag != TagSdpOffer || rec.relay.Payload != "v=0\r\n" {
		t.Errorf("relay = %+v, want decoded offer", rec.relay)
	}
}

func TestDispatchServerLineHeartBeat(t *testing.T) {
	t.Parallel()
	var rec serverRecorder
	if err := DispatchServerLine(MethodServerHeartBeat, &rec); err != nil {
		t.Fatalf("DispatchServerLine() error: %v", err)
	}
	if len(rec.methods) != 1 || rec.methods[0] != MethodServerHeartBeat {
		t.Errorf("methods = %v, want one heartbeat", rec.methods)
	}
}
