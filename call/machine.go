// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatterbox-project/chatterbox/lib/clock"
	"github.com/chatterbox-project/chatterbox/lib/sdputil"
	"github.com/chatterbox-project/chatterbox/media"
	"github.com/chatterbox-project/chatterbox/signal"
)

// remoteRingTimeout bounds how long an outgoing call alerts the peer
// before the caller gives up.
const remoteRingTimeout = 30 * time.Second

// localRingTimeout bounds how long an incoming call alerts this device
// before it is treated as missed.
const localRingTimeout = 35 * time.Second

// candidateBatchInterval is how long locally gathered ICE candidates
// accumulate before going out as one batch.
const candidateBatchInterval = 250 * time.Millisecond

// ErrInvalidState reports a user command that the current call phase
// does not allow.
var ErrInvalidState = errors.New("operation not valid in current state")

// Outbox emits relay messages to a peer. The signaling channel
// implements it.
type Outbox interface {
	SendToPeer(peerUserID, peerName, tag, payload string) error
}

// Indicator surfaces call events to the platform's native call UI.
// Methods are invoked with the machine's lock held and must not call
// back into the Machine.
type Indicator interface {
	IncomingCall(peerName string, videoEnabled bool)
	CallStarted()
	CallEnded()
}

// NopIndicator ignores all call events.
type NopIndicator struct{}

func (NopIndicator) IncomingCall(string, bool) {}
func (NopIndicator) CallStarted()              {}
func (NopIndicator) CallEnded()                {}

// Offer is the JSON payload of a Call relay message.
type Offer struct {
	VideoEnabled bool `json:"VideoEnabled"`
}

// Config carries the Machine's collaborators and preferences.
type Config struct {
	// Outbox emits relay messages. Required.
	Outbox Outbox

	// Engines builds the media engine for each call. Required.
	Engines media.Factory

	// Indicator receives native call UI events. Nil means none.
	Indicator Indicator

	// AudioCodec and VideoCodec, when set, force the offer's codec
	// selection to the user's preference. The video codec negotiated
	// on the first offer or answer of a call takes precedence for the
	// rest of that call.
	AudioCodec *sdputil.Codec
	VideoCodec *sdputil.Codec
}

// Machine runs one device's call state machine. At most one call
// exists at a time; a second incoming call is rejected as busy.
//
// The Machine is safe for concurrent use: user commands, relay
// messages, engine callbacks, and ring timers may arrive on any
// goroutine.
type Machine struct {
	outbox     Outbox
	engines    media.Factory
	indicator  Indicator
	audioCodec *sdputil.Codec
	videoCodec *sdputil.Codec
	logger     *slog.Logger
	clk        clock.Clock

	mu           sync.Mutex
	state        State
	peerUserID   string
	peerName     string
	videoEnabled bool
	started      bool // call reached Active at least once
	engine       media.Engine
	pinnedVideo  *sdputil.Codec
	ringTimer    *clock.Timer
	candidates   []signal.IceCandidate
	candTimer    *clock.Timer
}

// New builds an idle Machine.
func New(cfg Config, logger *slog.Logger, clk clock.Clock) *Machine {
	indicator := cfg.Indicator
	if indicator == nil {
		indicator = NopIndicator{}
	}
	return &Machine{
		outbox:     cfg.Outbox,
		engines:    cfg.Engines,
		indicator:  indicator,
		audioCodec: cfg.AudioCodec,
		videoCodec: cfg.VideoCodec,
		logger:     logger,
		clk:        clk,
		state:      Idle,
	}
}

// State returns the current call phase.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Peer returns the current call's peer identity, empty when idle.
func (m *Machine) Peer() (userID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerUserID, m.peerName
}

// Call starts an outgoing call. The peer starts ringing; if nothing
// answers within the ring timeout the call is abandoned.
func (m *Machine) Call(peerUserID, peerName string, videoEnabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Idle {
		return fmt.Errorf("starting call: %w (state %s)", ErrInvalidState, m.state)
	}
	payload, err := json.Marshal(&Offer{VideoEnabled: videoEnabled})
	if err != nil {
		return fmt.Errorf("encoding call offer: %w", err)
	}
	m.peerUserID = peerUserID
	m.peerName = peerName
	m.videoEnabled = videoEnabled
	m.state = RemoteRinging
	m.armRingTimerLocked(remoteRingTimeout, RemoteRinging)
	m.sendLocked(signal.TagCall, string(payload))
	m.logger.Info("calling", "peer", peerUserID, "video", videoEnabled)
	return nil
}

// Answer accepts the incoming call. Negotiation proper starts when the
// caller's SDP offer arrives.
func (m *Machine) Answer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != LocalRinging {
		return fmt.Errorf("answering: %w (state %s)", ErrInvalidState, m.state)
	}
	m.cancelRingTimerLocked()
	m.sendLocked(signal.TagCallAnswer, "")
	m.enterEstablishIncomingLocked()
	return nil
}

// Reject declines the incoming call.
func (m *Machine) Reject() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != LocalRinging {
		return fmt.Errorf("rejecting: %w (state %s)", ErrInvalidState, m.state)
	}
	m.sendLocked(signal.TagCallReject, "Rejected")
	m.hangupLocked()
	return nil
}

// Hangup ends the call from this side, in any non-idle state.
func (m *Machine) Hangup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Idle {
		return fmt.Errorf("hanging up: %w (state %s)", ErrInvalidState, m.state)
	}
	m.hangupLocked()
	return nil
}

// Hold suspends the active call's media.
func (m *Machine) Hold() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Active {
		return fmt.Errorf("holding: %w (state %s)", ErrInvalidState, m.state)
	}
	m.enterEstablishOutgoingLocked(HoldCall)
	return nil
}

// Resume re-establishes media on a held call.
func (m *Machine) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Held {
		return fmt.Errorf("resuming: %w (state %s)", ErrInvalidState, m.state)
	}
	m.enterEstablishOutgoingLocked(EstablishCall)
	return nil
}

// SwitchCamera renegotiates the active call with the newly selected
// capture device, keeping the already negotiated video codec.
func (m *Machine) SwitchCamera() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Active {
		return fmt.Errorf("switching camera: %w (state %s)", ErrInvalidState, m.state)
	}
	m.enterEstablishOutgoingLocked(SwitchCamera)
	return nil
}

// HandleRelay feeds one relayed signaling message from the peer into
// the machine. Messages that do not fit the current phase are dropped.
func (m *Machine) HandleRelay(rm *signal.RelayMessage) {
	switch rm.Tag {
	case signal.TagCall:
		m.incomingCall(rm)
	case signal.TagCallAnswer:
		m.outgoingAccepted(rm)
	case signal.TagCallReject:
		m.outgoingRejected(rm)
	case signal.TagCallHangup:
		m.remoteHangup(rm)
	case signal.TagSdpOffer:
		m.remoteOffer(rm.Payload)
	case signal.TagSdpAnswer:
		m.remoteAnswer(rm.Payload)
	case signal.TagIceCandidate:
		m.remoteCandidates(rm.Payload)
	}
}

func (m *Machine) incomingCall(rm *signal.RelayMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Idle {
		m.logger.Info("busy, rejecting second call", "from", rm.FromUserID)
		if err := m.outbox.SendToPeer(rm.FromUserID, rm.FromName, signal.TagCallReject, "Busy"); err != nil {
			m.logger.Warn("sending busy reject failed", "error", err)
		}
		return
	}
	var offer Offer
	if err := json.Unmarshal([]byte(rm.Payload), &offer); err != nil {
		m.logger.Debug("call payload not decodable, assuming audio", "error", err)
	}
	m.peerUserID = rm.FromUserID
	m.peerName = rm.FromName
	m.videoEnabled = offer.VideoEnabled
	m.state = LocalRinging
	m.armRingTimerLocked(localRingTimeout, LocalRinging)
	m.indicator.IncomingCall(rm.FromName, offer.VideoEnabled)
	m.logger.Info("incoming call", "from", rm.FromUserID, "video", offer.VideoEnabled)
}

func (m *Machine) outgoingAccepted(rm *signal.RelayMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != RemoteRinging || rm.FromUserID != m.peerUserID {
		return
	}
	// The caller may have dialed by user id only; the accept carries
	// the callee's registered display name.
	m.peerName = rm.FromName
	m.cancelRingTimerLocked()
	m.enterEstablishOutgoingLocked(EstablishCall)
}

func (m *Machine) outgoingRejected(rm *signal.RelayMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != RemoteRinging || rm.FromUserID != m.peerUserID {
		return
	}
	m.logger.Info("call rejected", "by", rm.FromUserID, "reason", rm.Payload)
	m.hangupLocked()
}

func (m *Machine) remoteHangup(rm *signal.RelayMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Idle || rm.FromUserID != m.peerUserID {
		return
	}
	m.logger.Info("remote hangup", "from", rm.FromUserID)
	m.hangupLocked()
}

func (m *Machine) remoteOffer(sdp string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Active, Held:
		// Renegotiation: hold, resume, or camera switch from the
		// peer's side.
		m.enterEstablishIncomingLocked()
		if m.state != EstablishIncoming {
			return
		}
		m.processOfferLocked(sdp)
	case EstablishIncoming:
		m.processOfferLocked(sdp)
	default:
		m.logger.Debug("offer dropped", "state", m.state.String())
	}
}

func (m *Machine) remoteAnswer(sdp string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != EstablishOutgoing {
		m.logger.Debug("answer dropped", "state", m.state.String())
		return
	}
	if err := m.engine.SetRemoteDescription(media.DescriptionAnswer, sdp); err != nil {
		m.failLocked("setting remote answer", err)
		return
	}
	m.pinVideoCodecLocked(sdp)
	if sdputil.IsHold(sdp) {
		m.state = Held
		m.logger.Info("call held")
		return
	}
	m.becomeActiveLocked()
}

func (m *Machine) remoteCandidates(payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.engine == nil {
		return
	}
	var batch signal.IceCandidateBatch
	if err := json.Unmarshal([]byte(payload), &batch); err != nil {
		m.logger.Debug("candidate batch not decodable", "error", err)
		return
	}
	// Candidates are advisory; a candidate the engine rejects is
	// dropped, not fatal.
	for _, candidate := range batch.Candidates {
		if err := m.engine.AddICECandidate(candidate); err != nil {
			m.logger.Debug("candidate rejected", "error", err)
		}
	}
}

// enterEstablishIncomingLocked prepares to answer a remote offer. A
// media engine failure tears the call down, leaving the state Idle.
func (m *Machine) enterEstablishIncomingLocked() {
	if err := m.ensureEngineLocked(); err != nil {
		m.failLocked("creating media engine", err)
		return
	}
	m.state = EstablishIncoming
}

// processOfferLocked answers the peer's SDP offer: hold offers detach
// local media and park the call in Held, anything else attaches media
// and activates.
func (m *Machine) processOfferLocked(sdp string) {
	hold := sdputil.IsHold(sdp)
	if err := m.engine.SetRemoteDescription(media.DescriptionOffer, sdp); err != nil {
		m.failLocked("setting remote offer", err)
		return
	}
	var err error
	if hold {
		err = m.engine.RemoveLocalMedia()
	} else {
		err = m.engine.AddLocalMedia()
	}
	if err != nil {
		m.failLocked("preparing local media", err)
		return
	}
	m.pinVideoCodecLocked(sdp)

	answer, err := m.engine.CreateAnswer()
	if err != nil {
		m.failLocked("creating answer", err)
		return
	}
	if err := m.engine.SetLocalDescription(media.DescriptionAnswer, answer); err != nil {
		m.failLocked("setting local answer", err)
		return
	}
	m.sendLocked(signal.TagSdpAnswer, answer)
	if hold {
		m.state = Held
		m.logger.Info("call held")
		return
	}
	m.becomeActiveLocked()
}

// enterEstablishOutgoingLocked starts a local negotiation round. The
// reason decides what happens to local media before the offer.
func (m *Machine) enterEstablishOutgoingLocked(reason EstablishReason) {
	m.logger.Debug("negotiating", "reason", reason.String())
	if err := m.ensureEngineLocked(); err != nil {
		m.failLocked("creating media engine", err)
		return
	}
	var err error
	switch reason {
	case EstablishCall:
		err = m.engine.AddLocalMedia()
	case HoldCall:
		err = m.engine.RemoveLocalMedia()
	case SwitchCamera:
		if err = m.engine.RemoveLocalMedia(); err == nil {
			err = m.engine.AddLocalMedia()
		}
	}
	if err != nil {
		m.failLocked("preparing local media", err)
		return
	}

	offer, err := m.engine.CreateOffer()
	if err != nil {
		m.failLocked("creating offer", err)
		return
	}
	offer = m.forceCodecsLocked(offer)
	if err := m.engine.SetLocalDescription(media.DescriptionOffer, offer); err != nil {
		m.failLocked("setting local offer", err)
		return
	}
	m.state = EstablishOutgoing
	m.sendLocked(signal.TagSdpOffer, offer)
}

// forceCodecsLocked applies the configured codec preferences to an
// outgoing offer, with the call's already-negotiated video codec
// taking precedence so a camera switch does not change codecs
// mid-call. On selection failure the offer goes out unmodified.
func (m *Machine) forceCodecsLocked(sdp string) string {
	video := m.videoCodec
	if m.pinnedVideo != nil {
		video = m.pinnedVideo
	}
	if m.audioCodec == nil && video == nil {
		m.pinVideoCodecLocked(sdp)
		return sdp
	}
	selected, err := sdputil.SelectCodecs(sdp, m.audioCodec, video)
	if err != nil {
		m.logger.Warn("codec selection failed, sending offer as is", "error", err)
		m.pinVideoCodecLocked(sdp)
		return sdp
	}
	m.pinVideoCodecLocked(selected)
	return selected
}

func (m *Machine) pinVideoCodecLocked(sdp string) {
	if m.pinnedVideo != nil {
		return
	}
	if ids := sdputil.VideoCodecIDs(sdp); len(ids) > 0 {
		m.pinnedVideo = &sdputil.Codec{ID: ids[0]}
	}
}

func (m *Machine) becomeActiveLocked() {
	m.state = Active
	if !m.started {
		m.started = true
		m.indicator.CallStarted()
	}
	m.logger.Info("call active", "peer", m.peerUserID)
}

// ensureEngineLocked builds the call's media engine on first use and
// wires its callbacks.
func (m *Machine) ensureEngineLocked() error {
	if m.engine != nil {
		return nil
	}
	engine, err := m.engines()
	if err != nil {
		return err
	}
	engine.OnICECandidate(m.localCandidate)
	engine.OnRemoteStream(func(stream media.RemoteStream) {
		m.logger.Debug("remote stream arrived", "kind", stream.Kind, "id", stream.ID)
	})
	engine.OnConnectionStateChange(m.connectionStateChanged)
	m.engine = engine
	return nil
}

// localCandidate buffers a gathered candidate; the batch goes out when
// the batch interval elapses.
func (m *Machine) localCandidate(candidate signal.IceCandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Idle || m.state == HangingUp {
		return
	}
	m.candidates = append(m.candidates, candidate)
	if m.candTimer == nil {
		m.candTimer = m.clk.AfterFunc(candidateBatchInterval, m.flushCandidates)
	}
}

func (m *Machine) flushCandidates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushCandidatesLocked()
}

func (m *Machine) flushCandidatesLocked() {
	if m.candTimer != nil {
		m.candTimer.Stop()
		m.candTimer = nil
	}
	if len(m.candidates) == 0 || m.peerUserID == "" {
		m.candidates = nil
		return
	}
	payload, err := json.Marshal(&signal.IceCandidateBatch{Candidates: m.candidates})
	if err != nil {
		m.logger.Error("encoding candidate batch failed", "error", err)
		m.candidates = nil
		return
	}
	m.logger.Debug("sending candidate batch", "count", len(m.candidates))
	m.candidates = nil
	m.sendLocked(signal.TagIceCandidate, string(payload))
}

func (m *Machine) connectionStateChanged(state media.ConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Debug("connection state", "state", string(state))
	if state == media.ConnectionFailed && m.state != Idle {
		m.logger.Warn("media connection failed")
		m.hangupLocked()
	}
}

func (m *Machine) armRingTimerLocked(d time.Duration, ringing State) {
	m.cancelRingTimerLocked()
	m.ringTimer = m.clk.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state != ringing {
			return
		}
		m.logger.Info("ring timed out", "state", m.state.String())
		m.hangupLocked()
	})
}

func (m *Machine) cancelRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

// failLocked ends the call after an unrecoverable establishment error.
// A call is never left in a broken intermediate state; failure always
// means a clean hangup.
func (m *Machine) failLocked(what string, err error) {
	m.logger.Error(what+" failed, ending call", "error", err)
	m.hangupLocked()
}

// hangupLocked tears the call down and returns to Idle. Entering
// HangingUp always announces CallHangup to the peer, even when the
// termination itself came from the peer.
func (m *Machine) hangupLocked() {
	m.state = HangingUp
	m.cancelRingTimerLocked()
	if m.candTimer != nil {
		m.candTimer.Stop()
		m.candTimer = nil
	}
	m.candidates = nil
	if m.peerUserID != "" {
		m.sendLocked(signal.TagCallHangup, "")
	}
	if m.engine != nil {
		if err := m.engine.Close(); err != nil {
			m.logger.Debug("closing media engine", "error", err)
		}
		m.engine = nil
	}
	m.indicator.CallEnded()
	m.peerUserID = ""
	m.peerName = ""
	m.videoEnabled = false
	m.started = false
	m.pinnedVideo = nil
	m.state = Idle
	m.logger.Info("call ended")
}

func (m *Machine) sendLocked(tag, payload string) {
	if err := m.outbox.SendToPeer(m.peerUserID, m.peerName, tag, payload); err != nil {
		m.logger.Warn("sending relay failed", "tag", tag, "error", err)
	}
}
