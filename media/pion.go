// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/chatterbox-project/chatterbox/signal"
)

// ICEServer names one STUN or TURN server for connectivity
// establishment.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Config carries the engine's connectivity parameters.
type Config struct {
	ICEServers []ICEServer
}

// PionEngine implements Engine over a pion/webrtc PeerConnection.
type PionEngine struct {
	logger *slog.Logger
	pc     *webrtc.PeerConnection

	mu      sync.Mutex
	senders []*webrtc.RTPSender
	closed  bool
}

var _ Engine = (*PionEngine)(nil)

// NewFactory returns a Factory producing PionEngines with the given
// connectivity configuration.
func NewFactory(cfg Config, logger *slog.Logger) Factory {
	return func() (Engine, error) {
		return NewPionEngine(cfg, logger)
	}
}

// NewPionEngine builds a fresh PeerConnection with the default audio
// and video codecs registered.
func NewPionEngine(cfg Config, logger *slog.Logger) (*PionEngine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	settingEngine := webrtc.SettingEngine{}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)

	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, server := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}
	return &PionEngine{logger: logger, pc: pc}, nil
}

// AddLocalMedia attaches one audio and one video track. The tracks are
// sample-fed by the capture pipeline; the engine only negotiates them.
func (e *PionEngine) AddLocalMedia() error {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "chatterbox")
	if err != nil {
		return fmt.Errorf("creating audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "chatterbox")
	if err != nil {
		return fmt.Errorf("creating video track: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, track := range []webrtc.TrackLocal{audio, video} {
		sender, err := e.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("adding %s track: %w", track.Kind(), err)
		}
		e.senders = append(e.senders, sender)
	}
	return nil
}

// RemoveLocalMedia detaches every track added by AddLocalMedia.
func (e *PionEngine) RemoveLocalMedia() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sender := range e.senders {
		if err := e.pc.RemoveTrack(sender); err != nil {
			return fmt.Errorf("removing track: %w", err)
		}
	}
	e.senders = nil
	return nil
}

func (e *PionEngine) CreateOffer() (string, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP offer: %w", err)
	}
	return offer.SDP, nil
}

func (e *PionEngine) CreateAnswer() (string, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP answer: %w", err)
	}
	return answer.SDP, nil
}

func (e *PionEngine) SetLocalDescription(kind DescriptionType, sdp string) error {
	description := webrtc.SessionDescription{Type: sdpType(kind), SDP: sdp}
	if err := e.pc.SetLocalDescription(description); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	return nil
}

func (e *PionEngine) SetRemoteDescription(kind DescriptionType, sdp string) error {
	description := webrtc.SessionDescription{Type: sdpType(kind), SDP: sdp}
	if err := e.pc.SetRemoteDescription(description); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func sdpType(kind DescriptionType) webrtc.SDPType {
	if kind == DescriptionAnswer {
		return webrtc.SDPTypeAnswer
	}
	return webrtc.SDPTypeOffer
}

func (e *PionEngine) AddICECandidate(candidate signal.IceCandidate) error {
	mid := candidate.SdpMid
	index := candidate.SdpMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
	if err := e.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

func (e *PionEngine) OnICECandidate(handler func(candidate signal.IceCandidate)) {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// Gathering finished.
			return
		}
		init := c.ToJSON()
		candidate := signal.IceCandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			candidate.SdpMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			candidate.SdpMLineIndex = *init.SDPMLineIndex
		}
		handler(candidate)
	})
}

func (e *PionEngine) OnRemoteStream(handler func(stream RemoteStream)) {
	e.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		e.logger.Debug("remote track arrived", "kind", track.Kind().String(), "id", track.ID())
		handler(RemoteStream{ID: track.ID(), Kind: track.Kind().String()})
	})
}

func (e *PionEngine) OnConnectionStateChange(handler func(state ConnectionState)) {
	e.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		handler(connectionState(state))
	})
}

func connectionState(state webrtc.ICEConnectionState) ConnectionState {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		return ConnectionChecking
	case webrtc.ICEConnectionStateConnected:
		return ConnectionConnected
	case webrtc.ICEConnectionStateCompleted:
		return ConnectionCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return ConnectionDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ConnectionFailed
	case webrtc.ICEConnectionStateClosed:
		return ConnectionClosed
	default:
		return ConnectionNew
	}
}

// Close tears the PeerConnection down.
func (e *PionEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.pc.Close()
}
