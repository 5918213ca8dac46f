// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"github.com/chatterbox-project/chatterbox/signal"
)

// DescriptionType distinguishes the two SDP roles.
type DescriptionType string

const (
	DescriptionOffer  DescriptionType = "offer"
	DescriptionAnswer DescriptionType = "answer"
)

// ConnectionState is the engine's view of ICE connectivity. Values
// mirror the ICE connection states of the underlying stack.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionChecking     ConnectionState = "checking"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionCompleted    ConnectionState = "completed"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// Engine is one call's peer connection. One Engine serves one call
// from establishment to hangup; renegotiation reuses the Engine, a new
// call gets a new one from the Factory.
//
// Handlers must be registered before the first description is set.
// They are invoked from the engine's own goroutines.
type Engine interface {
	// AddLocalMedia acquires and attaches the local audio and video
	// sources. Acquisition failure aborts the call.
	AddLocalMedia() error

	// RemoveLocalMedia detaches the local sources, used when tearing
	// down or when renegotiation replaces them.
	RemoveLocalMedia() error

	// CreateOffer produces the local SDP offer.
	CreateOffer() (string, error)

	// CreateAnswer produces the local SDP answer to a previously set
	// remote offer.
	CreateAnswer() (string, error)

	SetLocalDescription(kind DescriptionType, sdp string) error
	SetRemoteDescription(kind DescriptionType, sdp string) error

	// AddICECandidate feeds one remote network candidate into the
	// connectivity checks.
	AddICECandidate(candidate signal.IceCandidate) error

	// OnICECandidate registers the handler for locally gathered
	// candidates. Gathering ends with no further calls.
	OnICECandidate(handler func(candidate signal.IceCandidate))

	// OnRemoteStream registers the handler invoked when remote media
	// starts arriving.
	OnRemoteStream(handler func(stream RemoteStream))

	// OnConnectionStateChange registers the handler for ICE state
	// transitions.
	OnConnectionStateChange(handler func(state ConnectionState))

	// Close tears the peer connection down. Safe to call more than
	// once.
	Close() error
}

// RemoteStream describes inbound media the remote peer is sending.
type RemoteStream struct {
	ID   string
	Kind string // "audio" or "video"
}

// Factory builds the Engine for a new call.
type Factory func() (Engine, error)
