// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

package call

// State is the call machine's current phase. A call always starts and
// ends in Idle; HangingUp is transitional and never observed across a
// public call, since teardown completes synchronously.
type State int

const (
	// Idle means no call exists.
	Idle State = iota

	// LocalRinging means an incoming call is alerting this device.
	LocalRinging

	// RemoteRinging means an outgoing call is alerting the peer.
	RemoteRinging

	// EstablishIncoming means the peer's SDP offer is expected or
	// being answered.
	EstablishIncoming

	// EstablishOutgoing means a local SDP offer was sent and the
	// peer's answer is expected.
	EstablishOutgoing

	// Active means media is flowing.
	Active

	// Held means the call is established but media is suspended.
	Held

	// HangingUp means teardown is in progress.
	HangingUp
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case LocalRinging:
		return "LocalRinging"
	case RemoteRinging:
		return "RemoteRinging"
	case EstablishIncoming:
		return "EstablishIncoming"
	case EstablishOutgoing:
		return "EstablishOutgoing"
	case Active:
		return "Active"
	case Held:
		return "Held"
	case HangingUp:
		return "HangingUp"
	default:
		return "Unknown"
	}
}

// EstablishReason says why an outgoing negotiation was started, which
// decides what happens with local media before the offer is created.
type EstablishReason int

const (
	// EstablishCall attaches local media: a fresh call or a resume.
	EstablishCall EstablishReason = iota

	// HoldCall detaches local media to suspend the call.
	HoldCall

	// SwitchCamera re-acquires local media with the newly selected
	// capture device.
	SwitchCamera
)

func (r EstablishReason) String() string {
	switch r {
	case EstablishCall:
		return "EstablishCall"
	case HoldCall:
		return "HoldCall"
	case SwitchCamera:
		return "SwitchCamera"
	default:
		return "Unknown"
	}
}
