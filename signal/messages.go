// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"time"

	"github.com/google/uuid"
)

// Relay tags discriminate the purpose of a RelayMessage payload.
const (
	TagCall           = "Call"
	TagCallAnswer     = "CallAnswer"
	TagCallReject     = "CallReject"
	TagCallHangup     = "CallHangup"
	TagSdpOffer       = "SdpOffer"
	TagSdpAnswer      = "SdpAnswer"
	TagIceCandidate   = "IceCandidate"
	TagInstantMessage = "InstantMessage"
)

// Client→server method names.
const (
	MethodRegister           = "RegisterAsync"
	MethodClientConfirmation = "ClientConfirmationAsync"
	MethodClientHeartBeat    = "ClientHeartBeatAsync"
	MethodGetPeerList        = "GetPeerListAsync"
	MethodRelay              = "RelayAsync"
)

// Server→client method names.
const (
	MethodRegistrationConfirmation = "OnRegistrationConfirmationAsync"
	MethodPeerList                 = "OnPeerListAsync"
	MethodPeerPresence             = "OnPeerPresenceAsync"
	MethodServerConfirmation       = "ServerConfirmationAsync"
	MethodServerRelay              = "ServerRelayAsync"
	MethodServerHeartBeat          = "ServerHeartBeatAsync"
	MethodServerError              = "ServerErrorAsync"
	MethodServerInvalidMessage     = "ServerReceivedInvalidMessageAsync"
)

// Message is the base of every confirmable protocol message: a unique
// id and the UTC send time. The send time is stamped by the codec when
// the line is formatted, not when the message is constructed, so a
// message that sits in a delivery queue carries the time it actually
// went to the wire.
type Message struct {
	ID        string    `json:"Id"`
	SentAtUtc time.Time `json:"SentAtUtc"`
}

// NewMessage returns a Message with a fresh unique id.
func NewMessage() Message {
	return Message{ID: uuid.NewString()}
}

// MessageID returns the message's unique id.
func (m *Message) MessageID() string { return m.ID }

// StampSentTime records the wire send time. Called by the codec.
func (m *Message) StampSentTime(t time.Time) { m.SentAtUtc = t }

// Confirmable is any message whose receipt must be acknowledged with a
// Confirmation.
type Confirmable interface {
	MessageID() string
}

// sentStamper is implemented by messages that carry a send timestamp.
type sentStamper interface {
	StampSentTime(t time.Time)
}

// Registration is the required first message on any new connection. It
// names the user, the domain the user registers into, and an optional
// push notification channel for offline delivery.
type Registration struct {
	Message
	UserID         string `json:"UserId"`
	Name           string `json:"Name"`
	Domain         string `json:"Domain"`
	PushChannelURI string `json:"PushNotificationChannelURI"`
}

// RegisteredReply confirms a registration and assigns the avatar.
type RegisteredReply struct {
	Message
	Avatar   int    `json:"Avatar"`
	ReplyFor string `json:"ReplyFor"`
}

// PeerData describes one registered user in a domain roster.
type PeerData struct {
	UserID   string `json:"UserId"`
	Name     string `json:"Name"`
	IsOnline bool   `json:"IsOnline"`
	Avatar   int    `json:"Avatar"`
}

// PeerUpdate announces a presence change of a single peer.
type PeerUpdate struct {
	Message
	Peer PeerData `json:"PeerData"`
}

// PeerList is the full domain roster, sent in reply to a
// GetPeerListAsync request and correlated to it by ReplyFor.
type PeerList struct {
	Message
	ReplyFor string     `json:"ReplyFor"`
	Peers    []PeerData `json:"Peers"`
}

// Confirmation acknowledges receipt of the message whose id is
// ConfirmationFor. Confirmations themselves are never confirmed.
type Confirmation struct {
	Message
	ConfirmationFor string `json:"ConfirmationFor"`
}

// ConfirmationFor builds the Confirmation acknowledging m.
func ConfirmationFor(m Confirmable) *Confirmation {
	return &Confirmation{Message: NewMessage(), ConfirmationFor: m.MessageID()}
}

// InvalidMessage reports a request line the receiver could not decode
// or dispatch. Carries the offending line verbatim.
type InvalidMessage struct {
	Message
	OriginalRequest string `json:"OriginalRequest"`
}

// InvalidMessageFor builds the InvalidMessage reporting line.
func InvalidMessageFor(line string) *InvalidMessage {
	return &InvalidMessage{Message: NewMessage(), OriginalRequest: line}
}

// ErrorReply carries a server-side error description to a client.
type ErrorReply struct {
	Message
	ErrorMessage string `json:"ErrorMessage"`
}

// RelayMessage is an end-to-end message routed between two users of a
// domain. The server overwrites FromUserID, FromName, and FromAvatar
// with the authenticated sender's registered identity before routing,
// so the delivered copy can never impersonate another user.
type RelayMessage struct {
	Message
	Tag        string `json:"Tag"`
	FromUserID string `json:"FromUserId"`
	FromName   string `json:"FromName"`
	FromAvatar int    `json:"FromAvatar"`
	ToUserID   string `json:"ToUserId"`
	ToName     string `json:"ToName"`
	// Payload is opaque to the server: JSON for call requests and ICE
	// candidate batches, raw SDP text for offers and answers, plain
	// text for instant messages.
	Payload string `json:"Payload"`
}

// IceCandidate is one network path descriptor exchanged while
// establishing peer connectivity. Batches of these travel as the JSON
// payload of a TagIceCandidate relay message.
type IceCandidate struct {
	Candidate     string `json:"Candidate"`
	SdpMid        string `json:"SdpMid"`
	SdpMLineIndex uint16 `json:"SdpMLineIndex"`
}

// IceCandidateBatch is the payload of a TagIceCandidate relay message.
type IceCandidateBatch struct {
	Candidates []IceCandidate `json:"Candidates"`
}
