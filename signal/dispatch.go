// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"errors"
	"fmt"
)

// ErrUnknownMethod reports a line whose method name is not part of the
// protocol surface for the receiving direction. Dispatch errors are
// non-fatal: the receiver reports the line back as invalid (server
// side) or drops it (client side) and keeps reading.
var ErrUnknownMethod = errors.New("unknown method")

// ClientToServer receives the client→server half of the protocol. The
// server's connection objects implement it; the dispatcher decodes
// each inbound line and calls exactly one method.
type ClientToServer interface {
	Register(m *Registration)
	ClientConfirmation(m *Confirmation)
	ClientHeartBeat()
	GetPeerList(m *Message)
	Relay(m *RelayMessage)
}

// ServerToClient receives the server→client half of the protocol,
// implemented by the client channel.
type ServerToClient interface {
	RegistrationConfirmation(m *RegisteredReply)
	PeerList(m *PeerList)
	PeerPresence(m *PeerUpdate)
	ServerConfirmation(m *Confirmation)
	ServerRelay(m *RelayMessage)
	ServerHeartBeat()
	ServerError(m *ErrorReply)
	ServerReceivedInvalidMessage(m *InvalidMessage)
}

// DispatchClientLine decodes one client→server line and invokes the
// matching handler method. The method set is closed: anything outside
// it fails with ErrUnknownMethod.
func DispatchClientLine(line string, handler ClientToServer) error {
	method, payload := Split(line)
	switch method {
	case MethodRegister:
		m, err := decode[Registration](method, payload)
		if err != nil {
			return err
		}
		handler.Register(m)
	case MethodClientConfirmation:
		m, err := decode[Confirmation](method, payload)
		if err != nil {
			return err
		}
		handler.ClientConfirmation(m)
	case MethodClientHeartBeat:
		handler.ClientHeartBeat()
	case MethodGetPeerList:
		m, err := decode[Message](method, payload)
		if err != nil {
			return err
		}
		handler.GetPeerList(m)
	case MethodRelay:
		m, err := decode[RelayMessage](method, payload)
		if err != nil {
			return err
		}
		handler.Relay(m)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return nil
}

// DispatchServerLine decodes one server→client line and invokes the
// matching handler method.
func DispatchServerLine(line string, handler ServerToClient) error {
	method, payload := Split(line)
	switch method {
	case MethodRegistrationConfirmation:
		m, err := decode[RegisteredReply](method, payload)
		if err != nil {
			return err
		}
		handler.RegistrationConfirmation(m)
	case MethodPeerList:
		m, err := decode[PeerList](method, payload)
		if err != nil {
			return err
		}
		handler.PeerList(m)
	case MethodPeerPresence:
		m, err := decode[PeerUpdate](method, payload)
		if err != nil {
			return err
		}
		handler.PeerPresence(m)
	case MethodServerConfirmation:
		m, err := decode[Confirmation](method, payload)
		if err != nil {
			return err
		}
		handler.ServerConfirmation(m)
	case MethodServerRelay:
		m, err := decode[RelayMessage](method, payload)
		if err != nil {
			return err
		}
		handler.ServerRelay(m)
	case MethodServerHeartBeat:
		handler.ServerHeartBeat()
	case MethodServerError:
		m, err := decode[ErrorReply](method, payload)
		if err != nil {
			return err
		}
		handler.ServerError(m)
	case MethodServerInvalidMessage:
		m, err := decode[InvalidMessage](method, payload)
		if err != nil {
			return err
		}
		handler.ServerReceivedInvalidMessage(m)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return nil
}
