// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package signal defines the wire protocol spoken between the
// signaling server and its clients: a line-oriented, UTF-8 text
// protocol over TCP where each line is one method invocation,
//
//	<MethodName>[ <JSON-payload>]\n
//
// The package is organized around the protocol surface:
//
//   - messages.go: the method argument types and relay tags
//   - codec.go: formatting outbound lines and splitting inbound ones
//   - dispatch.go: closed method→handler dispatch for both directions
//
// Every message carrying an Id expects the receiver to eventually emit
// a Confirmation whose ConfirmationFor names that Id; the sender's
// delivery queue holds the message until the confirmation arrives.
//
// TCP delivers a byte stream, so a single read may carry several
// newline-delimited lines or end mid-line. Readers use bufio line
// scanning, which buffers undelimited remainders transparently; the
// codec itself always sees complete lines.
package signal
