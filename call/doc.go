// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package call implements the client-side call state machine: one
// Machine per device tracks at most one call, from the first ring
// through hold/resume and renegotiation to hangup. The Machine is
// driven from two sides: user commands (Call, Answer, Hangup, ...) and
// relayed signaling messages from the peer (HandleRelay). All media
// work goes through a media.Engine; all outbound signaling goes
// through the Outbox.
package call
