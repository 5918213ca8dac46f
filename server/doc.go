// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package server implements the signaling relay server: a TCP service
// that registers clients into named domains, fans out presence, and
// routes relay messages between peers with confirmed, in-order
// delivery.
//
// The package is organized around the connection lifecycle:
//
//   - server.go: listener, accept loop, pending-connection table, heartbeat
//   - unregistered.go: an accepted socket before its user is known
//   - domain.go: a named tenant of registered clients; routing and presence
//   - client.go: the durable server-side representative of one user
//
// A client's outbound messages travel through a confirmed-delivery
// queue: at most one unacknowledged message is on the wire per client,
// and the queue head advances only when the client confirms receipt.
// Across a reconnect the queue is replayed from the top, which gives
// at-least-once, in-order delivery per client. When a client is
// unreachable, messages degrade to a best-effort push-notification
// sink and stay queued for the next reconnect regardless.
package server
