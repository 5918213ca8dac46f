// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package push delivers signaling lines to a client's push
// notification channel when its socket is gone. An Authenticator keeps
// an OAuth client-credentials token fresh; each client gets a Sender
// bound to its channel URI. Delivery is best-effort: the server's
// per-client queue remains the source of truth, push is only a nudge
// to wake the app up.
package push
