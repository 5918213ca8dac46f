// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package media abstracts the peer connection a call runs over. The
// call state machine drives an Engine; PionEngine implements it over
// pion/webrtc. Tests substitute a fake.
package media
