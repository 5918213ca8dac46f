// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction so that the
// server's heartbeat ticker, the per-client queue pumps, and the call
// machine's ring timeouts can all be driven deterministically in tests.
//
// Production code accepts a Clock parameter (or carries one in a struct
// field) instead of calling time.Now, time.Sleep, time.AfterFunc, or
// time.NewTicker directly. Real() provides standard library behavior;
// Fake() provides a clock that advances only when Advance is called.
//
// Tests that need to fire a timer wait for it to be registered first:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	machine := call.NewMachine(..., c)
//	// ... trigger the state that arms the ring timeout ...
//	c.WaitForTimers(1)
//	c.Advance(35 * time.Second)
package clock
