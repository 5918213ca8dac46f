// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Format renders one outbound protocol line: the method name, and if
// argument is non-nil, a space and the argument's JSON encoding. If
// the argument carries a send timestamp it is stamped with now first,
// so queued messages record the time they actually hit the wire.
//
// The returned line has no trailing newline; the writer appends it.
func Format(method string, argument any, now time.Time) (string, error) {
	if argument == nil {
		return method, nil
	}
	if stamper, ok := argument.(sentStamper); ok {
		stamper.StampSentTime(now.UTC())
	}
	encoded, err := json.Marshal(argument)
	if err != nil {
		return "", fmt.Errorf("encoding %s argument: %w", method, err)
	}
	return method + " " + string(encoded), nil
}

// Split divides an inbound line into method name and raw JSON payload.
// A line without a space is a bare method invocation with an empty
// payload.
func Split(line string) (method, payload string) {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return line[:i], line[i+1:]
	}
	return line, ""
}

// decode unmarshals a payload into v, reporting the method name on
// failure. An empty payload for a method that requires an argument is
// an error.
func decode[T any](method, payload string) (*T, error) {
	if payload == "" {
		return nil, fmt.Errorf("%s: missing argument", method)
	}
	v := new(T)
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return nil, fmt.Errorf("%s: decoding argument: %w", method, err)
	}
	return v, nil
}
