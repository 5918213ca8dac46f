// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

package push

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// Sender pushes raw notification payloads to one client's channel URI.
// Deliveries made before authentication, or bounced with Unauthorized,
// wait in a deferred queue that drains when the Authenticator reports
// a fresh token. A channel the gateway reports Gone or NotFound is
// expired for good and every further delivery is dropped.
type Sender struct {
	channelURI string
	auth       *Authenticator
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	deferred []string
	expired  bool
}

// NewSender builds the sender for one push channel and subscribes it
// to the authenticator's token refreshes.
func NewSender(channelURI string, auth *Authenticator, httpClient *http.Client, logger *slog.Logger) *Sender {
	s := &Sender{
		channelURI: channelURI,
		auth:       auth,
		httpClient: httpClient,
		logger:     logger.With("channel", channelURI),
	}
	auth.OnAuthenticated(s.drainDeferred)
	return s
}

// Send delivers one payload, fire-and-forget. The caller keeps the
// message queued regardless of the outcome; push only wakes the app.
func (s *Sender) Send(payload string) {
	go s.deliver(payload)
}

func (s *Sender) deliver(payload string) {
	s.mu.Lock()
	if s.expired {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	token, ok := s.auth.Token()
	if !ok || s.auth.Refreshing() {
		s.deferPayload(payload)
		return
	}

	status, err := s.post(token, payload)
	if err != nil {
		// Transient transport failure. The message stays in the
		// client's server-side queue; no retry here.
		s.logger.Warn("push delivery failed", "error", err)
		return
	}
	switch {
	case status == http.StatusUnauthorized:
		// Token went stale; hold the payload for the next refresh.
		s.deferPayload(payload)
	case status == http.StatusGone || status == http.StatusNotFound:
		s.mu.Lock()
		s.expired = true
		s.deferred = nil
		s.mu.Unlock()
		s.logger.Info("push channel expired")
	case status >= 300:
		s.logger.Warn("push gateway rejected notification", "status", status)
	}
}

func (s *Sender) post(token, payload string) (int, error) {
	request, err := http.NewRequest(http.MethodPost, s.channelURI, strings.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("building notification request: %w", err)
	}
	request.Header.Set("Content-Type", "application/octet-stream")
	request.Header.Set("X-WNS-Type", "wns/raw")
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := s.httpClient.Do(request)
	if err != nil {
		return 0, fmt.Errorf("posting notification: %w", err)
	}
	response.Body.Close()
	return response.StatusCode, nil
}

func (s *Sender) deferPayload(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired {
		return
	}
	s.deferred = append(s.deferred, payload)
}

func (s *Sender) drainDeferred() {
	s.mu.Lock()
	pending := s.deferred
	s.deferred = nil
	s.mu.Unlock()
	for _, payload := range pending {
		s.deliver(payload)
	}
}
