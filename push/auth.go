// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chatterbox-project/chatterbox/lib/clock"
)

// refreshMargin is subtracted from the token lifetime so the refresh
// lands before the gateway starts rejecting the old token.
const refreshMargin = 5 * time.Minute

// minRefreshInterval bounds how soon a refresh may be scheduled, so a
// gateway reporting tiny lifetimes cannot turn the authenticator into
// a request loop.
const minRefreshInterval = time.Minute

// failureRetryInterval is the retry delay after a failed token fetch.
const failureRetryInterval = time.Minute

// Credentials identifies the application to the push gateway's OAuth
// endpoint.
type Credentials struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// tokenResponse mirrors the OAuth token endpoint reply.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Authenticator holds the shared access token for the push gateway and
// keeps it fresh. Senders consult it before every delivery and
// subscribe to hear when authentication (re)completes so deferred
// notifications can drain.
type Authenticator struct {
	tokenURL   string
	creds      Credentials
	httpClient *http.Client
	logger     *slog.Logger
	clk        clock.Clock

	mu           sync.Mutex
	token        string
	refreshing   bool
	refreshTimer *clock.Timer
	subscribers  []func()
}

// NewAuthenticator builds an authenticator for the given OAuth token
// endpoint. No token is fetched until Authenticate is called.
func NewAuthenticator(tokenURL string, creds Credentials, httpClient *http.Client, logger *slog.Logger, clk clock.Clock) *Authenticator {
	return &Authenticator{
		tokenURL:   tokenURL,
		creds:      creds,
		httpClient: httpClient,
		logger:     logger,
		clk:        clk,
	}
}

// Token returns the current access token. ok is false before the first
// successful authentication.
func (a *Authenticator) Token() (token string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token, a.token != ""
}

// Refreshing reports whether a token fetch is in flight. Senders defer
// deliveries while it is.
func (a *Authenticator) Refreshing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshing
}

// OnAuthenticated registers f to run after every successful token
// fetch.
func (a *Authenticator) OnAuthenticated(f func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribers = append(a.subscribers, f)
}

// Authenticate fetches a fresh access token and schedules the next
// refresh from the token's reported lifetime. Concurrent calls
// collapse into the in-flight fetch.
func (a *Authenticator) Authenticate(ctx context.Context) error {
	a.mu.Lock()
	if a.refreshing {
		a.mu.Unlock()
		return nil
	}
	a.refreshing = true
	a.mu.Unlock()

	reply, err := a.fetchToken(ctx)

	a.mu.Lock()
	a.refreshing = false
	if err != nil {
		a.scheduleRefreshLocked(failureRetryInterval)
		a.mu.Unlock()
		return err
	}
	a.token = reply.AccessToken
	lifetime := time.Duration(reply.ExpiresIn) * time.Second
	interval := lifetime - refreshMargin
	if interval < minRefreshInterval {
		interval = minRefreshInterval
	}
	a.scheduleRefreshLocked(interval)
	subscribers := append([]func(){}, a.subscribers...)
	a.mu.Unlock()

	a.logger.Info("push gateway authenticated", "expires_in", lifetime.String())
	for _, f := range subscribers {
		f()
	}
	return nil
}

func (a *Authenticator) fetchToken(ctx context.Context) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {a.creds.ClientID},
		"client_secret": {a.creds.ClientSecret},
		"scope":         {"notify.windows.com"},
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := a.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("requesting token: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %s", response.Status)
	}

	var reply tokenResponse
	if err := json.NewDecoder(response.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if reply.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned an empty token")
	}
	return &reply, nil
}

func (a *Authenticator) scheduleRefreshLocked(d time.Duration) {
	if a.refreshTimer != nil {
		a.refreshTimer.Stop()
	}
	a.refreshTimer = a.clk.AfterFunc(d, func() {
		if err := a.Authenticate(context.Background()); err != nil {
			a.logger.Warn("token refresh failed", "error", err)
		}
	})
}
