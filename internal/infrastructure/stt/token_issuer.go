package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"huddle/pkg/circuitbreaker"
	"huddle/pkg/logger"
	"huddle/pkg/retry"

	"go.uber.org/zap"
)

var errTokenRejected = errors.New("speech provider rejected api key")

// TokenIssuer exchanges the relay's provider API key for short-lived
// streaming tokens so the key never reaches participants.
type TokenIssuer struct {
	tokenURL string
	apiKey   string
	ttl      time.Duration
	client   *http.Client
	retry    retry.Config
	breaker  *circuitbreaker.Breaker
	logger   *zap.SugaredLogger
}

// NewTokenIssuer derives the provider's token endpoint from its streaming
// endpoint (wss://host/v3/ws becomes https://host/v3/token).
func NewTokenIssuer(streamURL, apiKey string, ttl time.Duration, log *zap.SugaredLogger) (*TokenIssuer, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid speech endpoint: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws") + "/token"
	u.RawQuery = ""

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.NonRetryableErrors = []error{errTokenRejected}

	log = logger.OrNop(log)
	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		IsFailure:        func(err error) bool { return !errors.Is(err, errTokenRejected) },
	})
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		log.Warnw("speech provider breaker changed state", "from", from, "to", to)
	})

	return &TokenIssuer{
		tokenURL: u.String(),
		apiKey:   apiKey,
		ttl:      ttl,
		client:   &http.Client{Timeout: 10 * time.Second},
		retry:    cfg,
		breaker:  breaker,
		logger:   log,
	}, nil
}

// Issue returns a provider token valid for the configured TTL. After
// repeated provider failures it fails fast with circuitbreaker.ErrOpen.
func (i *TokenIssuer) Issue(ctx context.Context) (string, error) {
	return circuitbreaker.Do(ctx, i.breaker, func(ctx context.Context) (string, error) {
		return retry.RetryWithResult(ctx, i.retry, func() (string, error) {
			return i.fetch(ctx)
		})
	})
}

func (i *TokenIssuer) fetch(ctx context.Context) (string, error) {
	u, _ := url.Parse(i.tokenURL)
	q := u.Query()
	q.Set("expires_in_seconds", strconv.Itoa(int(i.ttl/time.Second)))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", i.apiKey)

	resp, err := i.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("speech token request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", errTokenRejected
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("speech token request: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode speech token: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("speech provider returned an empty token")
	}
	i.logger.Debugw("speech token issued", "ttl", i.ttl)
	return out.Token, nil
}
