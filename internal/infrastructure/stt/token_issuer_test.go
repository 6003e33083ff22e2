package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"huddle/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenIssuer_DerivesTokenURL(t *testing.T) {
	i, err := NewTokenIssuer("wss://streaming.example.com/v3/ws?sample_rate=16000", "key", time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://streaming.example.com/v3/token", i.tokenURL)
}

func TestTokenIssuer_Issue(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "/v3/token", r.URL.Path)
		assert.Equal(t, "60", r.URL.Query().Get("expires_in_seconds"))
		if r.Header.Get("Authorization") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"token":"temp-123"}`))
	}))
	defer srv.Close()
	streamURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v3/ws"

	i, err := NewTokenIssuer(streamURL, "key", time.Minute, nil)
	require.NoError(t, err)
	token, err := i.Issue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "temp-123", token)
	assert.Equal(t, int32(2), calls.Load())

	calls.Store(1)
	bad, err := NewTokenIssuer(streamURL, "wrong", time.Minute, nil)
	require.NoError(t, err)
	_, err = bad.Issue(context.Background())
	assert.ErrorIs(t, err, errTokenRejected)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenIssuer_BreakerFailsFastOnOutage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	i, err := NewTokenIssuer("ws"+strings.TrimPrefix(srv.URL, "http")+"/v3/ws", "key", time.Minute, nil)
	require.NoError(t, err)
	i.retry.MaxAttempts = 1

	for n := 0; n < 5; n++ {
		_, err := i.Issue(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, circuitbreaker.ErrOpen)
	}
	_, err = i.Issue(context.Background())
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(5), calls.Load())
}
