// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaviate

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
)

// offlineClient builds a client without a server for exercising the state
// machine directly.
func offlineClient(threshold int, cooldown time.Duration) *Client {
	cfg := DefaultConfig()
	cfg.URL = "http://localhost:8080"
	cfg.CircuitThreshold = threshold
	cfg.CircuitCooldown = cooldown
	cfg.RetryBackoff = time.Millisecond
	cfg.MaxRetryBackoff = 2 * time.Millisecond
	cfg.Logger = slog.Default()
	c := &Client{
		cfg:      cfg,
		logger:   cfg.Logger,
		failures: newWindow(threshold, cfg.CircuitWindow),
	}
	c.state.Store(int32(StateConnected))
	return c
}

type recordingListener struct {
	degraded  atomic.Int32
	recovered atomic.Int32
}

func (l *recordingListener) OnDegraded(string) { l.degraded.Add(1) }
func (l *recordingListener) OnRecovered()      { l.recovered.Add(1) }

func TestConfig_Validate(t *testing.T) {
	valid := DefaultConfig()
	valid.URL = "http://localhost:8080"
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing url", func(c *Config) { c.URL = "" }, "url"},
		{"bad scheme", func(c *Config) { c.URL = "ftp://weaviate:8080" }, "scheme"},
		{"negative retries", func(c *Config) { c.RetryAttempts = -1 }, "retry_attempts"},
		{"jitter above one", func(c *Config) { c.RetryJitter = 1.5 }, "retry_jitter"},
		{"zero threshold", func(c *Config) { c.CircuitThreshold = 0 }, "circuit_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSplitURL(t *testing.T) {
	tests := []struct {
		in, scheme, host string
	}{
		{"http://localhost:8080", "http", "localhost:8080"},
		{"https://search.internal", "https", "search.internal"},
		{"localhost:8080", "http", "localhost:8080"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			scheme, host, err := splitURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, scheme)
			assert.Equal(t, tt.host, host)
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "degraded", StateDegraded.String())
	assert.Equal(t, "circuit_open", StateCircuitOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestWindow_Slides(t *testing.T) {
	w := newWindow(3, 50*time.Millisecond)
	now := time.Now()
	assert.Equal(t, 1, w.add(now))
	assert.Equal(t, 2, w.add(now.Add(10*time.Millisecond)))
	// The first two fall outside the window.
	assert.Equal(t, 1, w.add(now.Add(200*time.Millisecond)))
	w.reset()
	assert.Equal(t, 1, w.add(now))
}

func TestClient_BreakerOpensAndBlocks(t *testing.T) {
	c := offlineClient(2, time.Hour)
	l := &recordingListener{}
	c.Subscribe(l)

	boom := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	calls := 0
	fail := func(context.Context) error { calls++; return boom }

	require.Error(t, c.Do(context.Background(), "test", fail))
	assert.Equal(t, StateDegraded, c.State())
	assert.Equal(t, int32(1), l.degraded.Load())

	require.Error(t, c.Do(context.Background(), "test", fail))
	assert.Equal(t, StateCircuitOpen, c.State())
	assert.False(t, c.Available())

	before := calls
	err := c.Do(context.Background(), "test", fail)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, before, calls)
}

func TestClient_HalfOpenProbeRecovers(t *testing.T) {
	c := offlineClient(1, time.Millisecond)
	l := &recordingListener{}
	c.Subscribe(l)

	c.openedAt.Store(time.Now().Add(-time.Second).UnixNano())
	c.setState(StateCircuitOpen)

	require.NoError(t, c.Do(context.Background(), "probe", func(context.Context) error { return nil }))
	assert.Equal(t, StateConnected, c.State())
	assert.True(t, c.Available())
	assert.Equal(t, int32(1), l.recovered.Load())
}

func TestClient_HalfOpenFailureReopens(t *testing.T) {
	c := offlineClient(5, time.Millisecond)
	c.openedAt.Store(time.Now().Add(-time.Second).UnixNano())
	c.setState(StateCircuitOpen)

	err := c.Do(context.Background(), "probe", func(context.Context) error {
		return errors.New("still down")
	})
	require.Error(t, err)
	assert.Equal(t, StateCircuitOpen, c.State())
}

func TestClient_RetriesTransientErrors(t *testing.T) {
	c := offlineClient(5, time.Hour)
	c.cfg.RetryAttempts = 2

	attempts := 0
	err := c.Do(context.Background(), "retry", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return &fault.WeaviateClientError{IsUnexpectedStatusCode: true, StatusCode: 503}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, StateConnected, c.State())
}

func TestClient_RequestErrorsDoNotTripBreaker(t *testing.T) {
	c := offlineClient(1, time.Hour)
	notFound := &fault.WeaviateClientError{IsUnexpectedStatusCode: true, StatusCode: 404}

	attempts := 0
	err := c.Do(context.Background(), "get", func(context.Context) error {
		attempts++
		return notFound
	})
	require.Error(t, err)
	assert.True(t, isNotFound(err))
	assert.Equal(t, 1, attempts)
	assert.Equal(t, StateConnected, c.State())
}

func TestClient_ClosedRejects(t *testing.T) {
	c := offlineClient(1, time.Hour)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Do(context.Background(), "x", func(context.Context) error { return nil }), ErrClientClosed)
	assert.False(t, c.Available())
}

func TestClient_SubscribeWhileDegraded(t *testing.T) {
	c := offlineClient(1, time.Hour)
	c.state.Store(int32(StateDegraded))
	l := &recordingListener{}
	c.Subscribe(l)
	assert.Equal(t, int32(1), l.degraded.Load())
}

func TestBackoff_JitterAndCap(t *testing.T) {
	c := offlineClient(1, time.Hour)
	c.cfg.RetryBackoff = 100 * time.Millisecond
	c.cfg.MaxRetryBackoff = time.Second
	c.cfg.RetryJitter = 0.25

	for i := 0; i < 20; i++ {
		d := c.backoff(1)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}

	c.cfg.RetryJitter = 0
	assert.Equal(t, time.Second, c.backoff(20))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"server error", &fault.WeaviateClientError{IsUnexpectedStatusCode: true, StatusCode: 500}, true},
		{"throttled", &fault.WeaviateClientError{IsUnexpectedStatusCode: true, StatusCode: 429}, true},
		{"bad request", &fault.WeaviateClientError{IsUnexpectedStatusCode: true, StatusCode: 422}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.err))
		})
	}
}

func TestWrapError(t *testing.T) {
	assert.Nil(t, wrapError(nil))
	assert.ErrorIs(t, wrapError(context.DeadlineExceeded), ErrTimeout)
	assert.Contains(t, wrapError(errors.New("x")).Error(), "weaviate")
}

func TestSearchHealth_Transitions(t *testing.T) {
	var seen []Mode
	h := NewSearchHealth(nil, func(m Mode) { seen = append(seen, m) })
	assert.True(t, h.Normal())

	h.OnDegraded("test")
	h.OnDegraded("again")
	assert.Equal(t, ModeDegraded, h.Mode())

	h.OnRecovered()
	assert.True(t, h.Normal())

	h.Disable()
	h.OnRecovered()
	h.OnDegraded("ignored")
	assert.Equal(t, ModeDisabled, h.Mode())
	assert.Equal(t, []Mode{ModeDegraded, ModeNormal, ModeDisabled}, seen)
	assert.Equal(t, "disabled", h.Mode().String())
}

func TestNewClient_StrictModeFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "http://127.0.0.1:1"
	cfg.AllowStartDegraded = false
	cfg.HealthCheckTimeout = 100 * time.Millisecond
	_, err := NewClient(cfg)
	assert.Error(t, err)
}

func TestNewClient_StartsDegraded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "http://127.0.0.1:1"
	cfg.HealthCheckTimeout = 100 * time.Millisecond
	c, err := NewClient(cfg)
	require.NoError(t, err)
	defer c.Close()
	assert.False(t, c.Available())
	assert.Equal(t, StateDegraded, c.State())
}
