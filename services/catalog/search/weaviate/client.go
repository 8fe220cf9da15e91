// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weaviate backs the catalog search index with Weaviate.
//
// Every call goes through Client.Do, which adds retries with jittered
// backoff, a sliding-window circuit breaker and background health probes.
// The client's state is what the search selector consults, so an unhealthy
// Weaviate is skipped without paying a request timeout.
package weaviate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrUnavailable is returned when Weaviate reports not ready.
	ErrUnavailable = errors.New("weaviate is not available")

	// ErrCircuitOpen is returned while the breaker blocks requests.
	ErrCircuitOpen = errors.New("weaviate circuit breaker is open")

	// ErrTimeout is returned when a request exceeded its deadline.
	ErrTimeout = errors.New("weaviate request timed out")

	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("weaviate client is closed")
)

var tracer = otel.Tracer("catalog.search.weaviate")

// State is the client's view of Weaviate health.
type State int32

const (
	StateConnected State = iota
	StateDegraded
	StateCircuitOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateCircuitOpen:
		return "circuit_open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

func (s State) degraded() bool {
	return s == StateDegraded || s == StateCircuitOpen
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures the Weaviate client and index.
type Config struct {
	// URL of the Weaviate server, e.g. "http://localhost:8080".
	URL string

	// APIKey enables API key authentication when non-empty.
	APIKey string

	// ClassPrefix is prepended to index names to form class names.
	ClassPrefix string

	// MaxScan bounds how many hits a text or attribute query ranks locally.
	MaxScan int

	RetryAttempts   int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	RetryJitter     float64

	// The breaker opens after CircuitThreshold failures within CircuitWindow
	// and half-opens after CircuitCooldown.
	CircuitThreshold int
	CircuitWindow    time.Duration
	CircuitCooldown  time.Duration

	HealthCheckInterval   time.Duration
	DegradedCheckInterval time.Duration
	HealthCheckTimeout    time.Duration

	// AllowStartDegraded starts the client even if Weaviate is down.
	AllowStartDegraded bool

	Logger *slog.Logger
}

// DefaultConfig returns production defaults without a URL.
func DefaultConfig() Config {
	return Config{
		ClassPrefix:           "Catalog",
		MaxScan:               1000,
		RetryAttempts:         2,
		RetryBackoff:          100 * time.Millisecond,
		MaxRetryBackoff:       2 * time.Second,
		RetryJitter:           0.25,
		CircuitThreshold:      5,
		CircuitWindow:         30 * time.Second,
		CircuitCooldown:       15 * time.Second,
		HealthCheckInterval:   10 * time.Second,
		DegradedCheckInterval: 3 * time.Second,
		HealthCheckTimeout:    2 * time.Second,
		AllowStartDegraded:    true,
	}
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("url must not be empty")
	}
	if _, _, err := splitURL(c.URL); err != nil {
		return err
	}
	if c.RetryAttempts < 0 {
		return errors.New("retry_attempts must be non-negative")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return errors.New("retry_jitter must be between 0 and 1")
	}
	if c.CircuitThreshold < 1 {
		return errors.New("circuit_threshold must be at least 1")
	}
	if c.CircuitWindow <= 0 || c.HealthCheckTimeout <= 0 {
		return errors.New("circuit_window and health_check_timeout must be positive")
	}
	return nil
}

// fill replaces zero values with defaults.
func (c *Config) fill() {
	d := DefaultConfig()
	if c.ClassPrefix == "" {
		c.ClassPrefix = d.ClassPrefix
	}
	if c.MaxScan <= 0 {
		c.MaxScan = d.MaxScan
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = d.MaxRetryBackoff
	}
	if c.CircuitThreshold == 0 {
		c.CircuitThreshold = d.CircuitThreshold
	}
	if c.CircuitWindow == 0 {
		c.CircuitWindow = d.CircuitWindow
	}
	if c.CircuitCooldown == 0 {
		c.CircuitCooldown = d.CircuitCooldown
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.DegradedCheckInterval == 0 {
		c.DegradedCheckInterval = d.DegradedCheckInterval
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = d.HealthCheckTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func splitURL(raw string) (scheme, host string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Host == "" {
		// Bare host:port.
		return "http", raw, nil
	}
	switch u.Scheme {
	case "http", "https":
		return u.Scheme, u.Host, nil
	}
	return "", "", fmt.Errorf("invalid url scheme %q", u.Scheme)
}

// -----------------------------------------------------------------------------
// Circuit breaker window
// -----------------------------------------------------------------------------

// window counts failures inside a sliding time window using a ring of
// timestamps sized to the threshold.
type window struct {
	mu    sync.Mutex
	span  time.Duration
	times []time.Time
	next  int
}

func newWindow(threshold int, span time.Duration) *window {
	return &window{span: span, times: make([]time.Time, threshold)}
}

// add records a failure at now and returns the failures inside the window.
func (w *window) add(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.times[w.next] = now
	w.next = (w.next + 1) % len(w.times)
	cutoff := now.Add(-w.span)
	n := 0
	for _, t := range w.times {
		if !t.IsZero() && t.After(cutoff) {
			n++
		}
	}
	return n
}

func (w *window) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.times)
	w.next = 0
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// Client is a Weaviate client with retry, circuit breaking and health
// tracking.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	wv     *weaviate.Client
	cfg    Config
	logger *slog.Logger

	state    atomic.Int32
	openedAt atomic.Int64
	probing  atomic.Bool
	closed   atomic.Bool
	failures *window

	listenersMu sync.RWMutex
	listeners   []Listener

	stop context.CancelFunc
	done sync.WaitGroup
}

// NewClient connects to Weaviate and starts the health loop.
//
// Description:
//
//	The client starts degraded and moves to connected after the first
//	successful readiness probe. With AllowStartDegraded an unreachable
//	server is not an error; the health loop keeps probing.
//
// Inputs:
//
//	cfg - Client configuration. URL is required.
//
// Outputs:
//
//	*Client - The client. Caller must call Close.
//	error - Non-nil for invalid config, or an unreachable server in strict mode.
func NewClient(cfg Config) (*Client, error) {
	cfg.fill()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid weaviate config: %w", err)
	}
	scheme, host, _ := splitURL(cfg.URL)
	wcfg := weaviate.Config{Host: host, Scheme: scheme}
	if cfg.APIKey != "" {
		wcfg.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	wv, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	c := &Client{
		wv:       wv,
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("component", "search_weaviate")),
		failures: newWindow(cfg.CircuitThreshold, cfg.CircuitWindow),
	}
	c.state.Store(int32(StateDegraded))

	if err := c.ready(context.Background()); err != nil {
		if !cfg.AllowStartDegraded {
			return nil, fmt.Errorf("weaviate not available: %w", err)
		}
		c.logger.Warn("weaviate unavailable at startup, search will use the fallback",
			slog.String("url", cfg.URL),
			slog.String("error", err.Error()))
	} else {
		c.setState(StateConnected)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	c.done.Add(1)
	go c.healthLoop(ctx)
	return c, nil
}

// Raw exposes the underlying client for builders. Calls on it should run
// inside Do.
func (c *Client) Raw() *weaviate.Client { return c.wv }

// Available reports whether requests are currently allowed through.
func (c *Client) Available() bool {
	s := c.State()
	return !c.closed.Load() && (s == StateConnected || s == StateHalfOpen)
}

// State returns the current state.
func (c *Client) State() State { return State(c.state.Load()) }

// Subscribe registers l for availability changes. A listener added while
// degraded is told so immediately.
func (c *Client) Subscribe(l Listener) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenersMu.Unlock()
	if c.State().degraded() {
		l.OnDegraded("weaviate unavailable when listener registered")
	}
}

// Do runs fn with breaker protection and retries.
//
// Inputs:
//
//	ctx - Context for cancellation. Passed to fn.
//	op - Operation name for tracing.
//	fn - The Weaviate call.
//
// Outputs:
//
//	error - ErrClientClosed, ErrCircuitOpen, or the wrapped last failure.
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	ctx, span := tracer.Start(ctx, "weaviate."+op,
		trace.WithAttributes(attribute.String("weaviate.state", c.State().String())))
	defer span.End()

	switch c.State() {
	case StateCircuitOpen:
		if !c.cooldownElapsed() {
			span.SetStatus(codes.Error, "circuit open")
			return ErrCircuitOpen
		}
		c.setState(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if !c.probing.CompareAndSwap(false, true) {
			span.SetStatus(codes.Error, "half-open probe in flight")
			return ErrCircuitOpen
		}
		defer c.probing.Store(false)
	}

	var err error
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt)
			span.AddEvent("retry", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.Int64("backoff_ms", wait.Milliseconds())))
			select {
			case <-ctx.Done():
				c.onFailure()
				return wrapError(ctx.Err())
			case <-time.After(wait):
			}
		}
		if err = fn(ctx); err == nil {
			c.onSuccess()
			span.SetStatus(codes.Ok, "")
			return nil
		}
		if !retryable(err) {
			break
		}
	}

	if countsAsOutage(err) {
		c.onFailure()
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return wrapError(err)
}

// Close stops the health loop. Safe to call more than once.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.stop != nil {
		c.stop()
	}
	c.done.Wait()
	return nil
}

// setState swaps the state and notifies listeners on a degraded boundary.
func (c *Client) setState(next State) {
	prev := State(c.state.Swap(int32(next)))
	if prev == next {
		return
	}
	c.logger.Info("weaviate state changed",
		slog.String("from", prev.String()),
		slog.String("to", next.String()))

	c.listenersMu.RLock()
	listeners := c.listeners
	c.listenersMu.RUnlock()

	switch {
	case !prev.degraded() && next.degraded():
		for _, l := range listeners {
			l.OnDegraded("weaviate " + next.String())
		}
	case prev.degraded() && !next.degraded():
		for _, l := range listeners {
			l.OnRecovered()
		}
	}
}

func (c *Client) ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthCheckTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "weaviate.ready")
	defer span.End()

	ok, err := c.wv.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("readiness probe: %w", err)
	}
	if !ok {
		return ErrUnavailable
	}
	return nil
}

func (c *Client) healthLoop(ctx context.Context) {
	defer c.done.Done()
	for {
		every := c.cfg.HealthCheckInterval
		if c.State().degraded() {
			every = c.cfg.DegradedCheckInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(every):
			c.probe(ctx)
		}
	}
}

// probe runs one readiness check and moves the state machine.
func (c *Client) probe(ctx context.Context) {
	err := c.ready(ctx)
	state := c.State()
	if err != nil {
		if state == StateConnected {
			c.setState(StateDegraded)
		}
		return
	}
	switch state {
	case StateDegraded, StateHalfOpen:
		c.failures.reset()
		c.setState(StateConnected)
	case StateCircuitOpen:
		// Requests must prove recovery through a half-open probe.
		if c.cooldownElapsed() {
			c.setState(StateHalfOpen)
		}
	}
}

func (c *Client) onSuccess() {
	if c.State() == StateHalfOpen {
		c.failures.reset()
		c.setState(StateConnected)
	}
}

func (c *Client) onFailure() {
	now := time.Now()
	n := c.failures.add(now)
	switch {
	case n >= c.cfg.CircuitThreshold && c.State() != StateCircuitOpen:
		c.openedAt.Store(now.UnixNano())
		c.setState(StateCircuitOpen)
		c.logger.Warn("weaviate circuit opened",
			slog.Int("failures", n),
			slog.Duration("window", c.cfg.CircuitWindow))
	case c.State() == StateHalfOpen:
		c.openedAt.Store(now.UnixNano())
		c.setState(StateCircuitOpen)
	case c.State() == StateConnected:
		c.setState(StateDegraded)
	}
}

func (c *Client) cooldownElapsed() bool {
	return time.Since(time.Unix(0, c.openedAt.Load())) >= c.cfg.CircuitCooldown
}

// backoff returns RetryBackoff * 2^attempt capped at MaxRetryBackoff, with
// symmetric jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBackoff << attempt
	if d > c.cfg.MaxRetryBackoff || d <= 0 {
		d = c.cfg.MaxRetryBackoff
	}
	spread := float64(d) * c.cfg.RetryJitter
	d = time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
	if d < 0 {
		return c.cfg.RetryBackoff
	}
	return d
}

// -----------------------------------------------------------------------------
// Error classification
// -----------------------------------------------------------------------------

func statusCode(err error) int {
	var ce *fault.WeaviateClientError
	if errors.As(err, &ce) && ce.IsUnexpectedStatusCode {
		return ce.StatusCode
	}
	return 0
}

// isNotFound reports a 404 from Weaviate.
func isNotFound(err error) bool {
	return statusCode(err) == 404
}

// isAlreadyExists reports a 422 from an object create with a taken id.
func isAlreadyExists(err error) bool {
	return statusCode(err) == 422
}

func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if code := statusCode(err); code != 0 {
		return code == 429 || code >= 500
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// countsAsOutage separates server trouble from request errors. A 4xx means
// Weaviate answered, so it does not count toward the breaker.
func countsAsOutage(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if code := statusCode(err); code != 0 {
		return code == 429 || code >= 500
	}
	return true
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("weaviate: %w", err)
}
