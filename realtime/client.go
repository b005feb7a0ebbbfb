// Package realtime maintains the persistent Server-Sent-Events subscription
// to the resolved backend. It authenticates the stream with a session id and
// topic filter, tracks a resume cursor so the server can replay missed
// events after reconnects, and retries dropped connections with bounded
// exponential backoff.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	backoff "gopkg.in/cenkalti/backoff.v1"

	"github.com/maestro-pos/backendlink/config"
	"github.com/maestro-pos/backendlink/events"
	"github.com/maestro-pos/backendlink/store"
)

// ConnectionState enumerates the client states.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// lastEventIDHeader is the standard SSE replay header.
const lastEventIDHeader = "Last-Event-ID"

var (
	// ErrNoBaseURL is returned by Connect when no backend URL is configured.
	ErrNoBaseURL = errors.New("no backend base URL configured")
	// ErrReconnectExhausted is reported once when the maximum reconnect
	// attempt count is exceeded; a new Connect call is required afterwards.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Handler receives decoded stream events. Handlers must be independent of
// each other; invocation order is not a contract.
type Handler func(events.Event)

// ErrorHandler receives transport errors and the terminal exhaustion error.
type ErrorHandler func(error)

// Client is the per-process realtime event client. At most one live
// transport exists at a time; it is replaced on every reconnect.
type Client struct {
	mu     sync.Mutex
	logger *zap.Logger
	cfg    *config.Config
	store  *store.Store

	baseURL   string
	sessionID string
	topics    []string

	state       ConnectionState
	manualClose bool
	attempts    int
	connGen     int
	connCancel  context.CancelFunc
	reconnect   *time.Timer
	delays      *backoff.ExponentialBackOff

	handlers      map[events.Type]map[int]Handler
	nextHandlerID int
	onError       ErrorHandler

	newStream streamFactory
}

// New creates a disconnected client. The base URL usually comes from the
// discovery resolver's state; the session id from auth.
func New(cfg *config.Config, st *store.Store, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		logger:    logger,
		cfg:       cfg,
		store:     st,
		topics:    cfg.Topics(),
		state:     StateDisconnected,
		delays:    newDelaySchedule(cfg.InitialDelay(), cfg.Multiplier(), cfg.MaxDelay()),
		handlers:  make(map[events.Type]map[int]Handler),
		newStream: newSSEStream,
	}
}

// newDelaySchedule builds the reconnect delay sequence
// min(initial * multiplier^n, max) with no jitter.
func newDelaySchedule(initial time.Duration, multiplier float64, max time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          multiplier,
		MaxInterval:         max,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetBaseURL sets the backend base URL used by the next Connect.
func (c *Client) SetBaseURL(u string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = u
}

// OnError registers the callback for transport and terminal errors.
func (c *Client) OnError(fn ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// On registers a handler for an event type and returns its unsubscribe
// closure. Multiple independent handlers may coexist per type.
func (c *Client) On(t events.Type, h Handler) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHandlerID
	c.nextHandlerID++
	if c.handlers[t] == nil {
		c.handlers[t] = make(map[int]Handler)
	}
	c.handlers[t][id] = h
	return func() { c.off(t, id) }
}

func (c *Client) off(t events.Type, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers[t], id)
}

// Connect opens the stream. It is a no-op while connecting or connected; a
// call while reconnecting cancels the pending timer and dials immediately.
func (c *Client) Connect() error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return nil
	}
	if c.baseURL == "" {
		c.mu.Unlock()
		return ErrNoBaseURL
	}
	c.manualClose = false
	c.attempts = 0
	c.delays.Reset()
	c.stopReconnectTimerLocked()
	gen, ctx := c.newConnLocked()
	c.mu.Unlock()

	go c.run(ctx, gen)
	return nil
}

// Disconnect marks the close as intentional, cancels any pending reconnect
// timer, and tears down the transport. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	c.stopReconnectTimerLocked()
	c.cancelConnLocked()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.logger.Info("Stream disconnected")
}

// UpdateSessionID replaces the session id. If a connection is live it is
// cycled so the new id takes effect immediately.
func (c *Client) UpdateSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	active := c.state != StateDisconnected
	c.mu.Unlock()
	if active {
		c.cycle()
	}
}

// UpdateTopics replaces the topic filter, cycling a live connection.
func (c *Client) UpdateTopics(topics []string) {
	c.mu.Lock()
	c.topics = append([]string{}, topics...)
	active := c.state != StateDisconnected
	c.mu.Unlock()
	if active {
		c.cycle()
	}
}

func (c *Client) cycle() {
	c.Disconnect()
	if err := c.Connect(); err != nil {
		c.reportError(err)
	}
}

// newConnLocked replaces the connection generation and cancel func. Callers
// hold mu and must have decided the state transition already.
func (c *Client) newConnLocked() (int, context.Context) {
	c.cancelConnLocked()
	c.state = StateConnecting
	c.connGen++
	ctx, cancel := context.WithCancel(context.Background())
	c.connCancel = cancel
	return c.connGen, ctx
}

func (c *Client) cancelConnLocked() {
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
}

func (c *Client) stopReconnectTimerLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

// run drives one transport connection and, on a non-manual drop, hands off
// to the reconnect scheduler. gen guards against a stale attempt touching
// state that a newer Connect already owns.
func (c *Client) run(ctx context.Context, gen int) {
	headers := c.buildHeaders()

	c.mu.Lock()
	streamURL := strings.TrimRight(c.baseURL, "/") + c.cfg.SSEPath()
	s := c.newStream(streamURL, headers)
	c.mu.Unlock()

	c.logger.Debug("Opening stream", zap.String("url", streamURL))
	err := s.Run(ctx,
		func() { c.opened(gen) },
		c.handleEvent,
	)

	c.mu.Lock()
	if gen != c.connGen {
		c.mu.Unlock()
		return
	}
	if c.manualClose || ctx.Err() != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("Stream transport error", zap.Error(err))
		c.reportError(fmt.Errorf("stream transport error: %w", err))
	} else {
		c.logger.Warn("Stream closed by server")
	}
	c.scheduleReconnect(gen)
}

func (c *Client) opened(gen int) {
	c.mu.Lock()
	if gen != c.connGen {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.attempts = 0
	c.delays.Reset()
	c.mu.Unlock()
	c.logger.Info("Stream connected")
}

func (c *Client) scheduleReconnect(gen int) {
	c.mu.Lock()
	if gen != c.connGen || c.manualClose {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxAttempts() {
		c.state = StateDisconnected
		c.stopReconnectTimerLocked()
		attempts := c.attempts
		c.mu.Unlock()
		c.logger.Error("Reconnect attempts exhausted, giving up",
			zap.Int("attempts", attempts))
		c.reportError(ErrReconnectExhausted)
		return
	}
	delay := c.delays.NextBackOff()
	c.state = StateReconnecting
	c.stopReconnectTimerLocked()
	c.reconnect = time.AfterFunc(delay, func() { c.attemptReconnect(gen) })
	attempt := c.attempts
	c.mu.Unlock()
	c.logger.Info("Scheduling reconnect",
		zap.Duration("delay", delay), zap.Int("attempt", attempt))
}

func (c *Client) attemptReconnect(gen int) {
	c.mu.Lock()
	if gen != c.connGen || c.manualClose || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	// The counter moves only when a dial actually starts.
	c.attempts++
	nextGen, ctx := c.newConnLocked()
	c.mu.Unlock()
	go c.run(ctx, nextGen)
}

// buildHeaders assembles the stream request headers: session id, comma-joined
// topics, and the persisted resume cursor when one exists.
func (c *Client) buildHeaders() map[string]string {
	c.mu.Lock()
	sessionID := c.sessionID
	topics := strings.Join(c.topics, ",")
	c.mu.Unlock()

	headers := make(map[string]string, 3)
	if sessionID != "" {
		headers[c.cfg.SessionHeader()] = sessionID
	}
	if topics != "" {
		headers[c.cfg.TopicsHeader()] = topics
	}
	if cursor := c.store.LastEventID(); cursor != "" {
		headers[lastEventIDHeader] = cursor
	}
	return headers
}

// handleEvent decodes one wire event, advances the resume cursor, and fans
// the event out to the registered handlers. Malformed payloads and unknown
// names are dropped without surfacing anywhere.
func (c *Client) handleEvent(id, name string, data []byte) {
	if name == "" {
		return
	}
	if name == string(events.TypeConnected) {
		c.logger.Info("Stream handshake received", zap.ByteString("data", data))
		return
	}

	evt, err := events.Decode(id, name, data)
	if err != nil {
		c.logger.Debug("Dropping stream event", zap.String("event", name), zap.Error(err))
		return
	}

	// Persist the cursor before handlers run; the store swallows failures.
	if evt.ID != "" {
		c.store.SetLastEventID(evt.ID)
	}
	c.dispatch(evt)
}

func (c *Client) dispatch(evt events.Event) {
	c.mu.Lock()
	registered := make([]Handler, 0, len(c.handlers[evt.Type]))
	for _, h := range c.handlers[evt.Type] {
		registered = append(registered, h)
	}
	c.mu.Unlock()

	for _, h := range registered {
		c.invoke(h, evt)
	}
}

// invoke isolates handler panics so one failing handler cannot block the
// rest or destabilize the stream loop.
func (c *Client) invoke(h Handler, evt events.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("Event handler panicked",
				zap.String("event", string(evt.Type)), zap.Any("panic", rec))
		}
	}()
	h(evt)
}

func (c *Client) reportError(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
