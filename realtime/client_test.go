package realtime

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maestro-pos/backendlink/config"
	"github.com/maestro-pos/backendlink/events"
	"github.com/maestro-pos/backendlink/store"
)

// scriptedStream runs a caller-provided function as the transport.
type scriptedStream struct {
	run func(ctx context.Context, onOpen func(), onEvent func(id, name string, data []byte)) error
}

func (s *scriptedStream) Run(ctx context.Context, onOpen func(), onEvent func(id, name string, data []byte)) error {
	return s.run(ctx, onOpen, onEvent)
}

// recordingFactory captures every dial and hands out scripted streams.
type recordingFactory struct {
	mu      sync.Mutex
	urls    []string
	headers []map[string]string
	script  func(attempt int) *scriptedStream
}

func (f *recordingFactory) factory(url string, headers map[string]string) stream {
	f.mu.Lock()
	attempt := len(f.urls)
	f.urls = append(f.urls, url)
	f.headers = append(f.headers, headers)
	f.mu.Unlock()
	return f.script(attempt)
}

func (f *recordingFactory) dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.urls)
}

func (f *recordingFactory) headersAt(i int) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers[i]
}

// blockingStream connects and then holds the connection until cancelled.
func blockingStream() *scriptedStream {
	return &scriptedStream{run: func(ctx context.Context, onOpen func(), _ func(string, string, []byte)) error {
		onOpen()
		<-ctx.Done()
		return ctx.Err()
	}}
}

// failingStream never connects.
func failingStream() *scriptedStream {
	return &scriptedStream{run: func(context.Context, func(), func(string, string, []byte)) error {
		return errors.New("connection refused")
	}}
}

func newTestClient(t *testing.T) (*Client, *store.Store, *config.Config) {
	t.Helper()
	t.Setenv(config.EnvOverrideURL, "")
	cfg, err := config.Load("", zap.NewNop())
	require.NoError(t, err)
	st := store.New(filepath.Join(t.TempDir(), "state.yaml"), zap.NewNop())
	c := New(cfg, st, zap.NewNop())
	c.SetBaseURL("http://192.168.1.100:3000/api/v1")
	return c, st, cfg
}

func TestDelaySchedule(t *testing.T) {
	b := newDelaySchedule(time.Second, 2, 30*time.Second)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}
	for i, expected := range want {
		assert.Equal(t, expected, b.NextBackOff(), "attempt %d", i)
	}

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff(), "reset restarts the sequence")
}

func TestConnectNoBaseURL(t *testing.T) {
	t.Setenv(config.EnvOverrideURL, "")
	cfg, err := config.Load("", zap.NewNop())
	require.NoError(t, err)
	c := New(cfg, store.New(filepath.Join(t.TempDir(), "s.yaml"), zap.NewNop()), zap.NewNop())

	assert.ErrorIs(t, c.Connect(), ErrNoBaseURL)
}

func TestConnectIsNoopWhileConnected(t *testing.T) {
	c, _, _ := newTestClient(t)
	f := &recordingFactory{script: func(int) *scriptedStream { return blockingStream() }}
	c.newStream = f.factory

	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return c.State() == StateConnected },
		time.Second, 5*time.Millisecond)

	require.NoError(t, c.Connect())
	require.NoError(t, c.Connect())
	assert.Equal(t, 1, f.dials())

	c.Disconnect()
}

func TestConnectSendsHeadersAndResumeCursor(t *testing.T) {
	c, st, cfg := newTestClient(t)
	st.SetLastEventID("42")
	c.UpdateSessionID("session-abc")

	f := &recordingFactory{script: func(int) *scriptedStream { return blockingStream() }}
	c.newStream = f.factory

	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return f.dials() == 1 }, time.Second, 5*time.Millisecond)
	defer c.Disconnect()

	headers := f.headersAt(0)
	assert.Equal(t, "session-abc", headers[cfg.SessionHeader()])
	assert.Equal(t, "calls,orders", headers[cfg.TopicsHeader()])
	assert.Equal(t, "42", headers[lastEventIDHeader])

	f.mu.Lock()
	url := f.urls[0]
	f.mu.Unlock()
	assert.Equal(t, "http://192.168.1.100:3000/api/v1/sse", url)
}

func TestHandleEventPersistsCursorAndDispatches(t *testing.T) {
	c, st, _ := newTestClient(t)

	var got []events.Event
	c.On(events.TypeCallCreated, func(e events.Event) { got = append(got, e) })

	c.handleEvent("17", "call-created",
		[]byte(`{"id":"c1","table_id":"t4","status":"pending","created_at":"2026-08-24T10:00:00Z"}`))

	require.Len(t, got, 1)
	assert.Equal(t, "17", got[0].ID)
	assert.Equal(t, "17", st.LastEventID(), "cursor advances on a parsed event")
}

func TestHandleEventMalformedPayloadDroppedSilently(t *testing.T) {
	c, st, _ := newTestClient(t)
	st.SetLastEventID("41")

	called := false
	c.On(events.TypeCallCreated, func(events.Event) { called = true })

	c.handleEvent("42", "call-created", []byte(`{"id":`))

	assert.False(t, called, "no handler runs for a malformed payload")
	assert.Equal(t, "41", st.LastEventID(), "cursor must not advance past an unparsed event")
}

func TestHandleEventUnknownTypeDropped(t *testing.T) {
	c, _, _ := newTestClient(t)
	called := false
	c.On(events.TypeCallCreated, func(events.Event) { called = true })

	c.handleEvent("1", "table-repainted", []byte(`{}`))
	assert.False(t, called)
}

func TestHandshakeEventNotDispatched(t *testing.T) {
	c, st, _ := newTestClient(t)
	c.handleEvent("99", "connected", []byte(`{"ok":true}`))
	assert.Empty(t, st.LastEventID(), "handshake carries no resume cursor")
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	c, _, _ := newTestClient(t)

	second := 0
	c.On(events.TypeOrderCreated, func(events.Event) { panic("boom") })
	c.On(events.TypeOrderCreated, func(events.Event) { second++ })

	c.handleEvent("5", "order-created",
		[]byte(`{"id":"o1","table_id":"t1","status":"open","created_at":"2026-08-24T10:00:00Z"}`))

	assert.Equal(t, 1, second, "second handler still runs after the first panics")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	c, _, _ := newTestClient(t)

	calls := 0
	unsubscribe := c.On(events.TypeCallResolved, func(events.Event) { calls++ })

	payload := []byte(`{"id":"c1","table_id":"t1","status":"resolved","created_at":"2026-08-24T10:00:00Z"}`)
	c.handleEvent("1", "call-resolved", payload)
	unsubscribe()
	c.handleEvent("2", "call-resolved", payload)

	assert.Equal(t, 1, calls)
}

func TestReconnectExhaustionReportsTerminalErrorOnce(t *testing.T) {
	c, _, cfg := newTestClient(t)
	cfg.SetReconnect(time.Millisecond, 2, 4*time.Millisecond, 3)
	c.delays = newDelaySchedule(cfg.InitialDelay(), cfg.Multiplier(), cfg.MaxDelay())

	f := &recordingFactory{script: func(int) *scriptedStream { return failingStream() }}
	c.newStream = f.factory

	var mu sync.Mutex
	terminal := 0
	c.OnError(func(err error) {
		if errors.Is(err, ErrReconnectExhausted) {
			mu.Lock()
			terminal++
			mu.Unlock()
		}
	})

	require.NoError(t, c.Connect())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return terminal == 1 && c.State() == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	// Initial dial plus MaxAttempts reconnects, then silence.
	assert.Equal(t, 1+cfg.MaxAttempts(), f.dials())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1+cfg.MaxAttempts(), f.dials(), "no dial after exhaustion")
	mu.Lock()
	assert.Equal(t, 1, terminal, "terminal error reported exactly once")
	mu.Unlock()
}

func TestDisconnectWhileReconnectingCancelsTimer(t *testing.T) {
	c, _, cfg := newTestClient(t)
	cfg.SetReconnect(100*time.Millisecond, 2, time.Second, 10)
	c.delays = newDelaySchedule(cfg.InitialDelay(), cfg.Multiplier(), cfg.MaxDelay())

	f := &recordingFactory{script: func(int) *scriptedStream { return failingStream() }}
	c.newStream = f.factory

	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return c.State() == StateReconnecting },
		time.Second, time.Millisecond)

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, f.dials(), "pending reconnect must not fire after Disconnect")
}

func TestSuccessfulOpenResetsAttemptCounter(t *testing.T) {
	c, _, _ := newTestClient(t)
	c.mu.Lock()
	c.attempts = 7
	gen := c.connGen
	c.mu.Unlock()

	c.opened(gen)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Zero(t, c.attempts)
	assert.Equal(t, StateConnected, c.state)
}

func TestUpdateTopicsCyclesLiveConnection(t *testing.T) {
	c, _, cfg := newTestClient(t)
	f := &recordingFactory{script: func(int) *scriptedStream { return blockingStream() }}
	c.newStream = f.factory

	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return c.State() == StateConnected },
		time.Second, 5*time.Millisecond)

	c.UpdateTopics([]string{"calls", "orders", "kitchen"})
	require.Eventually(t, func() bool { return f.dials() == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, "calls,orders,kitchen", f.headersAt(1)[cfg.TopicsHeader()])
	c.Disconnect()
}

func TestUpdateSessionIDWhileDisconnectedDoesNotDial(t *testing.T) {
	c, _, _ := newTestClient(t)
	f := &recordingFactory{script: func(int) *scriptedStream { return blockingStream() }}
	c.newStream = f.factory

	c.UpdateSessionID("new-session")
	assert.Zero(t, f.dials())
	assert.Equal(t, StateDisconnected, c.State())
}
