package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mode DeliveryMode

	mu     sync.Mutex
	events chan *Event
	done   chan struct{}
	err    error
	sent   []*Event
}

func newFakeTransport(mode DeliveryMode) *fakeTransport {
	return &fakeTransport{
		mode:   mode,
		events: make(chan *Event, 10),
		done:   make(chan struct{}),
	}
}

func (t *fakeTransport) Mode() DeliveryMode { return t.mode }

func (t *fakeTransport) Events() <-chan *Event { return t.events }

func (t *fakeTransport) Done() <-chan struct{} { return t.done }

func (t *fakeTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *fakeTransport) Send(_ context.Context, e *Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return ErrNotConnected
	default:
	}
	t.sent = append(t.sent, e)
	return nil
}

func (t *fakeTransport) Close() error {
	t.fail(nil)
	return nil
}

// fail stops the transport as if the connection was lost with err.
func (t *fakeTransport) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return
	default:
	}
	t.err = err
	close(t.done)
	close(t.events)
}

func (t *fakeTransport) push(e *Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return
	default:
	}
	t.events <- e
}

type fakeDialer struct {
	mode  DeliveryMode
	calls atomic.Int32
	dial  func(ctx context.Context, n int) (Transport, error)
}

func (d *fakeDialer) Mode() DeliveryMode { return d.mode }

func (d *fakeDialer) Dial(ctx context.Context) (Transport, error) {
	n := int(d.calls.Add(1))
	return d.dial(ctx, n)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
	errs   []error
}

func (r *stateRecorder) record(s ConnectionState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
	r.errs = append(r.errs, err)
}

func (r *stateRecorder) snapshot() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}

func (r *stateRecorder) lastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

func failingDialer(mode DeliveryMode, err error) *fakeDialer {
	return &fakeDialer{mode: mode, dial: func(context.Context, int) (Transport, error) {
		return nil, err
	}}
}

func TestConnManager_FallbackToPolling(t *testing.T) {
	streaming := failingDialer(StreamingMode, fmt.Errorf("%w: refused", ErrTransportFailure))
	polling := &fakeDialer{mode: PollingMode, dial: func(context.Context, int) (Transport, error) {
		return newFakeTransport(PollingMode), nil
	}}
	m := NewConnManager([]Dialer{streaming, polling}, WithConnLogger(slog.Default()))
	rec := &stateRecorder{}
	m.OnStateChange(rec.record)

	require.NoError(t, m.Connect(context.Background()))
	defer m.Disconnect()

	assert.Equal(t, Connected, m.State())
	mode, ok := m.Mode()
	require.True(t, ok)
	assert.Equal(t, PollingMode, mode)
	assert.Equal(t, []ConnectionState{Connecting, Connected}, rec.snapshot())

	// connecting again is a no-op
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, int32(1), polling.calls.Load())
}

func TestConnManager_AuthExpiredIsNotRetried(t *testing.T) {
	streaming := failingDialer(StreamingMode, fmt.Errorf("dial: %w", ErrAuthExpired))
	polling := failingDialer(PollingMode, ErrTransportFailure)
	m := NewConnManager([]Dialer{streaming, polling})

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.NotErrorIs(t, err, ErrTransportFailure)
	assert.Equal(t, Disconnected, m.State())
	assert.Zero(t, polling.calls.Load())
}

func TestConnManager_ConnectTimeout(t *testing.T) {
	blocking := &fakeDialer{mode: StreamingMode, dial: func(ctx context.Context, _ int) (Transport, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	m := NewConnManager([]Dialer{blocking}, WithConnectTimeout(50*time.Millisecond))

	start := time.Now()
	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrTransportFailure)
	assert.Less(t, time.Since(start), baseTimeout)
	assert.Equal(t, Disconnected, m.State())
}

func TestConnManager_Reconnect(t *testing.T) {
	transports := []*fakeTransport{newFakeTransport(StreamingMode), newFakeTransport(StreamingMode)}
	d := &fakeDialer{mode: StreamingMode, dial: func(_ context.Context, n int) (Transport, error) {
		if n > len(transports) {
			return nil, ErrTransportFailure
		}
		return transports[n-1], nil
	}}
	m := NewConnManager([]Dialer{d}, WithReconnectBackoff(time.Millisecond, 10*time.Millisecond, 3))
	rec := &stateRecorder{}
	m.OnStateChange(rec.record)
	var reconnects atomic.Int32
	m.OnReconnect(func(context.Context) { reconnects.Add(1) })

	require.NoError(t, m.Connect(context.Background()))
	defer m.Disconnect()

	transports[0].fail(fmt.Errorf("%w: reset", ErrTransportFailure))

	require.Eventually(t, func() bool {
		return reconnects.Load() == 1
	}, baseTimeout, baseTimeout/20)
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, []ConnectionState{Connecting, Connected, Reconnecting, Connected}, rec.snapshot())

	// events of the new transport are delivered
	e, err := NewEvent(LeftChatEvent, LeftChatPayload{ChatID: "c1"})
	require.NoError(t, err)
	transports[1].push(e)
	select {
	case got := <-m.Receive():
		assert.Equal(t, LeftChatEvent, got.Type)
	case <-time.After(baseTimeout):
		require.FailNow(t, "timeout waiting for event")
	}

	require.NoError(t, m.Send(context.Background(), e))
	transports[1].mu.Lock()
	assert.Len(t, transports[1].sent, 1)
	transports[1].mu.Unlock()
}

func TestConnManager_ReconnectExhausted(t *testing.T) {
	first := newFakeTransport(StreamingMode)
	d := &fakeDialer{mode: StreamingMode, dial: func(_ context.Context, n int) (Transport, error) {
		if n == 1 {
			return first, nil
		}
		return nil, fmt.Errorf("%w: refused", ErrTransportFailure)
	}}
	m := NewConnManager([]Dialer{d}, WithReconnectBackoff(time.Millisecond, 5*time.Millisecond, 2))
	rec := &stateRecorder{}
	m.OnStateChange(rec.record)

	require.NoError(t, m.Connect(context.Background()))
	defer m.Disconnect()
	first.fail(ErrTransportFailure)

	require.Eventually(t, func() bool {
		return m.State() == Disconnected
	}, baseTimeout, baseTimeout/20)
	assert.ErrorIs(t, rec.lastErr(), ErrTransportFailure)
	// the first dial plus the initial attempt and two retries
	assert.Equal(t, int32(4), d.calls.Load())
	assert.ErrorIs(t, m.Send(context.Background(), &Event{Type: LeaveChatEvent}), ErrNotConnected)
}

func TestConnManager_Disconnect(t *testing.T) {
	tr := newFakeTransport(StreamingMode)
	d := &fakeDialer{mode: StreamingMode, dial: func(context.Context, int) (Transport, error) {
		return tr, nil
	}}
	m := NewConnManager([]Dialer{d})

	assert.ErrorIs(t, m.Send(context.Background(), &Event{Type: LeaveChatEvent}), ErrNotConnected)
	require.NoError(t, m.Connect(context.Background()))
	m.Disconnect()

	assert.Equal(t, Disconnected, m.State())
	select {
	case <-tr.Done():
	default:
		assert.Fail(t, "transport should be closed")
	}
	assert.Equal(t, int32(1), d.calls.Load())
}
