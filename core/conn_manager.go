package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	DefaultConnectTimeout       = 20 * time.Second
	DefaultReconnectBase        = 500 * time.Millisecond
	DefaultReconnectCap         = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
)

// ConnManager owns the live channel of a session.
//
// Connect tries its dialers in order until one succeeds, so the streaming
// mode falls back to polling when WebSocket is unavailable. When an
// established transport drops, the manager redials with exponential backoff
// and calls the reconnect hook once a new transport is up. The manager is the
// only writer of the connection state.
type ConnManager struct {
	dialers        []Dialer
	connectTimeout time.Duration
	reconnectBase  time.Duration
	reconnectCap   time.Duration
	maxAttempts    int
	logger         *slog.Logger

	onStateChange func(ConnectionState, error)
	onReconnect   func(context.Context)

	mu        sync.RWMutex
	state     ConnectionState
	transport Transport
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	incoming chan *Event
}

type ConnManagerOption func(*ConnManager)

func WithConnectTimeout(d time.Duration) ConnManagerOption {
	return func(m *ConnManager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

// WithReconnectBackoff sets the first delay, the maximum delay and the
// maximum number of attempts of the reconnect policy.
// A negative number of attempts disables reconnection.
func WithReconnectBackoff(base, cap time.Duration, attempts int) ConnManagerOption {
	return func(m *ConnManager) {
		if base > 0 {
			m.reconnectBase = base
		}
		if cap > 0 {
			m.reconnectCap = cap
		}
		if attempts != 0 {
			m.maxAttempts = attempts
		}
	}
}

func WithConnLogger(l *slog.Logger) ConnManagerOption {
	return func(m *ConnManager) {
		m.logger = l
	}
}

func NewConnManager(dialers []Dialer, opts ...ConnManagerOption) *ConnManager {
	m := &ConnManager{
		dialers:        dialers,
		connectTimeout: DefaultConnectTimeout,
		reconnectBase:  DefaultReconnectBase,
		reconnectCap:   DefaultReconnectCap,
		maxAttempts:    DefaultMaxReconnectAttempts,
		logger:         slog.Default(),
		onStateChange:  func(ConnectionState, error) {},
		onReconnect:    func(context.Context) {},
		incoming:       make(chan *Event, 100),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnStateChange registers f to be called after every state transition.
// err holds the reason of transitions caused by a failure.
func (m *ConnManager) OnStateChange(f func(ConnectionState, error)) {
	m.onStateChange = f
}

// OnReconnect registers f to be called in its own goroutine after the
// transport has been re-established.
func (m *ConnManager) OnReconnect(f func(context.Context)) {
	m.onReconnect = f
}

// Receive returns the inbound events of whichever transport is current.
func (m *ConnManager) Receive() <-chan *Event {
	return m.incoming
}

func (m *ConnManager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Mode returns the delivery mode of the current transport.
func (m *ConnManager) Mode() (DeliveryMode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.transport == nil {
		return 0, false
	}
	return m.transport.Mode(), true
}

func (m *ConnManager) setState(s ConnectionState, reason error) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.logger.Info(fmt.Sprintf("connection %s", s))
	m.onStateChange(s, reason)
}

// Connect establishes the live channel. It is a no-op if the manager is
// already connected or reconnecting.
func (m *ConnManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.state = Connecting
	m.mu.Unlock()
	m.onStateChange(Connecting, nil)

	t, err := m.dial(ctx)
	if err != nil {
		m.setState(Disconnected, err)
		return err
	}

	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.transport = t
	m.mu.Unlock()
	m.setState(Connected, nil)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.supervise(t)
	}()
	return nil
}

func (m *ConnManager) dial(ctx context.Context) (Transport, error) {
	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	var errs []error
	for _, d := range m.dialers {
		t, err := d.Dial(ctx)
		if err == nil {
			m.logger.Info(fmt.Sprintf("connected in %s mode", d.Mode()))
			return t, nil
		}
		if errors.Is(err, ErrAuthExpired) {
			return nil, err
		}
		m.logger.Warn(fmt.Sprintf("%s dial: %v", d.Mode(), err))
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no dialers", ErrTransportFailure)
	}
	err := errors.Join(errs...)
	if errors.Is(err, ErrTransportFailure) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %w", ErrTransportFailure, err)
}

// supervise forwards the events of t and replaces t when it drops.
func (m *ConnManager) supervise(t Transport) {
	for {
		for e := range t.Events() {
			select {
			case m.incoming <- e:
			case <-m.ctx.Done():
				return
			}
		}
		<-t.Done()
		if m.ctx.Err() != nil {
			return
		}

		reason := t.Err()
		m.logger.Warn(fmt.Sprintf("transport lost: %v", reason))
		if m.maxAttempts < 0 {
			m.drop(reason)
			return
		}
		m.setState(Reconnecting, reason)

		next, err := m.redial(m.ctx)
		if err != nil {
			m.drop(err)
			return
		}
		if !m.swap(next) {
			return
		}
		m.setState(Connected, nil)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.onReconnect(m.ctx)
		}()
		t = next
	}
}

func (m *ConnManager) redial(ctx context.Context) (Transport, error) {
	b := retry.NewExponential(m.reconnectBase)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(m.reconnectCap, b)
	b = retry.WithMaxRetries(uint64(m.maxAttempts), b)

	var t Transport
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		next, err := m.dial(ctx)
		if err != nil {
			m.logger.Debug(fmt.Sprintf("reconnect attempt %d: %v", attempt, err))
			if errors.Is(err, ErrAuthExpired) {
				return err
			}
			return retry.RetryableError(err)
		}
		t = next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconnect after %d attempts: %w", attempt, err)
	}
	return t, nil
}

// swap installs t as the current transport unless the manager is being disconnected.
func (m *ConnManager) swap(t Transport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		t.Close()
		return false
	}
	m.transport = t
	return true
}

func (m *ConnManager) drop(reason error) {
	m.mu.Lock()
	m.transport = nil
	m.mu.Unlock()
	m.setState(Disconnected, reason)
}

// Send writes e to the current transport.
func (m *ConnManager) Send(ctx context.Context, e *Event) error {
	m.mu.RLock()
	t, state := m.transport, m.state
	m.mu.RUnlock()
	if t == nil || state != Connected {
		return ErrNotConnected
	}
	return t.Send(ctx, e)
}

// Disconnect closes the live channel and waits for the manager goroutines.
func (m *ConnManager) Disconnect() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	t := m.transport
	m.transport = nil
	m.mu.Unlock()

	if t != nil {
		t.Close()
	}
	m.wg.Wait()
	m.setState(Disconnected, nil)
}
