// Package connector owns a single logical broker connection and the table of
// topic subscriptions opened on it.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"matchchat/internal/broker"
	"matchchat/internal/models"
	"matchchat/internal/observability"
)

const defaultConnectTimeout = 10 * time.Second

var ErrNotConnected = errors.New("connector: not connected")

// Callbacks receive connection lifecycle events. They run on connector
// goroutines and must not block for long.
type Callbacks struct {
	OnConnect    func()
	OnDisconnect func()
	OnError      func(err error)
}

// Connector drives a broker.Transport through the
// disconnected -> connecting -> connected lifecycle.
type Connector struct {
	transport broker.Transport
	timeout   time.Duration
	log       *zap.Logger

	// dialMu serializes transport Connect and Close so a teardown can never
	// close a connection opened by a later generation.
	dialMu sync.Mutex

	mu         sync.Mutex
	state      models.ConnectionState
	gen        uint64
	stop       chan struct{}
	cancelDial context.CancelFunc
	teardown   chan struct{}
	subs       map[string]*Handle
	callbacks  Callbacks
}

// Handle is a subscription owned by the connector.
type Handle struct {
	c      *Connector
	topic  string
	sub    broker.Subscription
	active atomic.Bool
}

func New(transport broker.Transport, connectTimeout time.Duration, log *zap.Logger) *Connector {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	observability.SetConnectionState(string(models.StateDisconnected))
	return &Connector{
		transport: transport,
		timeout:   connectTimeout,
		log:       log.With(zap.String("transport", transport.Name())),
		state:     models.StateDisconnected,
		subs:      make(map[string]*Handle),
	}
}

// SetCallbacks replaces the lifecycle callbacks. Nil members are ignored.
func (c *Connector) SetCallbacks(cb Callbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = cb
}

func (c *Connector) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connector) setState(state models.ConnectionState) {
	c.state = state
	observability.SetConnectionState(string(state))
}

// Activate starts connecting in the background and returns immediately.
// It does nothing while a connection is being opened or is already open.
// The dial waits for any teardown still releasing the previous connection.
func (c *Connector) Activate(ctx context.Context, token string) {
	c.mu.Lock()
	if c.state != models.StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	dialCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancelDial = cancel
	pending := c.teardown
	c.setState(models.StateConnecting)
	c.mu.Unlock()

	c.log.Debug("connector activating")
	go c.connect(dialCtx, cancel, token, gen, pending)
}

func (c *Connector) connect(ctx context.Context, cancel context.CancelFunc, token string, gen uint64, pending <-chan struct{}) {
	defer cancel()
	if pending != nil {
		select {
		case <-pending:
		case <-ctx.Done():
		}
	}

	c.dialMu.Lock()
	if !c.isGen(gen) {
		c.dialMu.Unlock()
		return
	}
	dialCtx, cancelTimeout := context.WithTimeout(ctx, c.timeout)
	err := c.dial(dialCtx, token)
	cancelTimeout()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		if err == nil {
			_ = c.transport.Close()
		}
		c.dialMu.Unlock()
		return
	}
	c.cancelDial = nil
	if err != nil {
		c.setState(models.StateDisconnected)
		onError := c.callbacks.OnError
		c.mu.Unlock()
		c.dialMu.Unlock()

		observability.IncConnectionEvent("connect_failed")
		c.log.Warn("connector connect failed", zap.Error(err))
		if onError != nil {
			onError(err)
		}
		return
	}
	c.setState(models.StateConnected)
	stop := make(chan struct{})
	c.stop = stop
	lost := c.transport.Lost()
	onConnect := c.callbacks.OnConnect
	c.mu.Unlock()
	c.dialMu.Unlock()

	observability.IncConnectionEvent("connected")
	c.log.Info("connector connected")
	go c.watch(gen, lost, stop)
	if onConnect != nil {
		onConnect()
	}
}

func (c *Connector) isGen(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// beginTeardownLocked retires the current generation. The returned channels
// must be passed to finishTeardown once the caller has released the
// transport.
func (c *Connector) beginTeardownLocked() (done, prev chan struct{}, subs map[string]*Handle) {
	c.gen++
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	subs = c.subs
	c.subs = make(map[string]*Handle)
	prev = c.teardown
	done = make(chan struct{})
	c.teardown = done
	c.setState(models.StateDisconnected)
	return done, prev, subs
}

// finishTeardown releases subs and closes the transport under dialMu, then
// signals dials queued behind this teardown.
func (c *Connector) finishTeardown(done, prev chan struct{}, subs map[string]*Handle, unsubscribe bool) {
	for _, h := range subs {
		h.active.Store(false)
	}

	c.dialMu.Lock()
	if unsubscribe {
		for topic, h := range subs {
			if h.sub == nil {
				continue
			}
			if err := h.sub.Unsubscribe(); err != nil {
				c.log.Debug("unsubscribe failed", zap.String("topic", topic), zap.Error(err))
			}
		}
	}
	if err := c.transport.Close(); err != nil {
		c.log.Debug("transport close failed", zap.Error(err))
	}
	c.dialMu.Unlock()

	if prev != nil {
		<-prev
	}
	c.mu.Lock()
	if c.teardown == done {
		c.teardown = nil
	}
	c.mu.Unlock()
	close(done)
}

func (c *Connector) dial(ctx context.Context, token string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic during connect: %v", r)
		}
	}()
	return c.transport.Connect(ctx, token)
}

func (c *Connector) watch(gen uint64, lost <-chan error, stop <-chan struct{}) {
	select {
	case <-stop:
	case err := <-lost:
		c.connectionLost(gen, err)
	}
}

func (c *Connector) connectionLost(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state != models.StateConnected {
		c.mu.Unlock()
		return
	}
	done, prev, subs := c.beginTeardownLocked()
	cb := c.callbacks
	c.mu.Unlock()

	c.finishTeardown(done, prev, subs, false)

	if err != nil {
		observability.IncConnectionEvent("error")
		c.log.Warn("connector connection lost", zap.Error(err))
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return
	}
	observability.IncConnectionEvent("disconnected")
	c.log.Info("connector closed by remote")
	if cb.OnDisconnect != nil {
		cb.OnDisconnect()
	}
}

// Deactivate releases every subscription, closes the transport and reports
// OnDisconnect if a connection was open or being opened. A dial in flight is
// cancelled and Deactivate returns once it has settled. It is safe to call
// repeatedly.
func (c *Connector) Deactivate() {
	c.mu.Lock()
	wasOpen := c.state != models.StateDisconnected
	done, prev, subs := c.beginTeardownLocked()
	onDisconnect := c.callbacks.OnDisconnect
	c.mu.Unlock()

	c.finishTeardown(done, prev, subs, true)

	if wasOpen {
		observability.IncConnectionEvent("disconnected")
		c.log.Info("connector deactivated")
		if onDisconnect != nil {
			onDisconnect()
		}
	}
}

// Subscribe registers handler for topic. An existing subscription on the same
// topic is released first so a message is never delivered twice.
func (c *Connector) Subscribe(topic string, handler broker.Handler) (*Handle, error) {
	c.mu.Lock()
	if c.state != models.StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	gen := c.gen
	prior := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()

	if prior != nil {
		if err := prior.Unsubscribe(); err != nil {
			c.log.Debug("replace subscription: unsubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}

	h := &Handle{c: c, topic: topic}
	h.active.Store(true)
	sub, err := c.transport.Subscribe(topic, func(body []byte) {
		if !h.active.Load() || !c.current(gen) {
			return
		}
		c.dispatch(topic, handler, body)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	h.sub = sub

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		h.active.Store(false)
		_ = sub.Unsubscribe()
		return nil, ErrNotConnected
	}
	c.subs[topic] = h
	c.mu.Unlock()

	c.log.Debug("subscribed", zap.String("topic", topic))
	return h, nil
}

func (c *Connector) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.state == models.StateConnected
}

func (c *Connector) dispatch(topic string, handler broker.Handler, body []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("message handler panicked", zap.String("topic", topic), zap.Any("panic", r))
		}
	}()
	handler(body)
}

// Subscriptions reports the topics with an active subscription.
func (c *Connector) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	return topics
}

// Publish sends payload to topic. It reports false instead of failing when
// the connector is not connected or the transport rejects the message.
func (c *Connector) Publish(ctx context.Context, topic string, payload []byte) (ok bool) {
	if c.State() != models.StateConnected {
		observability.IncPublish(false)
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("transport panicked during publish", zap.String("topic", topic), zap.Any("panic", r))
			ok = false
		}
		observability.IncPublish(ok)
	}()

	if err := c.transport.Publish(ctx, topic, payload); err != nil {
		c.log.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
		return false
	}
	return true
}

// Unsubscribe releases the subscription. Only the first call has an effect.
func (h *Handle) Unsubscribe() error {
	if !h.active.Swap(false) {
		return nil
	}
	h.c.mu.Lock()
	if h.c.subs[h.topic] == h {
		delete(h.c.subs, h.topic)
	}
	h.c.mu.Unlock()
	if h.sub == nil {
		return nil
	}
	return h.sub.Unsubscribe()
}

func (h *Handle) Topic() string {
	return h.topic
}
