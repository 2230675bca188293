package broker

import (
	"context"
	"sync"
	"time"
)

// Published is a message recorded by the memory transport.
type Published struct {
	Topic string
	Body  []byte
}

// Memory is an in-process transport. Published messages are looped back to
// local subscribers of the same topic, and tests can inject deliveries,
// connection loss and connect failures.
type Memory struct {
	delay time.Duration

	mu          sync.Mutex
	connected   bool
	failConnect error
	lost        chan error
	subs        map[string]map[*memorySub]struct{}
	published   []Published
	connects    int
}

type memorySub struct {
	m       *Memory
	topic   string
	handler Handler
}

func NewMemory(delay time.Duration) *Memory {
	return &Memory{
		delay: delay,
		lost:  make(chan error, 1),
		subs:  make(map[string]map[*memorySub]struct{}),
	}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Connect(ctx context.Context, token string) error {
	if m.delay > 0 {
		timer := time.NewTimer(m.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if m.failConnect != nil {
		return m.failConnect
	}
	m.connected = true
	m.lost = make(chan error, 1)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.subs = make(map[string]map[*memorySub]struct{})
	return nil
}

func (m *Memory) Subscribe(topic string, handler Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, ErrNotConnected
	}
	sub := &memorySub{m: m, topic: topic, handler: handler}
	if _, ok := m.subs[topic]; !ok {
		m.subs[topic] = make(map[*memorySub]struct{})
	}
	m.subs[topic][sub] = struct{}{}
	return sub, nil
}

func (s *memorySub) Unsubscribe() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if subs, ok := s.m.subs[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.m.subs, s.topic)
		}
	}
	return nil
}

func (m *Memory) Publish(ctx context.Context, topic string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.published = append(m.published, Published{Topic: topic, Body: append([]byte(nil), body...)})
	m.mu.Unlock()

	m.Deliver(topic, body)
	return nil
}

func (m *Memory) Lost() <-chan error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lost
}

// Deliver hands body to every current subscriber of topic on the caller's
// goroutine.
func (m *Memory) Deliver(topic string, body []byte) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs[topic]))
	for sub := range m.subs[topic] {
		handlers = append(handlers, sub.handler)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(body)
	}
}

// Drop simulates the broker going away.
func (m *Memory) Drop(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return
	}
	m.connected = false
	m.subs = make(map[string]map[*memorySub]struct{})
	select {
	case m.lost <- err:
	default:
	}
}

// FailConnect makes subsequent Connect calls return err; nil restores them.
func (m *Memory) FailConnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failConnect = err
}

func (m *Memory) Published() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Published(nil), m.published...)
}

func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[topic])
}

func (m *Memory) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}
