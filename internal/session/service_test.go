package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"matchchat/internal/broker"
	"matchchat/internal/connector"
	"matchchat/internal/mocks"
	"matchchat/internal/models"
	"matchchat/internal/storage"
	"matchchat/internal/telemetry"
)

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, delay: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, t.delay)
	}
	return out
}

// Fire runs every pending timer on the caller's goroutine.
func (c *fakeClock) Fire() {
	c.mu.Lock()
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
}

type eventRecorder struct {
	mu    sync.Mutex
	names []string
}

func (r *eventRecorder) Publish(_ context.Context, _ string, event any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, event.(telemetry.SessionEvent).EventName)
	return nil
}

func (r *eventRecorder) Close() error { return nil }

func (r *eventRecorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

type fixture struct {
	svc       *Service
	transport *broker.Memory
	store     storage.Store
	clock     *fakeClock
	events    *eventRecorder
}

func newFixture(t *testing.T, store storage.Store, policy ReconnectPolicy) *fixture {
	t.Helper()
	transport := broker.NewMemory(5 * time.Millisecond)
	conn := connector.New(transport, time.Second, zap.NewNop())
	events := &eventRecorder{}
	emitter := telemetry.NewEmitter(events, "chat.session", "matchchat", "test", zap.NewNop())
	svc := New(conn, store, emitter, policy, zap.NewNop())
	clock := &fakeClock{}
	svc.after = clock.AfterFunc
	t.Cleanup(svc.Disconnect)
	return &fixture{svc: svc, transport: transport, store: store, clock: clock, events: events}
}

func storeWithToken(t *testing.T) storage.Store {
	t.Helper()
	store := storage.NewMemoryStore()
	require.NoError(t, store.SetToken(context.Background(), "token-1"))
	return store
}

func connectedFixture(t *testing.T, userID int64) *fixture {
	t.Helper()
	f := newFixture(t, storeWithToken(t), DefaultReconnectPolicy())
	f.svc.SetUserID(userID)
	f.svc.Initialize(context.Background())
	require.Eventually(t, f.svc.IsConnected, time.Second, time.Millisecond)
	return f
}

func TestInitializeSubscribesPersonalQueueOnce(t *testing.T) {
	f := newFixture(t, storeWithToken(t), DefaultReconnectPolicy())
	f.svc.SetUserID(1)
	assert.Equal(t, models.StateDisconnected, f.svc.State())

	f.svc.Initialize(context.Background())
	assert.Equal(t, models.StateConnecting, f.svc.State())

	require.Eventually(t, f.svc.IsConnected, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return f.transport.Subscribers("/user/1/queue/messages") == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, 1, f.transport.Connects())
	assert.Equal(t, []string{"/user/1/queue/messages"}, f.svc.Status().Subscriptions)
	assert.Contains(t, f.events.Names(), "connected")
}

func TestInitializeWithoutTokenDoesNothing(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStore(), DefaultReconnectPolicy())
	f.svc.SetUserID(1)

	f.svc.Initialize(context.Background())

	assert.Equal(t, models.StateDisconnected, f.svc.State())
	assert.Zero(t, f.transport.Connects())
	assert.Zero(t, f.clock.Pending())
}

func TestInitializeStoreErrorSchedulesReconnect(t *testing.T) {
	store := new(mocks.StoreMock)
	store.On("Token", mock.Anything).Return("", errors.New("storage offline")).Once()
	store.On("Token", mock.Anything).Return("token-1", nil)
	f := newFixture(t, store, DefaultReconnectPolicy())

	f.svc.Initialize(context.Background())
	require.Equal(t, 1, f.clock.Pending())
	assert.Equal(t, []time.Duration{5 * time.Second}, f.clock.Delays())

	f.clock.Fire()
	require.Eventually(t, f.svc.IsConnected, time.Second, time.Millisecond)
	store.AssertNumberOfCalls(t, "Token", 2)
}

func TestSendMessagePublishesJSON(t *testing.T) {
	f := connectedFixture(t, 1)

	ok := f.svc.SendMessage(context.Background(), models.ChatMessage{
		Kind:           models.KindChat,
		Content:        "hello",
		ConversationID: 7,
		SenderID:       1,
		ReceiverID:     2,
	})
	require.True(t, ok)

	published := f.transport.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "/app/chat", published[0].Topic)

	var body map[string]any
	require.NoError(t, json.Unmarshal(published[0].Body, &body))
	assert.Equal(t, "hello", body["content"])
	assert.EqualValues(t, 7, body["matchId"])
	assert.Equal(t, "CHAT", body["type"])
}

func TestSendMessageRejectsBlankContent(t *testing.T) {
	f := connectedFixture(t, 1)

	for _, content := range []string{"", "   ", "\n\t"} {
		ok := f.svc.SendMessage(context.Background(), models.ChatMessage{Kind: models.KindChat, Content: content, ConversationID: 7})
		assert.False(t, ok)
	}
	assert.Empty(t, f.transport.Published())
}

func TestSendMessageWhenDisconnected(t *testing.T) {
	f := newFixture(t, storeWithToken(t), DefaultReconnectPolicy())

	ok := f.svc.SendMessage(context.Background(), models.ChatMessage{Kind: models.KindChat, Content: "hi", ConversationID: 7})

	assert.False(t, ok)
	assert.Empty(t, f.transport.Published())
}

func TestInboundMessageReachesObserver(t *testing.T) {
	f := connectedFixture(t, 1)
	require.Eventually(t, func() bool { return f.transport.Subscribers(broker.UserQueue(1)) == 1 }, time.Second, time.Millisecond)

	var got []models.ChatMessage
	f.svc.OnMessage(func(msg models.ChatMessage) { got = append(got, msg) })

	f.transport.Deliver(broker.UserQueue(1), []byte(`{"id":9,"type":"CHAT","matchId":7,"senderId":2,"receiverId":1,"content":"hey"}`))
	f.transport.Deliver(broker.UserQueue(1), []byte(`not json`))

	require.Len(t, got, 1)
	assert.Equal(t, int64(9), got[0].ID)
	assert.Equal(t, "hey", got[0].Content)
}

func TestOnMessageLastWriterWins(t *testing.T) {
	f := connectedFixture(t, 1)
	require.Eventually(t, func() bool { return f.transport.Subscribers(broker.UserQueue(1)) == 1 }, time.Second, time.Millisecond)

	var first, second int
	unregisterFirst := f.svc.OnMessage(func(models.ChatMessage) { first++ })
	unregisterSecond := f.svc.OnMessage(func(models.ChatMessage) { second++ })

	unregisterFirst()
	f.transport.Deliver(broker.UserQueue(1), []byte(`{"type":"CHAT","content":"a"}`))
	assert.Zero(t, first)
	assert.Equal(t, 1, second)

	unregisterSecond()
	f.transport.Deliver(broker.UserQueue(1), []byte(`{"type":"CHAT","content":"b"}`))
	assert.Equal(t, 1, second)
}

func TestNoInboundAfterDisconnect(t *testing.T) {
	f := connectedFixture(t, 1)
	require.Eventually(t, func() bool { return f.transport.Subscribers(broker.UserQueue(1)) == 1 }, time.Second, time.Millisecond)

	calls := 0
	f.svc.OnMessage(func(models.ChatMessage) { calls++ })

	f.svc.Disconnect()

	assert.False(t, f.svc.IsConnected())
	f.transport.Deliver(broker.UserQueue(1), []byte(`{"type":"CHAT","content":"late"}`))
	assert.Zero(t, calls)
	assert.Zero(t, f.clock.Pending())
}

func TestConsecutiveDisconnectsKeepOneTimer(t *testing.T) {
	f := connectedFixture(t, 1)

	f.svc.handleDisconnect()
	f.svc.handleError(errors.New("protocol fault"))

	assert.Equal(t, 1, f.clock.Pending())
	assert.True(t, f.svc.Status().ReconnectPending)
}

func TestDisconnectTwiceIsSafe(t *testing.T) {
	f := connectedFixture(t, 1)
	f.svc.handleError(errors.New("protocol fault"))
	require.Equal(t, 1, f.clock.Pending())

	assert.NotPanics(t, func() {
		f.svc.Disconnect()
		f.svc.Disconnect()
	})
	assert.Zero(t, f.clock.Pending())
	assert.False(t, f.svc.Status().ReconnectPending)
}

func TestDisconnectBeforeInitialize(t *testing.T) {
	f := newFixture(t, storeWithToken(t), DefaultReconnectPolicy())
	assert.NotPanics(t, f.svc.Disconnect)
	assert.Zero(t, f.clock.Pending())
	assert.Empty(t, f.events.Names())
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	f := connectedFixture(t, 1)
	require.Eventually(t, func() bool { return f.transport.Subscribers(broker.UserQueue(1)) == 1 }, time.Second, time.Millisecond)

	f.transport.Drop(errors.New("broker restarted"))
	require.Eventually(t, func() bool { return f.clock.Pending() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, f.transport.Subscribers(broker.UserQueue(1)))

	f.clock.Fire()

	require.Eventually(t, f.svc.IsConnected, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return f.transport.Subscribers(broker.UserQueue(1)) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, f.transport.Connects())
	assert.Zero(t, f.svc.Status().Attempts)

	names := f.events.Names()
	assert.Contains(t, names, "connection_error")
	assert.Contains(t, names, "reconnect_scheduled")
}

func TestTimerFiredAfterDisconnectDoesNotReconnect(t *testing.T) {
	f := connectedFixture(t, 1)
	f.svc.handleError(errors.New("fault"))
	require.Equal(t, 1, f.clock.Pending())

	f.clock.mu.Lock()
	stale := f.clock.timers[len(f.clock.timers)-1]
	f.clock.mu.Unlock()

	f.svc.Disconnect()
	stale.fn()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, f.svc.IsConnected())
	assert.Equal(t, 1, f.transport.Connects())
}

func TestReconnectAttemptsExhausted(t *testing.T) {
	policy := ReconnectPolicy{Initial: time.Second, Max: 4 * time.Second, Multiplier: 2, MaxAttempts: 2}
	f := newFixture(t, storeWithToken(t), policy)
	f.transport.FailConnect(errors.New("refused"))

	f.svc.Initialize(context.Background())
	require.Eventually(t, func() bool { return f.clock.Pending() == 1 }, time.Second, time.Millisecond)

	f.clock.Fire()
	require.Eventually(t, func() bool { return f.transport.Connects() == 2 && f.clock.Pending() == 1 }, time.Second, time.Millisecond)

	f.clock.Fire()
	require.Eventually(t, func() bool {
		for _, name := range f.events.Names() {
			if name == "reconnect_exhausted" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	assert.Zero(t, f.clock.Pending())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.clock.Delays())
	assert.Equal(t, 3, f.transport.Connects())
}

func TestManualReconnect(t *testing.T) {
	f := connectedFixture(t, 1)

	f.svc.Reconnect(context.Background())

	require.Eventually(t, f.svc.IsConnected, time.Second, time.Millisecond)
	assert.Equal(t, 2, f.transport.Connects())
	assert.Zero(t, f.clock.Pending())
}
