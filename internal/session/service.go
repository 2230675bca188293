// Package session coordinates one user's live chat connection: it activates
// the connector with the stored credential, keeps the personal queue
// subscribed across reconnects and hands inbound messages to one observer.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"matchchat/internal/broker"
	"matchchat/internal/connector"
	"matchchat/internal/models"
	"matchchat/internal/observability"
	"matchchat/internal/storage"
	"matchchat/internal/telemetry"
)

// MessageFunc receives every inbound chat message.
type MessageFunc = func(msg models.ChatMessage)

type timer interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) timer

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// Status is a point-in-time view of the session for diagnostics.
type Status struct {
	State            models.ConnectionState `json:"state"`
	UserID           int64                  `json:"user_id,omitempty"`
	Attempts         int                    `json:"reconnect_attempts"`
	ReconnectPending bool                   `json:"reconnect_pending"`
	Subscriptions    []string               `json:"subscriptions"`
}

type observer struct {
	fn MessageFunc
}

type Service struct {
	conn   *connector.Connector
	store  storage.Store
	events *telemetry.Emitter
	policy ReconnectPolicy
	log    *zap.Logger
	after  afterFunc

	mu       sync.Mutex
	ctx      context.Context
	userID   int64
	stopped  bool
	attempts int
	timer    timer
	timerSeq uint64
	observer *observer
}

func New(conn *connector.Connector, store storage.Store, events *telemetry.Emitter, policy ReconnectPolicy, log *zap.Logger) *Service {
	s := &Service{
		conn:   conn,
		store:  store,
		events: events,
		policy: policy.normalized(),
		log:    log,
		after:  realAfterFunc,
		ctx:    context.Background(),
	}
	conn.SetCallbacks(connector.Callbacks{
		OnConnect:    s.handleConnect,
		OnDisconnect: s.handleDisconnect,
		OnError:      s.handleError,
	})
	return s
}

// SetUserID records the identity whose personal queue is subscribed on the
// next connect. It does not resubscribe an open connection.
func (s *Service) SetUserID(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = id
}

func (s *Service) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Initialize activates the connection with the stored auth token. Without a
// token it logs and returns without connecting.
func (s *Service) Initialize(ctx context.Context) {
	s.mu.Lock()
	s.stopped = false
	s.ctx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	s.activate(ctx)
}

func (s *Service) activate(ctx context.Context) {
	token, err := s.store.Token(ctx)
	if err != nil {
		s.log.Warn("chat initialize: token read failed", zap.Error(err))
		s.scheduleReconnect()
		return
	}
	if token == "" {
		s.log.Info("chat initialize skipped: no auth token")
		return
	}
	s.conn.Activate(ctx, token)
}

func (s *Service) IsConnected() bool {
	return s.conn.State() == models.StateConnected
}

func (s *Service) State() models.ConnectionState {
	return s.conn.State()
}

// OnMessage registers the single inbound observer, replacing any earlier one.
// The returned func removes cb if it is still the registered observer.
func (s *Service) OnMessage(cb MessageFunc) (unregister func()) {
	o := &observer{fn: cb}
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.observer == o {
			s.observer = nil
		}
	}
}

// SendMessage publishes msg to the chat destination. It reports false when
// the message is invalid, the session is not connected or the publish fails.
func (s *Service) SendMessage(ctx context.Context, msg models.ChatMessage) bool {
	if err := msg.Validate(); err != nil {
		s.log.Debug("send rejected", zap.Error(err))
		return false
	}
	if !s.IsConnected() {
		s.log.Warn("send failed: chat not connected", zap.Int64("conversation_id", msg.ConversationID))
		observability.IncPublish(false)
		return false
	}
	body, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("send failed: encode message", zap.Error(err))
		return false
	}
	return s.conn.Publish(ctx, broker.ChatDestination, body)
}

// Disconnect tears the connection down and cancels any pending reconnect.
// It is safe to call repeatedly and before Initialize.
func (s *Service) Disconnect() {
	s.halt()
	s.conn.Deactivate()
}

// Reconnect drops the current connection, if any, and connects again
// immediately with a fresh attempt counter.
func (s *Service) Reconnect(ctx context.Context) {
	s.Disconnect()
	s.Initialize(ctx)
}

func (s *Service) halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.attempts = 0
	s.stopTimerLocked()
}

func (s *Service) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{
		UserID:           s.userID,
		Attempts:         s.attempts,
		ReconnectPending: s.timer != nil,
	}
	s.mu.Unlock()
	st.State = s.conn.State()
	st.Subscriptions = s.conn.Subscriptions()
	return st
}

func (s *Service) handleConnect() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.attempts = 0
	s.stopTimerLocked()
	userID := s.userID
	ctx := s.ctx
	s.mu.Unlock()

	s.log.Info("chat connected", zap.Int64("user_id", userID))
	s.events.Emit(ctx, "connected", userID, nil)

	if userID == 0 {
		return
	}
	topic := broker.UserQueue(userID)
	if _, err := s.conn.Subscribe(topic, s.handleInbound); err != nil {
		s.log.Warn("subscribe to personal queue failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (s *Service) handleDisconnect() {
	s.mu.Lock()
	userID := s.userID
	ctx := s.ctx
	s.mu.Unlock()

	s.log.Info("chat disconnected", zap.Int64("user_id", userID))
	s.events.Emit(ctx, "disconnected", userID, nil)
	s.scheduleReconnect()
}

func (s *Service) handleError(err error) {
	s.mu.Lock()
	userID := s.userID
	ctx := s.ctx
	s.mu.Unlock()

	s.log.Warn("chat connection error", zap.Int64("user_id", userID), zap.Error(err))
	s.events.Emit(ctx, "connection_error", userID, map[string]any{"error": err.Error()})
	s.scheduleReconnect()
}

func (s *Service) handleInbound(body []byte) {
	var msg models.ChatMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		observability.IncInbound("malformed")
		s.log.Warn("dropping malformed chat message", zap.Error(err), zap.Int("bytes", len(body)))
		return
	}

	s.mu.Lock()
	o := s.observer
	s.mu.Unlock()

	if o == nil {
		observability.IncInbound("unobserved")
		return
	}
	observability.IncInbound("delivered")
	o.fn(msg)
}

// scheduleReconnect arms the single reconnect slot, replacing any pending
// timer. It does nothing once the session has been stopped.
func (s *Service) scheduleReconnect() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	if s.policy.exhausted(s.attempts) {
		attempts := s.attempts
		userID := s.userID
		ctx := s.ctx
		s.mu.Unlock()

		s.log.Error("chat reconnect attempts exhausted", zap.Int("attempts", attempts))
		s.events.Emit(ctx, "reconnect_exhausted", userID, map[string]any{"attempts": attempts})
		return
	}
	delay := s.policy.Delay(s.attempts)
	s.attempts++
	s.timerSeq++
	seq := s.timerSeq
	s.timer = s.after(delay, func() { s.fireReconnect(seq) })
	attempt := s.attempts
	userID := s.userID
	ctx := s.ctx
	s.mu.Unlock()

	observability.IncReconnectScheduled()
	s.log.Info("chat reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", attempt))
	s.events.Emit(ctx, "reconnect_scheduled", userID, map[string]any{
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
	})
}

func (s *Service) fireReconnect(seq uint64) {
	s.mu.Lock()
	if s.stopped || s.timerSeq != seq || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	ctx := s.ctx
	s.mu.Unlock()

	s.activate(ctx)
}
