package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const amqpDialTimeout = 10 * time.Second

// AMQP routes destinations through a RabbitMQ topic exchange. Each
// subscription gets an exclusive auto-delete queue bound to the destination's
// routing key.
type AMQP struct {
	url      string
	exchange string
	log      *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	lost    chan error
	closing bool
}

type amqpSub struct {
	a     *AMQP
	ch    *amqp.Channel
	tag   string
	queue string
	once  sync.Once
}

func NewAMQP(rawURL, exchange string, log *zap.Logger) *AMQP {
	return &AMQP{url: rawURL, exchange: exchange, log: log, lost: make(chan error, 1)}
}

func (a *AMQP) Name() string { return "amqp" }

func (a *AMQP) Connect(ctx context.Context, token string) error {
	conn, err := amqp.DialConfig(a.url, amqp.Config{
		Dial:       amqp.DefaultDial(timeoutFrom(ctx, amqpDialTimeout)),
		Properties: amqp.Table{"connection_name": "matchchat"},
	})
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(a.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("amqp exchange declare %s: %w", a.exchange, err)
	}

	lost := make(chan error, 1)
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	a.mu.Lock()
	a.conn = conn
	a.ch = ch
	a.lost = lost
	a.closing = false
	a.mu.Unlock()

	go func() {
		amqpErr, ok := <-closed
		a.mu.Lock()
		current := a.conn == conn
		closing := a.closing
		if current {
			a.conn = nil
			a.ch = nil
		}
		a.mu.Unlock()
		if !current || closing {
			return
		}
		var err error
		if ok && amqpErr != nil {
			err = amqpErr
		}
		select {
		case lost <- err:
		default:
		}
	}()
	return nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	conn, ch := a.conn, a.ch
	a.conn, a.ch = nil, nil
	a.closing = true
	a.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (a *AMQP) channel() *amqp.Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ch
}

func (a *AMQP) Subscribe(topic string, handler Handler) (Subscription, error) {
	ch := a.channel()
	if ch == nil {
		return nil, ErrNotConnected
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, Key(topic), a.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("amqp queue bind %s: %w", topic, err)
	}

	tag := "matchchat-" + uuid.NewString()
	deliveries, err := ch.Consume(q.Name, tag, true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("amqp consume %s: %w", topic, err)
	}

	go func() {
		for d := range deliveries {
			handler(d.Body)
		}
	}()
	return &amqpSub{a: a, ch: ch, tag: tag, queue: q.Name}, nil
}

func (s *amqpSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if s.ch.IsClosed() {
			return
		}
		if err = s.ch.Cancel(s.tag, false); err != nil {
			return
		}
		_, err = s.ch.QueueDelete(s.queue, false, false, false)
	})
	return err
}

func (a *AMQP) Publish(ctx context.Context, topic string, body []byte) error {
	ch := a.channel()
	if ch == nil {
		return ErrNotConnected
	}
	err := ch.PublishWithContext(ctx, a.exchange, Key(topic), false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", topic, err)
	}
	return nil
}

func (a *AMQP) Lost() <-chan error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lost
}
