package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const natsConnectTimeout = 10 * time.Second

// NATS maps destinations onto core NATS subjects. Client-side reconnects are
// disabled; the chat session decides when to reconnect.
type NATS struct {
	url string
	log *zap.Logger

	mu      sync.Mutex
	nc      *nats.Conn
	lost    chan error
	closing bool
}

func NewNATS(rawURL string, log *zap.Logger) *NATS {
	return &NATS{url: rawURL, log: log, lost: make(chan error, 1)}
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Connect(ctx context.Context, token string) error {
	lost := make(chan error, 1)
	signal := func(nc *nats.Conn, err error) {
		n.mu.Lock()
		current := n.nc == nc
		closing := n.closing
		if current {
			n.nc = nil
		}
		n.mu.Unlock()
		if !current || closing {
			return
		}
		select {
		case lost <- err:
		default:
		}
	}

	opts := []nats.Option{
		nats.Name("matchchat"),
		nats.NoReconnect(),
		nats.Timeout(timeoutFrom(ctx, natsConnectTimeout)),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			signal(nc, err)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			signal(nc, nc.LastError())
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(n.url, opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	n.mu.Lock()
	n.nc = nc
	n.lost = lost
	n.closing = false
	n.mu.Unlock()
	return nil
}

func (n *NATS) Close() error {
	n.mu.Lock()
	nc := n.nc
	n.nc = nil
	n.closing = true
	n.mu.Unlock()

	if nc != nil {
		nc.Close()
	}
	return nil
}

func (n *NATS) conn() *nats.Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nc
}

func (n *NATS) Subscribe(topic string, handler Handler) (Subscription, error) {
	nc := n.conn()
	if nc == nil {
		return nil, ErrNotConnected
	}
	sub, err := nc.Subscribe(Key(topic), func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}
	return natsSub{sub}, nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s natsSub) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (n *NATS) Publish(ctx context.Context, topic string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	nc := n.conn()
	if nc == nil {
		return ErrNotConnected
	}
	if err := nc.Publish(Key(topic), body); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

func (n *NATS) Lost() <-chan error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lost
}
