package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisHealthInterval = 15 * time.Second

// Redis maps destinations onto Redis pub/sub channels. Liveness is checked
// with a periodic PING since pub/sub itself reconnects silently.
type Redis struct {
	opts *redis.Options
	log  *zap.Logger

	mu     sync.Mutex
	rdb    *redis.Client
	stop   chan struct{}
	lost   chan error
	pubsub map[*redisSub]struct{}
}

type redisSub struct {
	r    *Redis
	ps   *redis.PubSub
	once sync.Once
}

func NewRedis(rawURL string, log *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{
		opts:   opts,
		log:    log,
		lost:   make(chan error, 1),
		pubsub: make(map[*redisSub]struct{}),
	}, nil
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Connect(ctx context.Context, token string) error {
	rdb := redis.NewClient(r.opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping: %w", err)
	}

	stop := make(chan struct{})
	lost := make(chan error, 1)
	r.mu.Lock()
	r.rdb = rdb
	r.stop = stop
	r.lost = lost
	r.mu.Unlock()

	go r.watch(rdb, stop, lost)
	return nil
}

func (r *Redis) watch(rdb *redis.Client, stop chan struct{}, lost chan error) {
	ticker := time.NewTicker(redisHealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := rdb.Ping(ctx).Err()
			cancel()
			if err == nil {
				continue
			}
			r.mu.Lock()
			current := r.rdb == rdb
			r.mu.Unlock()
			if !current {
				return
			}
			r.teardown()
			select {
			case lost <- err:
			default:
			}
			return
		}
	}
}

// teardown releases the client and subscriptions without touching lost.
func (r *Redis) teardown() {
	r.mu.Lock()
	rdb, stop, subs := r.rdb, r.stop, r.pubsub
	r.rdb, r.stop = nil, nil
	r.pubsub = make(map[*redisSub]struct{})
	r.mu.Unlock()

	for sub := range subs {
		_ = sub.ps.Close()
	}
	if stop != nil {
		close(stop)
	}
	if rdb != nil {
		_ = rdb.Close()
	}
}

func (r *Redis) Close() error {
	r.teardown()
	return nil
}

func (r *Redis) client() *redis.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rdb
}

func (r *Redis) Subscribe(topic string, handler Handler) (Subscription, error) {
	rdb := r.client()
	if rdb == nil {
		return nil, ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ps := rdb.Subscribe(ctx, Key(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	sub := &redisSub{r: r, ps: ps}
	r.mu.Lock()
	r.pubsub[sub] = struct{}{}
	r.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			handler([]byte(msg.Payload))
		}
	}()
	return sub, nil
}

func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.r.mu.Lock()
		delete(s.r.pubsub, s)
		s.r.mu.Unlock()
		err = s.ps.Close()
	})
	return err
}

func (r *Redis) Publish(ctx context.Context, topic string, body []byte) error {
	rdb := r.client()
	if rdb == nil {
		return ErrNotConnected
	}
	if err := rdb.Publish(ctx, Key(topic), body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (r *Redis) Lost() <-chan error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}
