// Package broker implements the publish/subscribe transports the chat
// connector can run on. Topics are STOMP-style destinations such as
// /user/1/queue/messages; each transport maps them onto its own addressing.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ChatDestination is the outbound publish target for chat messages.
const ChatDestination = "/app/chat"

var (
	ErrNotConnected = errors.New("broker: not connected")
	ErrUnknownKind  = errors.New("broker: unknown transport kind")
)

// Handler receives the raw body of one inbound message.
type Handler func(body []byte)

// Subscription is an active topic registration.
type Subscription interface {
	Unsubscribe() error
}

// Transport is the capability the connector needs from a message broker.
type Transport interface {
	// Connect opens the connection, authenticating with token where the
	// broker supports it. It blocks until connected or ctx is done.
	Connect(ctx context.Context, token string) error
	// Close tears the connection down. Calling it while disconnected is a no-op.
	Close() error
	Subscribe(topic string, handler Handler) (Subscription, error)
	Publish(ctx context.Context, topic string, body []byte) error
	// Lost returns a channel that receives once when the connection opened
	// by the latest Connect drops without Close being called.
	Lost() <-chan error
	Name() string
}

// UserQueue is the personal inbound destination of a user.
func UserQueue(userID int64) string {
	return "/user/" + strconv.FormatInt(userID, 10) + "/queue/messages"
}

// Key converts a destination into a dotted routing key or subject,
// e.g. /user/1/queue/messages becomes user.1.queue.messages.
func Key(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

type Options struct {
	Kind        string
	URL         string
	Exchange    string
	MemoryDelay time.Duration
}

// New builds the transport selected by opts.Kind.
func New(opts Options, log *zap.Logger) (Transport, error) {
	switch opts.Kind {
	case "memory", "":
		return NewMemory(opts.MemoryDelay), nil
	case "stomp":
		return NewStomp(opts.URL, log), nil
	case "amqp":
		return NewAMQP(opts.URL, opts.Exchange, log), nil
	case "redis":
		return NewRedis(opts.URL, log)
	case "nats":
		return NewNATS(opts.URL, log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, opts.Kind)
	}
}

func timeoutFrom(ctx context.Context, fallback time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return fallback
}
