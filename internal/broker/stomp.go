package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	stompWriteWait      = 10 * time.Second
	stompConnectTimeout = 10 * time.Second
)

// Stomp speaks STOMP 1.2 over a WebSocket, the protocol used by the chat
// backend's message broker endpoint.
type Stomp struct {
	url    string
	dialer *websocket.Dialer
	log    *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]Handler
	nextID  int
	lost    chan error
	closing bool

	writeMu sync.Mutex
}

type stompSub struct {
	s  *Stomp
	id string
}

func NewStomp(rawURL string, log *zap.Logger) *Stomp {
	return &Stomp{
		url: rawURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: stompConnectTimeout,
			Subprotocols:     []string{"v12.stomp"},
		},
		log:  log,
		subs: make(map[string]Handler),
		lost: make(chan error, 1),
	}
}

func (s *Stomp) Name() string { return "stomp" }

func (s *Stomp) Connect(ctx context.Context, token string) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("stomp dial: %w", err)
	}

	host := s.url
	if u, err := url.Parse(s.url); err == nil {
		host = u.Hostname()
	}
	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2",
		frame.Host, host,
		frame.HeartBeat, "0,0",
	)
	if token != "" {
		connect.Header.Add("Authorization", "Bearer "+token)
	}

	deadline := time.Now().Add(timeoutFrom(ctx, stompConnectTimeout))
	if err := s.write(conn, connect, deadline); err != nil {
		conn.Close()
		return fmt.Errorf("stomp connect: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	reply, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("stomp connect: %w", err)
	}
	switch reply.Command {
	case frame.CONNECTED:
	case frame.ERROR:
		conn.Close()
		return fmt.Errorf("stomp connect rejected: %s", reply.Header.Get(frame.Message))
	default:
		conn.Close()
		return fmt.Errorf("stomp connect: unexpected %s frame", reply.Command)
	}
	_ = conn.SetReadDeadline(time.Time{})

	lost := make(chan error, 1)
	s.mu.Lock()
	s.conn = conn
	s.subs = make(map[string]Handler)
	s.lost = lost
	s.closing = false
	s.mu.Unlock()

	go s.readLoop(conn, lost)
	return nil
}

// readFrame returns the next frame, skipping heart-beats.
func readFrame(conn *websocket.Conn) (*frame.Frame, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		f, err := decodeFrame(data)
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f, nil
		}
	}
}

func (s *Stomp) readLoop(conn *websocket.Conn, lost chan error) {
	for {
		f, err := readFrame(conn)
		if err != nil {
			s.connectionLost(conn, lost, err)
			return
		}

		switch f.Command {
		case frame.MESSAGE:
			s.mu.Lock()
			handler := s.subs[f.Header.Get(frame.Subscription)]
			s.mu.Unlock()
			if handler != nil {
				handler(f.Body)
			}
		case frame.ERROR:
			s.connectionLost(conn, lost, fmt.Errorf("stomp error frame: %s", f.Header.Get(frame.Message)))
			conn.Close()
			return
		case frame.RECEIPT:
		default:
			s.log.Debug("stomp frame ignored", zap.String("command", f.Command))
		}
	}
}

func (s *Stomp) connectionLost(conn *websocket.Conn, lost chan error, err error) {
	s.mu.Lock()
	current := s.conn == conn
	closing := s.closing
	if current {
		s.conn = nil
		s.subs = make(map[string]Handler)
	}
	s.mu.Unlock()

	if !current || closing {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		err = nil
	}
	select {
	case lost <- err:
	default:
	}
}

func (s *Stomp) write(conn *websocket.Conn, f *frame.Frame, deadline time.Time) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Stomp) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Stomp) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.closing = true
	s.subs = make(map[string]Handler)
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(stompWriteWait)
	_ = s.write(conn, frame.New(frame.DISCONNECT), deadline)
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	s.writeMu.Unlock()
	return conn.Close()
}

func (s *Stomp) Subscribe(topic string, handler Handler) (Subscription, error) {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	s.nextID++
	id := "sub-" + strconv.Itoa(s.nextID)
	s.subs[id] = handler
	s.mu.Unlock()

	f := frame.New(frame.SUBSCRIBE, frame.Id, id, frame.Destination, topic, frame.Ack, "auto")
	if err := s.write(conn, f, time.Now().Add(stompWriteWait)); err != nil {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("stomp subscribe %s: %w", topic, err)
	}
	return &stompSub{s: s, id: id}, nil
}

func (sub *stompSub) Unsubscribe() error {
	sub.s.mu.Lock()
	_, active := sub.s.subs[sub.id]
	delete(sub.s.subs, sub.id)
	conn := sub.s.conn
	sub.s.mu.Unlock()

	if !active || conn == nil {
		return nil
	}
	return sub.s.write(conn, frame.New(frame.UNSUBSCRIBE, frame.Id, sub.id), time.Now().Add(stompWriteWait))
}

func (s *Stomp) Publish(ctx context.Context, topic string, body []byte) error {
	conn := s.current()
	if conn == nil {
		return ErrNotConnected
	}
	f := frame.New(frame.SEND,
		frame.Destination, topic,
		frame.ContentType, "application/json",
		frame.ContentLength, strconv.Itoa(len(body)),
	)
	f.Body = body
	if err := s.write(conn, f, time.Now().Add(timeoutFrom(ctx, stompWriteWait))); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrNotConnected
		}
		return fmt.Errorf("stomp send %s: %w", topic, err)
	}
	return nil
}

func (s *Stomp) Lost() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}
