package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFrameRoundTripEscapesHeaders(t *testing.T) {
	f := frame.New(frame.SEND, frame.Destination, "/app/chat", "x-note", "a:b\nc")
	f.Body = []byte(`{"content":"hello"}`)

	data, err := encodeFrame(f)
	require.NoError(t, err)
	decoded, err := decodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, frame.SEND, decoded.Command)
	require.Equal(t, "/app/chat", decoded.Header.Get(frame.Destination))
	require.Equal(t, "a:b\nc", decoded.Header.Get("x-note"))
	require.Equal(t, `{"content":"hello"}`, string(decoded.Body))
}

func TestFrameContentLengthAllowsNul(t *testing.T) {
	raw := "MESSAGE\nsubscription:sub-1\ncontent-length:3\n\na\x00b\x00"
	f, err := decodeFrame([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, []byte("a\x00b"), f.Body)
}

func TestFrameHeartbeat(t *testing.T) {
	f, err := decodeFrame([]byte("\n"))
	require.NoError(t, err)
	require.Nil(t, f)
}

func TestFrameTruncated(t *testing.T) {
	_, err := decodeFrame([]byte("CONNECTED\nversion"))
	require.Error(t, err)
}

// stompPeer is a minimal broker: it acknowledges CONNECT, records
// subscriptions and routes SEND frames back to matching subscriptions.
type stompPeer struct {
	t      *testing.T
	mu     sync.Mutex
	auth   string
	conns  []*websocket.Conn
	sends  []*frame.Frame
	reject bool
}

func (p *stompPeer) handler(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{Subprotocols: []string{"v12.stomp"}}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.conns = append(p.conns, conn)
	p.mu.Unlock()
	defer conn.Close()

	subs := map[string]string{}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := decodeFrame(data)
		if err != nil || f == nil {
			continue
		}
		switch f.Command {
		case frame.CONNECT:
			p.mu.Lock()
			p.auth = f.Header.Get("Authorization")
			reject := p.reject
			p.mu.Unlock()
			if reject {
				p.send(conn, frame.New(frame.ERROR, frame.Message, "bad credentials"))
				return
			}
			p.send(conn, frame.New(frame.CONNECTED, frame.Version, "1.2"))
		case frame.SUBSCRIBE:
			subs[f.Header.Get(frame.Destination)] = f.Header.Get(frame.Id)
		case frame.UNSUBSCRIBE:
			for dest, id := range subs {
				if id == f.Header.Get(frame.Id) {
					delete(subs, dest)
				}
			}
		case frame.SEND:
			p.mu.Lock()
			p.sends = append(p.sends, f)
			p.mu.Unlock()
			dest := f.Header.Get(frame.Destination)
			if id, ok := subs[dest]; ok {
				msg := frame.New(frame.MESSAGE, frame.Subscription, id, frame.Destination, dest)
				msg.Body = f.Body
				p.send(conn, msg)
			}
		case frame.DISCONNECT:
			return
		}
	}
}

func (p *stompPeer) send(conn *websocket.Conn, f *frame.Frame) {
	data, err := encodeFrame(f)
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (p *stompPeer) dropAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		c.Close()
	}
}

func startPeer(t *testing.T) (*stompPeer, string) {
	peer := &stompPeer{t: t}
	server := httptest.NewServer(http.HandlerFunc(peer.handler))
	t.Cleanup(server.Close)
	return peer, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func TestStompConnectSubscribePublish(t *testing.T) {
	peer, url := startPeer(t)
	s := NewStomp(url, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx, "secret"))
	defer s.Close()

	received := make(chan string, 1)
	sub, err := s.Subscribe(ChatDestination, func(body []byte) { received <- string(body) })
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, ChatDestination, []byte(`{"content":"hello"}`)))

	select {
	case body := <-received:
		require.Equal(t, `{"content":"hello"}`, body)
	case <-time.After(2 * time.Second):
		t.Fatal("expected loopback message")
	}

	peer.mu.Lock()
	require.Equal(t, "Bearer secret", peer.auth)
	require.Len(t, peer.sends, 1)
	require.Equal(t, "application/json", peer.sends[0].Header.Get(frame.ContentType))
	peer.mu.Unlock()

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
}

func TestStompConnectRejected(t *testing.T) {
	peer, url := startPeer(t)
	peer.reject = true

	err := NewStomp(url, zap.NewNop()).Connect(context.Background(), "bad")
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad credentials")
}

func TestStompLostOnServerDrop(t *testing.T) {
	peer, url := startPeer(t)
	s := NewStomp(url, zap.NewNop())
	require.NoError(t, s.Connect(context.Background(), ""))
	lost := s.Lost()

	peer.dropAll()

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("expected connection loss")
	}
	require.ErrorIs(t, s.Publish(context.Background(), ChatDestination, nil), ErrNotConnected)
}

func TestStompCloseDoesNotSignalLost(t *testing.T) {
	_, url := startPeer(t)
	s := NewStomp(url, zap.NewNop())
	require.NoError(t, s.Connect(context.Background(), ""))
	lost := s.Lost()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case err := <-lost:
		t.Fatalf("unexpected loss signal: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}
