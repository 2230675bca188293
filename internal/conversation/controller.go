// Package conversation binds the chat session, history pager and read
// receipts into the state a chat screen renders.
package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"matchchat/internal/models"
	"matchchat/internal/pagination"
)

const noticeBuffer = 16

type Session interface {
	OnMessage(cb func(models.ChatMessage)) func()
	SendMessage(ctx context.Context, msg models.ChatMessage) bool
	UserID() int64
}

type ReadMarker interface {
	MarkMessagesAsRead(ctx context.Context, conversationID int64) error
}

type NoticeKind string

const (
	NoticeSendFailed  NoticeKind = "send_failed"
	NoticeLeaveFailed NoticeKind = "leave_failed"
)

// Notice is a user-facing failure message.
type Notice struct {
	Kind     NoticeKind `json:"kind"`
	Message  string     `json:"message"`
	ClientID string     `json:"client_id,omitempty"`
}

// Item is one entry of the visible message list.
type Item struct {
	Message models.ChatMessage `json:"message"`
	Mine    bool               `json:"mine"`
	Pending bool               `json:"pending"`
}

// Controller holds the visible message list of one conversation, newest
// first.
type Controller struct {
	session Session
	pager   *pagination.Pager
	reader  ReadMarker
	conv    int64
	peer    int64
	log     *zap.Logger
	notices chan Notice
	newID   func() string
	now     func() time.Time

	mu         sync.Mutex
	items      []Item
	mounted    bool
	gen        uint64
	unregister func()
	onChange   func()
}

func New(session Session, pager *pagination.Pager, reader ReadMarker, conversationID, peerID int64, log *zap.Logger) *Controller {
	return &Controller{
		session: session,
		pager:   pager,
		reader:  reader,
		conv:    conversationID,
		peer:    peerID,
		log:     log.With(zap.Int64("conversation_id", conversationID)),
		notices: make(chan Notice, noticeBuffer),
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

func (c *Controller) ConversationID() int64 {
	return c.conv
}

// History reports the pagination state of the conversation.
func (c *Controller) History() pagination.State {
	return c.pager.State()
}

// OnChange registers fn to run after every change to the visible list.
func (c *Controller) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

func (c *Controller) Notices() <-chan Notice {
	return c.notices
}

// Messages returns a copy of the visible list, newest first.
func (c *Controller) Messages() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Item(nil), c.items...)
}

// Mount subscribes to inbound messages, loads the first history page and
// marks the conversation read.
func (c *Controller) Mount(ctx context.Context) {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return
	}
	c.mounted = true
	c.gen++
	gen := c.gen
	c.items = nil
	c.mu.Unlock()

	unregister := c.session.OnMessage(func(msg models.ChatMessage) { c.receive(gen, msg) })

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		unregister()
		return
	}
	c.unregister = unregister
	c.mu.Unlock()

	res := c.pager.LoadPage(ctx, c.conv, 0)
	if !c.apply(gen, func() {
		if res.Fetched {
			c.mergeFirstPage(c.toItems(res.Messages))
		}
	}) {
		return
	}

	if err := c.reader.MarkMessagesAsRead(ctx, c.conv); err != nil {
		c.log.Debug("mark as read failed", zap.Error(err))
	}
}

// Unmount stops all further updates. Results of fetches still in flight are
// discarded when they arrive.
func (c *Controller) Unmount() {
	c.mu.Lock()
	c.mounted = false
	c.gen++
	unregister := c.unregister
	c.unregister = nil
	c.mu.Unlock()

	if unregister != nil {
		unregister()
	}
}

// Send shows text immediately as a pending message and delivers it through
// the session. On failure the message is removed again and a send_failed
// notice is published. Blank text is ignored.
func (c *Controller) Send(ctx context.Context, text string) bool {
	content := strings.TrimSpace(text)
	if content == "" {
		return false
	}

	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return false
	}
	gen := c.gen
	c.mu.Unlock()

	now := c.now()
	msg := models.ChatMessage{
		ClientID:       c.newID(),
		Kind:           models.KindChat,
		ConversationID: c.conv,
		SenderID:       c.session.UserID(),
		ReceiverID:     c.peer,
		Content:        content,
		Timestamp:      &now,
	}

	if !c.apply(gen, func() {
		c.items = append([]Item{{Message: msg, Mine: true, Pending: true}}, c.items...)
	}) {
		return false
	}

	ok := c.deliver(ctx, msg)

	if ok {
		c.apply(gen, func() {
			if i := c.indexOf(msg.ClientID); i >= 0 {
				c.items[i].Pending = false
			}
		})
		return true
	}

	if c.apply(gen, func() {
		if i := c.indexOf(msg.ClientID); i >= 0 {
			c.items = append(c.items[:i], c.items[i+1:]...)
		}
	}) {
		c.notify(Notice{Kind: NoticeSendFailed, Message: "message could not be sent", ClientID: msg.ClientID})
	}
	return false
}

// Leave announces that the user leaves the conversation. Failure publishes a
// leave_failed notice.
func (c *Controller) Leave(ctx context.Context) bool {
	msg := models.ChatMessage{
		ClientID:       c.newID(),
		Kind:           models.KindLeave,
		ConversationID: c.conv,
		SenderID:       c.session.UserID(),
		ReceiverID:     c.peer,
	}
	if c.deliver(ctx, msg) {
		return true
	}
	c.notify(Notice{Kind: NoticeLeaveFailed, Message: "could not leave the conversation"})
	return false
}

// LoadMore appends the next older history page. It does nothing while a
// page is loading or once the history is exhausted.
func (c *Controller) LoadMore(ctx context.Context) bool {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return false
	}
	gen := c.gen
	c.mu.Unlock()

	st := c.pager.State()
	if st.Loading || !st.HasMore || st.ConversationID != c.conv {
		return false
	}
	res := c.pager.LoadNext(ctx)
	if !res.Fetched {
		return false
	}
	return c.apply(gen, func() {
		seen := make(map[int64]struct{}, len(c.items))
		for _, it := range c.items {
			if it.Message.ID != 0 {
				seen[it.Message.ID] = struct{}{}
			}
		}
		for _, it := range c.toItems(res.Messages) {
			if _, dup := seen[it.Message.ID]; dup && it.Message.ID != 0 {
				continue
			}
			c.items = append(c.items, it)
		}
	})
}

// mergeFirstPage places page after the entries that arrived while it was
// loading. Arrivals the page already holds are dropped; pending sends stay.
func (c *Controller) mergeFirstPage(page []Item) {
	ids := make(map[int64]struct{}, len(page))
	clientIDs := make(map[string]struct{}, len(page))
	for _, it := range page {
		if it.Message.ID != 0 {
			ids[it.Message.ID] = struct{}{}
		}
		if it.Message.ClientID != "" {
			clientIDs[it.Message.ClientID] = struct{}{}
		}
	}

	merged := make([]Item, 0, len(c.items)+len(page))
	for _, it := range c.items {
		if _, dup := ids[it.Message.ID]; dup && it.Message.ID != 0 {
			continue
		}
		if _, dup := clientIDs[it.Message.ClientID]; dup && it.Message.ClientID != "" && !it.Pending {
			continue
		}
		merged = append(merged, it)
	}
	c.items = append(merged, page...)
}

func (c *Controller) deliver(ctx context.Context, msg models.ChatMessage) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("send panicked", zap.Any("panic", r))
			ok = false
		}
	}()
	return c.session.SendMessage(ctx, msg)
}

// receive merges an inbound message. The echo of a message sent from here
// carries its client id and replaces the optimistic entry.
func (c *Controller) receive(gen uint64, msg models.ChatMessage) {
	if msg.ConversationID != c.conv {
		return
	}
	self := c.session.UserID()
	c.apply(gen, func() {
		if msg.ClientID != "" {
			if i := c.indexOf(msg.ClientID); i >= 0 {
				c.items[i] = Item{Message: msg, Mine: true}
				return
			}
		}
		c.items = append([]Item{{Message: msg, Mine: self != 0 && msg.SenderID == self}}, c.items...)
	})
}

// apply runs mutate under the lock if gen is still current and then reports
// the change. It returns false when the update was discarded.
func (c *Controller) apply(gen uint64, mutate func()) bool {
	c.mu.Lock()
	if c.gen != gen || !c.mounted {
		c.mu.Unlock()
		return false
	}
	mutate()
	onChange := c.onChange
	c.mu.Unlock()

	if onChange != nil {
		onChange()
	}
	return true
}

func (c *Controller) indexOf(clientID string) int {
	for i, it := range c.items {
		if it.Message.ClientID == clientID {
			return i
		}
	}
	return -1
}

func (c *Controller) toItems(msgs []models.ChatMessage) []Item {
	self := c.session.UserID()
	items := make([]Item, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, Item{Message: m, Mine: self != 0 && m.SenderID == self})
	}
	return items
}

func (c *Controller) notify(n Notice) {
	select {
	case c.notices <- n:
	default:
		c.log.Warn("notice dropped", zap.String("kind", string(n.Kind)))
	}
}
