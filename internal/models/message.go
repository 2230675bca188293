package models

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxContentLength is the longest message body accepted for sending.
const MaxContentLength = 500

var (
	ErrEmptyContent   = errors.New("message content is empty")
	ErrContentTooLong = errors.New("message content too long")
	ErrUnknownKind    = errors.New("unknown message kind")
)

// MessageKind distinguishes chat content from presence notifications.
type MessageKind string

const (
	KindChat  MessageKind = "CHAT"
	KindJoin  MessageKind = "JOIN"
	KindLeave MessageKind = "LEAVE"
)

// ChatMessage is a unit of conversation content as carried by the broker
// and returned by the history endpoint.
type ChatMessage struct {
	ID             int64       `json:"id,omitempty"`
	ClientID       string      `json:"clientId,omitempty"`
	Kind           MessageKind `json:"type"`
	ConversationID int64       `json:"matchId"`
	SenderID       int64       `json:"senderId"`
	ReceiverID     int64       `json:"receiverId"`
	Content        string      `json:"content"`
	Timestamp      *time.Time  `json:"timestamp,omitempty"`
}

// Validate checks the message is fit to be published.
func (m ChatMessage) Validate() error {
	switch m.Kind {
	case KindChat, KindJoin, KindLeave:
	default:
		return ErrUnknownKind
	}
	if m.Kind != KindChat {
		return nil
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return ErrEmptyContent
	}
	if utf8.RuneCountInString(m.Content) > MaxContentLength {
		return ErrContentTooLong
	}
	return nil
}
