package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"matchchat/internal/models"
)

type FetcherMock struct {
	mock.Mock
}

func (m *FetcherMock) GetMessages(ctx context.Context, conversationID int64, page, size int) (*models.MessagePage, error) {
	args := m.Called(ctx, conversationID, page, size)
	var result *models.MessagePage
	if val := args.Get(0); val != nil {
		result = val.(*models.MessagePage)
	}
	return result, args.Error(1)
}

type ReadMarkerMock struct {
	mock.Mock
}

func (m *ReadMarkerMock) MarkMessagesAsRead(ctx context.Context, conversationID int64) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

// SessionMock records the observer passed to OnMessage so tests can push
// inbound messages through Deliver.
type SessionMock struct {
	mock.Mock
	observer func(models.ChatMessage)
}

func (m *SessionMock) OnMessage(cb func(models.ChatMessage)) func() {
	m.Called()
	m.observer = cb
	return func() {
		m.observer = nil
	}
}

func (m *SessionMock) SendMessage(ctx context.Context, msg models.ChatMessage) bool {
	args := m.Called(ctx, msg)
	return args.Bool(0)
}

func (m *SessionMock) UserID() int64 {
	args := m.Called()
	return args.Get(0).(int64)
}

func (m *SessionMock) Deliver(msg models.ChatMessage) {
	if m.observer != nil {
		m.observer(msg)
	}
}

func (m *SessionMock) Observed() bool {
	return m.observer != nil
}

type StoreMock struct {
	mock.Mock
}

func (m *StoreMock) Token(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *StoreMock) SetToken(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *StoreMock) Identity(ctx context.Context) (*models.Identity, error) {
	args := m.Called(ctx)
	var identity *models.Identity
	if val := args.Get(0); val != nil {
		identity = val.(*models.Identity)
	}
	return identity, args.Error(1)
}

func (m *StoreMock) SetIdentity(ctx context.Context, identity models.Identity) error {
	args := m.Called(ctx, identity)
	return args.Error(0)
}

func (m *StoreMock) Clear(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
