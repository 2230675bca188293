package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"matchchat/internal/models"
	"matchchat/internal/storage"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, storage.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	store := storage.NewMemoryStore()
	return New(srv.URL+"/", time.Second, store, zap.NewNop()), store
}

func TestLoginStoresCredentials(t *testing.T) {
	client, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/login", r.URL.Path)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a@b.c", body["email"])
		_ = json.NewEncoder(w).Encode(map[string]any{"accessToken": "tok", "userId": 42})
	})

	res, err := client.Login(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.UserID)

	token, err := store.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
	identity, err := store.Identity(context.Background())
	require.NoError(t, err)
	require.NotNil(t, identity)
	assert.Equal(t, int64(42), identity.UserID)
}

func TestGetMessagesSendsPagingAndBearer(t *testing.T) {
	client, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages/matches/7", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		assert.Equal(t, "10", r.URL.Query().Get("size"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"messages":[{"id":3,"type":"CHAT","matchId":7,"content":"hi"}],"totalPages":2}`))
	})
	require.NoError(t, store.SetToken(context.Background(), "tok"))

	page, err := client.GetMessages(context.Background(), 7, 1, 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, 1, page.PageIndex)
	assert.Equal(t, 2, page.TotalPages)
	assert.False(t, page.HasMore())
}

func TestUnauthorizedClearsToken(t *testing.T) {
	client, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	ctx := context.Background()
	require.NoError(t, store.SetToken(ctx, "expired"))
	require.NoError(t, store.SetIdentity(ctx, models.Identity{UserID: 1}))

	err := client.MarkMessagesAsRead(ctx, 7)
	require.Error(t, err)
	assert.Equal(t, CodeUnauthorized, ConvertError(err).Code)

	token, err := store.Token(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)
	identity, err := store.Identity(ctx)
	require.NoError(t, err)
	assert.Nil(t, identity)
}

func TestEnvelopeHelpers(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/5":
			_, _ = w.Write([]byte(`{"id":5,"name":"Mina"}`))
		case "/matching/likes":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"already liked"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	ok := Get[models.UserProfile](ctx, client, "/users/5", nil)
	require.True(t, ok.Success)
	require.NotNil(t, ok.Data)
	assert.Equal(t, "Mina", ok.Data.Name)

	bad := Post[map[string]any](ctx, client, "/matching/likes", map[string]int{"toUserId": 5})
	assert.False(t, bad.Success)
	assert.Equal(t, "already liked", bad.Error)
	assert.Nil(t, bad.Data)

	missing := Delete[struct{}](ctx, client, "/nothing")
	assert.False(t, missing.Success)
	assert.Equal(t, "server error", missing.Error)
}

func TestNetworkFailure(t *testing.T) {
	client := New("http://127.0.0.1:1", 200*time.Millisecond, storage.NewMemoryStore(), zap.NewNop())

	_, err := client.GetMatches(context.Background())
	require.ErrorIs(t, err, ErrNetwork)

	env := Put[struct{}](context.Background(), client, "/messages/matches/1/read", nil)
	assert.False(t, env.Success)
	assert.Equal(t, "network error", env.Error)
}

func TestConvertError(t *testing.T) {
	cases := []struct {
		status int
		code   string
	}{
		{http.StatusUnauthorized, CodeUnauthorized},
		{http.StatusForbidden, CodeForbidden},
		{http.StatusNotFound, CodeNotFound},
		{http.StatusInternalServerError, CodeServerError},
		{http.StatusBadGateway, CodeServerError},
		{http.StatusServiceUnavailable, CodeServerError},
		{http.StatusConflict, CodeAPIError},
	}
	for _, tc := range cases {
		appErr := ConvertError(&HTTPError{Status: tc.status})
		assert.Equal(t, tc.code, appErr.Code, "status %d", tc.status)
		assert.Equal(t, tc.status, appErr.Status)
	}

	assert.Nil(t, ConvertError(nil))
	assert.Equal(t, CodeUnknownError, ConvertError(errors.New("boom")).Code)
	assert.Equal(t, "taken", ConvertError(&HTTPError{Status: 409, Message: "taken"}).Message)
}

func TestSafeCall(t *testing.T) {
	v, appErr := SafeCall(func() (int, error) { return 3, nil })
	assert.Equal(t, 3, v)
	assert.Nil(t, appErr)

	v, appErr = SafeCall(func() (int, error) { return 9, &HTTPError{Status: 404} })
	assert.Zero(t, v)
	require.NotNil(t, appErr)
	assert.Equal(t, CodeNotFound, appErr.Code)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/messages/matches/:id/read", routeLabel("/messages/matches/77/read"))
	assert.Equal(t, "/auth/login", routeLabel("/auth/login"))
}
