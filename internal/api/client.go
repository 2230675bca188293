// Package api is the client for the matching service's HTTP API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"matchchat/internal/models"
	"matchchat/internal/observability"
	"matchchat/internal/storage"
)

const (
	defaultTimeout  = 15 * time.Second
	defaultPageSize = 10
)

// Client issues authenticated requests. The bearer token is read from the
// store on every request.
type Client struct {
	baseURL string
	http    *http.Client
	store   storage.Store
	log     *zap.Logger
	tracer  trace.Tracer
}

func New(baseURL string, timeout time.Duration, store storage.Store, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		store:   store,
		log:     log,
		tracer:  otel.Tracer("matchchat/api"),
	}
}

// do sends one request and decodes a 2xx body into out. A 401 response
// clears the stored credentials.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body, out any) error {
	route := routeLabel(endpoint)
	ctx, span := c.tracer.Start(ctx, method+" "+route, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
	)

	start := time.Now()
	status := 0
	defer func() {
		observability.ObserveAPIRequest(method, route, status, time.Since(start))
	}()

	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	token, err := c.store.Token(ctx)
	if err != nil {
		c.log.Warn("api token read failed", zap.Error(err))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		c.log.Warn("api request failed", zap.String("method", method), zap.String("endpoint", route), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	status = resp.StatusCode
	span.SetAttributes(attribute.Int("http.status_code", status))

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}

	if status == http.StatusUnauthorized {
		if err := c.store.Clear(ctx); err != nil {
			c.log.Warn("clear credentials failed", zap.Error(err))
		}
		span.SetStatus(codes.Error, "unauthorized")
		return &HTTPError{Status: status, Message: "authentication required"}
	}
	if status < 200 || status >= 300 {
		httpErr := &HTTPError{Status: status}
		if len(raw) > 0 && json.Unmarshal(raw, &httpErr.Body) == nil {
			httpErr.Message = messageFrom(httpErr.Body)
		}
		span.SetStatus(codes.Error, httpErr.Error())
		return httpErr
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", route, err)
	}
	return nil
}

func messageFrom(body map[string]any) string {
	for _, key := range []string{"message", "error"} {
		if msg, ok := body[key].(string); ok && msg != "" {
			return msg
		}
	}
	return ""
}

// routeLabel replaces numeric path segments so metrics keep a bounded label
// set, e.g. /messages/matches/7/read becomes /messages/matches/:id/read.
func routeLabel(endpoint string) string {
	parts := strings.Split(endpoint, "/")
	for i, part := range parts {
		if _, err := strconv.ParseInt(part, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func envelope[T any](data *T, err error) models.Envelope[T] {
	if err == nil {
		return models.Envelope[T]{Data: data, Success: true}
	}
	var httpErr *HTTPError
	switch {
	case errors.As(err, &httpErr) && httpErr.Status == http.StatusUnauthorized:
		return models.Envelope[T]{Error: "authentication required, please log in again"}
	case errors.As(err, &httpErr):
		msg := httpErr.Message
		if msg == "" {
			msg = "server error"
		}
		return models.Envelope[T]{Error: msg}
	case errors.Is(err, ErrNetwork):
		return models.Envelope[T]{Error: "network error"}
	default:
		return models.Envelope[T]{Error: err.Error()}
	}
}

// Get issues a GET and wraps the outcome in the response envelope.
func Get[T any](ctx context.Context, c *Client, endpoint string, query url.Values) models.Envelope[T] {
	var data T
	return envelope(&data, c.do(ctx, http.MethodGet, endpoint, query, nil, &data))
}

func Post[T any](ctx context.Context, c *Client, endpoint string, body any) models.Envelope[T] {
	var data T
	return envelope(&data, c.do(ctx, http.MethodPost, endpoint, nil, body, &data))
}

func Put[T any](ctx context.Context, c *Client, endpoint string, body any) models.Envelope[T] {
	var data T
	return envelope(&data, c.do(ctx, http.MethodPut, endpoint, nil, body, &data))
}

func Delete[T any](ctx context.Context, c *Client, endpoint string) models.Envelope[T] {
	var data T
	return envelope(&data, c.do(ctx, http.MethodDelete, endpoint, nil, nil, &data))
}

// Login authenticates and persists the access token and user id.
func (c *Client) Login(ctx context.Context, email, password string) (*models.LoginResult, error) {
	var result models.LoginResult
	err := c.do(ctx, http.MethodPost, "/auth/login", nil, map[string]string{
		"email":    email,
		"password": password,
	}, &result)
	if err != nil {
		return nil, err
	}
	if result.AccessToken == "" {
		return nil, errors.New("login response carried no access token")
	}
	if err := c.store.SetToken(ctx, result.AccessToken); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	if result.UserID != 0 {
		if err := c.store.SetIdentity(ctx, models.Identity{UserID: result.UserID}); err != nil {
			return nil, fmt.Errorf("store identity: %w", err)
		}
	}
	return &result, nil
}

// Logout forgets the stored credentials. No request is sent.
func (c *Client) Logout(ctx context.Context) error {
	return c.store.Clear(ctx)
}

func (c *Client) Signup(ctx context.Context, payload map[string]any) error {
	return c.do(ctx, http.MethodPost, "/users/signup", nil, payload, nil)
}

func (c *Client) GetMatches(ctx context.Context) ([]models.Match, error) {
	var matches []models.Match
	if err := c.do(ctx, http.MethodGet, "/matching/matches", nil, nil, &matches); err != nil {
		return nil, err
	}
	return matches, nil
}

// GetMessages fetches one page of a conversation, newest page first.
func (c *Client) GetMessages(ctx context.Context, conversationID int64, page, size int) (*models.MessagePage, error) {
	if size <= 0 {
		size = defaultPageSize
	}
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("size", strconv.Itoa(size))

	var result models.MessagePage
	endpoint := "/messages/matches/" + strconv.FormatInt(conversationID, 10)
	if err := c.do(ctx, http.MethodGet, endpoint, query, nil, &result); err != nil {
		return nil, err
	}
	result.PageIndex = page
	return &result, nil
}

func (c *Client) MarkMessagesAsRead(ctx context.Context, conversationID int64) error {
	endpoint := "/messages/matches/" + strconv.FormatInt(conversationID, 10) + "/read"
	return c.do(ctx, http.MethodPut, endpoint, nil, nil, nil)
}

func (c *Client) SendLike(ctx context.Context, toUserID int64) error {
	return c.do(ctx, http.MethodPost, "/matching/likes", nil, map[string]int64{"toUserId": toUserID}, nil)
}

func (c *Client) GetUserProfile(ctx context.Context, userID int64) (*models.UserProfile, error) {
	var profile models.UserProfile
	if err := c.do(ctx, http.MethodGet, "/users/"+strconv.FormatInt(userID, 10), nil, nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}
