package api

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrNetwork = errors.New("network error")

const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeServerError  = "SERVER_ERROR"
	CodeAPIError     = "API_ERROR"
	CodeUnknownError = "UNKNOWN_ERROR"
)

// HTTPError is a non-2xx response from the API.
type HTTPError struct {
	Status  int
	Message string
	Body    map[string]any
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api status %d", e.Status)
}

// AppError is the application-level classification of a failed call.
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"status,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	return e.Code + ": " + e.Message
}

// ConvertError classifies err. A nil err yields nil.
func ConvertError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		msg := err.Error()
		if msg == "" {
			msg = "unknown error"
		}
		return &AppError{Code: CodeUnknownError, Message: msg}
	}

	out := &AppError{Status: httpErr.Status, Details: httpErr.Body}
	switch httpErr.Status {
	case http.StatusUnauthorized:
		out.Code, out.Message = CodeUnauthorized, "authentication required, please log in again"
	case http.StatusForbidden:
		out.Code, out.Message = CodeForbidden, "not allowed to perform this action"
	case http.StatusNotFound:
		out.Code, out.Message = CodeNotFound, "requested resource not found"
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		out.Code, out.Message = CodeServerError, "server error, try again later"
	default:
		out.Code = CodeAPIError
		out.Message = httpErr.Message
		if out.Message == "" {
			out.Message = "request failed"
		}
	}
	return out
}

// SafeCall runs fn and converts its error.
func SafeCall[T any](fn func() (T, error)) (T, *AppError) {
	v, err := fn()
	if err != nil {
		var zero T
		return zero, ConvertError(err)
	}
	return v, nil
}
