package transcribe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a transcription failure.
type Kind int

const (
	// KindNetwork covers transport failures: DNS, refused connections, timeouts.
	KindNetwork Kind = iota + 1
	// KindService covers non-success responses and undecodable bodies.
	KindService
	// KindAuth covers rejected credentials. Never retried.
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindService:
		return "service"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching against *Error.
var (
	ErrNetwork = errors.New("transcription network error")
	ErrService = errors.New("transcription service error")
	ErrAuth    = errors.New("transcription auth error")
)

// Error is returned by every Client implementation.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s error (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrService:
		return e.Kind == KindService
	case ErrAuth:
		return e.Kind == KindAuth
	}
	return false
}

// IsRetryable reports whether err is worth another attempt. Network and
// service errors are; auth errors and context cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrService)
}

// KindOf returns the kind of err, or 0 when err is not a transcription error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

func networkError(provider string, err error) *Error {
	return &Error{Kind: KindNetwork, Provider: provider, Err: err}
}

func serviceError(provider string, err error) *Error {
	return &Error{Kind: KindService, Provider: provider, Err: err}
}

// statusError maps a non-success HTTP status to an Error.
func statusError(provider string, status int, body []byte) *Error {
	kind := KindService
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		kind = KindAuth
	}
	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &Error{Kind: kind, Provider: provider, StatusCode: status, Err: errors.New(msg)}
}
