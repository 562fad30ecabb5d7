// Package apierr defines the classified failure union returned by handlers
// and the deterministic mapping from failure kinds to protocol statuses.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/astralforge/game-api/internal/pool"
)

// Kind classifies a failure.
type Kind int

const (
	// KindValidation is a client error in the supplied request data.
	KindValidation Kind = iota
	// KindNotFound covers both unroutable requests and data-level misses.
	KindNotFound
	// KindUnavailable signals resource exhaustion (pool saturation).
	KindUnavailable
	// KindTimeout signals that the request deadline expired.
	KindTimeout
	// KindRateLimited signals a per-route rate limit rejection.
	KindRateLimited
	// KindUpstream covers datastore and release-repository failures.
	KindUpstream
	// KindInternal is everything unexpected.
	KindInternal
)

// Stable machine-readable failure codes.
const (
	CodeNicknameEmpty          = "nickname_empty"
	CodeNicknameTooLong        = "nickname_toolong"
	CodeNicknameForbiddenChars = "nickname_forbidden_characters"
	CodeInvalidToken           = "authentication_invalid_token"
	CodeEmptyToken             = "empty_token"
	CodeTokenGeneration        = "token_generation_failed"
	CodeFetchGameRelease       = "fetch_game_release"
	CodeFetchUpdaterRelease    = "fetch_updater_release"
	CodeNotFound               = "not_found"
	CodePlatformNotFound       = "platform_not_found"
	CodeInvalidBody            = "invalid_body"
	CodeResourceExhausted      = "resource_exhausted"
	CodeDeadlineExceeded       = "deadline_exceeded"
	CodeRateLimited            = "rate_limited"
	CodeInternal               = "internal"
)

const redactedDesc = "an internal error occurred, please retry later."

// Failure is a classified handler or pipeline failure. The wrapped cause is
// logged but never serialized into a response.
type Failure struct {
	Kind Kind
	Code string
	Desc string
	Err  error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Code, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Desc)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Validation builds a client-error failure.
func Validation(code, desc string) *Failure {
	return &Failure{Kind: KindValidation, Code: code, Desc: desc}
}

// NotFound builds a not-found failure.
func NotFound(code, desc string) *Failure {
	return &Failure{Kind: KindNotFound, Code: code, Desc: desc}
}

// Upstream builds a failure caused by a collaborator (datastore, release
// repository). The cause is retained for logging only.
func Upstream(code string, err error) *Failure {
	return &Failure{Kind: KindUpstream, Code: code, Err: err}
}

// Internal wraps an unexpected error.
func Internal(err error) *Failure {
	return &Failure{Kind: KindInternal, Code: CodeInternal, Err: err}
}

// Status maps the failure kind to a protocol status code.
func (f *Failure) Status() int {
	switch f.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Body is the serialized failure shape.
type Body struct {
	ErrCode string `json:"err_code"`
	ErrDesc string `json:"err_desc"`
}

// Body renders the client-visible representation. Upstream and internal
// failures are redacted to a stable summary.
func (f *Failure) Body() Body {
	switch f.Kind {
	case KindUpstream, KindInternal:
		desc := f.Desc
		if desc == "" {
			desc = redactedDesc
		}
		return Body{ErrCode: f.Code, ErrDesc: desc}
	default:
		return Body{ErrCode: f.Code, ErrDesc: f.Desc}
	}
}

// Classify converts an arbitrary pipeline error into a Failure. Handlers
// return *Failure directly; everything else is mapped here so that no error
// reaches the client unclassified.
func Classify(err error) *Failure {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}
	switch {
	case errors.Is(err, pool.ErrTimeout), errors.Is(err, pool.ErrExhausted):
		return &Failure{Kind: KindUnavailable, Code: CodeResourceExhausted,
			Desc: "no datastore capacity within the request deadline", Err: err}
	case errors.Is(err, pool.ErrClosed):
		return &Failure{Kind: KindUnavailable, Code: CodeResourceExhausted,
			Desc: "service is shutting down", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Failure{Kind: KindTimeout, Code: CodeDeadlineExceeded,
			Desc: "request deadline exceeded", Err: err}
	case errors.Is(err, context.Canceled):
		return &Failure{Kind: KindTimeout, Code: CodeDeadlineExceeded,
			Desc: "request cancelled", Err: err}
	default:
		return Internal(err)
	}
}

// RateLimited builds the per-route rejection failure.
func RateLimited() *Failure {
	return &Failure{Kind: KindRateLimited, Code: CodeRateLimited,
		Desc: "too many requests, slow down"}
}

// RouteNotFound is the failure for unroutable requests.
func RouteNotFound(method, path string) *Failure {
	return &Failure{Kind: KindNotFound, Code: CodeNotFound,
		Desc: fmt.Sprintf("no route for %s %s", method, path)}
}
