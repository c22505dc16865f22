package source

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/jmgilman/go/errors"
	"google.golang.org/api/googleapi"
)

// Kind is the coarse taxonomy used by the refresh coordinator and metrics.
type Kind string

const (
	KindAuth      Kind = "auth"
	KindNotFound  Kind = "not_found"
	KindNetwork   Kind = "network"
	KindRateLimit Kind = "rate_limit"
	KindParse     Kind = "parse"
	KindOther     Kind = "other"
)

// NewAuthError reports credentials that are invalid or lack access. Permanent.
func NewAuthError(key CacheKey, cause error) error {
	return build(errors.CodeUnauthorized, key, "source rejected credentials", cause)
}

// NewForbiddenError is an AuthError for credentials that authenticate but may not read the source.
func NewForbiddenError(key CacheKey, cause error) error {
	return build(errors.CodeForbidden, key, "credentials lack access to source", cause)
}

// NewNotFoundError reports a spreadsheet or tab that does not exist. Permanent.
func NewNotFoundError(key CacheKey, cause error) error {
	return build(errors.CodeNotFound, key, "spreadsheet or tab not found", cause)
}

// NewNetworkError reports a transport failure or server-side outage. Retryable.
func NewNetworkError(key CacheKey, cause error) error {
	return build(errors.CodeNetwork, key, "source unreachable", cause)
}

// NewTimeoutError is a NetworkError caused by a deadline.
func NewTimeoutError(key CacheKey, cause error) error {
	return build(errors.CodeTimeout, key, "source request timed out", cause)
}

// NewRateLimitError reports throttling by the source. Retryable.
func NewRateLimitError(key CacheKey, cause error) error {
	return build(errors.CodeRateLimit, key, "source quota exceeded", cause)
}

// NewParseError reports a response that could not be decoded into a grid. It is
// classified retryable; the coordinator escalates repeats.
func NewParseError(key CacheKey, cause error) error {
	return errors.WithClassification(
		build(errors.CodeSchemaFailed, key, "malformed source response", cause),
		errors.ClassificationRetryable,
	)
}

func build(code errors.ErrorCode, key CacheKey, message string, cause error) error {
	var err errors.PlatformError
	if cause == nil {
		err = errors.New(code, message)
	} else {
		err = errors.Wrap(cause, code, message)
	}
	if key == (CacheKey{}) {
		return err
	}
	return errors.WithContextMap(err, map[string]interface{}{
		"spreadsheet": key.Spreadsheet,
		"tab":         key.Tab,
	})
}

// KindOf maps an error onto the taxonomy. Errors that did not come from this
// package report KindOther.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	switch errors.GetCode(err) {
	case errors.CodeUnauthorized, errors.CodeForbidden:
		return KindAuth
	case errors.CodeNotFound:
		return KindNotFound
	case errors.CodeNetwork, errors.CodeTimeout, errors.CodeUnavailable:
		return KindNetwork
	case errors.CodeRateLimit:
		return KindRateLimit
	case errors.CodeSchemaFailed:
		return KindParse
	default:
		return KindOther
	}
}

func IsAuth(err error) bool      { return KindOf(err) == KindAuth }
func IsNotFound(err error) bool  { return KindOf(err) == KindNotFound }
func IsRateLimit(err error) bool { return KindOf(err) == KindRateLimit }
func IsParse(err error) bool     { return KindOf(err) == KindParse }

// IsFatal reports errors that must not be retried until the source is reconfigured.
func IsFatal(err error) bool {
	kind := KindOf(err)
	return kind == KindAuth || kind == KindNotFound
}

// IsTransient reports errors worth retrying with backoff.
func IsTransient(err error) bool {
	return err != nil && !IsFatal(err) && errors.IsRetryable(err)
}

// classify converts a raw client error into the taxonomy.
func classify(key CacheKey, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(key, apiErr)
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return NewParseError(key, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(key, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeoutError(key, err)
	}
	return NewNetworkError(key, err)
}

func classifyStatus(key CacheKey, apiErr *googleapi.Error) error {
	switch code := apiErr.Code; {
	case code == http.StatusUnauthorized:
		return NewAuthError(key, apiErr)
	case code == http.StatusForbidden:
		if rateLimited(apiErr) {
			return NewRateLimitError(key, apiErr)
		}
		return NewForbiddenError(key, apiErr)
	case code == http.StatusNotFound:
		return NewNotFoundError(key, apiErr)
	case code == http.StatusTooManyRequests:
		return NewRateLimitError(key, apiErr)
	case code == http.StatusRequestTimeout:
		return NewTimeoutError(key, apiErr)
	case code >= 500:
		return NewNetworkError(key, apiErr)
	case code >= 400:
		// The API answers 400 "Unable to parse range" for a tab that does not
		// exist; other client errors are equally permanent for this key.
		return NewNotFoundError(key, apiErr)
	default:
		return NewParseError(key, apiErr)
	}
}

func rateLimited(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if strings.Contains(strings.ToLower(item.Reason), "ratelimitexceeded") {
			return true
		}
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "quota")
}
