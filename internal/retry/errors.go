package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"syscall"
)

// Kind tags a failure with how the engine should treat it.
type Kind string

// Failure kinds. Only Transient failures are retried.
const (
	KindTransient      Kind = "transient"
	KindPermanent      Kind = "permanent"
	KindContentInvalid Kind = "content_invalid"
)

// Error attaches a Kind (and optionally an upstream status code) to a failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying failure.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return &Error{Kind: KindPermanent, Err: err}
}

// ContentInvalid marks a syntactically successful call whose content is unusable.
func ContentInvalid(err error) error {
	return &Error{Kind: KindContentInvalid, Err: err}
}

// HTTPStatus tags err with an upstream status code, classifying it by code.
func HTTPStatus(code int, err error) error {
	kind := KindPermanent
	if RetryableStatus(code) {
		kind = KindTransient
	}
	return &Error{Kind: kind, StatusCode: code, Err: err}
}

// RetryableStatus reports whether an upstream status code is worth retrying.
func RetryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

type statusCoder interface {
	StatusCode() int
}

var (
	// A bare number is not enough: parse errors quote byte offsets and sizes.
	retryableCodePattern = regexp.MustCompile(`\b(?:status(?:[ _]?code)?|http(?:/\d(?:\.\d)?)?|api error)[\s:=]*(429|500|502|503|504)\b`)
	transientPhrases     = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected eof",
		"temporarily unavailable",
		"too many requests",
		"rate limit",
		"overloaded",
		"internal server error",
		"bad gateway",
		"service unavailable",
		"gateway timeout",
	}
)

// Classify maps err to a Kind. Explicit tags win; untagged errors are
// inspected for context, network and status-code signals and default to
// KindPermanent.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var coded statusCoder
	if errors.As(err, &coded) {
		if RetryableStatus(coded.StatusCode()) {
			return KindTransient
		}
		return KindPermanent
	}
	if isNetworkError(err) {
		return KindTransient
	}
	msg := strings.ToLower(err.Error())
	if retryableCodePattern.MatchString(msg) {
		return KindTransient
	}
	for _, phrase := range transientPhrases {
		if strings.Contains(msg, phrase) {
			return KindTransient
		}
	}
	return KindPermanent
}

// Retryable reports whether err should be retried.
func Retryable(err error) bool {
	return Classify(err) == KindTransient
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}
