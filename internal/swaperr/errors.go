// Package swaperr defines the tagged error kinds returned by every
// chain-mutating operation, so callers can route failures without
// inspecting message text.
package swaperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	// KindValidation covers missing or mismatched order fields and the
	// wrong actor for a leg. Never retried.
	KindValidation Kind = iota + 1
	// KindChainRejected is an on-chain revert or a relay refusal.
	KindChainRejected
	// KindTransient is an RPC or relay timeout, 5xx or rate limit.
	KindTransient
	// KindNotInitialized means the secret manager has no key material.
	KindNotInitialized
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindChainRejected:
		return "chain_rejected"
	case KindTransient:
		return "transient"
	case KindNotInitialized:
		return "not_initialized"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrValidation     = errors.New("validation error")
	ErrChainRejected  = errors.New("chain rejected")
	ErrTransient      = errors.New("transient network error")
	ErrNotInitialized = errors.New("not initialized")
)

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindChainRejected:
		return ErrChainRejected
	case KindTransient:
		return ErrTransient
	case KindNotInitialized:
		return ErrNotInitialized
	default:
		return nil
	}
}

// Error is a tagged failure.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "evm.initiate"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel, so errors.Is(err, ErrTransient) works
// through any amount of wrapping.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// Validation builds a KindValidation error.
func Validation(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// ValidationErr wraps a cause as KindValidation.
func ValidationErr(op string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// Rejected wraps an on-chain or relay refusal.
func Rejected(op string, err error) *Error {
	return &Error{Kind: KindChainRejected, Op: op, Err: err}
}

// RejectedMsg builds a KindChainRejected error from a message.
func RejectedMsg(op, msg string) *Error {
	return &Error{Kind: KindChainRejected, Op: op, Msg: msg}
}

// Transient wraps a retryable network failure.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// NotInitialized builds a KindNotInitialized error.
func NotInitialized(op string) *Error {
	return &Error{Kind: KindNotInitialized, Op: op}
}

// KindOf returns the kind of err, or 0 if err carries no tag.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ClassifyHTTP maps a non-2xx HTTP status to an error kind.
func ClassifyHTTP(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return KindTransient
	case status >= 400:
		return KindValidation
	default:
		return KindChainRejected
	}
}

// FromHTTP builds an error for a failed HTTP exchange.
func FromHTTP(op string, status int, body string) *Error {
	return &Error{Kind: ClassifyHTTP(status), Op: op, Msg: fmt.Sprintf("status %d: %s", status, strings.TrimSpace(body))}
}

var revertMarkers = []string{
	"execution reverted",
	"revert",
	"insufficient funds",
	"nonce too low",
	"already known",
	"invalid signature",
	"moveabort",
	"move abort",
	"transaction execution failed",
	"non-mandatory-script-verify-flag",
	"bad-txns",
	"missing-inputs",
	"txn-mempool-conflict",
}

// FromChainError classifies an error returned by a chain client. Revert
// strings become KindChainRejected, everything that looks like I/O is
// KindTransient, and the rest defaults to KindChainRejected.
func FromChainError(op string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(op, err)
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range revertMarkers {
		if strings.Contains(msg, marker) {
			return Rejected(op, err)
		}
	}
	for _, marker := range []string{"connection refused", "connection reset", "eof", "timeout", "no such host", "too many requests", "503", "502", "504"} {
		if strings.Contains(msg, marker) {
			return Transient(op, err)
		}
	}
	return Rejected(op, err)
}
