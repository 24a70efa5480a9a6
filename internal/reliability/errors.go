package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a failure for retry and status decisions
type Kind int

const (
	KindTransient Kind = iota
	KindAuth
	KindMapping
	KindFolder
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "authentication"
	case KindMapping:
		return "mapping"
	case KindFolder:
		return "folder"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Auth marks err as an authentication failure
func Auth(op string, err error) error {
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

// Mapping marks err as a per-message mapping failure
func Mapping(op string, err error) error {
	return &Error{Kind: KindMapping, Op: op, Err: err}
}

// Folder marks err as a failure scoped to one folder
func Folder(folder string, err error) error {
	return &Error{Kind: KindFolder, Op: fmt.Sprintf("folder %q", folder), Err: err}
}

// Fatal marks err as an account-level failure
func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain.
// Unclassified errors are transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsAuth reports whether err is an authentication failure
func IsAuth(err error) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Kind == KindAuth {
			return true
		}
		err = e.Err
	}
	return false
}

// IsRetryable reports whether err is worth another attempt
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindAuth, KindMapping, KindFatal:
		return false
	case KindFolder:
		return isNetworkError(err)
	}
	return true
}

var networkPatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"i/o timeout",
	"no such host",
	"temporary failure",
	"network unreachable",
	"broken pipe",
	"use of closed network connection",
	"unexpected eof",
	"* bye",
	"server unavailable",
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range networkPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsConnectionError reports whether err means the session is no longer usable
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return isNetworkError(err)
}
