package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrTransient              = errors.New("transient io error")
	ErrAuthentication         = errors.New("authentication error")
	ErrAuthenticationRequired = fmt.Errorf("%w: re-authentication required", ErrAuthentication)
	ErrNotFoundOrRemoved      = errors.New("content not found or removed")
	ErrInvalidFormat          = errors.New("invalid format")
	ErrStaleUpdate            = errors.New("stale marker update")
	ErrChannelNotFound        = errors.New("channel not found")
)

// ErrorKind is the failure taxonomy used for retry decisions and reporting.
type ErrorKind string

const (
	KindTransient      ErrorKind = "transient_io"
	KindAuthentication ErrorKind = "authentication"
	KindNotFound       ErrorKind = "not_found_or_removed"
	KindInvalidFormat  ErrorKind = "invalid_format"
	KindStaleUpdate    ErrorKind = "stale_update"
	KindCanceled       ErrorKind = "canceled"
	KindUnknown        ErrorKind = "unknown"
)

// Retryable reports whether a failure of this kind is worth another attempt.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient
}

// Classify maps an error onto the failure taxonomy. Timeouts and network
// errors are transient; anything unrecognised is treated as permanent.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrNotFoundOrRemoved):
		return KindNotFound
	case errors.Is(err, ErrInvalidFormat):
		return KindInvalidFormat
	case errors.Is(err, ErrStaleUpdate):
		return KindStaleUpdate
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	return KindUnknown
}
