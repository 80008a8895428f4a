package catalog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Sentinel errors shared by stores and the engine.
var (
	ErrNotFound      = errors.New("not found")
	ErrRunTerminal   = errors.New("run already finished")
	ErrRunNotActive  = errors.New("run is not active in this process")
	ErrUnknownSource = errors.New("unknown source")
)

// TransientFetchError is a fetch failure that is safe to retry (network,
// rate limiting, 5xx).
type TransientFetchError struct {
	Source     string
	StatusCode int
	Err        error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient fetch error from %s (status %d): %v", e.Source, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient fetch error from %s: %v", e.Source, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// PermanentFetchError is a fetch failure no retry will fix (auth, 4xx). It
// fails the run.
type PermanentFetchError struct {
	Source     string
	StatusCode int
	Err        error
}

func (e *PermanentFetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent fetch error from %s (status %d): %v", e.Source, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent fetch error from %s: %v", e.Source, e.Err)
}

func (e *PermanentFetchError) Unwrap() error { return e.Err }

// SegmentOverflowError reports a segment still at or above the result cap
// after the partition depth is exhausted.
type SegmentOverflowError struct {
	Segment  Segment
	Estimate int
	Cap      int
}

func (e *SegmentOverflowError) Error() string {
	return fmt.Sprintf("segment %s overflows cap %d at depth %d (estimate %d)",
		e.Segment.Key(), e.Cap, e.Segment.Depth, e.Estimate)
}

// ParseError reports a malformed payload. The record is skipped.
type ParseError struct {
	Source     string
	NaturalKey string
	Err        error
}

func (e *ParseError) Error() string {
	if e.NaturalKey != "" {
		return fmt.Sprintf("parse %s record %s: %v", e.Source, e.NaturalKey, e.Err)
	}
	return fmt.Sprintf("parse %s record: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StoreConflictError reports an optimistic-concurrency miss on an entity.
type StoreConflictError struct {
	EntityID string
	Expected int64
	Actual   int64
}

func (e *StoreConflictError) Error() string {
	return fmt.Sprintf("entity %s version conflict: expected %d, found %d", e.EntityID, e.Expected, e.Actual)
}

// IsPermanent reports whether err (or anything it wraps) is a PermanentFetchError.
func IsPermanent(err error) bool {
	var pe *PermanentFetchError
	return errors.As(err, &pe)
}

// IsTransient reports whether err is safe to retry: an explicit
// TransientFetchError, a network timeout, a reset connection, or one of the
// common transport failure messages.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientFetchError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected eof",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientStatus reports whether an HTTP status is worth retrying.
func IsTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return code >= 500 && code < 600
	}
}

// ClassifyFetchError wraps a failed request from source into the taxonomy.
// A 2xx status with a nil err returns nil. 401 and 403 are permanent, as is
// any other 4xx that is not a retryable status. Transport failures without a
// status are treated as transient.
func ClassifyFetchError(source string, status int, err error) error {
	if err == nil && (status == 0 || (status >= 200 && status < 300)) {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("unexpected status %d", status)
	}
	switch {
	case status == http.StatusUnauthorized:
		return &PermanentFetchError{Source: source, StatusCode: status, Err: fmt.Errorf("token invalid or expired: %w", err)}
	case status == http.StatusForbidden:
		return &PermanentFetchError{Source: source, StatusCode: status, Err: fmt.Errorf("access forbidden: %w", err)}
	case status > 0 && IsTransientStatus(status):
		return &TransientFetchError{Source: source, StatusCode: status, Err: err}
	case status >= 400 && status < 500:
		return &PermanentFetchError{Source: source, StatusCode: status, Err: err}
	case errors.Is(err, context.Canceled):
		return err
	default:
		return &TransientFetchError{Source: source, StatusCode: status, Err: err}
	}
}
