package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"syscall"
)

// Sentinel errors shared across the engine.
var (
	// ErrNotFound is returned when a record does not exist in the store.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for an illegal download status change.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrSyncRunning is returned when an operation needs an idle orchestrator.
	ErrSyncRunning = errors.New("sync already running")

	// ErrIntegrity is returned when downloaded bytes fail verification.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrDiskFull is returned when the cache volume has no space left.
	ErrDiskFull = errors.New("disk full")

	// ErrRangeIgnored is returned when the server answered a range request
	// with the whole body.
	ErrRangeIgnored = errors.New("range request ignored")
)

// ErrorKind classifies failures for retry decisions
type ErrorKind string

const (
	KindTransientNetwork ErrorKind = "transient_network"
	KindAuth             ErrorKind = "auth"
	KindClient4xx        ErrorKind = "client_4xx"
	KindServer5xx        ErrorKind = "server_5xx"
	KindDiskIO           ErrorKind = "disk_io"
	KindIntegrity        ErrorKind = "integrity"
	KindCancelled        ErrorKind = "cancelled"
	KindUnknown          ErrorKind = "unknown"
)

// Retryable reports whether a failure of this kind may succeed on a later attempt.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransientNetwork, KindServer5xx:
		return true
	default:
		return false
	}
}

// RemoteError wraps a failure talking to the remote library server
type RemoteError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Kind, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// NewHTTPError builds a RemoteError from an HTTP status code
func NewHTTPError(statusCode int, err error) *RemoteError {
	kind := KindClient4xx
	switch {
	case statusCode == 401 || statusCode == 403:
		kind = KindAuth
	case statusCode == 408 || statusCode == 429:
		kind = KindTransientNetwork
	case statusCode >= 500:
		kind = KindServer5xx
	}
	return &RemoteError{Kind: kind, StatusCode: statusCode, Err: err}
}

// Classify maps an error onto the failure taxonomy
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindServer5xx
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrDiskFull), errors.Is(err, syscall.ENOSPC):
		return KindDiskIO
	case errors.Is(err, io.ErrUnexpectedEOF):
		return KindTransientNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindServer5xx
		}
		return KindTransientNetwork
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return KindDiskIO
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return KindTransientNetwork
	}

	return KindUnknown
}

// IsRetryable is shorthand for Classify(err).Retryable()
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}
