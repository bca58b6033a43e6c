package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"auth", NewHTTPError(401, errors.New("unauthorized")), KindAuth},
		{"forbidden", NewHTTPError(403, errors.New("forbidden")), KindAuth},
		{"not found", NewHTTPError(404, errors.New("missing")), KindClient4xx},
		{"rate limited", NewHTTPError(429, errors.New("slow down")), KindTransientNetwork},
		{"server", NewHTTPError(502, errors.New("bad gateway")), KindServer5xx},
		{"cancelled", fmt.Errorf("fetch: %w", context.Canceled), KindCancelled},
		{"deadline", context.DeadlineExceeded, KindServer5xx},
		{"integrity", fmt.Errorf("verify: %w", ErrIntegrity), KindIntegrity},
		{"disk full", &fs.PathError{Op: "write", Path: "/x", Err: syscall.ENOSPC}, KindDiskIO},
		{"path error", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, KindDiskIO},
		{"timeout", timeoutErr{}, KindServer5xx},
		{"conn refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, KindTransientNetwork},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), KindTransientNetwork},
		{"unknown", errors.New("weird"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	assert.True(t, KindTransientNetwork.Retryable())
	assert.True(t, KindServer5xx.Retryable())
	assert.False(t, KindAuth.Retryable())
	assert.False(t, KindClient4xx.Retryable())
	assert.False(t, KindDiskIO.Retryable())
	assert.False(t, KindIntegrity.Retryable())
	assert.False(t, KindCancelled.Retryable())
}

func TestRemoteError_Unwrap(t *testing.T) {
	cause := errors.New("cause")
	err := fmt.Errorf("list page: %w", NewHTTPError(500, cause))

	var remoteErr *RemoteError
	assert.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, 500, remoteErr.StatusCode)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "status 500")
}
