package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromHTTPStatus(t *testing.T) {
	require.NoError(t, FromHTTPStatus(200, "https://example.com"))
	require.NoError(t, FromHTTPStatus(304, "https://example.com"))

	err := FromHTTPStatus(404, "https://example.com/missing")
	require.Error(t, err)
	require.True(t, IsPermanent(err))
	require.False(t, IsTransient(err))
	require.Contains(t, err.Error(), "HTTP 404")

	for _, status := range []int{429, 500, 502, 503, 504} {
		err := FromHTTPStatus(status, "https://example.com")
		require.True(t, IsTransient(err), "status %d should be transient", status)
	}
}

func TestIsTransientTypedErrors(t *testing.T) {
	require.True(t, IsTransient(Transientf("timeout while fetching %s", "https://example.com")))
	require.False(t, IsTransient(Permanentf("unsupported scheme")))

	// Wrapped typed errors keep their classification.
	wrapped := fmt.Errorf("fetch page: %w", NewTransientError(errors.New("boom"), ""))
	require.True(t, IsTransient(wrapped))

	wrappedPerm := fmt.Errorf("fetch page: %w", NewPermanentError(errors.New("gone"), ""))
	require.False(t, IsTransient(wrappedPerm))
	require.True(t, IsPermanent(wrappedPerm))
}

func TestIsTransientNetworkErrors(t *testing.T) {
	require.True(t, IsTransient(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	require.True(t, IsTransient(&net.DNSError{IsTemporary: true}))
	require.False(t, IsTransient(&net.DNSError{IsTemporary: false, Err: "no such host"}))
	require.True(t, IsTransient(syscall.ECONNRESET))
	require.True(t, IsTransient(errors.New("read tcp: connection reset by peer")))
	require.True(t, IsTransient(context.DeadlineExceeded))
}

func TestIsTransientContextCanceled(t *testing.T) {
	require.False(t, IsTransient(context.Canceled))
	require.False(t, IsTransient(fmt.Errorf("aborted: %w", context.Canceled)))
}

func TestIsTransientNil(t *testing.T) {
	require.False(t, IsTransient(nil))
	require.False(t, IsPermanent(nil))
}

func TestExhaustedErrorUnwraps(t *testing.T) {
	last := Transientf("HTTP 503 fetching https://example.com")
	err := &ExhaustedError{Attempts: 3, Err: last}

	require.True(t, IsExhausted(err))
	require.True(t, IsTransient(err))
	require.Contains(t, err.Error(), "retry exhausted after 3 attempt(s)")
	require.Contains(t, err.Error(), "HTTP 503")

	var transient *TransientError
	require.True(t, errors.As(err, &transient))
}
