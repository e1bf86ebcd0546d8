package errors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr struct{ status int }

func (e statusErr) Error() string   { return fmt.Sprintf("http status %d", e.status) }
func (e statusErr) HTTPStatus() int { return e.status }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o wait exceeded" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		expectedKind Kind
		expectedCode int
	}{
		{"unauthorized", statusErr{401}, KindInvalidCredentials, 401},
		{"forbidden", statusErr{403}, KindInvalidCredentials, 403},
		{"too many requests", statusErr{429}, KindRateLimited, 429},
		{"internal server error", statusErr{500}, KindServiceUnavailable, 500},
		{"bad gateway", statusErr{502}, KindServiceUnavailable, 502},
		{"bad request", statusErr{400}, KindGeneric, 400},
		{"wrapped status", fmt.Errorf("place order: %w", statusErr{503}), KindServiceUnavailable, 503},
		{"econnrefused", &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}}, KindConnectionRefused, 0},
		{"refused text", errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), KindConnectionRefused, 0},
		{"deadline", context.DeadlineExceeded, KindTimeout, 0},
		{"net timeout", timeoutErr{}, KindTimeout, 0},
		{"client timeout text", errors.New("Client.Timeout exceeded while awaiting headers"), KindTimeout, 0},
		{"anything else", errors.New("unexpected end of JSON input"), KindGeneric, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, code := Classify(tt.err)
			assert.Equal(t, tt.expectedKind, kind)
			assert.Equal(t, tt.expectedCode, code)
		})
	}
}

func TestHandler_HandleError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := NewHandler("binance", logger)

	t.Run("nil passes through", func(t *testing.T) {
		assert.NoError(t, handler.HandleError(nil, "getAccountBalance"))
	})

	t.Run("classifies and logs raw cause", func(t *testing.T) {
		buf.Reset()
		err := handler.HandleError(statusErr{401}, "getAccountBalance")

		var be *BrokerError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, KindInvalidCredentials, be.Kind)
		assert.Equal(t, "binance", be.Exchange)
		assert.Equal(t, "getAccountBalance", be.Operation)
		assert.Equal(t, 401, be.StatusCode)
		assert.Equal(t, "invalid credentials", be.Message)
		assert.True(t, errors.Is(err, ErrInvalidCredentials))

		assert.Contains(t, buf.String(), "http status 401")
		assert.Contains(t, buf.String(), "getAccountBalance")
	})

	t.Run("generic carries original message", func(t *testing.T) {
		err := handler.HandleError(errors.New("margin is insufficient"), "placeOrder")
		assert.Equal(t, KindGeneric, KindOf(err))
		assert.Contains(t, err.Error(), "margin is insufficient")
	})

	t.Run("classified errors pass through unchanged", func(t *testing.T) {
		original := RateLimited("binance", "order")
		err := handler.HandleError(fmt.Errorf("wrapped: %w", original), "placeOrder")
		assert.Same(t, original, err)
	})
}

func TestHelpers(t *testing.T) {
	err := fmt.Errorf("connect: %w", Unsupported("kraken"))
	assert.True(t, IsKind(err, KindUnsupportedExchange))
	assert.False(t, IsKind(err, KindTimeout))
	assert.Equal(t, KindUnsupportedExchange, KindOf(err))
	assert.Equal(t, KindGeneric, KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Contains(t, err.Error(), "unsupported exchange: kraken")

	assert.True(t, IsRetryable(New(KindTimeout, "")))
	assert.False(t, IsRetryable(New(KindInvalidCredentials, "")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.Equal(t, "request timed out", New(KindTimeout, "").Message)
}

func TestRetry(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, logger, "subscribe", func() error {
			calls++
			if calls < 3 {
				return New(KindConnectionRefused, "")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, logger, "subscribe", func() error {
			calls++
			return New(KindInvalidCredentials, "")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.True(t, IsKind(err, KindInvalidCredentials))
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, logger, "subscribe", func() error {
			calls++
			return New(KindTimeout, "")
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.Contains(t, err.Error(), "after 3 attempts")
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := Retry(ctx, policy, logger, "subscribe", func() error {
			calls++
			return New(KindTimeout, "")
		})
		require.Error(t, err)
		assert.LessOrEqual(t, calls, 1)
	})
}

func TestRetryPolicy_BackOff(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

	b := policy.BackOff(context.Background())
	for i := 0; i < 2; i++ {
		d := b.NextBackOff()
		assert.NotEqual(t, backoff.Stop, d)
		assert.LessOrEqual(t, d, 6*time.Millisecond)
	}
	assert.Equal(t, backoff.Stop, b.NextBackOff())

	// a zero policy still allows the first attempt and nothing more
	assert.Equal(t, backoff.Stop, RetryPolicy{}.BackOff(context.Background()).NextBackOff())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, backoff.Stop, policy.BackOff(ctx).NextBackOff())
}
