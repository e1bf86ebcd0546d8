// Package errors provides the error taxonomy shared by every exchange connector.
// Heterogeneous transport failures (HTTP status codes, socket errors, timeouts)
// are normalized here into a small set of kinds so callers can react uniformly
// regardless of which exchange produced them.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Kind represents the classification of a broker error
type Kind string

const (
	KindInvalidCredentials  Kind = "invalid_credentials"  // HTTP 401/403
	KindRateLimited         Kind = "rate_limited"         // local admission denial or HTTP 429
	KindServiceUnavailable  Kind = "service_unavailable"  // HTTP 5xx
	KindConnectionRefused   Kind = "connection_refused"   // TCP connect refused
	KindTimeout             Kind = "timeout"              // deadline or socket timeout
	KindUnsupportedExchange Kind = "unsupported_exchange" // unknown exchange type
	KindGeneric             Kind = "generic"              // anything else
)

// Retryable reports whether an operation failing with this kind may succeed
// if attempted again later.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindServiceUnavailable, KindConnectionRefused, KindTimeout:
		return true
	default:
		return false
	}
}

// defaultMessages are the user-visible messages for each classified kind.
var defaultMessages = map[Kind]string{
	KindInvalidCredentials:  "invalid credentials",
	KindRateLimited:         "rate limit exceeded",
	KindServiceUnavailable:  "exchange service unavailable",
	KindConnectionRefused:   "connection refused by exchange",
	KindTimeout:             "request timed out",
	KindUnsupportedExchange: "unsupported exchange",
}

// BrokerError is a classified error returned by connector operations
type BrokerError struct {
	Kind       Kind      `json:"kind"`
	Exchange   string    `json:"exchange,omitempty"`
	Operation  string    `json:"operation,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Message    string    `json:"message"`
	Err        error     `json:"-"`
	Timestamp  time.Time `json:"timestamp"`
}

// Error implements the error interface
func (e *BrokerError) Error() string {
	prefix := string(e.Kind)
	if e.Exchange != "" {
		prefix = e.Exchange + "/" + prefix
	}
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s: %s", prefix, e.Operation, e.Message)
	}
	return fmt.Sprintf("[%s] %s", prefix, e.Message)
}

// Unwrap returns the underlying error
func (e *BrokerError) Unwrap() error {
	return e.Err
}

// Is matches any *BrokerError of the same kind
func (e *BrokerError) Is(target error) bool {
	if t, ok := target.(*BrokerError); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Retryable reports whether the failure is transient
func (e *BrokerError) Retryable() bool {
	return e.Kind.Retryable()
}

// New creates a classified error with the default message for its kind
func New(kind Kind, message string) *BrokerError {
	if message == "" {
		message = defaultMessages[kind]
	}
	return &BrokerError{Kind: kind, Message: message, Timestamp: time.Now()}
}

// Unsupported returns the error for an exchange type the registry cannot build
func Unsupported(exchange string) *BrokerError {
	return &BrokerError{
		Kind:      KindUnsupportedExchange,
		Exchange:  exchange,
		Message:   fmt.Sprintf("unsupported exchange: %s", exchange),
		Timestamp: time.Now(),
	}
}

// RateLimited returns the error for a local admission denial on endpoint
func RateLimited(exchange, endpoint string) *BrokerError {
	return &BrokerError{
		Kind:      KindRateLimited,
		Exchange:  exchange,
		Operation: endpoint,
		Message:   fmt.Sprintf("rate limit exceeded for %s", endpoint),
		Timestamp: time.Now(),
	}
}

// Sentinels usable with errors.Is
var (
	ErrInvalidCredentials  = &BrokerError{Kind: KindInvalidCredentials}
	ErrRateLimited         = &BrokerError{Kind: KindRateLimited}
	ErrServiceUnavailable  = &BrokerError{Kind: KindServiceUnavailable}
	ErrConnectionRefused   = &BrokerError{Kind: KindConnectionRefused}
	ErrTimeout             = &BrokerError{Kind: KindTimeout}
	ErrUnsupportedExchange = &BrokerError{Kind: KindUnsupportedExchange}
	ErrGeneric             = &BrokerError{Kind: KindGeneric}
)

// StatusCoder is implemented by transport errors that carry an HTTP status
type StatusCoder interface {
	HTTPStatus() int
}

// Handler normalizes transport failures for one exchange connector
type Handler struct {
	exchange string
	logger   *slog.Logger
}

// NewHandler creates a handler that tags errors with the given exchange
func NewHandler(exchange string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{exchange: exchange, logger: logger}
}

// HandleError classifies cause and logs it with the operation context before
// returning the classified error. Already classified errors pass through.
func (h *Handler) HandleError(cause error, operation string) error {
	if cause == nil {
		return nil
	}

	var be *BrokerError
	if errors.As(cause, &be) {
		return be
	}

	kind, status := Classify(cause)
	message := defaultMessages[kind]
	if kind == KindGeneric {
		message = cause.Error()
	}

	classified := &BrokerError{
		Kind:       kind,
		Exchange:   h.exchange,
		Operation:  operation,
		StatusCode: status,
		Message:    message,
		Err:        cause,
		Timestamp:  time.Now(),
	}

	level := slog.LevelError
	if kind.Retryable() {
		level = slog.LevelWarn
	}
	h.logger.Log(context.Background(), level, "exchange operation failed",
		"exchange", h.exchange,
		"operation", operation,
		"kind", string(kind),
		"status", status,
		"error", cause.Error())

	return classified
}

// Classify maps a raw transport error to a kind and, when known, its HTTP status
func Classify(err error) (Kind, int) {
	if err == nil {
		return "", 0
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		switch {
		case status == 401 || status == 403:
			return KindInvalidCredentials, status
		case status == 429:
			return KindRateLimited, status
		case status >= 500:
			return KindServiceUnavailable, status
		case status > 0:
			return KindGeneric, status
		}
	}

	if isConnectionRefused(err) {
		return KindConnectionRefused, 0
	}
	if isTimeout(err) {
		return KindTimeout, 0
	}
	return KindGeneric, 0
}

func isConnectionRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection refused")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded")
}

// KindOf extracts the kind from err. Unclassified errors report KindGeneric.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindGeneric
}

// IsKind reports whether err is a BrokerError of the given kind
func IsKind(err error, kind Kind) bool {
	var be *BrokerError
	return errors.As(err, &be) && be.Kind == kind
}

// IsRetryable reports whether err is a classified transient failure
func IsRetryable(err error) bool {
	var be *BrokerError
	return errors.As(err, &be) && be.Retryable()
}

// RetryPolicy configures Retry
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// BackOff builds the exponential schedule of the policy, bounded by its
// attempts and by ctx
func (p RetryPolicy) BackOff(ctx context.Context) backoff.BackOffContext {
	exponential := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		exponential.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		exponential.MaxInterval = p.MaxDelay
	}
	exponential.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(p.attempts()-1)), ctx)
}

// Retry runs fn with exponential backoff until it succeeds, returns a
// non-retryable error, or the attempts are exhausted.
func Retry(ctx context.Context, policy RetryPolicy, logger *slog.Logger, operation string, fn func() error) error {
	if logger == nil {
		logger = slog.Default()
	}
	strategy := policy.BackOff(ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		var be *BrokerError
		if errors.As(err, &be) && !be.Retryable() {
			return backoff.Permanent(err)
		}
		logger.Warn("operation failed, retrying",
			"operation", operation,
			"attempt", attempts,
			"max_attempts", policy.attempts(),
			"error", err.Error())
		return err
	}, strategy)

	if err != nil {
		return fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, err)
	}
	return nil
}
