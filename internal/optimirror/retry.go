package optimirror

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 100 * time.Millisecond
	DefaultMaxDelay   = 10 * time.Second
)

// Remote error codes. Code-based classification is the primary retryability
// signal; message patterns are only a fallback for opaque legacy errors.
const (
	CodeTimeout      = "timeout"
	CodeNetwork      = "network"
	CodeRateLimited  = "rate_limited"
	CodeServerError  = "server_error"
	CodeUnavailable  = "unavailable"
	CodeValidation   = "validation"
	CodeConflict     = "conflict"
	CodeDuplicate    = "duplicate"
	CodeNotFound     = "not_found"
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
)

// RemoteError is the structured failure shape of the remote operation
// contract. RetryAfter, when set, is a server-provided delay hint.
type RemoteError struct {
	Code       string
	Message    string
	Status     int
	RetryAfter time.Duration
}

func (e *RemoteError) Error() string {
	if e == nil {
		return "remote error"
	}
	if e.Code != "" {
		return fmt.Sprintf("remote operation failed: code=%s message=%s", e.Code, e.Message)
	}
	return fmt.Sprintf("remote operation failed: %s", e.Message)
}

// RetryConfig governs how one submission's failures are retried.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Classifier, when set, overrides the default retryability decision.
	Classifier func(error) bool
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	return c
}

var retryableCodes = map[string]bool{
	CodeTimeout:     true,
	CodeNetwork:     true,
	CodeRateLimited: true,
	CodeServerError: true,
	CodeUnavailable: true,
}

var terminalCodes = map[string]bool{
	CodeValidation:   true,
	CodeConflict:     true,
	CodeDuplicate:    true,
	CodeNotFound:     true,
	CodeUnauthorized: true,
	CodeForbidden:    true,
}

// IsRetryable classifies a remote failure. Structured codes win; otherwise
// the error message is pattern-matched, and anything unclassified is treated
// conservatively as non-retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) && remoteErr.Code != "" {
		if retryableCodes[remoteErr.Code] {
			return true
		}
		if terminalCodes[remoteErr.Code] {
			return false
		}
	}
	return retryableMessage(err.Error())
}

var retryablePatterns = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network",
	"rate limit",
	"too many requests",
	"temporarily unavailable",
	"service unavailable",
	"internal server error",
	"bad gateway",
	"status=429",
	"status=500",
	"status=502",
	"status=503",
	"status=504",
}

var terminalPatterns = []string{
	"validation",
	"invalid",
	"permission denied",
	"unauthorized",
	"forbidden",
	"not found",
	"conflict",
	"already exists",
	"duplicate",
}

func retryableMessage(message string) bool {
	message = strings.ToLower(message)
	for _, pattern := range terminalPatterns {
		if strings.Contains(message, pattern) {
			return false
		}
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(message, pattern) {
			return true
		}
	}
	return false
}

// ComputeDelay returns the backoff wait before retry attemptIndex
// (zero-based): min(maxDelay, baseDelay*2^attemptIndex) scaled by a jitter
// factor drawn uniformly from [0.5, 1.0]. jitter may be nil for the default
// source; tests inject a fixed one.
func ComputeDelay(attemptIndex int, cfg RetryConfig, jitter func() float64) time.Duration {
	cfg = cfg.withDefaults()
	if attemptIndex < 0 {
		attemptIndex = 0
	}
	delay := cfg.BaseDelay
	for i := 0; i < attemptIndex; i++ {
		delay *= 2
		if delay >= cfg.MaxDelay {
			delay = cfg.MaxDelay
			break
		}
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if jitter == nil {
		jitter = defaultJitter
	}
	factor := jitter()
	if factor < 0.5 {
		factor = 0.5
	}
	if factor > 1.0 {
		factor = 1.0
	}
	return time.Duration(float64(delay) * factor)
}

func defaultJitter() float64 {
	return 0.5 + 0.5*rand.Float64()
}

// retryDelay folds a server-provided Retry-After hint into the computed
// backoff, capped at the configured maximum.
func retryDelay(attemptIndex int, cfg RetryConfig, err error, jitter func() float64) time.Duration {
	cfg = cfg.withDefaults()
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) && remoteErr.RetryAfter > 0 {
		if remoteErr.RetryAfter > cfg.MaxDelay {
			return cfg.MaxDelay
		}
		return remoteErr.RetryAfter
	}
	return ComputeDelay(attemptIndex, cfg, jitter)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
