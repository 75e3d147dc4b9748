package resilience

import (
	"context"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sony/gobreaker"
)

// RetryConfig controls the upstream retry policy.
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterDelay time.Duration
	ShouldRetry func(resp *http.Response, err error) bool
}

// DefaultRetryConfig retries transport errors, 429s, and 5xx responses with
// jittered exponential backoff.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:  2,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
	JitterDelay: 250 * time.Millisecond,
	ShouldRetry: func(resp *http.Response, err error) bool {
		if err != nil {
			return true
		}
		if resp == nil {
			return false
		}
		return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	},
}

// BreakerConfig controls when the upstream circuit opens.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	OnStateChange    func(name string, from, to gobreaker.State)
	IsSuccessful     func(err error) bool
}

// DefaultBreakerConfig trips after sustained upstream failure but never on a
// handful of requests.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         10 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.5,
		MinRequests:      10,
		IsSuccessful:     func(err error) bool { return err == nil },
	}
}

func breakerSettings(cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			if counts.ConsecutiveFailures >= cfg.FailureThreshold {
				return true
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: cfg.OnStateChange,
		IsSuccessful:  cfg.IsSuccessful,
	}
}

// NewRetryPolicy builds the failsafe policy from a RetryConfig.
func NewRetryPolicy[R any](cfg RetryConfig) retrypolicy.RetryPolicy[R] {
	builder := retrypolicy.NewBuilder[R]().
		WithMaxRetries(cfg.MaxRetries).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay)
	if cfg.JitterDelay > 0 {
		builder = builder.WithJitter(cfg.JitterDelay)
	}
	return builder.Build()
}

// Executor runs upstream calls under the retry policy and an optional
// circuit breaker.
type Executor[R any] struct {
	executor failsafe.Executor[R]
	breaker  *gobreaker.CircuitBreaker
}

// NewExecutor builds an executor. breakerConfig may be nil to skip the
// circuit breaker, as the buffered fallback path does.
func NewExecutor[R any](retryConfig RetryConfig, breakerConfig *BreakerConfig) *Executor[R] {
	e := &Executor[R]{
		executor: failsafe.With(NewRetryPolicy[R](retryConfig)),
	}
	if breakerConfig != nil {
		e.breaker = gobreaker.NewCircuitBreaker(breakerSettings(*breakerConfig))
	}
	return e
}

// Execute runs fn with retries, gated by the breaker when configured.
func (e *Executor[R]) Execute(ctx context.Context, fn func() (R, error)) (R, error) {
	if e.breaker != nil {
		result, err := e.breaker.Execute(func() (any, error) {
			return e.executor.WithContext(ctx).Get(fn)
		})
		if err != nil {
			var zero R
			return zero, err
		}
		return result.(R), nil
	}
	return e.executor.WithContext(ctx).Get(fn)
}

// StreamBreaker gates streamed turns. Execute-style wrapping does not fit a
// stream whose outcome is only known after the response body is consumed, so
// this exposes gobreaker's two-step commit instead.
type StreamBreaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

// NewStreamBreaker builds a two-step breaker for streamed turns.
func NewStreamBreaker(cfg BreakerConfig) *StreamBreaker {
	return &StreamBreaker{cb: gobreaker.NewTwoStepCircuitBreaker(breakerSettings(cfg))}
}

// Allow asks the breaker to admit a stream. The returned callback must be
// invoked with the stream's final outcome.
func (s *StreamBreaker) Allow() (done func(success bool), err error) {
	return s.cb.Allow()
}

// State returns the breaker state.
func (s *StreamBreaker) State() gobreaker.State {
	return s.cb.State()
}

// Counts returns the breaker's internal counters.
func (s *StreamBreaker) Counts() gobreaker.Counts {
	return s.cb.Counts()
}
