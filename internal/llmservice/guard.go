package llmservice

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Guard protects the model provider for the whole process: a token bucket
// turns bursts into ErrRateLimited without calling out, a circuit breaker
// fails fast after repeated provider failures, and each call gets a deadline.
// Nothing is retried.
type Guard struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

func NewGuard(requestsPerMinute int, timeout time.Duration) *Guard {
	limit := rate.Inf
	burst := 0
	if requestsPerMinute > 0 {
		limit = rate.Limit(float64(requestsPerMinute) / 60.0)
		burst = max(1, requestsPerMinute/10)
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// rate limits and bad keys say nothing about provider health
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			err = Classify(err)
			return isCallerError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	})
	return &Guard{
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
		timeout: timeout,
	}
}

// Generate runs g.Generate under the guard. Returned errors are classified.
func (gd *Guard) Generate(ctx context.Context, g Generator, prompt string) (string, error) {
	if !gd.limiter.Allow() {
		return "", ErrRateLimited
	}
	if gd.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, gd.timeout)
		defer cancel()
	}
	out, err := gd.breaker.Execute(func() (interface{}, error) {
		text, err := g.Generate(ctx, prompt)
		if err != nil {
			return nil, err
		}
		return text, nil
	})
	if err != nil {
		return "", Classify(err)
	}
	return out.(string), nil
}

func (gd *Guard) State() gobreaker.State {
	return gd.breaker.State()
}

func isCallerError(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnauthorized)
}
