package llmservice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrRateLimited  = errors.New("rate limited by the model provider")
	ErrUnauthorized = errors.New("credential rejected by the model provider")
	ErrUnavailable  = errors.New("model provider unavailable")
)

// Classify maps a provider error onto ErrRateLimited, ErrUnauthorized or
// ErrUnavailable, keeping the original error in the chain. Errors that fit
// none of them are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if kind := fromHTTPStatus(gerr.Code); kind != nil {
			return fmt.Errorf("%w: %w", kind, err)
		}
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.ResourceExhausted:
			return fmt.Errorf("%w: %w", ErrRateLimited, err)
		case codes.Unauthenticated, codes.PermissionDenied:
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		case codes.Unavailable:
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}

	// langchaingo reports HTTP failures only as text
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "status code: 429"), strings.Contains(msg, "error 429"),
		strings.Contains(msg, "resource_exhausted"), strings.Contains(msg, "rate limit"):
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case strings.Contains(msg, "status code: 401"), strings.Contains(msg, "status code: 403"),
		strings.Contains(msg, "api key not valid"), strings.Contains(msg, "invalid api key"):
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case strings.Contains(msg, "status code: 502"), strings.Contains(msg, "status code: 503"):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func fromHTTPStatus(code int) error {
	switch code {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ErrUnavailable
	}
	return nil
}
