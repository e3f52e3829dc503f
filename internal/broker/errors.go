package broker

import (
	"errors"
	"fmt"
	apperrors "jet_trader/pkg/errors"
	httpx "jet_trader/pkg/http"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// mapTransportError classifies transport and HTTP-status failures into the
// engine's error kinds. Rejections delivered inside a 200 body go through
// rejectionError instead.
func mapTransportError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *httpx.APIError
	if !errors.As(err, &apiErr) {
		// No HTTP status at all: reset, timeout, DNS. The caller cannot
		// know whether the broker acted on the request.
		return fmt.Errorf("%w: %w", apperrors.ErrTransient, err)
	}

	switch {
	case apiErr.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", apperrors.ErrAuthExpired, err)
	case apiErr.StatusCode == http.StatusTooManyRequests:
		if wait, ok := retryAfter(apiErr); ok {
			return fmt.Errorf("%w: retry after %s: %w", apperrors.ErrRateLimited, wait, err)
		}
		return fmt.Errorf("%w: %w", apperrors.ErrRateLimited, err)
	case apiErr.StatusCode >= 500:
		return fmt.Errorf("%w: %w", apperrors.ErrTransient, err)
	default:
		return err
	}
}

// rejectionError converts the failureReason carried in a command response.
// Cancels and modifies racing a fill routinely hit orders the broker no
// longer knows as working; those come back as ErrOrderNotFound so callers
// can treat them as benign.
func rejectionError(reason, text string) error {
	if reason == "" {
		return nil
	}
	switch strings.ToLower(reason) {
	case "ordernotfound", "unknownorder", "orderalreadyterminal":
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, reason)
	}
	return &apperrors.RejectionError{FailureReason: reason, FailureText: text}
}

// RetryAfterHint surfaces the broker's Retry-After header when a rate-limit
// error carries one, so the caller can pause instead of hammering.
func RetryAfterHint(err error) (time.Duration, bool) {
	var apiErr *httpx.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	return retryAfter(apiErr)
}

func retryAfter(apiErr *httpx.APIError) (time.Duration, bool) {
	v := apiErr.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
	}
	return 0, false
}

func isUnauthorized(err error) bool {
	var apiErr *httpx.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

func isNotFound(err error) bool {
	var apiErr *httpx.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
