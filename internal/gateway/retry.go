package gateway

import (
	"context"
	"log/slog"
	"time"

	errors "github.com/HaoranTong/ecommerce-platform-sub004/internal"
)

const maxAttempts = 3

// DoWithRetry runs fn with exponential backoff, capped at three attempts.
// Only GATEWAY_UNAVAILABLE errors are retried; business declines and
// authenticity failures return immediately.
func DoWithRetry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	backoff := 500 * time.Millisecond

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !errors.HasCode(err, errors.ErrCodeGatewayUnavailable) {
			return err
		}

		if attempt == maxAttempts {
			break
		}

		logger.Warn("gateway call failed, retrying",
			"op", op,
			"attempt", attempt,
			"backoff", backoff,
			"error", err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return errors.NewGatewayUnavailableError("gateway call cancelled", ctx.Err())
		}
		backoff *= 2
	}

	logger.Error("gateway call exhausted retries", "op", op, "attempts", maxAttempts, "error", err)
	return err
}
