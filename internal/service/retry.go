// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Interstation-Research/shaman/internal/contentstore"
	"github.com/Interstation-Research/shaman/internal/domain"
	"github.com/Interstation-Research/shaman/internal/metrics"
)

// retry runs fn up to attempts times with exponential backoff while
// retryable accepts the error. The last error is returned unchanged.
func (s *Service) retry(
	ctx context.Context,
	op string,
	attempts int,
	retryable func(error) bool,
	fn func(context.Context) error,
) error {
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || attempt >= attempts || !retryable(err) {
			return err
		}

		wait := s.backoff(attempt)
		s.logger.Warn("operation failed - retrying",
			"op", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func (s *Service) backoff(attempt int) time.Duration {
	wait := s.retryBase * time.Duration(1<<(attempt-1))
	if wait > maxRetryWait || wait <= 0 {
		wait = maxRetryWait
	}
	return wait
}

// withConflictRetry retries ledger write conflicts LEDGER_MAX_RETRIES times.
// A conflict that outlives the retries is reported as ErrUnavailable.
func (s *Service) withConflictRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	err := s.retry(ctx, op, s.maxRetries+1, func(err error) bool {
		if errors.Is(err, domain.ErrWriteConflict) {
			metrics.IncLedgerConflict()
			return true
		}
		return false
	}, fn)
	if errors.Is(err, domain.ErrWriteConflict) {
		return fmt.Errorf("%w: %s: %v", domain.ErrUnavailable, op, err)
	}
	return err
}

// contentRetryable skips errors a second fetch cannot fix.
func contentRetryable(op string) func(error) bool {
	return func(err error) bool {
		if contentstore.IsPermanent(err) || errors.Is(err, context.Canceled) {
			return false
		}
		metrics.IncContentRetry(op)
		return true
	}
}
