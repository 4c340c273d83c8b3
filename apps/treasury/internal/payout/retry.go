package payout

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"treasury/apps/treasury/internal/chain"
	"treasury/apps/treasury/internal/errs"
	"treasury/apps/treasury/internal/metrics"
)

const (
	DefaultRetryInitialInterval = 2 * time.Second
	DefaultRetryMaxInterval     = 30 * time.Second

	pathAuto     = "auto"
	pathMultisig = "multisig"
)

// RetryPolicy shapes the exponential backoff between submission attempts.
// The attempt count comes from the engine control record.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// IsRetryable reports whether a failed submission may be attempted again.
// Only transient failures that never reached the network qualify.
func IsRetryable(err error) bool {
	var submitErr *chain.SubmitError
	if !errors.As(err, &submitErr) {
		return false
	}
	return submitErr.Transient && !submitErr.Broadcast
}

// submitWithRetry submits transfer up to maxAttempts times. The halt flag and
// the wallet status are re-read before every attempt. It returns the number
// of attempts made.
func (e *Engine) submitWithRetry(ctx context.Context, path string, transfer chain.Transfer, maxAttempts int, walletID string) (*chain.Receipt, int, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	attempts := 0
	start := time.Now()

	operation := func() (*chain.Receipt, error) {
		if err := e.checkGates(ctx, walletID); err != nil {
			return nil, backoff.Permanent(err)
		}
		attempts++
		if attempts > 1 {
			metrics.ExecutionRetries.WithLabelValues(path).Inc()
		}

		receipt, err := e.submitter.Submit(ctx, transfer)
		if err != nil {
			e.logger.Warn("Transfer submission failed",
				zap.String("path", path),
				zap.String("reference", transfer.Reference),
				zap.Int("attempt", attempts),
				zap.Bool("retryable", IsRetryable(err)),
				zap.Error(err))
			if !IsRetryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return receipt, nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = e.cfg.Retry.InitialInterval
	exp.MaxInterval = e.cfg.Retry.MaxInterval

	receipt, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
	metrics.ExecutionLatency.WithLabelValues(path).Observe(time.Since(start).Seconds())
	if err != nil {
		result := "failed"
		if errs.KindOf(err) == errs.KindEmergencyState {
			result = "blocked"
		}
		metrics.ExecutionsTotal.WithLabelValues(path, result).Inc()
		return nil, attempts, err
	}
	metrics.ExecutionsTotal.WithLabelValues(path, "success").Inc()
	return receipt, attempts, nil
}

// checkGates fails when the engine is halted or the wallet is no longer
// active.
func (e *Engine) checkGates(ctx context.Context, walletID string) error {
	control, err := e.store.GetControl(ctx)
	if err != nil {
		return err
	}
	if control.Halted {
		return errs.ErrEngineHalted
	}
	w, err := e.wallets.Get(ctx, walletID)
	if err != nil {
		return err
	}
	return walletGate(w)
}
