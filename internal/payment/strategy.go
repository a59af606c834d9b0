package payment

import (
	"context"

	"go.uber.org/zap"

	"parkpay/internal/openpay"
)

// strategy is one named step of an ordered fallback chain.
type strategy[T any] struct {
	name string
	run  func(ctx context.Context) (T, error)
}

// runStrategies tries each strategy in order and stops at the first success.
// On exhaustion it returns the last error together with every attempt made.
// A cancelled context ends the chain early.
func runStrategies[T any](ctx context.Context, log *zap.Logger, chain string, strategies []strategy[T]) (T, string, []Attempt, error) {
	var (
		zero     T
		attempts []Attempt
		lastErr  error
	)
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return zero, "", attempts, err
		}
		out, err := s.run(ctx)
		if err == nil {
			log.Debug("strategy succeeded", zap.String("chain", chain), zap.String("strategy", s.name), zap.Int("failed_before", len(attempts)))
			return out, s.name, attempts, nil
		}
		lastErr = err
		attempts = append(attempts, Attempt{Strategy: s.name, Status: openpay.StatusOf(err), Reason: err.Error()})
		log.Info("strategy failed",
			zap.String("chain", chain),
			zap.String("strategy", s.name),
			zap.Int("upstream_status", openpay.StatusOf(err)),
			zap.Error(err),
		)
	}
	return zero, "", attempts, lastErr
}
