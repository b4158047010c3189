package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/midnightgpu/orchestrator/logging"
)

// Select returns the accelerated engine when one is configured and passes its
// health probe, and the fallback engine otherwise. The choice is made once;
// an accelerated engine that fails later is not swapped out.
func Select(ctx context.Context, cfg Config) Engine {
	logger := logging.FromContext(ctx).Named("engine")
	fallback := NewFallback(cfg.FallbackWorkers)
	if cfg.Address == "" {
		logger.Info("using fallback engine", zap.Int("workers", fallback.Workers()))
		return fallback
	}

	acc, err := Dial(ctx, cfg.Address)
	if err != nil {
		logger.Warn("accelerated engine unavailable, using fallback", zap.Error(err))
		return fallback
	}
	probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()
	if err := acc.Probe(probeCtx); err != nil {
		acc.Close()
		logger.Warn("accelerated engine unavailable, using fallback",
			zap.String("address", cfg.Address),
			zap.Error(err),
		)
		return fallback
	}
	logger.Info("using accelerated engine", zap.String("address", cfg.Address))
	return acc
}
