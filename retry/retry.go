// Package retry implements the bounded exponential backoff applied to
// registration, submission and consolidation calls.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/midnightgpu/orchestrator/logging"
	"github.com/midnightgpu/orchestrator/types"
)

// MaxBackoff caps the delay between two attempts.
const MaxBackoff = time.Second * 30

type Policy struct {
	// Attempts is the total number of calls, the first one included.
	Attempts   uint          `long:"attempts" description:"Calls made before giving up"`
	Base       time.Duration `long:"backoff" description:"Delay before the first retry"`
	Multiplier float64       `long:"backoff-multiplier" description:"Delay growth factor"`
	Max        time.Duration `long:"max-backoff" description:"Upper bound of the delay between attempts"`
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts:   3,
		Base:       time.Second,
		Multiplier: 2,
		Max:        MaxBackoff,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.MaxInterval = p.Max
	if b.MaxInterval <= 0 {
		b.MaxInterval = MaxBackoff
	}
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do calls op until it succeeds, fails with an error that is not worth
// retrying, the attempts are used up or ctx is done. It returns the number of
// calls made and the last error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) (uint, error) {
	logger := logging.FromContext(ctx)
	var calls uint
	err := backoff.RetryNotify(
		func() error {
			calls++
			err := op(ctx)
			if err != nil && !types.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		p.backOff(ctx),
		func(err error, delay time.Duration) {
			logger.Info("retrying", zap.Uint("attempt", calls), zap.Duration("delay", delay), zap.Error(err))
		},
	)
	return calls, err
}
