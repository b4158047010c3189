package submitter

import (
	"time"

	"github.com/midnightgpu/orchestrator/retry"
)

func DefaultConfig() Config {
	return Config{
		PendingRetryInterval: time.Minute,
		Retry:                retry.DefaultPolicy(),
	}
}

//nolint:lll
type Config struct {
	PendingRetryInterval time.Duration `long:"pending-retry-interval" description:"Interval between retries of solutions left pending"`

	Retry retry.Policy `group:"Submission retries" namespace:"submit"`
}
