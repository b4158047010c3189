package scheduler

import "time"

func DefaultConfig() Config {
	return Config{
		Workers:             1,
		BatchSize:           1 << 24,
		LeaseTimeout:        10 * time.Minute,
		CancelCheckInterval: 5 * time.Second,
		IdleBackoff:         5 * time.Second,
		StatsInterval:       30 * time.Second,
	}
}

//nolint:lll
type Config struct {
	Workers             int           `long:"workers"               description:"Number of worker slots mining concurrently"`
	BatchSize           uint64        `long:"batch-size"            description:"Nonces handed to the compute engine per assignment"`
	LeaseTimeout        time.Duration `long:"lease-timeout"         description:"How long an assignment may run before its slot is reset"`
	CancelCheckInterval time.Duration `long:"cancel-check-interval" description:"How often a running assignment checks that its challenge is still live"`
	IdleBackoff         time.Duration `long:"idle-backoff"          description:"Wait before retrying when there is no challenge or wallet to work with"`
	StatsInterval       time.Duration `long:"stats-interval"        description:"Interval between statistics log lines (0 disables)"`
}
