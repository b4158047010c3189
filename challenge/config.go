package challenge

import (
	"time"

	"github.com/midnightgpu/orchestrator/shared"
)

func DefaultConfig() Config {
	return Config{
		ValidityWindow:      shared.DefaultValidityWindow,
		MinTimeLeft:         2 * time.Minute,
		PollInterval:        time.Minute,
		ExpirySweepInterval: time.Minute,
		CacheSize:           1024,
	}
}

//nolint:lll
type Config struct {
	ValidityWindow      time.Duration `long:"validity-window"       description:"How long a challenge can be mined after it was issued"`
	MinTimeLeft         time.Duration `long:"min-time-left"         description:"Challenges closer than this to expiry are not handed out"`
	PollInterval        time.Duration `long:"poll-interval"         description:"Interval between challenge feed polls"`
	ExpirySweepInterval time.Duration `long:"expiry-sweep-interval" description:"Interval between expiry sweeps"`
	CacheSize           int           `long:"cache-size"            description:"Number of recently ingested challenges remembered in memory"`
}
