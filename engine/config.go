package engine

import "time"

func DefaultConfig() Config {
	return Config{
		ProbeTimeout: 5 * time.Second,
	}
}

//nolint:lll
type Config struct {
	Address         string        `long:"engine-address"   description:"gRPC address of the accelerated compute engine (empty uses the fallback engine)"`
	ProbeTimeout    time.Duration `long:"probe-timeout"    description:"How long to wait for the accelerated engine health check at startup"`
	FallbackWorkers int           `long:"fallback-workers" description:"Goroutines used by the fallback engine (0 uses every CPU)"`
}
