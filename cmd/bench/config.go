package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/midnightgpu/orchestrator/engine"
)

const (
	defaultBatch  = 1 << 22
	defaultRounds = 5
	defaultTarget = "00000000"
)

// config defines the configuration options for bench.
//
//nolint:lll
type config struct {
	Batch  uint64 `long:"batch"  short:"b" description:"nonces searched per round"`
	Rounds int    `long:"rounds" short:"r" description:"number of rounds"`
	Target string `long:"target" short:"t" description:"difficulty mask; the default never matches so every round scans the whole batch"`
	CPU    bool   `long:"cpu"    short:"c" description:"whether to enable CPU profiling"`

	Engine engine.Config `group:"Engine"`
}

// loadConfig initializes and parses the config using command line options.
func loadConfig() (*config, error) {
	cfg := config{
		Batch:  defaultBatch,
		Rounds: defaultRounds,
		Target: defaultTarget,
		Engine: engine.DefaultConfig(),
	}

	if _, err := flags.Parse(&cfg); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		} else {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		return nil, err
	}

	return &cfg, nil
}
