// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers

package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jessevdk/go-flags"

	"github.com/midnightgpu/orchestrator/challenge"
	"github.com/midnightgpu/orchestrator/engine"
	"github.com/midnightgpu/orchestrator/logging"
	"github.com/midnightgpu/orchestrator/remote"
	"github.com/midnightgpu/orchestrator/retry"
	"github.com/midnightgpu/orchestrator/scheduler"
	"github.com/midnightgpu/orchestrator/shared"
	"github.com/midnightgpu/orchestrator/submitter"
	"github.com/midnightgpu/orchestrator/types"
	"github.com/midnightgpu/orchestrator/wallet"
)

const (
	defaultDbDirName      = "db"
	defaultDataDirname    = "data"
	defaultKeyDirname     = "keys"
	defaultLogDirname     = "logs"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10

	defaultSimulateInterval = 30 * time.Second
	defaultSimulateTarget   = "000FFFFF"
)

// Config defines the configuration options for the orchestrator.
//
//nolint:lll
type Config struct {
	Dir            string  `long:"dir"            description:"The base directory that contains the orchestrator's data, keys, logs, configuration file, etc."`
	ConfigFile     string  `long:"configfile"     description:"Path to configuration file"                                                                  short:"c"`
	DataDir        string  `long:"datadir"        description:"The directory to store the orchestrator's data within."                                      short:"b"`
	DbDir          string  `long:"dbdir"          description:"The directory to store the state database within"`
	KeyDir         string  `long:"keydir"         description:"The directory to store encrypted wallet keys within"`
	LogDir         string  `long:"logdir"         description:"Directory to log output."`
	DebugLog       bool    `long:"debuglog"       description:"Enable debug logs"`
	JSONLog        bool    `long:"jsonlog"        description:"Whether to log in JSON format"`
	MaxLogFiles    int     `long:"maxlogfiles"    description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int     `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	MetricsPort    *uint16 `long:"metrics-port"   description:"The port to expose metrics"`
	EngineListen   string  `long:"engine-listen"  description:"Serve the selected compute engine over gRPC on this address"`

	CPUProfile string `long:"cpuprofile" description:"Write CPU profile to the specified file"`
	Profile    string `long:"profile"    description:"Enable HTTP profiling on given port -- must be between 1024 and 65535"`

	Simulate         bool          `long:"simulate"          description:"Mine against an in-process remote service instead of --api-url"`
	SimulateInterval time.Duration `long:"simulate-interval" description:"Interval between challenges announced by the simulated service"`
	SimulateTarget   string        `long:"simulate-target"   description:"Difficulty mask (8 hex digits) of simulated challenges"`

	Remote    remote.Config    `group:"Remote"`
	Engine    engine.Config    `group:"Engine"`
	Miner     scheduler.Config `group:"Miner"`
	Challenge challenge.Config `group:"Challenge"`
	Wallet    wallet.Config    `group:"Wallet"`
	Submit    submitter.Config `group:"Submission"`
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	dir := "./orchestrator"
	cacheDir, err := os.UserCacheDir()
	if err == nil {
		dir = filepath.Join(cacheDir, "orchestrator")
	}

	return &Config{
		Dir:              dir,
		DataDir:          filepath.Join(dir, defaultDataDirname),
		DbDir:            filepath.Join(dir, defaultDbDirName),
		KeyDir:           filepath.Join(dir, defaultKeyDirname),
		LogDir:           filepath.Join(dir, defaultLogDirname),
		MaxLogFiles:      defaultMaxLogFiles,
		MaxLogFileSize:   defaultMaxLogFileSize,
		SimulateInterval: defaultSimulateInterval,
		SimulateTarget:   defaultSimulateTarget,
		Remote:           remote.DefaultConfig(),
		Engine:           engine.DefaultConfig(),
		Miner:            scheduler.DefaultConfig(),
		Challenge:        challenge.DefaultConfig(),
		Wallet:           wallet.DefaultConfig(),
		Submit:           submitter.DefaultConfig(),
	}
}

// ParseFlags reads values from command line arguments.
func ParseFlags(preCfg *Config) (*Config, error) {
	if _, err := flags.Parse(preCfg); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile reads config from an ini file.
// It uses the provided `cfg` as a base config and overrides it with the values
// from the config file.
func ReadConfigFile(cfg *Config) (*Config, error) {
	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	logging.FromContext(context.Background()).Sugar().Debugf("reading config from %s", cfg.ConfigFile)
	if err := flags.IniParse(cfg.ConfigFile, cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %v: %w", cfg.ConfigFile, err)
	}

	return cfg, nil
}

// SetupConfig expands paths and initializes filesystem.
func SetupConfig(cfg *Config) (*Config, error) {
	// Directories left at their defaults follow a non-default base directory.
	defaultCfg := DefaultConfig()
	if cfg.Dir != defaultCfg.Dir {
		if cfg.DataDir == defaultCfg.DataDir {
			cfg.DataDir = filepath.Join(cfg.Dir, defaultDataDirname)
		}
		if cfg.LogDir == defaultCfg.LogDir {
			cfg.LogDir = filepath.Join(cfg.Dir, defaultLogDirname)
		}
		if cfg.DbDir == defaultCfg.DbDir {
			cfg.DbDir = filepath.Join(cfg.Dir, defaultDbDirName)
		}
		if cfg.KeyDir == defaultCfg.KeyDir {
			cfg.KeyDir = filepath.Join(cfg.Dir, defaultKeyDirname)
		}
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %v: %w", cfg.Dir, err)
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DbDir = cleanAndExpandPath(cfg.DbDir)
	cfg.KeyDir = cleanAndExpandPath(cfg.KeyDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	return cfg, nil
}

// Validate reports every problem that prevents the orchestrator from
// starting. The returned error matches types.ErrFatalConfig.
func (c *Config) Validate() error {
	var result *multierror.Error
	problem := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.Simulate {
		if _, err := shared.ParseTarget(c.SimulateTarget); err != nil {
			problem("invalid --simulate-target: %w", err)
		}
		if c.SimulateInterval <= 0 {
			problem("--simulate-interval must be positive")
		}
	} else {
		switch u, err := url.Parse(c.Remote.URL); {
		case c.Remote.URL == "":
			problem("--api-url is required")
		case err != nil:
			problem("invalid --api-url: %w", err)
		case u.Scheme != "http" && u.Scheme != "https":
			problem("--api-url must be an http(s) URL")
		}
	}

	if c.Miner.Workers <= 0 {
		problem("--workers must be at least 1")
	}
	if c.Miner.BatchSize == 0 {
		problem("--batch-size must be positive")
	}
	if c.Miner.LeaseTimeout <= 0 {
		problem("--lease-timeout must be positive")
	}
	if c.Miner.CancelCheckInterval <= 0 {
		problem("--cancel-check-interval must be positive")
	}
	if c.Challenge.ValidityWindow <= 0 {
		problem("--validity-window must be positive")
	}
	if c.Challenge.PollInterval <= 0 || c.Challenge.ExpirySweepInterval <= 0 {
		problem("challenge poll and sweep intervals must be positive")
	}
	if r := c.Wallet.AttributionRatio; r < 0 || r > 1 {
		problem("--attribution-ratio must be within [0, 1], got %v", r)
	}
	if c.Wallet.ConsolidationInterval <= 0 {
		problem("--consolidation-interval must be positive")
	}
	if c.Submit.PendingRetryInterval <= 0 {
		problem("--pending-retry-interval must be positive")
	}
	validatePolicy("register", c.Wallet.Retry, problem)
	validatePolicy("submit", c.Submit.Retry, problem)

	if err := result.ErrorOrNil(); err != nil {
		return errors.Join(types.ErrFatalConfig, err)
	}
	return nil
}

func validatePolicy(prefix string, p retry.Policy, problem func(string, ...any)) {
	if p.Attempts == 0 {
		problem("--%s.attempts must be at least 1", prefix)
	}
	if p.Multiplier < 1 {
		problem("--%s.backoff-multiplier must be at least 1", prefix)
	}
	if p.Max < p.Base {
		problem("--%s.max-backoff must not be below --%s.backoff", prefix, prefix)
	}
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		user, err := user.Current()
		if err == nil {
			homeDir = user.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
