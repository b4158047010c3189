package server_test

// End to end tests running the orchestrator against a simulated remote service.

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/midnightgpu/orchestrator/engine"
	"github.com/midnightgpu/orchestrator/keystore"
	"github.com/midnightgpu/orchestrator/logging"
	"github.com/midnightgpu/orchestrator/server"
	"github.com/midnightgpu/orchestrator/types"
)

func simulatedConfig(t *testing.T) server.Config {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Dir = t.TempDir()
	_, err := server.SetupConfig(cfg)
	require.NoError(t, err)

	cfg.Simulate = true
	cfg.SimulateTarget = "FFFFFFFF"
	cfg.SimulateInterval = 100 * time.Millisecond
	cfg.Challenge.PollInterval = 20 * time.Millisecond
	cfg.Miner.BatchSize = 1 << 12
	cfg.Miner.IdleBackoff = 10 * time.Millisecond
	cfg.Miner.CancelCheckInterval = 20 * time.Millisecond
	cfg.Wallet.AttributionRatio = 0
	cfg.Engine.FallbackWorkers = 2
	return *cfg
}

func startServer(t *testing.T, cfg server.Config) (*server.Server, context.CancelFunc) {
	t.Helper()
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	srv, err := server.New(ctx, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
		require.NoError(t, srv.Close())
	})
	return srv, cancel
}

func TestSimulatedMining(t *testing.T) {
	t.Setenv(keystore.PassphraseEnv, "test-passphrase")
	cfg := simulatedConfig(t)
	var port uint16
	cfg.MetricsPort = &port

	srv, _ := startServer(t, cfg)
	require.NotNil(t, srv.Simulator())

	ctx := context.Background()
	require.Eventually(t, func() bool {
		stats, err := srv.Stats(ctx)
		return err == nil && stats.SessionAccepted > 0
	}, 20*time.Second, 20*time.Millisecond)

	stats, err := srv.Stats(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.AllTimeAccepted, stats.SessionAccepted)
	require.Len(t, stats.Slots, cfg.Miner.Workers)
	for address := range stats.SessionByWallet {
		require.True(t, srv.Simulator().Registered(address))
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", srv.MetricsAddr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "orchestrator_submitter_consecutive_failures")
	require.Contains(t, string(body), "orchestrator_scheduler_slots")
}

func TestServesEngine(t *testing.T) {
	t.Setenv(keystore.PassphraseEnv, "test-passphrase")
	cfg := simulatedConfig(t)
	cfg.EngineListen = "127.0.0.1:0"
	srv, _ := startServer(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	remoteEngine, err := engine.Dial(ctx, srv.EngineAddr().String())
	require.NoError(t, err)
	defer remoteEngine.Close()
	require.Eventually(t, func() bool { return remoteEngine.Probe(ctx) == nil }, 5*time.Second, 10*time.Millisecond)

	unit := engine.WorkUnit{
		Descriptor: []byte("descriptor"),
		Target:     0x00FFFFFF,
		RangeStart: 0,
		RangeEnd:   1 << 12,
	}
	got, err := remoteEngine.Search(ctx, unit)
	require.NoError(t, err)
	want, err := engine.NewFallback(1).Search(ctx, unit)
	require.NoError(t, err)
	require.Equal(t, want.Found, got.Found)
	require.Equal(t, want.Nonce, got.Nonce)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Run("missing api url", func(t *testing.T) {
		t.Setenv(keystore.PassphraseEnv, "test-passphrase")
		cfg := simulatedConfig(t)
		cfg.Simulate = false
		_, err := server.New(context.Background(), cfg)
		require.ErrorIs(t, err, types.ErrFatalConfig)
		require.ErrorContains(t, err, "--api-url")
	})
	t.Run("missing passphrase", func(t *testing.T) {
		t.Setenv(keystore.PassphraseEnv, "")
		_, err := server.New(context.Background(), simulatedConfig(t))
		require.ErrorIs(t, err, types.ErrFatalConfig)
	})
	t.Run("data directory of another service", func(t *testing.T) {
		t.Setenv(keystore.PassphraseEnv, "test-passphrase")
		cfg := simulatedConfig(t)
		srv, err := server.New(context.Background(), cfg)
		require.NoError(t, err)
		require.NoError(t, srv.Close())

		cfg.Simulate = false
		cfg.Remote.URL = "https://mine.example.org/api"
		_, err = server.New(context.Background(), cfg)
		require.ErrorIs(t, err, types.ErrFatalConfig)
	})
}
