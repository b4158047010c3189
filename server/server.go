package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/midnightgpu/orchestrator/challenge"
	"github.com/midnightgpu/orchestrator/engine"
	"github.com/midnightgpu/orchestrator/keystore"
	"github.com/midnightgpu/orchestrator/logging"
	"github.com/midnightgpu/orchestrator/remote"
	"github.com/midnightgpu/orchestrator/scheduler"
	"github.com/midnightgpu/orchestrator/store"
	"github.com/midnightgpu/orchestrator/submitter"
	"github.com/midnightgpu/orchestrator/transport"
	"github.com/midnightgpu/orchestrator/wallet"
)

// Remote is everything the orchestrator needs from the remote service.
type Remote interface {
	challenge.Feed
	wallet.Registrar
	submitter.Authority
}

var (
	_ Remote = (*remote.Client)(nil)
	_ Remote = (*transport.InMemory)(nil)
)

type Server struct {
	cfg   Config
	state *state

	store     *store.Store
	simulator *transport.InMemory
	tracker   *challenge.Tracker
	wallets   *wallet.Manager
	submitter *submitter.Submitter
	engine    engine.Engine
	scheduler *scheduler.Scheduler

	metricsListener net.Listener
	engineListener  net.Listener
}

// New validates cfg and wires every component. Nothing runs until Start.
func New(ctx context.Context, cfg Config) (_ *Server, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.FromContext(ctx)

	s := &Server{cfg: cfg}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, err
	}
	service := cfg.Remote.URL
	if cfg.Simulate {
		service = simulatedService
	}
	s.state, err = loadState(ctx, cfg.DataDir, service)
	if err != nil {
		return nil, err
	}
	if err := saveState(cfg.DataDir, s.state); err != nil {
		return nil, fmt.Errorf("saving state: %w", err)
	}

	keys, err := keystore.FromEnv(cfg.KeyDir)
	if err != nil {
		return nil, err
	}

	s.store, err = store.Open(ctx, cfg.DbDir)
	if err != nil {
		return nil, err
	}

	var rem Remote
	if cfg.Simulate {
		logger.Warn("mining against a simulated remote service, nothing is submitted upstream")
		s.simulator = transport.NewInMemory(cfg.Wallet.Terms)
		rem = s.simulator
	} else {
		rem, err = remote.New(cfg.Remote, logger.Named("remote"))
		if err != nil {
			return nil, err
		}
	}

	s.tracker, err = challenge.NewTracker(s.store, rem, challenge.WithConfig(cfg.Challenge))
	if err != nil {
		return nil, fmt.Errorf("creating challenge tracker: %w", err)
	}
	s.wallets = wallet.NewManager(s.store, rem, keys, wallet.WithConfig(cfg.Wallet))
	s.submitter = submitter.New(s.store, s.tracker, rem, submitter.WithConfig(cfg.Submit))
	s.engine = engine.Select(ctx, cfg.Engine)

	s.scheduler, err = scheduler.New(
		s.store,
		s.wallets,
		s.tracker,
		s.engine,
		s.submitter,
		scheduler.WithConfig(cfg.Miner),
		scheduler.WithAttribution(wallet.NewAttribution(cfg.Wallet.AttributionRatio, rand.Int63())),
	)
	if err != nil {
		return nil, err
	}

	if cfg.MetricsPort != nil {
		s.metricsListener, err = net.Listen("tcp", fmt.Sprintf(":%d", *cfg.MetricsPort))
		if err != nil {
			return nil, fmt.Errorf("failed to listen: %w", err)
		}
	}
	if cfg.EngineListen != "" {
		s.engineListener, err = net.Listen("tcp", cfg.EngineListen)
		if err != nil {
			return nil, fmt.Errorf("failed to listen: %w", err)
		}
	}
	return s, nil
}

// Close releases everything New acquired.
func (s *Server) Close() error {
	var result *multierror.Error
	for _, l := range []net.Listener{s.metricsListener, s.engineListener} {
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing engine: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// MetricsAddr returns the address metrics are served on, or nil.
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsListener == nil {
		return nil
	}
	return s.metricsListener.Addr()
}

// EngineAddr returns the address the compute engine is served on, or nil.
func (s *Server) EngineAddr() net.Addr {
	if s.engineListener == nil {
		return nil
	}
	return s.engineListener.Addr()
}

// Simulator returns the in-process remote service when running simulated.
func (s *Server) Simulator() *transport.InMemory {
	return s.simulator
}

func (s *Server) Stats(ctx context.Context) (*scheduler.Stats, error) {
	return s.scheduler.Stats(ctx)
}

// Start runs the orchestrator until ctx is done or a component fails with an
// error that must stop it.
func (s *Server) Start(ctx context.Context) error {
	logger := logging.FromContext(ctx).With(zap.String("instance", s.state.InstanceID))
	ctx = logging.NewContext(ctx, logger)
	serverGroup, ctx := errgroup.WithContext(ctx)

	logger.Info("starting challenge tracker")
	serverGroup.Go(func() error {
		return s.tracker.Run(ctx)
	})

	logger.Info("starting wallet manager")
	serverGroup.Go(func() error {
		return s.wallets.Run(ctx)
	})

	logger.Info("starting solution submitter")
	serverGroup.Go(func() error {
		return s.submitter.Run(ctx)
	})

	serverGroup.Go(func() error {
		return s.scheduler.Run(ctx)
	})

	if s.simulator != nil {
		serverGroup.Go(func() error {
			return s.simulator.RunGenerator(ctx, s.cfg.SimulateInterval, s.cfg.SimulateTarget)
		})
	}

	if s.metricsListener != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Handler: mux, ReadHeaderTimeout: time.Second * 5}
		serverGroup.Go(func() error {
			logger.Sugar().Infof("metrics server listening on %s", s.metricsListener.Addr())
			err := server.Serve(s.metricsListener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		serverGroup.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Sugar().Errorf("failed to shutdown metrics server: %s", err)
			}
			return nil
		})
	}

	if s.engineListener != nil {
		grpcServer := engine.NewServer(logger.Named("engine-server"), s.engine)
		serverGroup.Go(func() error {
			logger.Sugar().Infof("engine GRPC server listening on %s", s.engineListener.Addr())
			return grpcServer.Serve(s.engineListener)
		})
		serverGroup.Go(func() error {
			<-ctx.Done()
			grpcServer.Stop()
			return nil
		})
	}

	err := serverGroup.Wait()
	if err != nil {
		logger.Error("orchestrator stopped", zap.Error(err))
	}
	return err
}
