package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/midnightgpu/orchestrator/logging"
	"github.com/midnightgpu/orchestrator/types"
	"github.com/midnightgpu/orchestrator/util"
)

const stateFilename = "state.bin"

// simulatedService stands in for the API URL of a simulated remote service.
const simulatedService = "simulate://in-memory"

// state ties a data directory to one orchestrator instance and the remote
// service its wallets were registered with.
type state struct {
	InstanceID string
	Service    string
}

func saveState(datadir string, s *state) error {
	return util.Persist(filepath.Join(datadir, stateFilename), s)
}

// loadState returns the persisted state, creating a fresh one on first use.
// A data directory already bound to a different service is refused.
func loadState(ctx context.Context, datadir, service string) (*state, error) {
	s := &state{}
	err := util.Load(filepath.Join(datadir, stateFilename), s)
	switch {
	case errors.Is(err, util.ErrNoFile):
		s = &state{InstanceID: uuid.NewString(), Service: service}
		logging.FromContext(ctx).Info("initialized new data directory",
			zap.String("instance", s.InstanceID),
			zap.String("service", service),
		)
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("loading state: %w", err)
	}

	if s.Service != service {
		return nil, fmt.Errorf(
			"%w: data directory belongs to %q, not %q; wallets are registered per service",
			types.ErrFatalConfig, s.Service, service,
		)
	}
	return s, nil
}
