package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/midnightgpu/orchestrator/types"
)

// ErrUnavailable is returned by Probe when the accelerated engine does not
// report itself as serving.
var ErrUnavailable = errors.New("accelerated engine unavailable")

var (
	clientMetrics     = grpc_prometheus.NewClientMetrics()
	clientMetricsOnce sync.Once
)

// Accelerated forwards work units to a remote engine process over gRPC.
type Accelerated struct {
	addr string
	conn *grpc.ClientConn
}

// Dial connects to an accelerated engine. The connection is established
// lazily; use Probe to check that the engine is actually serving.
func Dial(ctx context.Context, address string) (*Accelerated, error) {
	clientMetricsOnce.Do(func() {
		_ = prometheus.Register(clientMetrics)
	})
	conn, err := grpc.DialContext(
		ctx,
		address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(clientMetrics.UnaryClientInterceptor()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                time.Minute,
			Timeout:             time.Minute * 3,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing engine at %s: %w", address, err)
	}
	return &Accelerated{addr: address, conn: conn}, nil
}

func (a *Accelerated) Name() string {
	return "accelerated(" + a.addr + ")"
}

// Probe asks the engine's health service whether the search service is up.
func (a *Accelerated) Probe(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(a.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: status %s", ErrUnavailable, resp.GetStatus())
	}
	return nil
}

func (a *Accelerated) Search(ctx context.Context, unit WorkUnit) (*Result, error) {
	if err := unit.validate(); err != nil {
		return nil, err
	}
	in, err := encodeRequest(unit)
	if err != nil {
		return nil, err
	}
	out := new(wrapperspb.BytesValue)
	if err := a.conn.Invoke(ctx, searchMethod, in, out); err != nil {
		return nil, a.mapError(ctx, err)
	}
	return decodeResponse(out)
}

func (a *Accelerated) mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch status.Code(err) {
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalidRange, status.Convert(err).Message())
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("%w: engine %s: %w", types.ErrTransientNetwork, a.addr, err)
	default:
		return fmt.Errorf("engine %s: %w", a.addr, err)
	}
}

func (a *Accelerated) Close() error {
	return a.conn.Close()
}
