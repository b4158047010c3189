// Command bench measures the hashrate of a compute engine.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"runtime"
	"runtime/pprof"
	"time"

	"go.uber.org/zap"

	"github.com/midnightgpu/orchestrator/engine"
	"github.com/midnightgpu/orchestrator/logging"
	"github.com/midnightgpu/orchestrator/shared"
)

func main() {
	runtime.MemProfileRate = 0

	cfg, err := loadConfig()
	if err != nil {
		os.Exit(1)
	}
	target, err := shared.ParseTarget(cfg.Target)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.CPU {
		dir, err := os.Getwd()
		if err != nil {
			log.Fatal("cant get current dir", err)
		}

		profFilePath := path.Join(dir, "./CPU.prof")
		fmt.Printf("CPU profile: %s\n", profFilePath)

		f, err := os.Create(profFilePath)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	ctx := logging.NewContext(context.Background(), logging.New(zap.InfoLevel, "", false))
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	eng := engine.Select(ctx, cfg.Engine)
	defer eng.Close()

	descriptor := make([]byte, 64)
	if _, err := rand.Read(descriptor); err != nil {
		panic("no entropy")
	}

	fmt.Printf("engine: %s, batch: %d, rounds: %d\n", eng.Name(), cfg.Batch, cfg.Rounds)
	var (
		hashes uint64
		spent  time.Duration
	)
	for i := 0; i < cfg.Rounds; i++ {
		unit := engine.WorkUnit{
			ChallengeID: "bench",
			Descriptor:  descriptor,
			Target:      target,
			RangeStart:  uint64(i) * cfg.Batch,
			RangeEnd:    uint64(i+1) * cfg.Batch,
		}
		res, err := eng.Search(ctx, unit)
		if err != nil {
			log.Fatal("search failed: ", err)
		}
		hashes += res.Hashes
		spent += res.Duration
		fmt.Printf("round %d: %d hashes in %s (%.0f H/s) found=%v\n",
			i, res.Hashes, res.Duration, float64(res.Hashes)/res.Duration.Seconds(), res.Found)
	}
	fmt.Printf("total: %d hashes in %s, hash-rate: %.0f hashes-per-sec\n", hashes, spent, float64(hashes)/spent.Seconds())
}
