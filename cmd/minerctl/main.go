// Command minerctl inspects the remote service and an orchestrator's state
// directory. Commands touching the state database must run while the
// orchestrator is stopped.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/midnightgpu/orchestrator/logging"
	"github.com/midnightgpu/orchestrator/remote"
	"github.com/midnightgpu/orchestrator/shared"
	"github.com/midnightgpu/orchestrator/store"
	"github.com/midnightgpu/orchestrator/wallet"
)

func newClient(url string) (*remote.Client, error) {
	cfg := remote.DefaultConfig()
	cfg.URL = url
	return remote.New(cfg, logging.New(zap.WarnLevel, "", false))
}

// withStore opens the state database exclusively. A running orchestrator
// holds the same lock.
func withStore(dbdir string, fn func(ctx context.Context, st *store.Store) error) error {
	ctx := logging.NewContext(context.Background(), logging.New(zap.WarnLevel, "", false))
	st, err := store.Open(ctx, dbdir)
	if errors.Is(err, syscall.EWOULDBLOCK) {
		return fmt.Errorf("state database %s is in use, stop the orchestrator first: %w", dbdir, err)
	}
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func challenges(url string) error {
	cl, err := newClient(url)
	if err != nil {
		return err
	}
	list, err := cl.ListChallenges(context.Background())
	if err != nil {
		return fmt.Errorf("listing challenges: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("no active challenge")
	}
	for _, c := range list {
		fmt.Printf("%s difficulty=%s (%d) issued=%s expires=%s\n",
			c.ID, c.TargetHex, c.Difficulty,
			c.Issued().Format(time.RFC3339),
			c.Expiry(shared.DefaultValidityWindow).Format(time.RFC3339),
		)
	}
	return nil
}

func balance(url, address string) error {
	cl, err := newClient(url)
	if err != nil {
		return err
	}
	b, err := cl.Balance(context.Background(), address)
	if err != nil {
		return fmt.Errorf("querying balance: %w", err)
	}
	fmt.Printf("%s: %d\n", address, b)
	return nil
}

func wallets(dbdir string) error {
	return withStore(dbdir, func(ctx context.Context, st *store.Store) error {
		list, err := st.Wallets(ctx)
		if err != nil {
			return err
		}
		for _, w := range list {
			fmt.Printf("%s state=%s solved=%d attempted=%d attributed=%v abandoned=%v created=%s\n",
				w.Address, w.State, w.Solved, w.Attempted, w.Attributed, w.Abandoned,
				w.Created().Format(time.RFC3339),
			)
		}
		return nil
	})
}

func stats(dbdir string) error {
	return withStore(dbdir, func(ctx context.Context, st *store.Store) error {
		s, err := st.Stats(ctx, false)
		if err != nil {
			return err
		}
		fmt.Printf("challenges: %v\n", s.Challenges)
		fmt.Printf("wallets:    %v\n", s.Wallets)
		fmt.Printf("solutions:  %v\n", s.Solutions)
		for address, n := range s.AcceptedByWallet {
			fmt.Printf("  %s accepted=%d\n", address, n)
		}
		return nil
	})
}

// rotate marks an Active wallet for consolidation on operator request.
func rotate(dbdir, address string) error {
	return withStore(dbdir, func(ctx context.Context, st *store.Store) error {
		ok, err := st.TransitionWalletState(ctx, address, shared.WalletActive, shared.WalletConsolidating)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("wallet %s is not active", address)
		}
		fmt.Printf("wallet %s will be consolidated on the next sweep\n", address)
		return nil
	})
}

func main() {
	app := &cli.App{
		Name:  "minerctl",
		Usage: "inspect the remote service and orchestrator state",
		Commands: []cli.Command{
			{
				Name:  "genkey",
				Usage: "generate a wallet key pair",
				Action: func(cCtx *cli.Context) error {
					key, err := wallet.Ed25519Generator{}.Generate()
					if err != nil {
						return err
					}
					fmt.Printf("address: %s\n", key.Address())
					fmt.Printf("pub key: %s\n", hex.EncodeToString(key.PublicKey()))
					return nil
				},
			},
			{
				Name:      "challenges",
				Usage:     "list the challenges announced by the remote service",
				ArgsUsage: "<api-url>",
				Action: func(cCtx *cli.Context) error {
					return challenges(cCtx.Args().First())
				},
			},
			{
				Name:      "balance",
				Usage:     "query the remote balance of a wallet",
				ArgsUsage: "<api-url> <address>",
				Action: func(cCtx *cli.Context) error {
					return balance(cCtx.Args().First(), cCtx.Args().Get(1))
				},
			},
			{
				Name:      "wallets",
				Usage:     "list wallets in a state database (orchestrator must be stopped)",
				ArgsUsage: "<dbdir>",
				Action: func(cCtx *cli.Context) error {
					return wallets(cCtx.Args().First())
				},
			},
			{
				Name:      "stats",
				Usage:     "summarize a state database (orchestrator must be stopped)",
				ArgsUsage: "<dbdir>",
				Action: func(cCtx *cli.Context) error {
					return stats(cCtx.Args().First())
				},
			},
			{
				Name:      "rotate",
				Usage:     "mark an active wallet for consolidation (orchestrator must be stopped)",
				ArgsUsage: "<dbdir> <address>",
				Action: func(cCtx *cli.Context) error {
					return rotate(cCtx.Args().First(), cCtx.Args().Get(1))
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
