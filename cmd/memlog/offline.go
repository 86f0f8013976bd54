package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/arkilian/memlog/internal/app"
	"github.com/arkilian/memlog/internal/store"
	"github.com/arkilian/memlog/pkg/types"
)

var (
	replayJSON  bool
	replayLimit int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Print the retained events of a stopped node's store",
	Long: `Open the store under --data-dir and print its retained events route by
route in write order. The node must not be running.

Examples:
  memlog replay --data-dir /var/lib/memlog
  memlog replay --data-dir /var/lib/memlog --json --limit 100`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st *store.Store) error {
			n := 0
			for env, err := range st.ReplayRange(types.Marker{}) {
				if err != nil {
					return err
				}
				if err := printEnvelope(st, env); err != nil {
					return err
				}
				n++
				if replayLimit > 0 && n >= replayLimit {
					break
				}
			}
			fmt.Fprintf(os.Stderr, "%d events\n", n)
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <aggregate-id>",
	Short: "Print the retained events of one aggregate of a stopped node's store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st *store.Store) error {
			envs, err := st.History(ctx, args[0])
			if err != nil {
				return err
			}
			for _, env := range envs {
				if err := printEnvelope(st, env); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the hash chains of a stopped node's store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st *store.Store) error {
			status, err := st.VerifyIntegrity(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(status); err != nil {
				return err
			}
			if !status.Valid {
				return fmt.Errorf("integrity check failed")
			}
			return nil
		})
	},
}

func init() {
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Print envelopes as JSON lines with decoded events")
	replayCmd.Flags().IntVar(&replayLimit, "limit", 0, "Stop after this many events (0 prints all)")
	historyCmd.Flags().BoolVar(&replayJSON, "json", false, "Print envelopes as JSON lines with decoded events")

	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(checkCmd)
}

// withStore opens the local store described by the configuration, runs fn
// and closes it.
func withStore(fn func(ctx context.Context, st *store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.StoreDir()); err != nil {
		return fmt.Errorf("no store under %s: %w", cfg.DataDir, err)
	}
	if err := cfg.ResolveNodeID(); err != nil {
		return err
	}
	logger, err := setupLogger(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := store.Open(ctx, app.StoreConfig(cfg), store.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()
	return fn(ctx, st)
}

type replayLine struct {
	*types.Envelope
	Event any `json:"event,omitempty"`
}

func printEnvelope(st *store.Store, env *types.Envelope) error {
	if !replayJSON {
		ts := time.UnixMilli(env.Timestamp).UTC().Format(time.RFC3339Nano)
		_, err := fmt.Printf("%s  %-16s %-24s %s\n", ts, env.EventType, env.AggregateID, env.EventID)
		return err
	}
	line := replayLine{Envelope: env}
	if ev, err := st.Codec().UnmarshalEvent(env.EventType, env.Payload); err == nil {
		line.Event = ev
	}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	_, err = fmt.Println(string(data))
	return err
}
