package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	grpcapi "github.com/arkilian/memlog/internal/api/grpc"
)

// Admin flags
var (
	adminAddr    string
	adminTimeout time.Duration

	appendType string
	appendID   string
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the store and replication state of a node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(ctx context.Context, c *grpcapi.AdminClient) (any, error) {
			return c.ClusterHealth(ctx, &grpcapi.HealthRequest{})
		})
	},
}

var resyncCmd = &cobra.Command{
	Use:   "resync <peer>",
	Short: "Make the leader send a full snapshot to a follower",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(ctx context.Context, c *grpcapi.AdminClient) (any, error) {
			return c.ForceResync(ctx, &grpcapi.ResyncRequest{Peer: args[0]})
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chains of a running node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(ctx context.Context, c *grpcapi.AdminClient) (any, error) {
			resp, err := c.VerifyIntegrity(ctx, &grpcapi.VerifyRequest{})
			if err != nil {
				return nil, err
			}
			if !resp.Status.Valid {
				printJSON(resp)
				return nil, fmt.Errorf("integrity check failed")
			}
			return resp, nil
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Write a snapshot now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(ctx context.Context, c *grpcapi.AdminClient) (any, error) {
			return c.ForceSnapshot(ctx, &grpcapi.ForceSnapshotRequest{})
		})
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Remove segments covered by the newest snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(ctx context.Context, c *grpcapi.AdminClient) (any, error) {
			return c.ForceCompaction(ctx, &grpcapi.ForceCompactionRequest{})
		})
	},
}

var appendCmd = &cobra.Command{
	Use:   "append <event-json>",
	Short: "Append one event",
	Long: `Append one event to a node. On a replicated cluster the node must be the
leader; followers answer with the leader's id.

Examples:
  memlog append --type entity.created '{"id":"user:1","fields":{"name":"ada"}}'
  memlog append --type entity.updated --event-id req-42 '{"id":"user:1","set":{"name":"grace"}}'
  memlog append --type entity.deleted '{"id":"user:1"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !json.Valid([]byte(args[0])) {
			return fmt.Errorf("event is not valid JSON")
		}
		return withAdmin(func(ctx context.Context, c *grpcapi.AdminClient) (any, error) {
			return c.Append(ctx, &grpcapi.AppendRequest{
				EventType: appendType,
				EventID:   appendID,
				Event:     json.RawMessage(args[0]),
			})
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <entity-id>",
	Short: "Read one entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(ctx context.Context, c *grpcapi.AdminClient) (any, error) {
			resp, err := c.GetEntity(ctx, &grpcapi.GetEntityRequest{ID: args[0]})
			if err != nil {
				return nil, err
			}
			if !resp.Found {
				return nil, fmt.Errorf("entity %s not found", args[0])
			}
			return resp.Entity, nil
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{healthCmd, resyncCmd, verifyCmd, snapshotCmd, compactCmd, appendCmd, getCmd} {
		cmd.Flags().StringVar(&adminAddr, "addr", "localhost:7070", "gRPC address of the node")
		cmd.Flags().DurationVar(&adminTimeout, "timeout", 30*time.Second, "Request timeout")
		rootCmd.AddCommand(cmd)
	}
	appendCmd.Flags().StringVarP(&appendType, "type", "t", "", "Event type tag (required)")
	appendCmd.Flags().StringVar(&appendID, "event-id", "", "Event id; retried requests with the same id are no-ops")
	appendCmd.MarkFlagRequired("type")
}

// withAdmin dials the node, runs fn and prints its result as JSON.
func withAdmin(fn func(ctx context.Context, c *grpcapi.AdminClient) (any, error)) error {
	client, err := grpcapi.DialAdmin(adminAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	out, err := fn(ctx, client)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
