package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/arkilian/memlog/internal/app"
	"github.com/arkilian/memlog/internal/config"
)

var (
	serveNodeID      string
	serveGRPCAddr    string
	servePeers       string
	serveReplication bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a memlog node",
	Long: `Run a memlog node: restore the store, serve the admin API over gRPC and,
with replication enabled, join the cluster formed with --peers.

Examples:
  memlog serve --data-dir /var/lib/memlog
  memlog serve --config /etc/memlog/config.yaml
  memlog serve --node-id n1 --grpc-addr :7071 --replication \
      --peers n2=10.0.0.2:7071,n3=10.0.0.3:7071`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveNodeID, "node-id", "", "Node id (default: read from or generated into <data-dir>/NODE_ID)")
	serveCmd.Flags().StringVar(&serveGRPCAddr, "grpc-addr", "", "gRPC listen address")
	serveCmd.Flags().StringVar(&servePeers, "peers", "", "Cluster peers as id=addr,id=addr")
	serveCmd.Flags().BoolVar(&serveReplication, "replication", false, "Enable leader-based replication")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveNodeID != "" {
		cfg.NodeID = serveNodeID
	}
	if serveGRPCAddr != "" {
		cfg.GRPC.Addr = serveGRPCAddr
	}
	if servePeers != "" {
		if cfg.Replication.Peers, err = config.ParsePeers(servePeers); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("replication") {
		cfg.Replication.Enabled = serveReplication
	}

	logger, err := setupLogger(cfg)
	if err != nil {
		return err
	}

	application, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	printBanner(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	return application.Stop(stopCtx)
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("  memlog - memory-first event store")
	fmt.Println()
	fmt.Printf("  Version:     %s\n", version)
	fmt.Printf("  Node:        %s\n", cfg.NodeID)
	fmt.Printf("  Data Dir:    %s\n", cfg.DataDir)
	fmt.Printf("  Store:       %s mode, %s codec, durability %s\n", cfg.Store.Mode, cfg.Store.Codec, cfg.Store.Durability)
	if cfg.GRPC.Enabled {
		fmt.Printf("  gRPC:        %s\n", cfg.GRPC.Addr)
	}
	if cfg.Replication.Enabled {
		fmt.Printf("  Replication: %d peers\n", len(cfg.Replication.Peers))
	} else {
		fmt.Println("  Replication: disabled")
	}
	fmt.Printf("  Archive:     %s\n", cfg.Snapshot.Archive.Type)
	fmt.Println()
}
