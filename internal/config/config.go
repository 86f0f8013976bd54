// Package config provides the configuration of a memlog node.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/arkilian/memlog/internal/router"
)

// Config holds the configuration of one node.
type Config struct {
	// NodeID identifies the node in the cluster and in archive keys.
	// When empty it is read from (or generated into) <data_dir>/NODE_ID.
	NodeID string `json:"node_id" yaml:"node_id"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Log LogConfig `json:"log" yaml:"log"`

	// gRPC serves the admin service and, with replication, the peer service
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	Store StoreConfig `json:"store" yaml:"store"`

	Dedup DedupConfig `json:"dedup" yaml:"dedup"`

	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot"`

	Index IndexConfig `json:"index" yaml:"index"`

	Replication ReplicationConfig `json:"replication" yaml:"replication"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is text or json
	Format string `json:"format" yaml:"format"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// StoreConfig holds the segment log and write path configuration.
type StoreConfig struct {
	// Mode is single (one route) or multi (one route per aggregate type group)
	Mode string `json:"mode" yaml:"mode"`

	// Routes declares the routes of multi mode
	Routes []router.RouteConfig `json:"routes" yaml:"routes"`

	// Codec is binary or line
	Codec string `json:"codec" yaml:"codec"`

	// Compress snappy-compresses envelopes on disk
	Compress bool `json:"compress" yaml:"compress"`

	// SegmentMaxBytes is the size at which the active segment is sealed
	SegmentMaxBytes int64 `json:"segment_max_bytes" yaml:"segment_max_bytes"`

	// Durability is always, interval or none
	Durability string `json:"durability" yaml:"durability"`

	// SyncInterval is the fsync period of interval durability
	SyncInterval time.Duration `json:"sync_interval" yaml:"sync_interval"`

	// BatchSize is the max number of requests committed together
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// BatchWindow is how long the writer waits to fill a batch
	BatchWindow time.Duration `json:"batch_window" yaml:"batch_window"`
}

// DedupConfig holds deduplication configuration.
type DedupConfig struct {
	// Scope is store (file-backed) or cluster (shared Redis hash)
	Scope string `json:"scope" yaml:"scope"`

	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig holds the Redis connection of cluster dedup.
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	Database int    `json:"database" yaml:"database"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// SnapshotConfig holds snapshot daemon and archive configuration.
type SnapshotConfig struct {
	// Interval snapshots at least this often while events keep arriving
	Interval time.Duration `json:"interval" yaml:"interval"`

	// EveryEvents snapshots after this many new events; 0 disables
	EveryEvents uint64 `json:"every_events" yaml:"every_events"`

	// CheckInterval is how often the daemon evaluates its thresholds
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`

	// Retain keeps the newest N snapshots; 0 keeps all
	Retain int `json:"retain" yaml:"retain"`

	// AutoCompact removes covered segments after every snapshot
	AutoCompact bool `json:"auto_compact" yaml:"auto_compact"`

	Archive ArchiveConfig `json:"archive" yaml:"archive"`
}

// ArchiveConfig holds the archive store configuration.
type ArchiveConfig struct {
	// Type is none, local or s3
	Type string `json:"type" yaml:"type"`

	// Path is the local archive directory (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 archive configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Prefix is prepended to every object key
	Prefix string `json:"prefix" yaml:"prefix"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// IndexConfig holds aggregate index configuration.
type IndexConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// ReplicationConfig holds leader-based replication configuration.
type ReplicationConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Peers lists the other members of the cluster
	Peers []PeerConfig `json:"peers" yaml:"peers"`

	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	ElectionTimeout   time.Duration `json:"election_timeout" yaml:"election_timeout"`
	RPCTimeout        time.Duration `json:"rpc_timeout" yaml:"rpc_timeout"`
	CommitTimeout     time.Duration `json:"commit_timeout" yaml:"commit_timeout"`

	// ResyncThreshold is the lag in entries past which a follower gets a snapshot
	ResyncThreshold uint64 `json:"resync_threshold" yaml:"resync_threshold"`

	MaxEntriesPerRPC int `json:"max_entries_per_rpc" yaml:"max_entries_per_rpc"`

	// LogRetain is how many entries survive log compaction
	LogRetain uint64 `json:"log_retain" yaml:"log_retain"`

	// SnapshotRate is the max snapshot transfers per second per peer
	SnapshotRate float64 `json:"snapshot_rate" yaml:"snapshot_rate"`
}

// PeerConfig names one cluster member and its gRPC address.
type PeerConfig struct {
	ID   string `json:"id" yaml:"id"`
	Addr string `json:"addr" yaml:"addr"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/memlog",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		GRPC: GRPCConfig{
			Addr:    ":7070",
			Enabled: true,
		},
		Store: StoreConfig{
			Mode:            string(router.ModeSingle),
			Codec:           "binary",
			SegmentMaxBytes: 64 * 1024 * 1024,
			Durability:      "always",
			SyncInterval:    100 * time.Millisecond,
			BatchSize:       256,
			BatchWindow:     0,
		},
		Dedup: DedupConfig{
			Scope: "store",
			Redis: RedisConfig{
				Address: "localhost:6379",
				Prefix:  "memlog:dedup",
			},
		},
		Snapshot: SnapshotConfig{
			Interval:      10 * time.Minute,
			EveryEvents:   10000,
			CheckInterval: 5 * time.Second,
			Retain:        3,
			AutoCompact:   true,
			Archive: ArchiveConfig{
				Type: "none",
				S3: S3Config{
					Region: "us-east-1",
				},
			},
		},
		Index: IndexConfig{
			Enabled: true,
		},
		Replication: ReplicationConfig{
			Enabled:           false,
			HeartbeatInterval: 100 * time.Millisecond,
			ElectionTimeout:   time.Second,
			RPCTimeout:        500 * time.Millisecond,
			CommitTimeout:     5 * time.Second,
			ResyncThreshold:   10000,
			MaxEntriesPerRPC:  512,
			LogRetain:         1024,
			SnapshotRate:      0.2,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/memlog"
	}
	if c.Snapshot.Archive.Type == "local" && c.Snapshot.Archive.Path == "" {
		c.Snapshot.Archive.Path = filepath.Join(c.DataDir, "archive")
	}
	if c.Dedup.Redis.Prefix == "" {
		c.Dedup.Redis.Prefix = "memlog:dedup"
	}
}

// StoreDir returns the directory of the event store.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "store")
}

// RaftDir returns the directory of the replication log and hard state.
func (c *Config) RaftDir() string {
	return filepath.Join(c.DataDir, "raft")
}

func (c *Config) nodeIDPath() string {
	return filepath.Join(c.DataDir, "NODE_ID")
}

// ResolveNodeID fills an empty NodeID from <data_dir>/NODE_ID, generating
// and persisting one on first start so restarts keep their identity.
func (c *Config) ResolveNodeID() error {
	if c.NodeID != "" {
		return nil
	}
	data, err := os.ReadFile(c.nodeIDPath())
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			c.NodeID = id
			return nil
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read node id: %w", err)
	}
	id := uuid.New().String()
	if err := os.WriteFile(c.nodeIDPath(), []byte(id+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write node id: %w", err)
	}
	c.NodeID = id
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	switch router.Mode(c.Store.Mode) {
	case router.ModeSingle, router.ModeMulti:
	default:
		return fmt.Errorf("invalid store mode: %s (must be single or multi)", c.Store.Mode)
	}
	if router.Mode(c.Store.Mode) == router.ModeSingle && len(c.Store.Routes) > 0 {
		return fmt.Errorf("store.routes requires store.mode multi")
	}
	if c.Store.Codec != "binary" && c.Store.Codec != "line" {
		return fmt.Errorf("invalid store codec: %s (must be binary or line)", c.Store.Codec)
	}
	switch c.Store.Durability {
	case "always", "interval", "none":
	default:
		return fmt.Errorf("invalid durability: %s (must be always, interval, or none)", c.Store.Durability)
	}
	if c.Store.SegmentMaxBytes < 4096 {
		return fmt.Errorf("store.segment_max_bytes must be at least 4096, got %d", c.Store.SegmentMaxBytes)
	}

	switch c.Dedup.Scope {
	case "store":
	case "cluster":
		if c.Dedup.Redis.Address == "" {
			return fmt.Errorf("dedup.redis.address is required when dedup scope is cluster")
		}
	default:
		return fmt.Errorf("invalid dedup scope: %s (must be store or cluster)", c.Dedup.Scope)
	}

	if c.Snapshot.Retain < 0 {
		return fmt.Errorf("snapshot.retain must not be negative")
	}
	switch c.Snapshot.Archive.Type {
	case "none", "local":
	case "s3":
		if c.Snapshot.Archive.S3.Bucket == "" {
			return fmt.Errorf("snapshot.archive.s3.bucket is required when archive type is s3")
		}
	default:
		return fmt.Errorf("invalid archive type: %s (must be none, local, or s3)", c.Snapshot.Archive.Type)
	}

	if c.Replication.Enabled {
		if err := c.validateReplication(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateReplication() error {
	r := c.Replication
	if !c.GRPC.Enabled {
		return fmt.Errorf("replication requires grpc.enabled")
	}
	if r.HeartbeatInterval <= 0 || r.ElectionTimeout <= r.HeartbeatInterval {
		return fmt.Errorf("replication.election_timeout (%v) must exceed heartbeat_interval (%v)",
			r.ElectionTimeout, r.HeartbeatInterval)
	}
	seen := make(map[string]bool, len(r.Peers))
	for i, p := range r.Peers {
		if p.ID == "" || p.Addr == "" {
			return fmt.Errorf("replication.peers[%d]: id and addr are required", i)
		}
		if p.ID == c.NodeID && c.NodeID != "" {
			return fmt.Errorf("replication.peers[%d]: %s is this node", i, p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("replication.peers[%d]: duplicate id %s", i, p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// ParseLevel converts a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level: %s", s)
	}
	return l, nil
}

// ParsePeers parses "id=addr,id=addr".
func ParsePeers(s string) ([]PeerConfig, error) {
	var peers []PeerConfig
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, addr, ok := strings.Cut(part, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q (want id=addr)", part)
		}
		peers = append(peers, PeerConfig{ID: id, Addr: addr})
	}
	return peers, nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the MEMLOG_ prefix.
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("MEMLOG_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("MEMLOG_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Logging
	if v := os.Getenv("MEMLOG_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MEMLOG_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// gRPC configuration
	if v := os.Getenv("MEMLOG_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("MEMLOG_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	// Store configuration
	if v := os.Getenv("MEMLOG_STORE_MODE"); v != "" {
		cfg.Store.Mode = v
	}
	if v := os.Getenv("MEMLOG_STORE_CODEC"); v != "" {
		cfg.Store.Codec = v
	}
	if v := os.Getenv("MEMLOG_STORE_DURABILITY"); v != "" {
		cfg.Store.Durability = v
	}
	if v := os.Getenv("MEMLOG_STORE_SEGMENT_MAX_BYTES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Store.SegmentMaxBytes)
	}
	if v := os.Getenv("MEMLOG_STORE_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Store.BatchSize)
	}

	// Dedup configuration
	if v := os.Getenv("MEMLOG_DEDUP_SCOPE"); v != "" {
		cfg.Dedup.Scope = v
	}
	if v := os.Getenv("MEMLOG_REDIS_ADDR"); v != "" {
		cfg.Dedup.Redis.Address = v
	}
	if v := os.Getenv("MEMLOG_REDIS_PASSWORD"); v != "" {
		cfg.Dedup.Redis.Password = v
	}

	// Snapshot configuration
	if v := os.Getenv("MEMLOG_SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Snapshot.Interval = d
		}
	}
	if v := os.Getenv("MEMLOG_SNAPSHOT_EVERY_EVENTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Snapshot.EveryEvents)
	}
	if v := os.Getenv("MEMLOG_SNAPSHOT_RETAIN"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Snapshot.Retain)
	}
	if v := os.Getenv("MEMLOG_ARCHIVE_TYPE"); v != "" {
		cfg.Snapshot.Archive.Type = v
	}
	if v := os.Getenv("MEMLOG_ARCHIVE_PATH"); v != "" {
		cfg.Snapshot.Archive.Path = v
	}
	if v := os.Getenv("MEMLOG_S3_BUCKET"); v != "" {
		cfg.Snapshot.Archive.S3.Bucket = v
	}
	if v := os.Getenv("MEMLOG_S3_REGION"); v != "" {
		cfg.Snapshot.Archive.S3.Region = v
	}
	if v := os.Getenv("MEMLOG_S3_ENDPOINT"); v != "" {
		cfg.Snapshot.Archive.S3.Endpoint = v
	}

	// Index configuration
	if v := os.Getenv("MEMLOG_INDEX_ENABLED"); v != "" {
		cfg.Index.Enabled, _ = strconv.ParseBool(v)
	}

	// Replication configuration
	if v := os.Getenv("MEMLOG_REPLICATION_ENABLED"); v != "" {
		cfg.Replication.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("MEMLOG_REPLICATION_PEERS"); v != "" {
		peers, err := ParsePeers(v)
		if err != nil {
			return fmt.Errorf("MEMLOG_REPLICATION_PEERS: %w", err)
		}
		cfg.Replication.Peers = peers
	}
	if v := os.Getenv("MEMLOG_REPLICATION_ELECTION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Replication.ElectionTimeout = d
		}
	}
	if v := os.Getenv("MEMLOG_REPLICATION_COMMIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Replication.CommitTimeout = d
		}
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.StoreDir(),
	}
	if c.Replication.Enabled {
		dirs = append(dirs, c.RaftDir())
	}
	if c.Snapshot.Archive.Type == "local" {
		dirs = append(dirs, c.Snapshot.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
