package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Store       StoreConfig       `toml:"store"`
	Worker      WorkerConfig      `toml:"worker"`
	Session     SessionConfig     `toml:"session"`
	Room        RoomConfig        `toml:"room"`
	RPC         RPCConfig         `toml:"rpc"`
	Replication ReplicationConfig `toml:"replication"`
	Logging     LoggingConfig     `toml:"logging"`
}

type StoreConfig struct {
	GatewayURL  string        `toml:"gateway_url"`  // ws:// endpoint of stored
	DialTimeout time.Duration `toml:"dial_timeout"` // websocket dial timeout
	CallTimeout time.Duration `toml:"call_timeout"` // per-request round-trip timeout
}

type WorkerConfig struct {
	QueueSize     int           `toml:"queue_size"`     // bounded op queue; overflow is rejected
	MinBatch      int           `toml:"min_batch"`      // adaptive batch floor
	MaxBatch      int           `toml:"max_batch"`      // adaptive batch ceiling
	TargetLatency time.Duration `toml:"target_latency"` // batch latency the controller aims for
	StaleAfter    time.Duration `toml:"stale_after"`    // ops queued longer than this are dropped
	OpTimeout     time.Duration `toml:"op_timeout"`     // per-operation timeout
	MinDelay      time.Duration `toml:"min_delay"`      // inter-batch delay floor
	MaxDelay      time.Duration `toml:"max_delay"`      // inter-batch delay ceiling
	ShutdownGrace time.Duration `toml:"shutdown_grace"` // max wait for the drain loop on Stop
}

type SessionConfig struct {
	RosterSyncInterval time.Duration `toml:"roster_sync_interval"` // roster fetch + diff cadence
	PresenceInterval   time.Duration `toml:"presence_interval"`    // lastSeen heartbeat cadence
}

type RoomConfig struct {
	DefaultMaxPlayers int    `toml:"default_max_players"`
	Election          string `toml:"election"` // "lowest-id" or "first-seen"
}

type RPCConfig struct {
	PollInterval    time.Duration `toml:"poll_interval"`     // base message poll cadence
	MinPollInterval time.Duration `toml:"min_poll_interval"` // floor when backlog is deep
	MaxPollBatch    int           `toml:"max_poll_batch"`    // max messages fetched per poll
	InboundQueue    int           `toml:"inbound_queue"`     // bounded inbound queue; oldest dropped
	DispatchItems   int           `toml:"dispatch_items"`    // max messages dispatched per tick
	DispatchBudget  time.Duration `toml:"dispatch_budget"`   // max wall time dispatched per tick
	CoalesceWindow  time.Duration `toml:"coalesce_window"`   // outbound same-(sender,method) merge window
	Retention       time.Duration `toml:"retention"`         // non-buffered message lifetime
	SweepInterval   time.Duration `toml:"sweep_interval"`    // master cleanup sweep cadence
	SendsPerSecond  int           `toml:"sends_per_second"`  // outbound rate cap
}

type ReplicationConfig struct {
	MinSendInterval   time.Duration `toml:"min_send_interval"`  // fastest adaptive send rate
	MaxSendInterval   time.Duration `toml:"max_send_interval"`  // slowest adaptive send rate
	PositionThreshold float64       `toml:"position_threshold"` // world units
	RotationThreshold float64       `toml:"rotation_threshold"` // degrees
	VelocityThreshold float64       `toml:"velocity_threshold"` // units/second
	ScaleThreshold    float64       `toml:"scale_threshold"`    // per-axis scale delta
	Heartbeat         time.Duration `toml:"heartbeat"`          // max silence before a forced send
	PredictionErrCap  float64       `toml:"prediction_err_cap"` // own shadow-copy error forcing a send
	SnapDistance      float64       `toml:"snap_distance"`      // teleport instead of lerp beyond this
	LerpRate          float64       `toml:"lerp_rate"`          // exponential blend rate (per second)
	QuantizeRange     float64       `toml:"quantize_range"`     // ± range for 16-bit position packing
	RigidbodyInterval time.Duration `toml:"rigidbody_interval"`
	AnimatorInterval  time.Duration `toml:"animator_interval"`
	Gravity           float64       `toml:"gravity"` // applied to simulated bodies on predict
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func Defaults() *Config {
	return &Config{
		Store: StoreConfig{
			GatewayURL:  "ws://127.0.0.1:7601/store",
			DialTimeout: 5 * time.Second,
			CallTimeout: 10 * time.Second,
		},
		Worker: WorkerConfig{
			QueueSize:     256,
			MinBatch:      1,
			MaxBatch:      16,
			TargetLatency: 150 * time.Millisecond,
			StaleAfter:    5 * time.Second,
			OpTimeout:     10 * time.Second,
			MinDelay:      10 * time.Millisecond,
			MaxDelay:      250 * time.Millisecond,
			ShutdownGrace: 3 * time.Second,
		},
		Session: SessionConfig{
			RosterSyncInterval: 2 * time.Second,
			PresenceInterval:   5 * time.Second,
		},
		Room: RoomConfig{
			DefaultMaxPlayers: 16,
			Election:          "lowest-id",
		},
		RPC: RPCConfig{
			PollInterval:    500 * time.Millisecond,
			MinPollInterval: 100 * time.Millisecond,
			MaxPollBatch:    64,
			InboundQueue:    512,
			DispatchItems:   64,
			DispatchBudget:  4 * time.Millisecond,
			CoalesceWindow:  200 * time.Millisecond,
			Retention:       25 * time.Second,
			SweepInterval:   10 * time.Second,
			SendsPerSecond:  30,
		},
		Replication: ReplicationConfig{
			MinSendInterval:   100 * time.Millisecond,
			MaxSendInterval:   1 * time.Second,
			PositionThreshold: 0.05,
			RotationThreshold: 2.0,
			VelocityThreshold: 0.1,
			ScaleThreshold:    0.05,
			Heartbeat:         3 * time.Second,
			PredictionErrCap:  0.5,
			SnapDistance:      5.0,
			LerpRate:          12.0,
			QuantizeRange:     512.0,
			RigidbodyInterval: 200 * time.Millisecond,
			AnimatorInterval:  250 * time.Millisecond,
			Gravity:           -9.81,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
