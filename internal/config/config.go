package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Registry RegistryConfig `yaml:"registry"`
	Fleet    FleetConfig    `yaml:"fleet"`
	NATS     NATSConfig     `yaml:"nats"`
	Store    StoreConfig    `yaml:"store"`
	Web      WebConfig      `yaml:"web"`
	Telegram TelegramConfig `yaml:"telegram"`
	Vault    VaultConfig    `yaml:"vault"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// RegistryConfig points at the upstream component registry and the
// agent-ID-by-mission index, both external collaborators.
type RegistryConfig struct {
	URL          string        `yaml:"url"`
	MissionIndex string        `yaml:"mission_index"`
	Token        string        `yaml:"token"` // plain or sealed with `fleetgate seal`
	Timeout      time.Duration `yaml:"timeout"`
}

type FleetConfig struct {
	PoolType         string          `yaml:"pool_type"`           // component type queried from the registry
	DefaultPoolURL   string          `yaml:"default_pool_url"`    // synthesized pool when discovery finds nothing
	MaxAgentsPerPool int             `yaml:"max_agents_per_pool"` // capacity for synthesized pools
	DiscoveryRetries int             `yaml:"discovery_retries"`
	PoolTimeout      time.Duration   `yaml:"pool_timeout"`
	ReclaimSchedule  string          `yaml:"reclaim_schedule"` // cron or JSON schedule, see internal/schedule
	LocalPool        LocalPoolConfig `yaml:"local_pool"`
}

// LocalPoolConfig controls whether the bootstrap path may launch a worker-pool
// container on the local Docker daemon when the registry returns nothing.
type LocalPoolConfig struct {
	Enabled bool   `yaml:"enabled"`
	Image   string `yaml:"image"`
	Build   bool   `yaml:"build"` // build Image from Dockerfile.pool in the cwd first
	Port    int    `yaml:"port"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type TelegramConfig struct {
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"` // mission observers
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type SnapshotConfig struct {
	Dir string `yaml:"dir"`
}

func defaults() Config {
	return Config{
		Registry: RegistryConfig{
			Timeout: 10 * time.Second,
		},
		Fleet: FleetConfig{
			PoolType:         "AgentSet",
			DefaultPoolURL:   "localhost:9001",
			MaxAgentsPerPool: 10,
			DiscoveryRetries: 3,
			PoolTimeout:      15 * time.Second,
			ReclaimSchedule:  "* * * * *",
			LocalPool: LocalPoolConfig{
				Image: "fleetgate-pool:latest",
				Port:  9001,
			},
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/fleetgate.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Snapshot: SnapshotConfig{
			Dir: "data/snapshots",
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("FLEETGATE_CONFIG")
	if path == "" {
		path = "config/fleetgate.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FLEETGATE_REGISTRY_URL"); v != "" {
		cfg.Registry.URL = v
	}
	if v := os.Getenv("FLEETGATE_MISSION_INDEX_URL"); v != "" {
		cfg.Registry.MissionIndex = v
	}
	if v := os.Getenv("FLEETGATE_REGISTRY_TOKEN"); v != "" {
		cfg.Registry.Token = v
	}
	if v := os.Getenv("FLEETGATE_DEFAULT_POOL_URL"); v != "" {
		cfg.Fleet.DefaultPoolURL = v
	}
	if v := os.Getenv("FLEETGATE_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("FLEETGATE_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("FLEETGATE_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("FLEETGATE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("FLEETGATE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("FLEETGATE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FLEETGATE_SNAPSHOT_DIR"); v != "" {
		cfg.Snapshot.Dir = v
	}
}
