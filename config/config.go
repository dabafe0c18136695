// Package config loads cache settings from YAML.
//
//	namespace: app:mainnet:accounts
//	tuning:
//	  batch_duration: 250ms
//	  chunk_size: 100
//	  stale_after_versions: 150
//	store:
//	  backend: ristretto
//	  ristretto:
//	    num_counters: 1000000
//	    max_cost: 100000
//	    buffer_items: 64
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/loadcache"
	pr "github.com/unkn0wn-root/loadcache/provider"
	"github.com/unkn0wn-root/loadcache/provider/bigcache"
	"github.com/unkn0wn-root/loadcache/provider/memory"
	"github.com/unkn0wn-root/loadcache/provider/ristretto"
)

const (
	BackendMemory    = "memory"
	BackendRistretto = "ristretto"
	BackendBigCache  = "bigcache"
)

// Config is the file layout.
type Config struct {
	Namespace string           `yaml:"namespace"`
	Tuning    loadcache.Tuning `yaml:"tuning"`
	Store     StoreConfig      `yaml:"store"`
}

// StoreConfig selects the byte store backing cached values.
type StoreConfig struct {
	Backend   string           `yaml:"backend"` // memory (default), ristretto, bigcache
	Ristretto ristretto.Config `yaml:"ristretto"`
	BigCache  bigcache.Config  `yaml:"bigcache"`
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML, fills defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	// negative values would be silently reset by the defaults
	if err := validateTuning(cfg.Tuning); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	setDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendMemory
	}
	if cfg.Store.Backend == BackendRistretto {
		r := &cfg.Store.Ristretto
		if r.NumCounters == 0 {
			r.NumCounters = 1e6
		}
		if r.MaxCost == 0 {
			r.MaxCost = 1e5
		}
		if r.BufferItems == 0 {
			r.BufferItems = 64
		}
	}
	cfg.Tuning = cfg.Tuning.WithDefaults()
}

// Validate checks values the defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRistretto, BackendBigCache:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Tuning.ChunkSize > 1000 {
		return fmt.Errorf("chunk_size %d exceeds 1000", c.Tuning.ChunkSize)
	}
	return nil
}

func validateTuning(t loadcache.Tuning) error {
	switch {
	case t.ChunkSize < 0:
		return fmt.Errorf("chunk_size must be >= 0")
	case t.MaxConcurrentChunks < 0:
		return fmt.Errorf("max_concurrent_chunks must be >= 0")
	case t.RefetchAttempts < 0:
		return fmt.Errorf("refetch_attempts must be >= 0")
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"batch_duration", t.BatchDuration},
		{"fetch_timeout", t.FetchTimeout},
		{"reconcile_interval", t.ReconcileInterval},
		{"reconcile_debounce", t.ReconcileDebounce},
		{"refetch_delay", t.RefetchDelay},
		{"confirm_timeout", t.ConfirmTimeout},
	}
	for _, f := range durations {
		if f.d < 0 {
			return fmt.Errorf("%s must be >= 0", f.name)
		}
	}
	return nil
}

// NewProvider builds the configured byte store.
func (c *Config) NewProvider() (pr.Provider, error) {
	switch c.Store.Backend {
	case BackendRistretto:
		p, err := ristretto.New(c.Store.Ristretto)
		if err != nil {
			return nil, err
		}
		return p, nil
	case BackendBigCache:
		p, err := bigcache.New(c.Store.BigCache)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return memory.New(), nil
	}
}
