package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied before the file and environment are consulted.
const (
	defaultPort          = "8080"
	defaultDedupSearches = 3
	defaultCostPerLead   = 1
	defaultMaxAttempts   = 3
	defaultWorkers       = 2
	defaultBackoffBase   = 30 * time.Second
	defaultBackoffCap    = 30 * time.Minute
	defaultStaleAfter    = 10 * time.Minute
	defaultPollInterval  = 5 * time.Second
	defaultReapInterval  = time.Minute
	defaultCallTimeout   = 60 * time.Second
)

// Config is the resolved runtime configuration.
type Config struct {
	DatabaseURL string
	Port        string
	CORSOrigins []string
	Billing     Billing
	Queue       Queue
	Provider    Provider
	SearchAPI   SearchAPI
}

// Billing holds charge-decision tunables.
type Billing struct {
	// DedupSearches is K, the span of the free re-display window counted in
	// searches, the current one included: a lead billed in one search rides
	// free through the next K-1 and bills again after that.
	DedupSearches int
	CostPerLead   int
}

// Queue holds enrichment-queue tunables.
type Queue struct {
	MaxAttempts  int
	Workers      int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	StaleAfter   time.Duration
	PollInterval time.Duration
	ReapInterval time.Duration
}

// Provider holds the external enrichment API settings.
type Provider struct {
	BaseURL     string
	APIKey      string
	CallTimeout time.Duration
}

// SearchAPI holds the company-search API settings (candidate discovery by
// niche and location).
type SearchAPI struct {
	BaseURL     string
	APIKey      string
	CallTimeout time.Duration
}

// fileConfig mirrors Config with yaml tags; durations are strings so the
// file can say "30s" / "10m".
type fileConfig struct {
	DatabaseURL string   `yaml:"database_url"`
	Port        string   `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Billing     struct {
		DedupSearches *int `yaml:"dedup_searches"`
		CostPerLead   *int `yaml:"cost_per_lead"`
	} `yaml:"billing"`
	Queue struct {
		MaxAttempts  *int   `yaml:"max_attempts"`
		Workers      *int   `yaml:"workers"`
		BackoffBase  string `yaml:"backoff_base"`
		BackoffCap   string `yaml:"backoff_cap"`
		StaleAfter   string `yaml:"stale_after"`
		PollInterval string `yaml:"poll_interval"`
		ReapInterval string `yaml:"reap_interval"`
	} `yaml:"queue"`
	Provider struct {
		BaseURL     string `yaml:"base_url"`
		APIKey      string `yaml:"api_key"`
		CallTimeout string `yaml:"call_timeout"`
	} `yaml:"provider"`
	SearchAPI struct {
		BaseURL     string `yaml:"base_url"`
		APIKey      string `yaml:"api_key"`
		CallTimeout string `yaml:"call_timeout"`
	} `yaml:"search_api"`
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped if path is empty or the file does not exist), then environment
// overrides. Env always wins so deployments can keep secrets out of the file.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Port: defaultPort,
		Billing: Billing{
			DedupSearches: defaultDedupSearches,
			CostPerLead:   defaultCostPerLead,
		},
		Queue: Queue{
			MaxAttempts:  defaultMaxAttempts,
			Workers:      defaultWorkers,
			BackoffBase:  defaultBackoffBase,
			BackoffCap:   defaultBackoffCap,
			StaleAfter:   defaultStaleAfter,
			PollInterval: defaultPollInterval,
			ReapInterval: defaultReapInterval,
		},
		Provider: Provider{
			CallTimeout: defaultCallTimeout,
		},
		SearchAPI: SearchAPI{
			CallTimeout: defaultCallTimeout,
		},
	}

	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)

	if cfg.Billing.DedupSearches < 0 {
		return nil, fmt.Errorf("billing.dedup_searches must be >= 0")
	}
	if cfg.Billing.CostPerLead <= 0 {
		return nil, fmt.Errorf("billing.cost_per_lead must be > 0")
	}
	if cfg.Queue.MaxAttempts <= 0 {
		return nil, fmt.Errorf("queue.max_attempts must be > 0")
	}
	if cfg.Queue.Workers <= 0 {
		return nil, fmt.Errorf("queue.workers must be > 0")
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if fc.DatabaseURL != "" {
		cfg.DatabaseURL = fc.DatabaseURL
	}
	if fc.Port != "" {
		cfg.Port = fc.Port
	}
	if len(fc.CORSOrigins) > 0 {
		cfg.CORSOrigins = fc.CORSOrigins
	}
	if fc.Billing.DedupSearches != nil {
		cfg.Billing.DedupSearches = *fc.Billing.DedupSearches
	}
	if fc.Billing.CostPerLead != nil {
		cfg.Billing.CostPerLead = *fc.Billing.CostPerLead
	}
	if fc.Queue.MaxAttempts != nil {
		cfg.Queue.MaxAttempts = *fc.Queue.MaxAttempts
	}
	if fc.Queue.Workers != nil {
		cfg.Queue.Workers = *fc.Queue.Workers
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{fc.Queue.BackoffBase, &cfg.Queue.BackoffBase, "queue.backoff_base"},
		{fc.Queue.BackoffCap, &cfg.Queue.BackoffCap, "queue.backoff_cap"},
		{fc.Queue.StaleAfter, &cfg.Queue.StaleAfter, "queue.stale_after"},
		{fc.Queue.PollInterval, &cfg.Queue.PollInterval, "queue.poll_interval"},
		{fc.Queue.ReapInterval, &cfg.Queue.ReapInterval, "queue.reap_interval"},
		{fc.Provider.CallTimeout, &cfg.Provider.CallTimeout, "provider.call_timeout"},
		{fc.SearchAPI.CallTimeout, &cfg.SearchAPI.CallTimeout, "search_api.call_timeout"},
	} {
		if d.raw == "" {
			continue
		}
		dur, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", d.key, d.raw, err)
		}
		*d.dst = dur
	}
	if fc.Provider.BaseURL != "" {
		cfg.Provider.BaseURL = fc.Provider.BaseURL
	}
	if fc.Provider.APIKey != "" {
		cfg.Provider.APIKey = fc.Provider.APIKey
	}
	if fc.SearchAPI.BaseURL != "" {
		cfg.SearchAPI.BaseURL = fc.SearchAPI.BaseURL
	}
	if fc.SearchAPI.APIKey != "" {
		cfg.SearchAPI.APIKey = fc.SearchAPI.APIKey
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("SEARCH_API_BASE_URL"); v != "" {
		cfg.SearchAPI.BaseURL = v
	}
	if v := os.Getenv("SEARCH_API_KEY"); v != "" {
		cfg.SearchAPI.APIKey = v
	}
}
