package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. Defaults cover a single-box dev
// deployment; config/default.yaml and environment variables override.
type Config struct {
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	AI        AIConfig        `yaml:"ai"`
	Severity  SeverityConfig  `yaml:"severity"`
	GPU       GPUConfig       `yaml:"gpu"`
	Queue     QueueConfig     `yaml:"queue"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Redis     RedisConfig     `yaml:"redis"`
	DB        DBConfig        `yaml:"db"`
	HTTP      HTTPConfig      `yaml:"http"`
}

type PipelineConfig struct {
	BatchWindowSeconds          int      `yaml:"batch_window_seconds"`
	BatchIdleTimeoutSeconds     int      `yaml:"batch_idle_timeout_seconds"`
	FastPathConfidenceThreshold float64  `yaml:"fast_path_confidence_threshold"`
	FastPathObjectTypes         []string `yaml:"fast_path_object_types"`
	SweepIntervalSeconds        int      `yaml:"sweep_interval_seconds"`
}

func (p PipelineConfig) BatchWindow() time.Duration   { return secs(p.BatchWindowSeconds) }
func (p PipelineConfig) IdleTimeout() time.Duration   { return secs(p.BatchIdleTimeoutSeconds) }
func (p PipelineConfig) SweepInterval() time.Duration { return secs(p.SweepIntervalSeconds) }

type AIConfig struct {
	MaxConcurrentInferences int `yaml:"max_concurrent_inferences"`
	ConnectTimeoutSeconds   int `yaml:"connect_timeout_seconds"`
	HealthTimeoutSeconds    int `yaml:"health_timeout_seconds"`

	DetectorURL                 string  `yaml:"detector_url"`
	DetectorAPIKey              string  `yaml:"detector_api_key"`
	DetectorReadTimeoutSeconds  int     `yaml:"detector_read_timeout_seconds"`
	DetectorMaxRetries          int     `yaml:"detector_max_retries"`
	DetectorConfidenceThreshold float64 `yaml:"detector_confidence_threshold"`

	NemotronURL                string `yaml:"nemotron_url"`
	NemotronAPIKey             string `yaml:"nemotron_api_key"`
	NemotronReadTimeoutSeconds int    `yaml:"nemotron_read_timeout_seconds"`
	NemotronMaxRetries         int    `yaml:"nemotron_max_retries"`
	NemotronContextWindow      int    `yaml:"nemotron_context_window"`
	NemotronMaxOutputTokens    int    `yaml:"nemotron_max_output_tokens"`
}

func (a AIConfig) ConnectTimeout() time.Duration      { return secs(a.ConnectTimeoutSeconds) }
func (a AIConfig) HealthTimeout() time.Duration       { return secs(a.HealthTimeoutSeconds) }
func (a AIConfig) DetectorReadTimeout() time.Duration { return secs(a.DetectorReadTimeoutSeconds) }
func (a AIConfig) NemotronReadTimeout() time.Duration { return secs(a.NemotronReadTimeoutSeconds) }

// SeverityConfig holds the risk-level classification boundaries.
// low <= LowMax < medium <= MediumMax < high <= HighMax < critical.
type SeverityConfig struct {
	LowMax    int `yaml:"low_max"`
	MediumMax int `yaml:"medium_max"`
	HighMax   int `yaml:"high_max"`
}

// Classify maps a risk score to its level.
func (s SeverityConfig) Classify(score int) string {
	switch {
	case score <= s.LowMax:
		return "low"
	case score <= s.MediumMax:
		return "medium"
	case score <= s.HighMax:
		return "high"
	default:
		return "critical"
	}
}

type GPUConfig struct {
	PollIntervalSeconds  int     `yaml:"poll_interval_seconds"`
	StatsHistoryMinutes  int     `yaml:"stats_history_minutes"`
	WarningThresholdPct  float64 `yaml:"warning_threshold_pct"`
	CriticalThresholdPct float64 `yaml:"critical_threshold_pct"`
	MetricsURL           string  `yaml:"metrics_url"`
	MockVRAMUsedPct      float64 `yaml:"mock_vram_used_pct"`
}

func (g GPUConfig) PollInterval() time.Duration { return secs(g.PollIntervalSeconds) }

type QueueConfig struct {
	MaxLength             int `yaml:"max_length"`
	DLQRetentionSeconds   int `yaml:"dlq_retention_seconds"`
	WorkerMaxRetries      int `yaml:"worker_max_retries"`
	DequeueTimeoutSeconds int `yaml:"dequeue_timeout_seconds"`
}

func (q QueueConfig) DLQRetention() time.Duration   { return secs(q.DLQRetentionSeconds) }
func (q QueueConfig) DequeueTimeout() time.Duration { return secs(q.DequeueTimeoutSeconds) }

type BroadcastConfig struct {
	Channel     string `yaml:"channel"`
	NATSSubject string `yaml:"nats_subject"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

func (d DBConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type HTTPConfig struct {
	Port string `yaml:"port"`
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			BatchWindowSeconds:          90,
			BatchIdleTimeoutSeconds:     30,
			FastPathConfidenceThreshold: 0.90,
			FastPathObjectTypes:         []string{"person"},
			SweepIntervalSeconds:        5,
		},
		AI: AIConfig{
			MaxConcurrentInferences:     4,
			ConnectTimeoutSeconds:       5,
			HealthTimeoutSeconds:        3,
			DetectorURL:                 "http://localhost:8091",
			DetectorReadTimeoutSeconds:  30,
			DetectorMaxRetries:          3,
			DetectorConfidenceThreshold: 0.5,
			NemotronURL:                 "http://localhost:8092",
			NemotronReadTimeoutSeconds:  120,
			NemotronMaxRetries:          2,
			NemotronContextWindow:       8192,
			NemotronMaxOutputTokens:     1024,
		},
		Severity: SeverityConfig{LowMax: 29, MediumMax: 59, HighMax: 84},
		GPU: GPUConfig{
			PollIntervalSeconds:  10,
			StatsHistoryMinutes:  60,
			WarningThresholdPct:  85,
			CriticalThresholdPct: 95,
			MockVRAMUsedPct:      40,
		},
		Queue: QueueConfig{
			MaxLength:             1000,
			DLQRetentionSeconds:   86400,
			WorkerMaxRetries:      3,
			DequeueTimeoutSeconds: 5,
		},
		Broadcast: BroadcastConfig{
			Channel:     "security_events",
			NATSSubject: "sentinel.events.security",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		DB: DBConfig{
			Host: "localhost", Port: "5432", User: "sentinel",
			Name: "sentinel", SSLMode: "disable",
		},
		HTTP: HTTPConfig{Port: "8080"},
	}
}

// Load reads path over the defaults, then applies env overrides. A missing
// file is not an error; env-only deployments are supported.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("config parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr("DB_HOST", &cfg.DB.Host)
	envStr("DB_PORT", &cfg.DB.Port)
	envStr("DB_USER", &cfg.DB.User)
	envStr("DB_PASSWORD", &cfg.DB.Password)
	envStr("DB_NAME", &cfg.DB.Name)
	envStr("DB_SSLMODE", &cfg.DB.SSLMode)
	envStr("REDIS_ADDR", &cfg.Redis.Addr)
	envStr("REDIS_PASSWORD", &cfg.Redis.Password)
	envStr("DETECTOR_URL", &cfg.AI.DetectorURL)
	envStr("DETECTOR_API_KEY", &cfg.AI.DetectorAPIKey)
	envStr("NEMOTRON_URL", &cfg.AI.NemotronURL)
	envStr("NEMOTRON_API_KEY", &cfg.AI.NemotronAPIKey)
	envStr("PORT", &cfg.HTTP.Port)
	envInt("AI_MAX_CONCURRENT_INFERENCES", &cfg.AI.MaxConcurrentInferences)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

// Store is a hot-reloadable configuration handle. Components that honor
// runtime tuning (fast-path thresholds, severity boundaries) read Current()
// per operation instead of caching values at construction.
type Store struct {
	mu        sync.RWMutex
	cur       *Config
	listeners []func(*Config)
}

func NewStore(cfg *Config) *Store {
	return &Store{cur: cfg}
}

func (s *Store) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Replace swaps the active config and notifies listeners.
func (s *Store) Replace(cfg *Config) {
	s.mu.Lock()
	s.cur = cfg
	listeners := append([]func(*Config){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
}

// OnReload registers a listener invoked after each successful reload.
func (s *Store) OnReload(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
