package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	strataotel "github.com/basket/strata/internal/otel"
	"github.com/basket/strata/internal/shared"
	"github.com/basket/strata/internal/summary"
)

const (
	DefaultChunkTokens           = 4000
	DefaultPruningBoundaryTokens = 20000
	DefaultMergeThreshold        = 4
	DefaultSchedule              = "@every 15m"
	DefaultMaxParallelAgents     = 4
	DefaultRetentionRunsDays     = 90

	LockBackendFile     = "file"
	LockBackendPostgres = "postgres"
)

// MemoryConfig holds the summarization settings of an agent.
type MemoryConfig struct {
	Enabled               bool   `yaml:"enabled"`
	ChunkTokens           int    `yaml:"chunk_tokens"`
	PruningBoundaryTokens int    `yaml:"pruning_boundary_tokens"`
	MergeThreshold        int    `yaml:"merge_threshold"`
	Model                 string `yaml:"model"`
}

// MemoryOverride is the per-agent form of MemoryConfig. Unset fields
// inherit the global value.
type MemoryOverride struct {
	Enabled               *bool  `yaml:"enabled"`
	ChunkTokens           int    `yaml:"chunk_tokens"`
	PruningBoundaryTokens int    `yaml:"pruning_boundary_tokens"`
	MergeThreshold        int    `yaml:"merge_threshold"`
	Model                 string `yaml:"model"`
}

// ProviderConfig holds per-provider credentials.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LLMConfig selects the summarization backend.
type LLMConfig struct {
	// Backend is "genkit", "anthropic" or "static".
	Backend string `yaml:"backend"`
	// Provider names the genkit provider: "google", "anthropic", "openai",
	// "openai_compatible", "openrouter".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`

	MaxTokens      int `yaml:"max_tokens"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// LockConfig selects the lock backend.
type LockConfig struct {
	Backend     string `yaml:"backend"`
	PostgresURL string `yaml:"postgres_url"`
}

// AgentConfigEntry configures one agent for the daemon and `run -all`.
type AgentConfigEntry struct {
	AgentID  string         `yaml:"agent_id"`
	Enabled  *bool          `yaml:"enabled"`
	Schedule string         `yaml:"schedule"`
	Memory   MemoryOverride `yaml:"memory"`
}

// IsEnabled reports whether the daemon should schedule the agent.
func (a AgentConfigEntry) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// SessionsDir holds <agent>/sessions/*.jsonl transcripts.
	SessionsDir string `yaml:"sessions_dir"`
	// MemoryDir holds <agent>/index.json and <agent>/summaries/.
	MemoryDir string `yaml:"memory_dir"`

	Schedule          string `yaml:"schedule"`
	MaxParallelAgents int    `yaml:"max_parallel_agents"`
	RetentionRunsDays int    `yaml:"retention_runs_days"`

	Memory    MemoryConfig              `yaml:"memory"`
	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Lock      LockConfig                `yaml:"lock"`
	Telemetry strataotel.Config         `yaml:"telemetry"`

	Agents []AgentConfigEntry `yaml:"agents"`

	// NeedsInit is set when config.yaml did not exist.
	NeedsInit bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func HomeDir() string {
	if override := os.Getenv("STRATA_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".strata")
}

func defaultConfig() Config {
	return Config{
		LogLevel:          "info",
		Schedule:          DefaultSchedule,
		MaxParallelAgents: DefaultMaxParallelAgents,
		RetentionRunsDays: DefaultRetentionRunsDays,
		Memory: MemoryConfig{
			Enabled:               true,
			ChunkTokens:           DefaultChunkTokens,
			PruningBoundaryTokens: DefaultPruningBoundaryTokens,
			MergeThreshold:        DefaultMergeThreshold,
		},
		LLM: LLMConfig{
			Backend:        "genkit",
			Provider:       "google",
			TimeoutSeconds: 120,
		},
		Lock: LockConfig{Backend: LockBackendFile},
		Telemetry: strataotel.Config{
			Exporter:   "none",
			SampleRate: 1.0,
		},
	}
}

// Load reads $STRATA_HOME/config.yaml, applies env overrides and validates
// the result.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create strata home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsInit = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.SessionsDir) == "" {
		cfg.SessionsDir = filepath.Join(cfg.HomeDir, "agents")
	}
	if strings.TrimSpace(cfg.MemoryDir) == "" {
		cfg.MemoryDir = filepath.Join(cfg.HomeDir, "memory")
	}
	cfg.SessionsDir = expandHome(cfg.SessionsDir)
	cfg.MemoryDir = expandHome(cfg.MemoryDir)
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.MaxParallelAgents <= 0 {
		cfg.MaxParallelAgents = DefaultMaxParallelAgents
	}
	if cfg.Memory.ChunkTokens <= 0 {
		cfg.Memory.ChunkTokens = DefaultChunkTokens
	}
	if cfg.Memory.PruningBoundaryTokens <= 0 {
		cfg.Memory.PruningBoundaryTokens = DefaultPruningBoundaryTokens
	}
	if cfg.Memory.MergeThreshold <= 0 {
		cfg.Memory.MergeThreshold = DefaultMergeThreshold
	}
	cfg.LLM.Backend = strings.ToLower(strings.TrimSpace(cfg.LLM.Backend))
	if cfg.LLM.Backend == "" {
		cfg.LLM.Backend = "genkit"
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	// Legacy provider name.
	if cfg.LLM.Provider == "gemini" || cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	cfg.Lock.Backend = strings.ToLower(strings.TrimSpace(cfg.Lock.Backend))
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = LockBackendFile
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
	for i := range cfg.Agents {
		cfg.Agents[i].AgentID = strings.TrimSpace(cfg.Agents[i].AgentID)
		cfg.Agents[i].Schedule = strings.TrimSpace(cfg.Agents[i].Schedule)
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level %q must be one of debug, info, warn, error", c.LogLevel))
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("schedule %q: %w", c.Schedule, err))
	}
	if c.Memory.PruningBoundaryTokens < c.Memory.ChunkTokens {
		errs = append(errs, fmt.Errorf("memory.pruning_boundary_tokens (%d) must be >= memory.chunk_tokens (%d)",
			c.Memory.PruningBoundaryTokens, c.Memory.ChunkTokens))
	}
	if c.Memory.MergeThreshold < 2 {
		errs = append(errs, fmt.Errorf("memory.merge_threshold (%d) must be at least 2", c.Memory.MergeThreshold))
	}
	if !slices.Contains([]string{"genkit", "anthropic", "static"}, c.LLM.Backend) {
		errs = append(errs, fmt.Errorf("llm.backend %q must be one of genkit, anthropic, static", c.LLM.Backend))
	}
	switch c.Lock.Backend {
	case LockBackendFile:
	case LockBackendPostgres:
		if strings.TrimSpace(c.Lock.PostgresURL) == "" {
			errs = append(errs, errors.New("lock.postgres_url is required when lock.backend is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.backend %q must be file or postgres", c.Lock.Backend))
	}
	if !slices.Contains(strataotel.Exporters, c.Telemetry.Exporter) {
		errs = append(errs, fmt.Errorf("telemetry.exporter %q must be one of %s",
			c.Telemetry.Exporter, strings.Join(strataotel.Exporters, ", ")))
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if err := shared.ValidateAgentID(a.AgentID); err != nil {
			errs = append(errs, fmt.Errorf("agents[%d]: %w", i, err))
			continue
		}
		if seen[a.AgentID] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate agent_id %q", i, a.AgentID))
		}
		seen[a.AgentID] = true
		if a.Schedule != "" {
			if _, err := cron.ParseStandard(a.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("agents[%d].schedule %q: %w", i, a.Schedule, err))
			}
		}
		s := c.SettingsFor(a.AgentID)
		if s.PruningBoundaryTokens < s.ChunkTokens {
			errs = append(errs, fmt.Errorf("agents[%d].memory: pruning_boundary_tokens (%d) must be >= chunk_tokens (%d)",
				i, s.PruningBoundaryTokens, s.ChunkTokens))
		}
		if s.MergeThreshold < 2 {
			errs = append(errs, fmt.Errorf("agents[%d].memory: merge_threshold (%d) must be at least 2", i, s.MergeThreshold))
		}
	}
	return errors.Join(errs...)
}

// Agent returns the configured entry for agentID.
func (c Config) Agent(agentID string) (AgentConfigEntry, bool) {
	for _, a := range c.Agents {
		if a.AgentID == agentID {
			return a, true
		}
	}
	return AgentConfigEntry{}, false
}

// AgentIDs lists the enabled configured agents in config order.
func (c Config) AgentIDs() []string {
	var out []string
	for _, a := range c.Agents {
		if a.IsEnabled() {
			out = append(out, a.AgentID)
		}
	}
	return out
}

// ScheduleFor returns the cron spec of agentID.
func (c Config) ScheduleFor(agentID string) string {
	if a, ok := c.Agent(agentID); ok && a.Schedule != "" {
		return a.Schedule
	}
	return c.Schedule
}

// SettingsFor resolves the memory settings of agentID: the global memory
// section with the agent's overrides applied. The model falls back to
// llm.model.
func (c Config) SettingsFor(agentID string) summary.Settings {
	s := summary.Settings{
		Enabled:               c.Memory.Enabled,
		ChunkTokens:           c.Memory.ChunkTokens,
		PruningBoundaryTokens: c.Memory.PruningBoundaryTokens,
		MergeThreshold:        c.Memory.MergeThreshold,
		Model:                 c.Memory.Model,
	}
	if a, ok := c.Agent(agentID); ok {
		o := a.Memory
		if o.Enabled != nil {
			s.Enabled = *o.Enabled
		}
		if o.ChunkTokens > 0 {
			s.ChunkTokens = o.ChunkTokens
		}
		if o.PruningBoundaryTokens > 0 {
			s.PruningBoundaryTokens = o.PruningBoundaryTokens
		}
		if o.MergeThreshold > 0 {
			s.MergeThreshold = o.MergeThreshold
		}
		if o.Model != "" {
			s.Model = o.Model
		}
	}
	if s.Model == "" {
		s.Model = c.LLM.Model
	}
	return s
}

// ProviderAPIKey returns the API key for the given provider, checking env
// overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string][]string{
		"google":            {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"anthropic":         {"ANTHROPIC_API_KEY"},
		"openai":            {"OPENAI_API_KEY"},
		"openai_compatible": {"OPENAI_API_KEY"},
		"openrouter":        {"OPENROUTER_API_KEY"},
	}
	for _, envVar := range envMap[provider] {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// ProviderBaseURL returns the configured endpoint override for provider.
func (c Config) ProviderBaseURL(provider string) string {
	if p, ok := c.Providers[provider]; ok {
		return p.BaseURL
	}
	return ""
}

// LLMTimeout returns the per-call backend timeout.
func (c Config) LLMTimeout() time.Duration {
	if c.LLM.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the settings that affect scheduling
// and summarization, provider credentials included. The daemon compares fingerprints to decide whether a
// reload changed anything.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|sched=%s|par=%d|mem=%+v|llm=%+v|lock=%s",
		c.LogLevel, c.Schedule, c.MaxParallelAgents, c.Memory, c.LLM, c.Lock.Backend)
	for _, a := range c.Agents {
		o := a.Memory
		fmt.Fprintf(h, "|agent=%s:%v:%s:%d:%d:%d:%s", a.AgentID, a.IsEnabled(), a.Schedule,
			o.ChunkTokens, o.PruningBoundaryTokens, o.MergeThreshold, o.Model)
		if o.Enabled != nil {
			fmt.Fprintf(h, ":%v", *o.Enabled)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(c.Providers)) {
		p := c.Providers[name]
		fmt.Fprintf(h, "|provider=%s:%s:%s", name, p.BaseURL, credentialDigest(p.APIKey))
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// credentialDigest identifies a key without exposing it; the fingerprint is
// logged.
func credentialDigest(key string) string {
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("STRATA_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("STRATA_MEMORY_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Memory.Enabled = v
		}
	}
	if raw := os.Getenv("STRATA_CHUNK_TOKENS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Memory.ChunkTokens = v
		}
	}
	if raw := os.Getenv("STRATA_PRUNING_BOUNDARY_TOKENS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Memory.PruningBoundaryTokens = v
		}
	}
	if raw := os.Getenv("STRATA_MERGE_THRESHOLD"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Memory.MergeThreshold = v
		}
	}
	if raw := os.Getenv("STRATA_SESSIONS_DIR"); raw != "" {
		cfg.SessionsDir = raw
	}
	if raw := os.Getenv("STRATA_LLM_BACKEND"); raw != "" {
		cfg.LLM.Backend = raw
	}
	if raw := os.Getenv("STRATA_LOCK_BACKEND"); raw != "" {
		cfg.Lock.Backend = raw
	}
	if raw := os.Getenv("STRATA_POSTGRES_URL"); raw != "" {
		cfg.Lock.PostgresURL = raw
	}
}
