package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	otelpkg "github.com/basket/labclaw/internal/otel"
)

// LLMConfig selects the model provider and bounds each turn.
type LLMConfig struct {
	// Provider is "google", "anthropic", "openai", "openrouter" or "openai_compatible".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`

	SystemPrompt        string `yaml:"system_prompt"`
	MaxIterations       int    `yaml:"max_iterations"`
	MaxModelRetries     int    `yaml:"max_model_retries"`
	ModelTimeoutSeconds int    `yaml:"model_timeout_seconds"`
	ToolTimeoutSeconds  int    `yaml:"tool_timeout_seconds"`
}

type SandboxConfig struct {
	// Backend is "process" (default) or "docker".
	Backend        string `yaml:"backend"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxOutputBytes int    `yaml:"max_output_bytes"`
	KeepWorkDirs   bool   `yaml:"keep_work_dirs"`
	PythonPath     string `yaml:"python_path"`
	RPath          string `yaml:"r_path"`

	DockerPythonImage string `yaml:"docker_python_image"`
	DockerRImage      string `yaml:"docker_r_image"`
	DockerMemoryMB    int64  `yaml:"docker_memory_mb"`

	// CapabilitySchedule re-probes the interpreters (cron spec).
	CapabilitySchedule string `yaml:"capability_schedule"`
}

type SkillsConfig struct {
	// Dirs are scanned for SKILL.md documents, first dir wins.
	Dirs []string `yaml:"dirs"`
	// CollisionPolicy is "structured_first" (default) or "document_first".
	CollisionPolicy string `yaml:"collision_policy"`
	Watch           bool   `yaml:"watch"`
}

type WorkspaceConfig struct {
	MaxVersions   int    `yaml:"max_versions"`
	SweepSchedule string `yaml:"sweep_schedule"`
}

type RetrievalConfig struct {
	Enabled bool `yaml:"enabled"`
	// CorpusDirs hold reference notes (.md, .txt) indexed for every session.
	CorpusDirs []string `yaml:"corpus_dirs"`
	TopK       int      `yaml:"top_k"`
	// InMemory keeps the keyword index out of the home directory.
	InMemory   bool `yaml:"in_memory"`
	Dimensions int  `yaml:"dimensions"`
}

type EventsConfig struct {
	QueueSize          int `yaml:"queue_size"`
	EmitTimeoutSeconds int `yaml:"emit_timeout_seconds"`
}

type CompactionConfig struct {
	ThresholdRatio float64 `yaml:"threshold_ratio"`
	KeepRecent     int     `yaml:"keep_recent"`
	MinMessages    int     `yaml:"min_messages"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`
	// AllowOrigins lists browser origins accepted on the WebSocket.
	// Empty means local-only.
	AllowOrigins        []string `yaml:"allow_origins"`
	DrainTimeoutSeconds int      `yaml:"drain_timeout_seconds"`
	// ChatPerMinute limits chat.send per connection; zero disables.
	ChatPerMinute int `yaml:"chat_per_minute"`

	LLM        LLMConfig        `yaml:"llm"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Skills     SkillsConfig     `yaml:"skills"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Events     EventsConfig     `yaml:"events"`
	Compaction CompactionConfig `yaml:"compaction"`
	OTel       otelpkg.Config   `yaml:"otel"`

	ContextLimits map[string]int `yaml:"context_limits"`

	// NeedsSetup is set when no config.yaml exists yet.
	NeedsSetup bool `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 10,
		ChatPerMinute:       30,
		LLM: LLMConfig{
			Provider:            "google",
			MaxIterations:       8,
			MaxModelRetries:     3,
			ModelTimeoutSeconds: 120,
			ToolTimeoutSeconds:  600,
		},
		Sandbox: SandboxConfig{
			Backend:            "process",
			TimeoutSeconds:     60,
			MaxOutputBytes:     1 << 20,
			CapabilitySchedule: "@every 10m",
		},
		Skills: SkillsConfig{
			CollisionPolicy: "structured_first",
			Watch:           true,
		},
		Workspace: WorkspaceConfig{
			MaxVersions:   10,
			SweepSchedule: "@every 1h",
		},
		Retrieval: RetrievalConfig{
			Enabled: true,
			TopK:    4,
		},
		Events: EventsConfig{
			QueueSize:          256,
			EmitTimeoutSeconds: 30,
		},
		Compaction: CompactionConfig{
			ThresholdRatio: 0.75,
			KeepRecent:     4,
			MinMessages:    8,
		},
		OTel: otelpkg.Config{
			Exporter:    otelpkg.ExporterOTLPHTTP,
			ServiceName: "labclaw",
			SampleRate:  1.0,
		},
	}
}

// HomeDir is $LABCLAW_HOME or ~/.labclaw.
func HomeDir() string {
	if override := os.Getenv("LABCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".labclaw")
}

func ConfigPath(homeDir string) string { return filepath.Join(homeDir, "config.yaml") }
func PolicyPath(homeDir string) string { return filepath.Join(homeDir, "policy.yaml") }

func (c Config) DBPath() string { return filepath.Join(c.HomeDir, "labclaw.db") }
func (c Config) WorkspaceDir() string { return filepath.Join(c.HomeDir, "workspace") }
func (c Config) SandboxDir() string { return filepath.Join(c.HomeDir, "sandbox") }
func (c Config) IndexDir() string { return filepath.Join(c.HomeDir, "index") }
func (c Config) PolicyPath() string { return PolicyPath(c.HomeDir) }
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Load reads configuration in order: defaults, config.yaml, .env files,
// LABCLAW_* environment overrides.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create labclaw home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg.NeedsSetup = true
	case err != nil:
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	case len(data) > 0:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := loadDotEnv(cfg.HomeDir); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv reads ./.env and <home>/.env. Variables already set in the
// environment are never overwritten.
func loadDotEnv(homeDir string) error {
	var files []string
	for _, p := range []string{".env", filepath.Join(homeDir, ".env")} {
		if _, err := os.Stat(p); err == nil {
			files = append(files, p)
		}
	}
	if len(files) == 0 {
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if raw := os.Getenv(key); raw != "" {
			*dst = raw
		}
	}
	num := func(key string, dst *int) {
		if raw := os.Getenv(key); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			}
		}
	}
	flag := func(key string, dst *bool) {
		if raw := os.Getenv(key); raw != "" {
			if v, err := strconv.ParseBool(raw); err == nil {
				*dst = v
			}
		}
	}

	str("LABCLAW_BIND_ADDR", &cfg.BindAddr)
	str("LABCLAW_LOG_LEVEL", &cfg.LogLevel)
	str("LABCLAW_AUTH_TOKEN", &cfg.AuthToken)
	str("LABCLAW_LLM_PROVIDER", &cfg.LLM.Provider)
	str("LABCLAW_LLM_MODEL", &cfg.LLM.Model)
	str("LABCLAW_LLM_BASE_URL", &cfg.LLM.BaseURL)
	num("LABCLAW_MAX_ITERATIONS", &cfg.LLM.MaxIterations)
	num("LABCLAW_TOOL_TIMEOUT_SECONDS", &cfg.LLM.ToolTimeoutSeconds)
	str("LABCLAW_SANDBOX_BACKEND", &cfg.Sandbox.Backend)
	num("LABCLAW_SANDBOX_TIMEOUT_SECONDS", &cfg.Sandbox.TimeoutSeconds)
	flag("LABCLAW_RETRIEVAL_ENABLED", &cfg.Retrieval.Enabled)
	flag("LABCLAW_OTEL_ENABLED", &cfg.OTel.Enabled)
	str("LABCLAW_OTEL_ENDPOINT", &cfg.OTel.Endpoint)
	if raw := os.Getenv("LABCLAW_SKILLS_DIRS"); raw != "" {
		cfg.Skills.Dirs = filepath.SplitList(raw)
	}
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.MaxIterations <= 0 {
		cfg.LLM.MaxIterations = def.LLM.MaxIterations
	}
	if cfg.LLM.MaxModelRetries <= 0 {
		cfg.LLM.MaxModelRetries = def.LLM.MaxModelRetries
	}
	if cfg.LLM.ModelTimeoutSeconds <= 0 {
		cfg.LLM.ModelTimeoutSeconds = def.LLM.ModelTimeoutSeconds
	}
	if cfg.LLM.ToolTimeoutSeconds <= 0 {
		cfg.LLM.ToolTimeoutSeconds = def.LLM.ToolTimeoutSeconds
	}
	cfg.Sandbox.Backend = strings.ToLower(strings.TrimSpace(cfg.Sandbox.Backend))
	if cfg.Sandbox.Backend == "" {
		cfg.Sandbox.Backend = def.Sandbox.Backend
	}
	if cfg.Sandbox.TimeoutSeconds <= 0 {
		cfg.Sandbox.TimeoutSeconds = def.Sandbox.TimeoutSeconds
	}
	if cfg.Sandbox.MaxOutputBytes <= 0 {
		cfg.Sandbox.MaxOutputBytes = def.Sandbox.MaxOutputBytes
	}
	if cfg.Sandbox.CapabilitySchedule == "" {
		cfg.Sandbox.CapabilitySchedule = def.Sandbox.CapabilitySchedule
	}
	if len(cfg.Skills.Dirs) == 0 {
		cfg.Skills.Dirs = []string{filepath.Join(cfg.HomeDir, "skills")}
	}
	if cfg.Skills.CollisionPolicy == "" {
		cfg.Skills.CollisionPolicy = def.Skills.CollisionPolicy
	}
	if cfg.Workspace.MaxVersions <= 0 {
		cfg.Workspace.MaxVersions = def.Workspace.MaxVersions
	}
	if cfg.Workspace.SweepSchedule == "" {
		cfg.Workspace.SweepSchedule = def.Workspace.SweepSchedule
	}
	if cfg.Retrieval.TopK <= 0 {
		cfg.Retrieval.TopK = def.Retrieval.TopK
	}
	if cfg.Events.QueueSize <= 0 {
		cfg.Events.QueueSize = def.Events.QueueSize
	}
	if cfg.Events.EmitTimeoutSeconds <= 0 {
		cfg.Events.EmitTimeoutSeconds = def.Events.EmitTimeoutSeconds
	}
	if cfg.Compaction.ThresholdRatio <= 0 || cfg.Compaction.ThresholdRatio > 1 {
		cfg.Compaction.ThresholdRatio = def.Compaction.ThresholdRatio
	}
	if cfg.Compaction.KeepRecent <= 0 {
		cfg.Compaction.KeepRecent = def.Compaction.KeepRecent
	}
	if cfg.Compaction.MinMessages <= 0 {
		cfg.Compaction.MinMessages = def.Compaction.MinMessages
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = def.OTel.ServiceName
	}
}

func validate(cfg Config) error {
	switch cfg.LLM.Provider {
	case "google", "anthropic", "openai", "openrouter", "openai_compatible":
	default:
		return fmt.Errorf("llm.provider %q is not supported", cfg.LLM.Provider)
	}
	if cfg.LLM.Provider == "openai_compatible" && cfg.LLM.BaseURL == "" {
		return errors.New("llm.base_url is required for openai_compatible")
	}
	switch cfg.Sandbox.Backend {
	case "process", "docker":
	default:
		return fmt.Errorf("sandbox.backend %q must be process or docker", cfg.Sandbox.Backend)
	}
	switch cfg.Skills.CollisionPolicy {
	case "structured_first", "document_first":
	default:
		return fmt.Errorf("skills.collision_policy %q must be structured_first or document_first", cfg.Skills.CollisionPolicy)
	}
	return nil
}

// ProviderAPIKey returns the model API key. Provider environment
// variables take precedence over llm.api_key.
func (c Config) ProviderAPIKey() string {
	envVars := map[string][]string{
		"google":            {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"anthropic":         {"ANTHROPIC_API_KEY"},
		"openai":            {"OPENAI_API_KEY"},
		"openai_compatible": {"OPENAI_API_KEY"},
		"openrouter":        {"OPENROUTER_API_KEY"},
	}
	for _, key := range envVars[c.LLM.Provider] {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	if v := os.Getenv("LABCLAW_LLM_API_KEY"); v != "" {
		return v
	}
	return c.LLM.APIKey
}

// Fingerprint returns a stable hash of the settings that change runtime
// behaviour. Secrets are excluded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|llm=%s/%s|iters=%d|tool=%d|sandbox=%s/%d|skills=%v/%s|versions=%d|retrieval=%t/%d|origins=%v",
		c.BindAddr, c.LogLevel, c.LLM.Provider, c.LLM.Model, c.LLM.MaxIterations, c.LLM.ToolTimeoutSeconds,
		c.Sandbox.Backend, c.Sandbox.TimeoutSeconds, c.Skills.Dirs, c.Skills.CollisionPolicy,
		c.Workspace.MaxVersions, c.Retrieval.Enabled, c.Retrieval.TopK, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
