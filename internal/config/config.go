package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type BotConfig struct {
	Token   string `yaml:"token"`
	Mode    string `yaml:"mode"` // polling | webhook (future)
	Workers int    `yaml:"workers"`
}

type PolicyConfig struct {
	AllowedSenders []string `yaml:"allowed_senders"` // empty = allow all
	WorkspaceRoots []string `yaml:"workspace_roots"`
	RatePerMinute  int      `yaml:"rate_per_minute"`
}

type OrchestratorConfig struct {
	DefaultWorkspace    string            `yaml:"default_workspace"`
	Workspaces          map[string]string `yaml:"workspaces"` // alias -> absolute path
	ApprovalTTL         time.Duration     `yaml:"approval_ttl"`
	MaxResumeAttempts   int               `yaml:"max_resume_attempts"`
	CheckpointEnabled   bool              `yaml:"checkpoint_enabled"`
	StreamingEnabled    bool              `yaml:"streaming_enabled"`
	ProgressMinInterval time.Duration     `yaml:"progress_min_interval"`
	TeamContext         string            `yaml:"team_context"`
	MemoryWindow        int               `yaml:"memory_window"`
}

type ExecutorConfig struct {
	Workers           int           `yaml:"workers"`
	LeaseDuration     time.Duration `yaml:"lease_duration"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
}

type FollowUpConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type ConnectorConfig struct {
	Kind            string        `yaml:"kind"` // process | openai | gemini | noop
	Command         string        `yaml:"command"`
	Args            []string      `yaml:"args"`
	TurnTimeout     time.Duration `yaml:"turn_timeout"`
	OpenAIKey       string        `yaml:"openai_key"`
	GeminiKey       string        `yaml:"gemini_key"`
	Model           string        `yaml:"model"`
	MaxPromptTokens int           `yaml:"max_prompt_tokens"`
}

type AdminConfig struct {
	Port      int           `yaml:"port"`
	APIKey    string        `yaml:"api_key"`
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type OpsConfig struct {
	Port int `yaml:"port"`
}

type Config struct {
	PidFile      string             `yaml:"pid_file"`
	Log          LogConfig          `yaml:"log"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Bot          BotConfig          `yaml:"bot"`
	Policy       PolicyConfig       `yaml:"policy"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Executor     ExecutorConfig     `yaml:"executor"`
	FollowUps    FollowUpConfig     `yaml:"followups"`
	Connector    ConnectorConfig    `yaml:"connector"`
	Admin        AdminConfig        `yaml:"admin"`
	Ops          OpsConfig          `yaml:"ops"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig() (*Config, error) {
	var configPath string
	var dev bool
	flag.StringVar(&configPath, "config", "config.yaml", "path to config yaml")
	flag.BoolVar(&dev, "dev", false, "development mode")
	flag.Parse()

	b, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required")
	}
	if cfg.Orchestrator.DefaultWorkspace == "" {
		return nil, errors.New("orchestrator.default_workspace is required")
	}
	if cfg.Connector.Kind == "process" && cfg.Connector.Command == "" {
		return nil, errors.New("connector.command is required for the process connector")
	}
	if cfg.Admin.Port > 0 && cfg.Admin.JWTSecret == "" {
		return nil, errors.New("admin.jwt_secret is required when the admin API is enabled")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.PidFile == "" {
		cfg.PidFile = "gateway.pid"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 8
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = time.Hour
	}
	if cfg.Bot.Workers <= 0 {
		cfg.Bot.Workers = 4
	}
	if cfg.Policy.RatePerMinute <= 0 {
		cfg.Policy.RatePerMinute = 20
	}
	if cfg.Orchestrator.ApprovalTTL <= 0 {
		cfg.Orchestrator.ApprovalTTL = 24 * time.Hour
	}
	if cfg.Orchestrator.MaxResumeAttempts <= 0 {
		cfg.Orchestrator.MaxResumeAttempts = 3
	}
	if cfg.Orchestrator.ProgressMinInterval <= 0 {
		cfg.Orchestrator.ProgressMinInterval = 10 * time.Second
	}
	if cfg.Orchestrator.MemoryWindow <= 0 {
		cfg.Orchestrator.MemoryWindow = 5
	}
	if cfg.Executor.Workers <= 0 {
		cfg.Executor.Workers = 2
	}
	if cfg.Executor.LeaseDuration <= 0 {
		cfg.Executor.LeaseDuration = 2 * time.Minute
	}
	if cfg.FollowUps.PollInterval <= 0 {
		cfg.FollowUps.PollInterval = 30 * time.Second
	}
	if cfg.Connector.Kind == "" {
		cfg.Connector.Kind = "process"
	}
	if cfg.Connector.TurnTimeout <= 0 {
		cfg.Connector.TurnTimeout = 5 * time.Minute
	}
	if cfg.Connector.Model == "" {
		cfg.Connector.Model = "gpt-4o-mini"
	}
	if cfg.Connector.MaxPromptTokens <= 0 {
		cfg.Connector.MaxPromptTokens = 24000
	}
	if cfg.Admin.TokenTTL <= 0 {
		cfg.Admin.TokenTTL = 12 * time.Hour
	}
	if cfg.Ops.Port <= 0 {
		cfg.Ops.Port = 9090
	}
}
