package config

import "time"

// Config holds all configuration for the cookbooks
type Config struct {
	Maxim      MaximConfig      `mapstructure:"maxim"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Azure      AzureConfig      `mapstructure:"azure"`
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	Bedrock    BedrockConfig    `mapstructure:"bedrock"`
	Together   TogetherConfig   `mapstructure:"together"`
	Log        LogConfig        `mapstructure:"log"`
	Writer     WriterConfig     `mapstructure:"writer"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	OTel       OTelConfig       `mapstructure:"otel"`
}

// MaximConfig holds the observability backend settings
type MaximConfig struct {
	APIKey          string `mapstructure:"api_key"`
	BaseURL         string `mapstructure:"base_url" validate:"omitempty,url"`
	LogRepoID       string `mapstructure:"log_repo_id"`
	WorkspaceID     string `mapstructure:"workspace_id"`
	WorkflowID      string `mapstructure:"workflow_id"`
	DatasetID       string `mapstructure:"dataset_id"`
	PromptVersionID string `mapstructure:"prompt_version_id"`
	PromptID        string `mapstructure:"prompt_id"`
	Debug           bool   `mapstructure:"debug"`
}

// OpenAIConfig holds OpenAI settings
type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
	Model   string `mapstructure:"model"`
}

// AzureConfig holds Azure OpenAI settings
type AzureConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Endpoint   string `mapstructure:"endpoint" validate:"omitempty,url"`
	Deployment string `mapstructure:"deployment"`
	APIVersion string `mapstructure:"api_version"`
}

// AnthropicConfig holds Anthropic settings
type AnthropicConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
	Model   string `mapstructure:"model"`
}

// BedrockConfig holds AWS Bedrock settings
type BedrockConfig struct {
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	Model           string `mapstructure:"model"`
}

// TogetherConfig holds TogetherAI settings
type TogetherConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
	Model   string `mapstructure:"model"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// WriterConfig tunes the batched log writer
type WriterConfig struct {
	FlushAt       int           `mapstructure:"flush_at" validate:"gte=1"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxQueueSize  int           `mapstructure:"max_queue_size" validate:"gte=1"`
	MaxRetries    int           `mapstructure:"max_retries" validate:"gte=0"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// CheckpointConfig selects the graph checkpoint backend
type CheckpointConfig struct {
	Backend string      `mapstructure:"backend" validate:"oneof=memory sqlite redis"`
	Path    string      `mapstructure:"path" validate:"required_if=Backend sqlite"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// RateLimitConfig throttles outbound provider calls
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// OTelConfig controls the OpenTelemetry mirror handler
type OTelConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	PrettyPrint bool   `mapstructure:"pretty_print"`
}
