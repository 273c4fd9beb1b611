package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
	"github.com/whoshyam/maxim-cookbooks/internal/pkg/validator"
)

// envBindings maps config keys onto the environment variable names the cookbooks document.
// Keys not listed here still resolve through AutomaticEnv (writer.flush_at -> WRITER_FLUSH_AT).
var envBindings = map[string]string{
	"maxim.api_key":             "MAXIM_API_KEY",
	"maxim.base_url":            "MAXIM_BASE_URL",
	"maxim.log_repo_id":         "MAXIM_LOG_REPO_ID",
	"maxim.workspace_id":        "MAXIM_WORKSPACE_ID",
	"maxim.workflow_id":         "MAXIM_WORKFLOW_ID",
	"maxim.dataset_id":          "MAXIM_DATASET_ID",
	"maxim.prompt_version_id":   "MAXIM_PROMPT_VERSION_ID",
	"maxim.prompt_id":           "MAXIM_PROMPT_ID",
	"maxim.debug":               "MAXIM_DEBUG",
	"openai.api_key":            "OPENAI_API_KEY",
	"openai.base_url":           "OPENAI_BASE_URL",
	"openai.model":              "OPENAI_MODEL",
	"azure.api_key":             "AZURE_OPENAI_API_KEY",
	"azure.endpoint":            "AZURE_OPENAI_ENDPOINT",
	"azure.deployment":          "AZURE_OPENAI_DEPLOYMENT",
	"azure.api_version":         "AZURE_OPENAI_API_VERSION",
	"anthropic.api_key":         "ANTHROPIC_API_KEY",
	"anthropic.base_url":        "ANTHROPIC_BASE_URL",
	"anthropic.model":           "ANTHROPIC_MODEL",
	"bedrock.region":            "BEDROCK_AWS_REGION",
	"bedrock.access_key_id":     "BEDROCK_AWS_ACCESS_KEY_ID",
	"bedrock.secret_access_key": "BEDROCK_AWS_SECRET_ACCESS_KEY",
	"bedrock.session_token":     "BEDROCK_AWS_SESSION_TOKEN",
	"bedrock.model":             "BEDROCK_MODEL",
	"together.api_key":          "TOGETHER_API_KEY",
	"together.base_url":         "TOGETHER_BASE_URL",
	"together.model":            "TOGETHER_MODEL",
	"log.level":                 "LOG_LEVEL",
	"log.format":                "LOG_FORMAT",
	"checkpoint.backend":        "CHECKPOINT_BACKEND",
	"checkpoint.path":           "CHECKPOINT_PATH",
	"checkpoint.redis.addr":     "REDIS_ADDR",
	"checkpoint.redis.password": "REDIS_PASSWORD",
	"checkpoint.redis.db":       "REDIS_DB",
}

// Options controls where Load looks for files
type Options struct {
	// ConfigFile is an explicit YAML file; when empty config.yaml is searched in . and ./config
	ConfigFile string
	// EnvFile is a dotenv file merged below real environment variables; defaults to .env
	EnvFile string
}

// Load loads configuration from defaults, config.yaml, a .env file and environment variables
func Load(opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := mergeDotEnv(v, envFile); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeDotEnv reads KEY=VALUE pairs and merges the documented ones at config-file precedence
func mergeDotEnv(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	dot := viper.New()
	dot.SetConfigFile(path)
	dot.SetConfigType("env")
	if err := dot.ReadInConfig(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	merged := map[string]any{}
	for key, env := range envBindings {
		if !dot.IsSet(env) {
			continue
		}
		setNested(merged, strings.Split(key, "."), dot.GetString(env))
	}
	if len(merged) == 0 {
		return nil
	}
	return v.MergeConfigMap(merged)
}

func setNested(m map[string]any, path []string, value string) {
	for _, part := range path[:len(path)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[part] = next
		}
		m = next
	}
	m[path[len(path)-1]] = value
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("maxim.base_url", "https://app.getmaxim.ai")
	v.SetDefault("maxim.debug", false)

	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("azure.api_version", "2024-08-01-preview")
	v.SetDefault("anthropic.base_url", "https://api.anthropic.com")
	v.SetDefault("anthropic.model", "claude-3-5-sonnet-20241022")
	v.SetDefault("bedrock.region", "us-east-1")
	v.SetDefault("bedrock.model", "anthropic.claude-3-haiku-20240307-v1:0")
	v.SetDefault("together.base_url", "https://api.together.xyz/v1")
	v.SetDefault("together.model", "meta-llama/Llama-3.3-70B-Instruct-Turbo")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("writer.flush_at", 100)
	v.SetDefault("writer.flush_interval", 10*time.Second)
	v.SetDefault("writer.max_queue_size", 10000)
	v.SetDefault("writer.max_retries", 3)
	v.SetDefault("writer.timeout", 30*time.Second)

	v.SetDefault("checkpoint.backend", "memory")
	v.SetDefault("checkpoint.path", "checkpoints.db")
	v.SetDefault("checkpoint.redis.addr", "localhost:6379")
	v.SetDefault("checkpoint.redis.db", 0)
	v.SetDefault("checkpoint.redis.prefix", "cookbook:checkpoint")
	v.SetDefault("checkpoint.redis.ttl", 24*time.Hour)

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.requests_per_second", 5)
	v.SetDefault("rate_limit.burst", 10)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9464")

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.service_name", "maxim-cookbooks")
	v.SetDefault("otel.pretty_print", true)
}

func validate(cfg *Config) error {
	if err := validator.Validate(cfg); err != nil {
		return apperrors.Validation("invalid configuration").WithError(err)
	}
	if cfg.Checkpoint.Backend == "redis" && cfg.Checkpoint.Redis.Addr == "" {
		return apperrors.Validation("invalid configuration").
			WithDetail("checkpoint.redis.addr", "is required when checkpoint.backend is redis")
	}
	return nil
}

// lookups resolves documented environment names onto loaded values
var lookups = map[string]func(*Config) string{
	"MAXIM_API_KEY":                 func(c *Config) string { return c.Maxim.APIKey },
	"MAXIM_BASE_URL":                func(c *Config) string { return c.Maxim.BaseURL },
	"MAXIM_LOG_REPO_ID":             func(c *Config) string { return c.Maxim.LogRepoID },
	"MAXIM_WORKSPACE_ID":            func(c *Config) string { return c.Maxim.WorkspaceID },
	"MAXIM_WORKFLOW_ID":             func(c *Config) string { return c.Maxim.WorkflowID },
	"MAXIM_DATASET_ID":              func(c *Config) string { return c.Maxim.DatasetID },
	"MAXIM_PROMPT_VERSION_ID":       func(c *Config) string { return c.Maxim.PromptVersionID },
	"MAXIM_PROMPT_ID":               func(c *Config) string { return c.Maxim.PromptID },
	"OPENAI_API_KEY":                func(c *Config) string { return c.OpenAI.APIKey },
	"AZURE_OPENAI_API_KEY":          func(c *Config) string { return c.Azure.APIKey },
	"AZURE_OPENAI_ENDPOINT":         func(c *Config) string { return c.Azure.Endpoint },
	"AZURE_OPENAI_DEPLOYMENT":       func(c *Config) string { return c.Azure.Deployment },
	"AZURE_OPENAI_API_VERSION":      func(c *Config) string { return c.Azure.APIVersion },
	"ANTHROPIC_API_KEY":             func(c *Config) string { return c.Anthropic.APIKey },
	"BEDROCK_AWS_REGION":            func(c *Config) string { return c.Bedrock.Region },
	"BEDROCK_AWS_ACCESS_KEY_ID":     func(c *Config) string { return c.Bedrock.AccessKeyID },
	"BEDROCK_AWS_SECRET_ACCESS_KEY": func(c *Config) string { return c.Bedrock.SecretAccessKey },
	"TOGETHER_API_KEY":              func(c *Config) string { return c.Together.APIKey },
}

// Require fails with a MissingConfig error naming every listed variable that has no value.
// Unknown names are reported as missing.
func (c *Config) Require(envs ...string) error {
	var missing []string
	for _, env := range envs {
		get, ok := lookups[env]
		if !ok || strings.TrimSpace(get(c)) == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) > 0 {
		return apperrors.MissingConfig(missing...)
	}
	return nil
}

// ProviderEnv lists the variables a provider needs before it can be called
func ProviderEnv(provider string) []string {
	switch provider {
	case "openai":
		return []string{"OPENAI_API_KEY"}
	case "azure":
		return []string{"AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_DEPLOYMENT"}
	case "anthropic":
		return []string{"ANTHROPIC_API_KEY"}
	case "bedrock":
		return []string{"BEDROCK_AWS_REGION", "BEDROCK_AWS_ACCESS_KEY_ID", "BEDROCK_AWS_SECRET_ACCESS_KEY"}
	case "together":
		return []string{"TOGETHER_API_KEY"}
	default:
		return nil
	}
}
