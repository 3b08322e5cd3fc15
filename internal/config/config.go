package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 描述了 OpenOps Agent 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	LLM       LLMConfig       `json:"llm" yaml:"llm"`
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	Approval  ApprovalConfig  `json:"approval" yaml:"approval"`
	Backend   BackendConfig   `json:"backend" yaml:"backend"`
	Tools     ToolsConfig     `json:"tools" yaml:"tools"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	TaskQueue TaskQueueConfig `json:"task_queue" yaml:"task_queue"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Alerting  AlertingConfig  `json:"alerting" yaml:"alerting"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
}

// LLMConfig 用于配置大模型推理的调用方式。
//
// Variant 决定工具调用协议：textual、single_turn_json 或 structured_multi_turn。
// Provider 决定线上协议：openai 兼容接口或 gemini 兼容接口。
type LLMConfig struct {
	Variant        string  `json:"variant" yaml:"variant"`
	Provider       string  `json:"provider" yaml:"provider"`
	BaseURL        string  `json:"base_url" yaml:"base_url"`
	APIKey         string  `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string  `json:"api_key_env" yaml:"api_key_env"`
	Model          string  `json:"model" yaml:"model"`
	Temperature    float32 `json:"temperature" yaml:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// AgentConfig 控制执行循环的边界。
type AgentConfig struct {
	MaxIterations         int    `json:"max_iterations" yaml:"max_iterations"`
	FormatRetries         int    `json:"format_retries" yaml:"format_retries"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	SystemPrompt          string `json:"system_prompt" yaml:"system_prompt"`
}

// ApprovalConfig 描述人工审批的超时与通知通道。
type ApprovalConfig struct {
	TTLMillis int                 `json:"ttl_ms" yaml:"ttl_ms"`
	Channel   string              `json:"channel" yaml:"channel"`
	Redis     RedisConfig         `json:"redis" yaml:"redis"`
	RabbitMQ  RabbitMQQueueConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// BackendConfig 描述业务动作 API 的访问方式。
type BackendConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url"`
	Token          string `json:"token" yaml:"token"`
	TokenEnv       string `json:"token_env" yaml:"token_env"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// ToolsConfig 指定工具目录文件，留空时使用内置目录。
type ToolsConfig struct {
	CatalogPath string `json:"catalog_path" yaml:"catalog_path"`
}

// StorageConfig 统一描述 MySQL、PostgreSQL、ClickHouse 等后端的连接信息。
type StorageConfig struct {
	AuditLog   AuditLogStoreConfig `json:"audit_log" yaml:"audit_log"`
	TaskStore  TaskStoreConfig     `json:"task_store" yaml:"task_store"`
	ClickHouse ClickHouseConfig    `json:"clickhouse" yaml:"clickhouse"`
}

// AuditLogStoreConfig 描述执行日志的持久化方式。
type AuditLogStoreConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	AutoMigrate            bool   `json:"auto_migrate" yaml:"auto_migrate"`
}

// TaskStoreConfig 描述异步任务状态的存储，支持 memory、mysql 与 postgres。
type TaskStoreConfig struct {
	Driver       string `json:"driver" yaml:"driver"`
	DSN          string `json:"dsn" yaml:"dsn"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	AutoMigrate  bool   `json:"auto_migrate" yaml:"auto_migrate"`
}

// ClickHouseConfig 为审计日志提供可选的分析型镜像。
type ClickHouseConfig struct {
	DSN                  string `json:"dsn" yaml:"dsn"`
	Table                string `json:"table" yaml:"table"`
	BatchSize            int    `json:"batch_size" yaml:"batch_size"`
	FlushIntervalSeconds int    `json:"flush_interval_seconds" yaml:"flush_interval_seconds"`
}

// TaskQueueConfig 描述异步任务队列。
type TaskQueueConfig struct {
	Driver     string              `json:"driver" yaml:"driver"`
	Workers    int                 `json:"workers" yaml:"workers"`
	Buffer     int                 `json:"buffer" yaml:"buffer"`
	MaxRetries int                 `json:"max_retries" yaml:"max_retries"`
	Redis      RedisConfig         `json:"redis" yaml:"redis"`
	RabbitMQ   RabbitMQQueueConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Key      string `json:"key" yaml:"key"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 连接与拓扑。
type RabbitMQQueueConfig struct {
	URL           string `json:"url" yaml:"url"`
	Exchange      string `json:"exchange" yaml:"exchange"`
	Queue         string `json:"queue" yaml:"queue"`
	ResponseQueue string `json:"response_queue" yaml:"response_queue"`
	Prefetch      int    `json:"prefetch" yaml:"prefetch"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string         `json:"level" yaml:"level"`
	Format      string         `json:"format" yaml:"format"`
	OutputPaths []string       `json:"output_paths" yaml:"output_paths"`
	Audit       AuditLogConfig `json:"audit" yaml:"audit"`
}

// AuditLogConfig 控制审计日志文件的滚动策略。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// MetricsConfig 控制 Prometheus 指标暴露。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// AlertingConfig 控制异步任务失败时的告警渠道。
type AlertingConfig struct {
	Log            bool   `json:"log" yaml:"log"`
	WebhookURL     string `json:"webhook_url" yaml:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// AuthConfig 控制操作员 API 的身份认证，mode 取值 disabled、token 或 jwt。
type AuthConfig struct {
	Mode   string            `json:"mode" yaml:"mode"`
	Tokens []AuthTokenConfig `json:"tokens" yaml:"tokens"`
	JWT    AuthJWTConfig     `json:"jwt" yaml:"jwt"`
}

// AuthTokenConfig 描述一个静态 API 令牌。
type AuthTokenConfig struct {
	Name        string   `json:"name" yaml:"name"`
	Token       string   `json:"token" yaml:"token"`
	TokenEnv    string   `json:"token_env" yaml:"token_env"`
	Permissions []string `json:"permissions" yaml:"permissions"`
	Disabled    bool     `json:"disabled" yaml:"disabled"`
}

// AuthJWTConfig 描述 HS256 令牌的校验参数。
type AuthJWTConfig struct {
	Secret    string `json:"secret" yaml:"secret"`
	SecretEnv string `json:"secret_env" yaml:"secret_env"`
	Issuer    string `json:"issuer" yaml:"issuer"`
	Audience  string `json:"audience" yaml:"audience"`
}

const (
	VariantTextual             = "textual"
	VariantSingleTurnJSON      = "single_turn_json"
	VariantStructuredMultiTurn = "structured_multi_turn"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	DefaultApprovalTTLMillis = 300000
	DefaultMaxIterations     = 8
	DefaultFormatRetries     = 2
)

// Load 负责解析指定路径的 YAML 或 JSON 配置文件，并补齐默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.resolveRelative(filepath.Dir(path))
	return cfg, nil
}

// Parse 解析内存中的配置内容，ext 为 ".json" 时按 JSON 解析，否则按 YAML 解析。
func Parse(content []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	default:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}
	cfg.ApplyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

// Default 返回仅由默认值构成的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) ApplyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.LLM.Variant == "" {
		c.LLM.Variant = VariantSingleTurnJSON
	}
	if c.LLM.Provider == "" {
		if c.LLM.Variant == VariantStructuredMultiTurn {
			c.LLM.Provider = ProviderGemini
		} else {
			c.LLM.Provider = ProviderOpenAI
		}
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 30
	}

	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = DefaultMaxIterations
	}
	if c.Agent.FormatRetries < 0 {
		c.Agent.FormatRetries = 0
	} else if c.Agent.FormatRetries == 0 {
		c.Agent.FormatRetries = DefaultFormatRetries
	}
	if c.Agent.RequestTimeoutSeconds <= 0 {
		c.Agent.RequestTimeoutSeconds = 30
	}

	if c.Approval.TTLMillis <= 0 {
		c.Approval.TTLMillis = DefaultApprovalTTLMillis
	}
	if c.Approval.Channel == "" {
		c.Approval.Channel = "memory"
	}
	if c.Approval.Redis.Key == "" {
		c.Approval.Redis.Key = "openops:approvals"
	}
	if c.Approval.RabbitMQ.Queue == "" {
		c.Approval.RabbitMQ.Queue = "openops.approval.required"
	}
	if c.Approval.RabbitMQ.ResponseQueue == "" {
		c.Approval.RabbitMQ.ResponseQueue = "openops.approval.response"
	}

	if c.Backend.TimeoutSeconds <= 0 {
		c.Backend.TimeoutSeconds = 15
	}

	if c.Storage.AuditLog.Driver == "" {
		c.Storage.AuditLog.Driver = "memory"
	}
	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.ClickHouse.Table == "" {
		c.Storage.ClickHouse.Table = "audit_log_entries"
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 4
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 64
	}
	if c.TaskQueue.MaxRetries <= 0 {
		c.TaskQueue.MaxRetries = 3
	}
	if c.TaskQueue.Redis.Key == "" {
		c.TaskQueue.Redis.Key = "openops:tasks"
	}
	if c.TaskQueue.RabbitMQ.Queue == "" {
		c.TaskQueue.RabbitMQ.Queue = "openops.tasks"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
}

// applyEnv 允许密钥类配置从环境变量读取，避免写入配置文件。
func (c *Config) applyEnv() {
	if c.LLM.APIKey == "" && c.LLM.APIKeyEnv != "" {
		c.LLM.APIKey = os.Getenv(c.LLM.APIKeyEnv)
	}
	if c.Backend.Token == "" && c.Backend.TokenEnv != "" {
		c.Backend.Token = os.Getenv(c.Backend.TokenEnv)
	}
	if v := os.Getenv("OPENOPS_BACKEND_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	for i := range c.Auth.Tokens {
		if c.Auth.Tokens[i].Token == "" && c.Auth.Tokens[i].TokenEnv != "" {
			c.Auth.Tokens[i].Token = os.Getenv(c.Auth.Tokens[i].TokenEnv)
		}
	}
	if c.Auth.JWT.Secret == "" && c.Auth.JWT.SecretEnv != "" {
		c.Auth.JWT.Secret = os.Getenv(c.Auth.JWT.SecretEnv)
	}
}

func (c *Config) resolveRelative(baseDir string) {
	if c.Tools.CatalogPath != "" && !filepath.IsAbs(c.Tools.CatalogPath) {
		c.Tools.CatalogPath = filepath.Join(baseDir, c.Tools.CatalogPath)
	}
	if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}

// Validate 报告会导致运行时无法工作的配置错误。
func (c *Config) Validate() error {
	var problems []string
	switch c.LLM.Variant {
	case VariantTextual, VariantSingleTurnJSON, VariantStructuredMultiTurn:
	default:
		problems = append(problems, fmt.Sprintf("llm.variant %q 不受支持", c.LLM.Variant))
	}
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		problems = append(problems, fmt.Sprintf("llm.provider %q 不受支持", c.LLM.Provider))
	}
	if c.LLM.Variant == VariantStructuredMultiTurn && c.LLM.Provider != ProviderGemini {
		problems = append(problems, "structured_multi_turn 需要 gemini 兼容的 provider")
	}
	if c.LLM.Variant != VariantStructuredMultiTurn && c.LLM.Provider == ProviderGemini {
		problems = append(problems, "gemini provider 仅支持 structured_multi_turn")
	}
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		problems = append(problems, "llm.api_key 未配置")
	}
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		problems = append(problems, "backend.base_url 未配置")
	}
	switch c.Approval.Channel {
	case "memory":
	case "redis":
		if c.Approval.Redis.Address == "" {
			problems = append(problems, "approval.redis.address 未配置")
		}
	case "rabbitmq":
		if c.Approval.RabbitMQ.URL == "" {
			problems = append(problems, "approval.rabbitmq.url 未配置")
		}
	default:
		problems = append(problems, fmt.Sprintf("approval.channel %q 不受支持", c.Approval.Channel))
	}
	switch c.Storage.AuditLog.Driver {
	case "memory":
	case "mysql", "postgres":
		if c.Storage.AuditLog.DSN == "" {
			problems = append(problems, "storage.audit_log.dsn 未配置")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.audit_log.driver %q 不受支持", c.Storage.AuditLog.Driver))
	}
	switch c.Storage.TaskStore.Driver {
	case "memory":
	case "mysql", "postgres":
		if c.Storage.TaskStore.DSN == "" {
			problems = append(problems, "storage.task_store.dsn 未配置")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.task_store.driver %q 不受支持", c.Storage.TaskStore.Driver))
	}
	switch c.TaskQueue.Driver {
	case "memory":
	case "redis":
		if c.TaskQueue.Redis.Address == "" {
			problems = append(problems, "task_queue.redis.address 未配置")
		}
	case "rabbitmq":
		if c.TaskQueue.RabbitMQ.URL == "" {
			problems = append(problems, "task_queue.rabbitmq.url 未配置")
		}
	default:
		problems = append(problems, fmt.Sprintf("task_queue.driver %q 不受支持", c.TaskQueue.Driver))
	}
	switch c.Auth.Mode {
	case "disabled":
	case "token":
		if len(c.Auth.Tokens) == 0 {
			problems = append(problems, "auth.tokens 未配置")
		}
		for i, tok := range c.Auth.Tokens {
			if strings.TrimSpace(tok.Token) == "" {
				problems = append(problems, fmt.Sprintf("auth.tokens[%d].token 为空", i))
			}
		}
	case "jwt":
		if strings.TrimSpace(c.Auth.JWT.Secret) == "" {
			problems = append(problems, "auth.jwt.secret 未配置")
		}
	default:
		problems = append(problems, fmt.Sprintf("auth.mode %q 不受支持", c.Auth.Mode))
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.New(strings.Join(problems, "; "))
}
