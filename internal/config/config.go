package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述 DocFlow 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Node     NodeConfig     `json:"node"`
	Chain    ChainConfig    `json:"chain"`
	Intent   IntentConfig   `json:"intent"`
	Workflow WorkflowConfig `json:"workflow"`
	Token    TokenConfig    `json:"token"`
	Events   EventsConfig   `json:"events"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。MetricsAddress 非空时
// 在独立端口暴露 /metrics。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 描述会话存储及其持久化镜像。
type StorageConfig struct {
	SessionMirror SessionMirrorConfig `json:"session_mirror"`
}

// SessionMirrorConfig 选择会话镜像的后端。memory 表示不启用镜像，
// mysql / redis 分别启用对应的持久化副本。
type SessionMirrorConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
	// Redis 驱动专用字段。
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
	TTL       string `json:"ttl"`
}

// NodeConfig 描述远端工作流执行节点的访问方式。
type NodeConfig struct {
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout"`
}

// ChainConfig 描述链上结算事件确认所需的参数。
type ChainConfig struct {
	// Name 在 ChainsFile 中查找 RPC 地址；RPCURL 非空时直接使用。
	Name           string `json:"name"`
	RPCURL         string `json:"rpc_url"`
	ChainsFile     string `json:"chains_file"`
	Contract       string `json:"contract"`
	EventSignature string `json:"event_signature"`
	LookbackBlocks uint64 `json:"lookback_blocks"`
}

// IntentConfig 描述离线授权意图的构造参数。私钥从 PrivateKeyEnv
// 指向的环境变量读取，配置文件本身不落密钥。
type IntentConfig struct {
	Target            string `json:"target"`
	Delegate          string `json:"delegate"`
	FunctionSignature string `json:"function_signature"`
	ExecutorFallback  string `json:"executor_fallback"`
	PrivateKeyEnv     string `json:"private_key_env"`
	TTL               string `json:"ttl"`
}

// WorkflowConfig 控制状态轮询与事件确认的节奏。
type WorkflowConfig struct {
	PollInterval    string `json:"poll_interval"`
	PollTimeout     string `json:"poll_timeout"`
	ConfirmInterval string `json:"confirm_interval"`
	ConfirmTimeout  string `json:"confirm_timeout"`
	StoragePrefix   string `json:"storage_prefix"`
	SessionTTL      string `json:"session_ttl"`
}

// TokenConfig 描述访问令牌的签发参数。密钥同样通过环境变量传入。
type TokenConfig struct {
	SecretEnv string `json:"secret_env"`
	TTL       string `json:"ttl"`
}

// EventsConfig 描述会话生命周期事件的对外发布。
type EventsConfig struct {
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述消息队列连接信息。URL 为空时不启用发布。
type RabbitMQConfig struct {
	URL     string `json:"url"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level  string         `json:"level"`
	Format string         `json:"format"`
	Audit  AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制审计日志落盘与滚动。未启用时审计事件合并进
// 普通日志。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.SessionMirror.Driver == "" {
		c.Storage.SessionMirror.Driver = "memory"
	}

	if c.Node.Timeout == "" {
		c.Node.Timeout = "15s"
	}

	if c.Chain.ChainsFile != "" && !filepath.IsAbs(c.Chain.ChainsFile) {
		c.Chain.ChainsFile = filepath.Join(baseDir, c.Chain.ChainsFile)
	}

	if c.Intent.PrivateKeyEnv == "" {
		c.Intent.PrivateKeyEnv = "DOCFLOW_INTENT_KEY"
	}
	if c.Intent.TTL == "" {
		c.Intent.TTL = "10m"
	}

	if c.Workflow.PollInterval == "" {
		c.Workflow.PollInterval = "2s"
	}
	if c.Workflow.PollTimeout == "" {
		c.Workflow.PollTimeout = "30s"
	}
	if c.Workflow.ConfirmInterval == "" {
		c.Workflow.ConfirmInterval = "3s"
	}
	if c.Workflow.ConfirmTimeout == "" {
		c.Workflow.ConfirmTimeout = "60s"
	}

	if c.Token.SecretEnv == "" {
		c.Token.SecretEnv = "DOCFLOW_TOKEN_SECRET"
	}
	if c.Token.TTL == "" {
		c.Token.TTL = "15m"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Duration 解析形如 "30s" 的配置字段，空串或非法值返回 fallback。
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
