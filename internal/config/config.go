package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	xerrors "OpenPlugin-Server/internal/errors"
	"OpenPlugin-Server/pkg/plugin"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "PLUGINSD_CONFIG"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config 描述插件服务启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Plugins  PluginsConfig  `yaml:"plugins"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	MySQL    MySQLConfig    `yaml:"mysql"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Reload   ReloadConfig   `yaml:"reload"`
	Alerting AlertingConfig `yaml:"alerting"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig 控制管理接口的监听地址。
type ServerConfig struct {
	Address         string        `yaml:"address" default:":8080" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"30s" validate:"gt=0"`
}

// LoggingConfig 对应 logger.Config。
type LoggingConfig struct {
	Level       string      `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format      string      `yaml:"format" default:"json" validate:"oneof=json text"`
	OutputPaths []string    `yaml:"outputPaths" default:"[\"stdout\"]"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig 控制审计日志输出。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path" default:"logs/audit.log" validate:"required_if=Enabled true"`
	MaxSizeMB  int    `yaml:"maxSizeMB" default:"100"`
	MaxBackups int    `yaml:"maxBackups" default:"7"`
	MaxAgeDays int    `yaml:"maxAgeDays" default:"30"`
	Compress   bool   `yaml:"compress"`
}

// RuntimeConfig 控制 worker 池与插件调用。
type RuntimeConfig struct {
	Workers        int           `yaml:"workers" default:"4" validate:"min=1,max=1024"`
	TasksPerWorker int           `yaml:"tasksPerWorker" default:"1" validate:"min=1,max=1024"`
	CallTimeout    time.Duration `yaml:"callTimeout" validate:"min=0"`
}

// PluginsConfig 指定插件配置来源与能力策略。
type PluginsConfig struct {
	// Source 为 yaml 时从 File 读取插件配置，为 mysql 时读取 plugin_configs 表。
	Source              string              `yaml:"source" default:"yaml" validate:"oneof=yaml mysql"`
	File                string              `yaml:"file" default:"plugins.yaml" validate:"required_if=Source yaml"`
	AllowedCapabilities []plugin.Capability `yaml:"allowedCapabilities"`
	DeniedCapabilities  []plugin.Capability `yaml:"deniedCapabilities"`
	LuaCallStackSize    int                 `yaml:"luaCallStackSize" default:"120" validate:"min=0"`
	FetchMaxElapsed     time.Duration       `yaml:"fetchMaxElapsed" default:"5s" validate:"min=0"`
}

// IsolationPolicy 返回默认的能力策略。
func (p PluginsConfig) IsolationPolicy() plugin.IsolationPolicy {
	return plugin.IsolationPolicy{
		AllowedCapabilities: p.AllowedCapabilities,
		DeniedCapabilities:  p.DeniedCapabilities,
	}
}

// StorageConfig 选择插件 storage 与错误记录的后端。
type StorageConfig struct {
	Backend   string `yaml:"backend" default:"memory" validate:"oneof=memory redis mysql"`
	ErrorSink string `yaml:"errorSink" default:"log" validate:"oneof=log mysql"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
	// Prefix 是插件 storage 哈希键的前缀。
	Prefix   string `yaml:"prefix" default:"plugins:storage:"`
}

// MySQLConfig 描述 MySQL 连接。
type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns" default:"10" validate:"min=0"`
	MaxIdleConns    int           `yaml:"maxIdleConns" default:"5" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime" default:"30m"`
	ConnMaxIdleTime time.Duration `yaml:"connMaxIdleTime" default:"5m"`
	// SkipMigrations 关闭启动时的自动迁移。
	SkipMigrations  bool          `yaml:"skipMigrations"`
}

// IngestConfig 控制事件摄取流水线。
type IngestConfig struct {
	Enabled     bool           `yaml:"enabled"`
	Driver      string         `yaml:"driver" default:"memory" validate:"oneof=memory redis rabbitmq"`
	Workers     int            `yaml:"workers" default:"4" validate:"min=1"`
	InputQueue  string         `yaml:"inputQueue" default:"plugins:events"`
	OutputQueue string         `yaml:"outputQueue" default:"plugins:events:processed"`
	BlockWait   time.Duration  `yaml:"blockWait" default:"5s"`
	MemorySize  int            `yaml:"memorySize" default:"1024" validate:"min=1"`
	RabbitMQ    RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Prefetch   int    `yaml:"prefetch" default:"32" validate:"min=0"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"autoDelete"`
}

// ReloadConfig 控制配置变化的感知方式。
type ReloadConfig struct {
	PubSub       bool          `yaml:"pubsub"`
	Channel      string        `yaml:"channel" default:"reload-plugins"`
	PollInterval time.Duration `yaml:"pollInterval" validate:"min=0"`
}

// AlertingConfig 配置插件错误的告警渠道。
type AlertingConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DingTalkWebhook string `yaml:"dingtalkWebhook" validate:"omitempty,url"`
	SlackWebhook    string `yaml:"slackWebhook" validate:"omitempty,url"`
	SlackChannel    string `yaml:"slackChannel"`
}

// MetricsConfig 配置 Prometheus 指标。
type MetricsConfig struct {
	Namespace string `yaml:"namespace" default:"pluginsd"`
}

// Load 解析 YAML 配置文件。path 为空时读取 PLUGINSD_CONFIG 环境变量。
// 依次执行：解析、填充默认值、相对路径解析、校验。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空，请通过参数或 "+EnvConfigPath+" 指定")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取配置文件失败")
	}
	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse 解析配置内容，相对路径保持原样。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
	}
	if err := defaults.Set(&cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "填充默认配置失败")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验字段取值以及跨模块的依赖关系。
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s 不满足 %s", fe.Namespace(), fe.Tag()))
			}
			return xerrors.New(xerrors.CodeInvalidArgument, "配置校验失败: "+strings.Join(msgs, "; "))
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "配置校验失败")
	}

	var problems []string
	if c.NeedsRedis() && c.Redis.Address == "" {
		problems = append(problems, "redis.address 必须配置")
	}
	if c.NeedsMySQL() && c.MySQL.DSN == "" {
		problems = append(problems, "mysql.dsn 必须配置")
	}
	if c.Ingest.Enabled && c.Ingest.Driver == "rabbitmq" && c.Ingest.RabbitMQ.URL == "" {
		problems = append(problems, "ingest.rabbitmq.url 必须配置")
	}
	if c.Alerting.SlackWebhook != "" && c.Alerting.SlackChannel == "" {
		problems = append(problems, "alerting.slackChannel 必须配置")
	}
	if len(problems) > 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "配置校验失败: "+strings.Join(problems, "; "))
	}
	return nil
}

// NeedsRedis 判断是否有组件使用 Redis。
func (c *Config) NeedsRedis() bool {
	return c.Storage.Backend == "redis" ||
		c.Reload.PubSub ||
		(c.Ingest.Enabled && c.Ingest.Driver == "redis")
}

// NeedsMySQL 判断是否有组件使用 MySQL。
func (c *Config) NeedsMySQL() bool {
	return c.Storage.Backend == "mysql" || c.Storage.ErrorSink == "mysql" || c.Plugins.Source == "mysql"
}

// resolvePaths 将相对路径解析为相对于配置文件所在目录。
func (c *Config) resolvePaths(baseDir string) {
	c.Plugins.File = resolve(baseDir, c.Plugins.File)
	if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}
	for i, p := range c.Logging.OutputPaths {
		switch strings.ToLower(p) {
		case "stdout", "stderr", "":
		default:
			c.Logging.OutputPaths[i] = resolve(baseDir, p)
		}
	}
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
