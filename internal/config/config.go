// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Liveness LivenessConfig `mapstructure:"liveness"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Tunnel   TunnelConfig   `mapstructure:"tunnel"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Events   EventsConfig   `mapstructure:"events"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
}

// ServerConfig 存储两个 HTTP 监听器相关的配置。
type ServerConfig struct {
	Mode          string        `mapstructure:"mode"`
	UploadHost    string        `mapstructure:"upload_host"`
	UploadPort    int           `mapstructure:"upload_port"`
	AdminHost     string        `mapstructure:"admin_host"`
	AdminPort     int           `mapstructure:"admin_port"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// UploadAddr 返回上传服务的监听地址。
func (s ServerConfig) UploadAddr() string {
	return fmt.Sprintf("%s:%d", s.UploadHost, s.UploadPort)
}

// AdminAddr 返回管理服务的监听地址。
func (s ServerConfig) AdminAddr() string {
	return fmt.Sprintf("%s:%d", s.AdminHost, s.AdminPort)
}

// UploadConfig 存储分片上传相关的配置，大小使用 "4MiB" 这类可读格式。
type UploadConfig struct {
	Dir            string `mapstructure:"dir"`
	ChunkSizeRaw   string `mapstructure:"chunk_size"`
	MaxFileSizeRaw string `mapstructure:"max_file_size"`

	ChunkSize   int64 `mapstructure:"-"`
	MaxFileSize int64 `mapstructure:"-"`
}

// BodyLimit 是单个上传请求允许的最大请求体：一个分片加上 1MiB 的表单开销。
func (u UploadConfig) BodyLimit() int64 {
	return u.ChunkSize + humanize.MiByte
}

// LivenessConfig 存储心跳与清理任务的配置。
type LivenessConfig struct {
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	UploadStaleTimeout time.Duration `mapstructure:"upload_stale_timeout"`
	ClientStaleTimeout time.Duration `mapstructure:"client_stale_timeout"`
	// Retention 为 0 时不清理已结束的上传记录。
	Retention time.Duration `mapstructure:"retention"`
}

// AdminConfig 存储管理接口的配置。
type AdminConfig struct {
	PageSize int `mapstructure:"page_size"`
}

// TunnelConfig 存储隧道相关的配置。
type TunnelConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Provider    string `mapstructure:"provider"`
	Domain      string `mapstructure:"domain"`
	Binary      string `mapstructure:"binary"`
	ConfigDir   string `mapstructure:"config_dir"`
	MaxRestarts int    `mapstructure:"max_restarts"`
}

// DatabaseConfig 存储数据库连接的配置。Driver 取值 sqlite 或 mysql。
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// EventsConfig 存储事件广播的配置。
type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// MetricsConfig 存储 Prometheus 指标的配置。
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// RedisConfig 存储 Redis 事件转发的配置。
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// KafkaConfig 存储 Kafka 事件转发的配置。
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// MinIOConfig 存储完成文件归档到 MinIO 的配置。
type MinIOConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.upload_host", "0.0.0.0")
	v.SetDefault("server.upload_port", 8080)
	v.SetDefault("server.admin_host", "127.0.0.1")
	v.SetDefault("server.admin_port", 8081)
	v.SetDefault("server.shutdown_grace", 3*time.Second)

	v.SetDefault("upload.dir", "./uploads")
	v.SetDefault("upload.chunk_size", "4MiB")
	v.SetDefault("upload.max_file_size", "100GiB")

	v.SetDefault("liveness.sweep_interval", 10*time.Second)
	v.SetDefault("liveness.upload_stale_timeout", 60*time.Second)
	v.SetDefault("liveness.client_stale_timeout", 120*time.Second)
	v.SetDefault("liveness.retention", time.Duration(0))

	v.SetDefault("admin.page_size", 100)

	v.SetDefault("tunnel.enabled", true)
	v.SetDefault("tunnel.provider", "cloudflare")
	v.SetDefault("tunnel.domain", "drcv.app")
	v.SetDefault("tunnel.binary", "cloudflared")
	v.SetDefault("tunnel.config_dir", "")
	v.SetDefault("tunnel.max_restarts", 5)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./drcv.db")
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("events.buffer_size", 64)
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "drcv:events")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "127.0.0.1:9092")
	v.SetDefault("kafka.topic", "drcv-events")

	v.SetDefault("minio.enabled", false)
	v.SetDefault("minio.endpoint", "127.0.0.1:9000")
	v.SetDefault("minio.access_key_id", "")
	v.SetDefault("minio.secret_access_key", "")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket_name", "drcv")
}

// Load 读取配置文件（为空时只使用默认值），叠加 DRCV_ 前缀的环境变量后返回解析结果。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DRCV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	chunk, err := humanize.ParseBytes(c.Upload.ChunkSizeRaw)
	if err != nil {
		return fmt.Errorf("upload.chunk_size 无效: %w", err)
	}
	maxSize, err := humanize.ParseBytes(c.Upload.MaxFileSizeRaw)
	if err != nil {
		return fmt.Errorf("upload.max_file_size 无效: %w", err)
	}
	c.Upload.ChunkSize = int64(chunk)
	c.Upload.MaxFileSize = int64(maxSize)

	switch {
	case c.Upload.ChunkSize <= 0:
		return errors.New("upload.chunk_size 必须大于 0")
	case c.Upload.MaxFileSize < c.Upload.ChunkSize:
		return errors.New("upload.max_file_size 不能小于 upload.chunk_size")
	case c.Admin.PageSize <= 0:
		return errors.New("admin.page_size 必须大于 0")
	case c.Events.BufferSize <= 0:
		return errors.New("events.buffer_size 必须大于 0")
	case c.Liveness.SweepInterval <= 0:
		return errors.New("liveness.sweep_interval 必须大于 0")
	case c.Database.Driver != "sqlite" && c.Database.Driver != "mysql":
		return fmt.Errorf("不支持的数据库类型: %s", c.Database.Driver)
	}
	return nil
}
