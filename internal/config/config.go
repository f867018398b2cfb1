package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Services ServicesConfig `yaml:"services"`
	Relay    RelayConfig    `yaml:"relay"`
	Notify   NotifyConfig   `yaml:"notify"`
	Agent    AgentConfig    `yaml:"agent"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Name           string   `yaml:"name"`
	AllowedOrigins []string `yaml:"allowedOrigins"` // 为空时允许任意来源
}

// StorageConfig 快照文件配置
type StorageConfig struct {
	HelpRequestsFile string `yaml:"helpRequestsFile"`
	KnowledgeFile    string `yaml:"knowledgeFile"`
	BaselineFile     string `yaml:"baselineFile"` // 可选，追加基础知识
}

// ServicesConfig 服务地址配置
type ServicesConfig struct {
	API          string `yaml:"api"`
	Notification string `yaml:"notification"`
	WebSocket    string `yaml:"websocket"`
}

// RelayConfig 通知中继配置
type RelayConfig struct {
	KeepaliveInterval time.Duration `yaml:"keepaliveInterval"`
	WriteTimeout      time.Duration `yaml:"writeTimeout"`
}

// NotifyConfig 跨服务调用配置
type NotifyConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// AgentConfig 订阅客户端配置
type AgentConfig struct {
	Channel              string        `yaml:"channel"`
	AckDelay             time.Duration `yaml:"ackDelay"`
	ReconnectInitial     time.Duration `yaml:"reconnectInitial"`
	ReconnectMax         time.Duration `yaml:"reconnectMax"`
	MaxReconnectFailures int           `yaml:"maxReconnectFailures"`
	DedupWindow          time.Duration `yaml:"dedupWindow"`
	MatchPolicy          string        `yaml:"matchPolicy"` // containment, exact
}

// RedisConfig Redis 配置（中继重放缓存镜像）
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Default 返回默认配置，所有地址指向本机
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 5000, Name: "frontdesk-api"},
		Storage: StorageConfig{
			HelpRequestsFile: "data/help_requests.json",
			KnowledgeFile:    "data/knowledge_base.json",
		},
		Services: ServicesConfig{
			API:          "http://127.0.0.1:5000",
			Notification: "http://127.0.0.1:5002",
			WebSocket:    "ws://127.0.0.1:5002/ws",
		},
		Relay: RelayConfig{
			KeepaliveInterval: 30 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		Notify: NotifyConfig{Timeout: 10 * time.Second},
		Agent: AgentConfig{
			Channel:              "room-unknown",
			AckDelay:             3 * time.Second,
			ReconnectInitial:     5 * time.Second,
			ReconnectMax:         60 * time.Second,
			MaxReconnectFailures: 5,
			DedupWindow:          5 * time.Minute,
			MatchPolicy:          "containment",
		},
		Redis: RedisConfig{Host: "127.0.0.1", Port: 6379, KeyPrefix: "frontdesk:replay"},
		Log:   LogConfig{Level: "info"},
	}
}

// LoadConfig 加载配置文件，文件不存在时使用默认配置
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	cfg.fillDefaults()
	applyEnvOverrides(cfg, viper.New())
	return cfg, nil
}

// fillDefaults 补全配置文件中缺省或置零的字段
func (c *Config) fillDefaults() {
	def := Default()
	if c.Services.API == "" {
		c.Services.API = def.Services.API
	}
	if c.Services.Notification == "" {
		c.Services.Notification = def.Services.Notification
	}
	if c.Services.WebSocket == "" {
		c.Services.WebSocket = def.Services.WebSocket
	}
	if c.Storage.HelpRequestsFile == "" {
		c.Storage.HelpRequestsFile = def.Storage.HelpRequestsFile
	}
	if c.Storage.KnowledgeFile == "" {
		c.Storage.KnowledgeFile = def.Storage.KnowledgeFile
	}
	if c.Relay.KeepaliveInterval <= 0 {
		c.Relay.KeepaliveInterval = def.Relay.KeepaliveInterval
	}
	if c.Relay.WriteTimeout <= 0 {
		c.Relay.WriteTimeout = def.Relay.WriteTimeout
	}
	if c.Notify.Timeout <= 0 {
		c.Notify.Timeout = def.Notify.Timeout
	}
	if c.Agent.AckDelay <= 0 {
		c.Agent.AckDelay = def.Agent.AckDelay
	}
	if c.Agent.ReconnectInitial <= 0 {
		c.Agent.ReconnectInitial = def.Agent.ReconnectInitial
	}
	if c.Agent.ReconnectMax <= 0 {
		c.Agent.ReconnectMax = def.Agent.ReconnectMax
	}
	if c.Agent.MaxReconnectFailures <= 0 {
		c.Agent.MaxReconnectFailures = def.Agent.MaxReconnectFailures
	}
	if c.Agent.DedupWindow <= 0 {
		c.Agent.DedupWindow = def.Agent.DedupWindow
	}
	if c.Agent.MatchPolicy == "" {
		c.Agent.MatchPolicy = def.Agent.MatchPolicy
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

// applyEnvOverrides 环境变量覆盖（兼容旧版 API_URL 等变量名）
func applyEnvOverrides(cfg *Config, v *viper.Viper) {
	_ = v.BindEnv("services.api", "FRONTDESK_API_URL", "API_URL")
	_ = v.BindEnv("services.notification", "FRONTDESK_NOTIFICATION_URL", "NOTIFICATION_SERVICE_URL")
	_ = v.BindEnv("services.websocket", "FRONTDESK_WEBSOCKET_URL", "WEBSOCKET_URL")
	_ = v.BindEnv("server.port", "FRONTDESK_PORT")
	_ = v.BindEnv("log.level", "FRONTDESK_LOG_LEVEL")
	_ = v.BindEnv("redis.enabled", "FRONTDESK_REDIS_ENABLED")

	if s := v.GetString("services.api"); s != "" {
		cfg.Services.API = s
	}
	if s := v.GetString("services.notification"); s != "" {
		cfg.Services.Notification = s
	}
	if s := v.GetString("services.websocket"); s != "" {
		cfg.Services.WebSocket = s
	}
	if p := v.GetInt("server.port"); p > 0 {
		cfg.Server.Port = p
	}
	if s := v.GetString("log.level"); s != "" {
		cfg.Log.Level = s
	}
	if v.IsSet("redis.enabled") {
		cfg.Redis.Enabled = v.GetBool("redis.enabled")
	}
}
