package config

import (
	"fmt"
	"strings"
	"time"

	"commandcenter/pkg/config"
)

type Config struct {
	DB       config.DBConfig       `yaml:"db"`
	MQ       config.MQConfig       `yaml:"mq"`
	Redis    config.RedisConfig    `yaml:"redis"`
	JWT      config.JWTConfig      `yaml:"jwt"`
	Server   config.ServerConfig   `yaml:"server"`
	Fastmail config.FastmailConfig `yaml:"fastmail"`
	Pipeline config.PipelineConfig `yaml:"pipeline"`
	Backend  config.BackendConfig  `yaml:"backend"`
	Auth     config.AuthConfig     `yaml:"auth"`
}

// Load 按 CONFIG_ENV 加载 config/ 目录下的分层配置，再用环境变量覆盖
func Load(configDir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(config.GetConfigEnv(), configDir)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideFastmailFromEnv(&cfg.Fastmail)
	config.OverridePipelineFromEnv(&cfg.Pipeline)
	config.OverrideBackendFromEnv(&cfg.Backend)
	config.OverrideAuthFromEnv(&cfg.Auth)

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.Pipeline.OwnerEmail = strings.ToLower(strings.TrimSpace(c.Pipeline.OwnerEmail))
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.JWT.TTLHours <= 0 {
		c.JWT.TTLHours = 24
	}
	if c.Fastmail.SessionURL == "" {
		c.Fastmail.SessionURL = "https://api.fastmail.com/jmap/session"
	}
	if c.Fastmail.TimeoutSeconds <= 0 {
		c.Fastmail.TimeoutSeconds = 30
	}
	if c.Pipeline.ArchivingTimeout <= 0 {
		c.Pipeline.ArchivingTimeout = 10 * time.Minute
	}
	if c.Pipeline.SweepInterval <= 0 {
		c.Pipeline.SweepInterval = time.Minute
	}
	if c.Pipeline.LockTTL <= 0 {
		c.Pipeline.LockTTL = 2 * time.Minute
	}
}

// Validate 检查运行所需的最少配置
func (c *Config) Validate() error {
	if c.Pipeline.OwnerEmail == "" {
		return fmt.Errorf("pipeline.owner_email is required")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	return nil
}

// JWTTTL 返回 token 有效期
func (c *Config) JWTTTL() time.Duration {
	return time.Duration(c.JWT.TTLHours) * time.Hour
}
