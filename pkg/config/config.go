package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// DBConfig 数据库配置
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	// 慢查询阈值（毫秒），0 使用默认 100ms
	SlowQueryMS int `yaml:"slow_query_ms"`
}

// MQConfig 消息队列配置
type MQConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret string `yaml:"secret"`
	// token 有效期（小时）
	TTLHours int `yaml:"ttl_hours"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port string `yaml:"port"`
}

// FastmailConfig 邮件服务商（JMAP）配置
type FastmailConfig struct {
	SessionURL string `yaml:"session_url"`
	Username   string `yaml:"username"`
	APIToken   string `yaml:"api_token"`
	// 单次 JMAP 请求超时（秒）
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// PipelineConfig 保存归档流水线配置
type PipelineConfig struct {
	// 本人邮箱：用于判断方向（sent/received）并从联系人中排除
	OwnerEmail string `yaml:"owner_email"`
	// archiving 状态超过该时长视为中断，由 sweeper 回滚
	ArchivingTimeout time.Duration `yaml:"archiving_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	// 同一线程重复提交的锁时长
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// BackendConfig 客户端（ccctl）访问后端 API 的配置
type BackendConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// AuthConfig 单用户登录配置
type AuthConfig struct {
	Email        string `yaml:"email"`
	PasswordHash string `yaml:"password_hash"`
}

// OverrideDBFromEnv 从环境变量覆盖数据库配置
func OverrideDBFromEnv(cfg *DBConfig) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.Name = name
	}
	if mode := os.Getenv("DB_SSLMODE"); mode != "" {
		cfg.SSLMode = mode
	}
}

// OverrideMQFromEnv 从环境变量覆盖MQ配置
func OverrideMQFromEnv(cfg *MQConfig) {
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.URL = url
	}
}

// OverrideRedisFromEnv 从环境变量覆盖Redis配置
func OverrideRedisFromEnv(cfg *RedisConfig) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}
}

// OverrideJWTFromEnv 从环境变量覆盖JWT配置
func OverrideJWTFromEnv(cfg *JWTConfig) {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Secret = secret
	}
}

// OverrideServerFromEnv 从环境变量覆盖服务器配置
func OverrideServerFromEnv(cfg *ServerConfig) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
}

// OverrideFastmailFromEnv 从环境变量覆盖 Fastmail 配置
func OverrideFastmailFromEnv(cfg *FastmailConfig) {
	if u := os.Getenv("FASTMAIL_SESSION_URL"); u != "" {
		cfg.SessionURL = u
	}
	if user := os.Getenv("FASTMAIL_USERNAME"); user != "" {
		cfg.Username = user
	}
	if token := os.Getenv("FASTMAIL_API_TOKEN"); token != "" {
		cfg.APIToken = token
	}
}

// OverridePipelineFromEnv 从环境变量覆盖流水线配置
func OverridePipelineFromEnv(cfg *PipelineConfig) {
	if owner := os.Getenv("OWNER_EMAIL"); owner != "" {
		cfg.OwnerEmail = strings.ToLower(owner)
	}
	if d := os.Getenv("ARCHIVING_TIMEOUT"); d != "" {
		if v, err := time.ParseDuration(d); err == nil {
			cfg.ArchivingTimeout = v
		}
	}
}

// OverrideBackendFromEnv 从环境变量覆盖后端地址
func OverrideBackendFromEnv(cfg *BackendConfig) {
	if url := os.Getenv("BACKEND_URL"); url != "" {
		cfg.URL = url
	}
	if token := os.Getenv("BACKEND_TOKEN"); token != "" {
		cfg.Token = token
	}
}

// OverrideAuthFromEnv 从环境变量覆盖登录配置
func OverrideAuthFromEnv(cfg *AuthConfig) {
	if email := os.Getenv("AUTH_EMAIL"); email != "" {
		cfg.Email = email
	}
	if hash := os.Getenv("AUTH_PASSWORD_HASH"); hash != "" {
		cfg.PasswordHash = hash
	}
}
