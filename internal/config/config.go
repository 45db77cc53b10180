package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"charaforge/pkg/cost"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	S3        S3Config        `mapstructure:"s3"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Guard     GuardConfig     `mapstructure:"guard"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Business  BusinessConfig  `mapstructure:"business"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	WorkerID       int      `mapstructure:"worker_id"`
	Debug          bool     `mapstructure:"debug"`
	TrustedProxies []string `mapstructure:"trusted_proxies"` // 为空时 ClientIP 只看 RemoteAddr
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // 为空则只输出到 stdout
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvents     string `mapstructure:"ledger_events"`
	GenerationEvents string `mapstructure:"generation_events"`
}

type S3Config struct {
	Region        string `mapstructure:"region"`
	Bucket        string `mapstructure:"bucket"`
	BaseEndpoint  string `mapstructure:"base_endpoint"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

type GeneratorConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	StandardModel  string        `mapstructure:"standard_model"`
	ProModel       string        `mapstructure:"pro_model"`
	Timeout        time.Duration `mapstructure:"timeout"` // 单次调用超时
	MaxParallel    int           `mapstructure:"max_parallel"`
	StoreAllowance time.Duration `mapstructure:"store_allowance"` // 结果上传到对象存储的总预留时间
}

// RunBudget 一次生成最坏情况下的耗时：部件数最多的请求按 MaxParallel 分批调用，
// 每批最多 Timeout，再加上传预留。生成阶段以它为总时限。
func (g GeneratorConfig) RunBudget() time.Duration {
	if g.MaxParallel <= 0 {
		return 0
	}
	waves := (cost.MaxLive2DParts + g.MaxParallel - 1) / g.MaxParallel
	return g.Timeout*time.Duration(waves) + g.StoreAllowance
}

type AuthConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	InternalAPIKeys []string      `mapstructure:"internal_api_keys"`
}

// GuardConfig 登录防爆破
type GuardConfig struct {
	MaxLoginAttempts int           `mapstructure:"max_login_attempts"`
	AttemptWindow    time.Duration `mapstructure:"attempt_window"`
	LockDuration     time.Duration `mapstructure:"lock_duration"`
}

// RateLimitRule 某一类接口的滑动窗口限制
type RateLimitRule struct {
	Window      time.Duration `mapstructure:"window"`
	MaxRequests int           `mapstructure:"max_requests"`
}

type RateLimitConfig struct {
	Auth       RateLimitRule `mapstructure:"auth"`
	Payment    RateLimitRule `mapstructure:"payment"`
	Generation RateLimitRule `mapstructure:"generation"`
	General    RateLimitRule `mapstructure:"general"`
}

// TokenPackage 代币套餐
type TokenPackage struct {
	ID     string `mapstructure:"id"`
	Tokens int64  `mapstructure:"tokens"`
	// 首购优惠价（分），仅用于展示和校验资格，实际收款在支付渠道完成
	PriceCents          int64 `mapstructure:"price_cents"`
	FirstTimePriceCents int64 `mapstructure:"first_time_price_cents"`
}

type BusinessConfig struct {
	SignupBonusTokens     int64          `mapstructure:"signup_bonus_tokens"`
	AdRewardTokens        int64          `mapstructure:"ad_reward_tokens"`
	AdRewardDailyCap      int            `mapstructure:"ad_reward_daily_cap"`
	IntentRecoveryAfter   time.Duration  `mapstructure:"intent_recovery_after"`
	LoginAttemptRetention time.Duration  `mapstructure:"login_attempt_retention"`
	MaxRetryCount         int            `mapstructure:"max_retry_count"`
	MaxImageBytes         int            `mapstructure:"max_image_bytes"`
	Packages              []TokenPackage `mapstructure:"packages"`
}

// Package 按 ID 查找套餐
func (b BusinessConfig) Package(id string) (TokenPackage, bool) {
	for _, p := range b.Packages {
		if p.ID == id {
			return p, true
		}
	}
	return TokenPackage{}, false
}

func (r RateLimitConfig) Rule(class string) (RateLimitRule, bool) {
	switch class {
	case "auth":
		return r.Auth, true
	case "payment":
		return r.Payment, true
	case "generation":
		return r.Generation, true
	case "general":
		return r.General, true
	}
	return RateLimitRule{}, false
}

const envPrefix = "CHARAFORGE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("log.max_backups", 7)

	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.ledger_events", "ledger-events")
	v.SetDefault("kafka.topic.generation_events", "generation-events")

	v.SetDefault("generator.timeout", 120*time.Second)
	v.SetDefault("generator.max_parallel", 4)
	v.SetDefault("generator.store_allowance", time.Minute)
	v.SetDefault("generator.standard_model", "image-standard")
	v.SetDefault("generator.pro_model", "image-pro")

	// 空字符串默认值也要注册，否则 AutomaticEnv 在 Unmarshal 时看不到这些 key
	for _, key := range []string{
		"log.file",
		"mysql.user", "mysql.password", "mysql.database",
		"redis.password",
		"s3.region", "s3.bucket", "s3.base_endpoint", "s3.access_key", "s3.secret_key", "s3.public_base_url",
		"generator.base_url", "generator.api_key",
		"auth.jwt_secret",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("auth.internal_api_keys", []string{})
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("guard.max_login_attempts", 10)
	v.SetDefault("guard.attempt_window", 15*time.Minute)
	v.SetDefault("guard.lock_duration", 30*time.Minute)

	v.SetDefault("rate_limit.auth.window", 15*time.Minute)
	v.SetDefault("rate_limit.auth.max_requests", 5)
	v.SetDefault("rate_limit.payment.window", time.Hour)
	v.SetDefault("rate_limit.payment.max_requests", 10)
	v.SetDefault("rate_limit.generation.window", time.Hour)
	v.SetDefault("rate_limit.generation.max_requests", 50)
	v.SetDefault("rate_limit.general.window", 15*time.Minute)
	v.SetDefault("rate_limit.general.max_requests", 100)

	v.SetDefault("business.signup_bonus_tokens", 3)
	v.SetDefault("business.ad_reward_tokens", 1)
	v.SetDefault("business.ad_reward_daily_cap", 3)
	v.SetDefault("business.intent_recovery_after", 10*time.Minute)
	v.SetDefault("business.login_attempt_retention", 7*24*time.Hour)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.max_image_bytes", 10<<20)
}

// Load 加载配置：默认值 < 配置文件 < 环境变量（CHARAFORGE_ 前缀，支持 .env）
//
// configPath 为空或文件不存在时只使用默认值和环境变量。
func Load(configPath string) (*Config, error) {
	// .env 不存在是正常情况
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Guard.MaxLoginAttempts <= 0 {
		return errors.New("guard.max_login_attempts 必须大于0")
	}
	if c.Guard.AttemptWindow <= 0 || c.Guard.LockDuration <= 0 {
		return errors.New("guard.attempt_window 和 guard.lock_duration 必须大于0")
	}
	for _, class := range []string{"auth", "payment", "generation", "general"} {
		rule, _ := c.RateLimit.Rule(class)
		if rule.Window <= 0 || rule.MaxRequests <= 0 {
			return fmt.Errorf("rate_limit.%s 配置不合法", class)
		}
	}
	if c.Generator.Timeout <= 0 || c.Generator.MaxParallel <= 0 {
		return errors.New("generator.timeout 和 generator.max_parallel 必须大于0")
	}
	// 补偿任务只能接手已经超过生成总时限的意图
	if budget := c.Generator.RunBudget(); c.Business.IntentRecoveryAfter <= budget {
		return fmt.Errorf("business.intent_recovery_after (%s) 必须大于生成总时限 %s", c.Business.IntentRecoveryAfter, budget)
	}
	for _, p := range c.Business.Packages {
		if p.ID == "" || p.Tokens <= 0 {
			return fmt.Errorf("business.packages 配置不合法: %+v", p)
		}
	}
	return nil
}
