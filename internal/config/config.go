package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"sendcore/backend/internal/domain"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到控制台
}

// StorageConfig 定义 actor 状态快照的存储后端
type StorageConfig struct {
	Driver string // memory | file | redis | mysql | postgres | pgx | sqlite
	Path   string // file 目录 或 sqlite 文件路径
}

// DatabaseConfig 定义数据库连接配置（mysql / postgres / pgx 驱动使用）
type DatabaseConfig struct {
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 10
	MaxIdleConns    int           // 最大空闲连接数，默认 2
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 配置
type RedisConfig struct {
	Address   string // Redis 服务地址，格式 "host:port"
	Password  string // Redis 认证密码，留空表示无密码
	DB        int    // Redis 数据库编号
	KeyPrefix string // 键前缀，默认 "sendcore"
}

// AuthConfig 定义服务间调用的 JWT 认证配置
type AuthConfig struct {
	JWTSecret string        // 签名密钥，留空表示关闭认证（仅开发环境）
	Issuer    string        // 签发者标识
	TokenTTL  time.Duration // sendctl 签发令牌的默认有效期
}

// SelectorConfig 定义发件身份选择器的熔断参数
type SelectorConfig struct {
	FailureThreshold int           // 连续失败多少次打开熔断，默认 3
	ResetTimeout     time.Duration // 熔断打开到半开的时间，默认 5 分钟
	SuccessThreshold int           // 半开状态关闭所需成功次数，默认 1
	LatencyWindow    int           // 延迟样本窗口大小，默认 10
}

// WarmupConfig 定义预热与信誉参数
type WarmupConfig struct {
	BouncePenalty   int     // 每次退信扣减的信誉分，默认 10
	RecoveryPoints  int     // 无退信跨天恢复的信誉分，默认 5
	PauseBounceRate float64 // 自动暂停的退信率阈值，默认 0.05
	PauseMinSent    int     // 自动暂停所需的最少当日发送量，默认 5
}

// GovernorConfig 定义供应商限流与预算
type GovernorConfig struct {
	DailyBudgetUSD float64                          // 所有供应商共享的每日预算
	Providers      map[string]domain.ProviderLimits // 供应商限额表
}

// DedupConfig 定义指纹去重参数
type DedupConfig struct {
	Window          time.Duration // 去重窗口，默认 7 天
	BloomBits       uint64        // 布隆过滤器位数
	BloomHashes     int           // 布隆过滤器哈希函数个数
	FuzzyThreshold  float64       // 模糊匹配阈值（严格大于），默认 0.85
	CleanupInterval time.Duration // 后台清理间隔
}

// EventsConfig 定义 actor 事件发布配置
type EventsConfig struct {
	NATSURL       string // NATS 地址，留空表示不发布到 NATS
	SubjectPrefix string // 主题前缀，默认 "sendcore"
	Workers       int    // 异步发布协程数
	QueueSize     int    // 发布队列长度
}

// SMTPConfig 定义退信接收 SMTP 服务配置
type SMTPConfig struct {
	Enabled    bool   // 是否启动退信接收服务
	BindAddr   string // 监听地址，默认 ":2525"
	Domain     string // 服务器域名，用于 EHLO 响应与 VERP 地址校验
	MaxConns   int    // 最大并发连接数
	RatePerSec int    // 每秒最多新建连接数
}

// RateLimitConfig 定义 HTTP 接口限流
type RateLimitConfig struct {
	RPS   float64 // 单个来源 IP 每秒请求数，0 表示关闭
	Burst int
}

// Config 是系统核心配置的根结构体
type Config struct {
	Server    ServerConfig
	CORS      CORSConfig
	Log       LogConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Selector  SelectorConfig
	Warmup    WarmupConfig
	Governor  GovernorConfig
	Dedup     DedupConfig
	Events    EventsConfig
	SMTP      SMTPConfig
	RateLimit RateLimitConfig
}

// 默认供应商限额：name:tokensPerMinute:requestsPerMinute:tokensPerDay:costPerToken
const defaultProviders = "anthropic:100000:1000:5000000:0.000015,openai:100000:500:5000000:0.00001"

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: SENDCORE_，例如 SENDCORE_SERVER_PORT, SENDCORE_GOVERNOR_DAILY_BUDGET_USD
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("sendcore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	providers, err := ParseProviders(v.GetString("governor.providers"))
	if err != nil {
		return nil, fmt.Errorf("invalid governor.providers: %w", err)
	}

	budget := v.GetFloat64("governor.daily_budget_usd")
	if budget < 0 {
		return nil, fmt.Errorf("governor.daily_budget_usd must not be negative")
	}

	driver := strings.ToLower(strings.TrimSpace(v.GetString("storage.driver")))
	switch driver {
	case "memory", "file", "redis", "mysql", "postgres", "pgx", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported storage.driver: %q", driver)
	}
	if (driver == "mysql" || driver == "postgres" || driver == "pgx") && v.GetString("database.dsn") == "" {
		return nil, fmt.Errorf("database.dsn is required for storage driver %q", driver)
	}

	threshold := v.GetFloat64("dedup.fuzzy_threshold")
	if threshold <= 0 || threshold >= 1 {
		return nil, fmt.Errorf("dedup.fuzzy_threshold must be in (0,1)")
	}

	jwtSecret := v.GetString("auth.jwt_secret")
	if jwtSecret != "" && len(jwtSecret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
		Storage: StorageConfig{
			Driver: driver,
			Path:   v.GetString("storage.path"),
		},
		Database: DatabaseConfig{
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: durationOr(v, "database.conn_max_lifetime", 5*time.Minute),
		},
		Redis: RedisConfig{
			Address:   v.GetString("redis.address"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			KeyPrefix: v.GetString("redis.key_prefix"),
		},
		Auth: AuthConfig{
			JWTSecret: jwtSecret,
			Issuer:    v.GetString("auth.issuer"),
			TokenTTL:  durationOr(v, "auth.token_ttl", 30*24*time.Hour),
		},
		Selector: SelectorConfig{
			FailureThreshold: positiveInt(v.GetInt("selector.failure_threshold"), 3),
			ResetTimeout:     durationOr(v, "selector.reset_timeout", 5*time.Minute),
			SuccessThreshold: positiveInt(v.GetInt("selector.success_threshold"), 1),
			LatencyWindow:    positiveInt(v.GetInt("selector.latency_window"), 10),
		},
		Warmup: WarmupConfig{
			BouncePenalty:   positiveInt(v.GetInt("warmup.bounce_penalty"), 10),
			RecoveryPoints:  positiveInt(v.GetInt("warmup.recovery_points"), 5),
			PauseBounceRate: v.GetFloat64("warmup.pause_bounce_rate"),
			PauseMinSent:    positiveInt(v.GetInt("warmup.pause_min_sent"), 5),
		},
		Governor: GovernorConfig{
			DailyBudgetUSD: budget,
			Providers:      providers,
		},
		Dedup: DedupConfig{
			Window:          durationOr(v, "dedup.window", 7*24*time.Hour),
			BloomBits:       uint64(positiveInt(v.GetInt("dedup.bloom_bits"), 1<<20)),
			BloomHashes:     positiveInt(v.GetInt("dedup.bloom_hashes"), 7),
			FuzzyThreshold:  threshold,
			CleanupInterval: durationOr(v, "dedup.cleanup_interval", time.Hour),
		},
		Events: EventsConfig{
			NATSURL:       v.GetString("events.nats_url"),
			SubjectPrefix: v.GetString("events.subject_prefix"),
			Workers:       positiveInt(v.GetInt("events.workers"), 2),
			QueueSize:     positiveInt(v.GetInt("events.queue_size"), 1024),
		},
		SMTP: SMTPConfig{
			Enabled:    v.GetBool("smtp.enabled"),
			BindAddr:   v.GetString("smtp.bind_addr"),
			Domain:     strings.ToLower(v.GetString("smtp.domain")),
			MaxConns:   positiveInt(v.GetInt("smtp.max_conns"), 50),
			RatePerSec: positiveInt(v.GetInt("smtp.rate_per_sec"), 10),
		},
		RateLimit: RateLimitConfig{
			RPS:   v.GetFloat64("ratelimit.rps"),
			Burst: positiveInt(v.GetInt("ratelimit.burst"), 50),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("storage.driver", "memory") // 默认内存存储（开发环境）
	v.SetDefault("storage.path", "./data/state")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "sendcore")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "sendcore")
	v.SetDefault("auth.token_ttl", "720h")
	v.SetDefault("selector.failure_threshold", 3)
	v.SetDefault("selector.reset_timeout", "5m")
	v.SetDefault("selector.success_threshold", 1)
	v.SetDefault("selector.latency_window", 10)
	v.SetDefault("warmup.bounce_penalty", 10)
	v.SetDefault("warmup.recovery_points", 5)
	v.SetDefault("warmup.pause_bounce_rate", 0.05)
	v.SetDefault("warmup.pause_min_sent", 5)
	v.SetDefault("governor.daily_budget_usd", 50.0)
	v.SetDefault("governor.providers", defaultProviders)
	v.SetDefault("dedup.window", "168h")
	v.SetDefault("dedup.bloom_bits", 1<<20)
	v.SetDefault("dedup.bloom_hashes", 7)
	v.SetDefault("dedup.fuzzy_threshold", 0.85)
	v.SetDefault("dedup.cleanup_interval", "1h")
	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject_prefix", "sendcore")
	v.SetDefault("events.workers", 2)
	v.SetDefault("events.queue_size", 1024)
	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.bind_addr", ":2525")
	v.SetDefault("smtp.domain", "bounces.local")
	v.SetDefault("smtp.max_conns", 50)
	v.SetDefault("smtp.rate_per_sec", 10)
	v.SetDefault("ratelimit.rps", 200)
	v.SetDefault("ratelimit.burst", 400)
}

// ParseProviders 解析供应商限额表
//
// 格式: name:tokensPerMinute:requestsPerMinute:tokensPerDay:costPerToken，多个以逗号分隔
func ParseProviders(value string) (map[string]domain.ProviderLimits, error) {
	out := make(map[string]domain.ProviderLimits)
	for _, item := range parseList(value) {
		fields := strings.Split(item, ":")
		if len(fields) != 5 {
			return nil, fmt.Errorf("provider entry %q must have 5 fields", item)
		}

		name := strings.ToLower(strings.TrimSpace(fields[0]))
		if name == "" {
			return nil, fmt.Errorf("provider entry %q has empty name", item)
		}

		var nums [3]int64
		for i := 0; i < 3; i++ {
			n, err := strconv.ParseInt(strings.TrimSpace(fields[i+1]), 10, 64)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("provider %s: invalid limit %q", name, fields[i+1])
			}
			nums[i] = n
		}

		cost, err := strconv.ParseFloat(strings.TrimSpace(fields[4]), 64)
		if err != nil || cost < 0 {
			return nil, fmt.Errorf("provider %s: invalid cost %q", name, fields[4])
		}

		out[name] = domain.ProviderLimits{
			TokensPerMinute:   nums[0],
			RequestsPerMinute: nums[1],
			TokensPerDay:      nums[2],
			CostPerToken:      cost,
		}
	}
	return out, nil
}

// parseList 将逗号分隔的字符串解析为字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

func durationOr(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func positiveInt(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：当前目录的 .env，其次父目录的 .env。
// 文件不存在时静默跳过，已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
