package global

import (
	"os"
	"strconv"
	"time"
)

// 平台码，拼进网关连接路径
const (
	PlatformWeb     = 5
	PlatformDesktop = 7
)

// AppConfig 客户端核心配置。零值可用，norm() 补默认。
type AppConfig struct {
	AccountID string // 当前登录账号
	Token     string // 网关令牌
	Platform  int    // 平台码

	GatewayURL string // ws(s)://host，连接路径由 transport 拼装
	APIBaseURL string // 补拉/档案等 HTTP 接口

	ReconnectBase time.Duration // 重连基础间隔，第 n 次重试等待 base*n
	MaxReconnect  int           // 重连上限，超过后不再自动重连
	RingTimeout   time.Duration // 呼叫振铃超时

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MongoURI      string
	MongoDatabase string

	NatsServers []string // 为空则不启用 NATS 桥
	NatsPrefix  string

	APIPort int // 本地 HTTP 桥端口，0 不启用
}

func (c *AppConfig) Norm() {
	if c.Platform == 0 {
		c.Platform = PlatformWeb
	}
	if c.GatewayURL == "" {
		c.GatewayURL = "ws://127.0.0.1:8080"
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = "http://127.0.0.1:8080"
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 2 * time.Second
	}
	if c.MaxReconnect <= 0 {
		c.MaxReconnect = 5
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = 30 * time.Second
	}
	if c.MongoDatabase == "" {
		c.MongoDatabase = "agentChatClient"
	}
	if c.NatsPrefix == "" {
		c.NatsPrefix = "pclient.events"
	}
}

// FromEnv 从环境变量装配配置（容器/脚本启动用）。
func FromEnv() AppConfig {
	c := AppConfig{
		AccountID:     GetEnv("PC_ACCOUNT_ID", ""),
		Token:         GetEnv("PC_TOKEN", ""),
		Platform:      GetEnvInt("PC_PLATFORM", PlatformWeb),
		GatewayURL:    GetEnv("PC_GATEWAY_URL", "ws://127.0.0.1:8080"),
		APIBaseURL:    GetEnv("PC_API_BASE_URL", "http://127.0.0.1:8080"),
		RedisAddr:     GetEnv("PC_REDIS_ADDR", ""),
		RedisPassword: GetEnv("PC_REDIS_PASSWORD", ""),
		RedisDB:       GetEnvInt("PC_REDIS_DB", 0),
		MongoURI:      GetEnv("PC_MONGO_URI", ""),
		MongoDatabase: GetEnv("PC_MONGO_DB", "agentChatClient"),
		APIPort:       GetEnvInt("PC_API_PORT", 0),
	}
	if s := GetEnv("PC_NATS_SERVERS", ""); s != "" {
		c.NatsServers = []string{s}
	}
	c.Norm()
	return c
}

func GetEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func GetEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
