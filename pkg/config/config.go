// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Store      StoreConfig      `mapstructure:"store"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Liveness   LivenessConfig   `mapstructure:"liveness"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	RateLimits RateLimitsConfig `mapstructure:"rate_limits"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port       int              `mapstructure:"port"`
	Host       string           `mapstructure:"host"`
	Timeout    string           `mapstructure:"timeout"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
	Grpc       GrpcConfig       `mapstructure:"grpc"`
	// Sweeper 为 false 时 API 进程不运行过期实例回收，由外部调度调用 /api/admin/sweep
	Sweeper *bool `mapstructure:"sweeper"`
}

// GrpcConfig gRPC 健康检查服务配置
type GrpcConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	Auth          bool   `mapstructure:"auth"`
	RateLimit     bool   `mapstructure:"rate_limit"`
	RateLimitRPS  int    `mapstructure:"rate_limit_rps"`
	JWTKey        string `mapstructure:"jwt_key"`
	JWTKeySecret  string `mapstructure:"jwt_key_secret"` // 从 secrets 解析 JWT 密钥的 key，非空时覆盖 jwt_key
	JWTTimeout    string `mapstructure:"jwt_timeout"`     // 如 "1h"
	JWTMaxRefresh string `mapstructure:"jwt_max_refresh"` // 如 "1h"
}

// StoreConfig 作业/条目/账本/实例的存储配置
type StoreConfig struct {
	Type      string `mapstructure:"type"`       // memory | postgres
	DSN       string `mapstructure:"dsn"`        // Postgres 连接串，type=postgres 时必填
	DSNSecret string `mapstructure:"dsn_secret"` // 非空时从 secrets 解析 DSN
	MaxConns  int32  `mapstructure:"max_conns"`
	Migrate   *bool  `mapstructure:"migrate"` // 启动时执行内置迁移；未配置时默认 true
}

// LedgerConfig 额度计费配置
type LedgerConfig struct {
	BaseCost         int64            `mapstructure:"base_cost"`
	PerItemCost      int64            `mapstructure:"per_item_cost"`
	DefaultSkillCost int64            `mapstructure:"default_skill_cost"`
	SkillCosts       map[string]int64 `mapstructure:"skill_costs"`
	BalanceCacheTTL  string           `mapstructure:"balance_cache_ttl"` // 如 "5s"，空则不缓存余额
	Audit            AuditConfig      `mapstructure:"audit"`
}

// AuditConfig 审计写入熔断配置
type AuditConfig struct {
	MaxRequests  uint32  `mapstructure:"max_requests"`
	Interval     string  `mapstructure:"interval"`
	Timeout      string  `mapstructure:"timeout"`
	FailureRatio float64 `mapstructure:"failure_ratio"`
	MinRequests  uint32  `mapstructure:"min_requests"`
}

// LivenessConfig 实例存活检测配置
type LivenessConfig struct {
	StaleThreshold    string `mapstructure:"stale_threshold"`    // 心跳超过该时长视为 stale，如 "60s"
	SweepInterval     string `mapstructure:"sweep_interval"`     // 回收周期，如 "15s"
	HeartbeatInterval string `mapstructure:"heartbeat_interval"` // Worker 心跳间隔，如 "10s"
}

// WorkerConfig Worker 服务配置
type WorkerConfig struct {
	AgentType    string   `mapstructure:"agent_type"`
	InstanceID   string   `mapstructure:"instance_id"` // 为空时注册时自动生成
	Concurrency  int      `mapstructure:"concurrency"`
	PollInterval string   `mapstructure:"poll_interval"` // 无可领取条目时的轮询间隔，如 "2s"
	Capabilities []string `mapstructure:"capabilities"`
	Jobs         []string `mapstructure:"jobs"`     // 固定领取的作业 ID；为空时轮询租户下全部 running 作业
	TenantID     string   `mapstructure:"tenant_id"` // 轮询作业时所属租户
	// APIURL 非空时经控制面 HTTP 接口领取与上报（远程模式），否则直连共享存储
	APIURL   string `mapstructure:"api_url"`
	APIToken string `mapstructure:"api_token"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// SecretsConfig 密钥提供方配置
type SecretsConfig struct {
	Provider   string `mapstructure:"provider"` // env | memory | vault
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// RateLimitsConfig 限流配置
type RateLimitsConfig struct {
	Tenants map[string]TenantRateLimitConfig `mapstructure:"tenants"`
}

// TenantRateLimitConfig 单租户请求限流
type TenantRateLimitConfig struct {
	QPS   float64 `mapstructure:"qps"`
	Burst int     `mapstructure:"burst"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	// 替换环境变量
	replaceEnvVars(&config)

	return &config, nil
}

// replaceEnvVars 替换 ${VAR} 形式的敏感配置
func replaceEnvVars(config *Config) {
	config.Store.DSN = expandEnv(config.Store.DSN)
	config.API.Middleware.JWTKey = expandEnv(config.API.Middleware.JWTKey)
	config.Cache.Password = expandEnv(config.Cache.Password)
	config.Secrets.Token = expandEnv(config.Secrets.Token)
	config.Worker.APIToken = expandEnv(config.Worker.APIToken)
}

func expandEnv(s string) string {
	if !strings.HasPrefix(s, "$") {
		return s
	}
	envVar := strings.TrimPrefix(strings.TrimSuffix(s, "}"), "${")
	envVar = strings.TrimPrefix(envVar, "$")
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return s
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}

// ParseDuration 解析时长字符串，空或非法时返回 def
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// BoolOr 返回 *bool 的值，nil 时返回 def
func BoolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
