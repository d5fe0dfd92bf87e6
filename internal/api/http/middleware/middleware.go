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

package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/jwt"
	"golang.org/x/time/rate"

	"fanout-platform/pkg/auth"
)

const (
	claimTenantID = "tenant_id"
	claimSubject  = "sub"
	claimRole     = "role"

	// HeaderTenantID 未启用鉴权时从该请求头读取租户
	HeaderTenantID = "X-Tenant-ID"
	// HeaderRole 未启用鉴权时从该请求头读取角色，缺省为 admin
	HeaderRole = "X-Role"
)

// Identity 令牌中携带的调用方身份
type Identity struct {
	TenantID string
	Subject  string
	Role     auth.Role
}

// TenantLimit 单租户限流
type TenantLimit struct {
	QPS   float64
	Burst int
}

// Config 中间件配置
type Config struct {
	Auth          bool
	JWTKey        string
	JWTTimeout    time.Duration
	JWTMaxRefresh time.Duration
	RateLimit     bool
	DefaultRPS    float64
	TenantLimits  map[string]TenantLimit
}

// Middleware 中间件管理器
type Middleware struct {
	cfg Config
	jwt *jwt.HertzJWTMiddleware

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewMiddleware 创建中间件管理器；启用鉴权时必须配置 JWTKey
func NewMiddleware(cfg Config) (*Middleware, error) {
	m := &Middleware{cfg: cfg, limiters: make(map[string]*rate.Limiter)}
	if !cfg.Auth {
		return m, nil
	}
	if cfg.JWTKey == "" {
		return nil, errors.New("jwt key is required when auth is enabled")
	}
	timeout := cfg.JWTTimeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	maxRefresh := cfg.JWTMaxRefresh
	if maxRefresh <= 0 {
		maxRefresh = time.Hour
	}
	mw, err := jwt.New(&jwt.HertzJWTMiddleware{
		Realm:         "fanout",
		Key:           []byte(cfg.JWTKey),
		Timeout:       timeout,
		MaxRefresh:    maxRefresh,
		IdentityKey:   claimSubject,
		TokenLookup:   "header: Authorization",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			id, ok := data.(Identity)
			if !ok {
				return jwt.MapClaims{}
			}
			return jwt.MapClaims{
				claimTenantID: id.TenantID,
				claimSubject:  id.Subject,
				claimRole:     string(id.Role),
			}
		},
		IdentityHandler: func(ctx context.Context, c *app.RequestContext) interface{} {
			return identityFromClaims(jwt.ExtractClaims(ctx, c))
		},
		Unauthorized: func(ctx context.Context, c *app.RequestContext, code int, message string) {
			c.JSON(code, map[string]string{"error": message})
		},
	})
	if err != nil {
		return nil, err
	}
	m.jwt = mw
	return m, nil
}

func identityFromClaims(claims jwt.MapClaims) Identity {
	id := Identity{TenantID: auth.DefaultTenantID, Role: auth.RoleUser}
	if v, ok := claims[claimTenantID].(string); ok && v != "" {
		id.TenantID = v
	}
	if v, ok := claims[claimSubject].(string); ok {
		id.Subject = v
	}
	if v, ok := claims[claimRole].(string); ok {
		id.Role = auth.ParseRole(v)
	}
	return id
}

// IssueToken 签发令牌，供运维工具与测试使用
func (m *Middleware) IssueToken(id Identity) (string, time.Time, error) {
	if m.jwt == nil {
		return "", time.Time{}, errors.New("auth is disabled")
	}
	return m.jwt.TokenGenerator(id)
}

// Authenticate 返回鉴权链：启用鉴权时先校验 JWT，再把身份写入 context
func (m *Middleware) Authenticate() []app.HandlerFunc {
	if m.jwt == nil {
		return []app.HandlerFunc{m.headerIdentity()}
	}
	return []app.HandlerFunc{m.jwt.MiddlewareFunc(), m.claimsIdentity()}
}

func (m *Middleware) claimsIdentity() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		id, _ := c.Get(claimSubject)
		identity, ok := id.(Identity)
		if !ok {
			identity = identityFromClaims(jwt.ExtractClaims(ctx, c))
		}
		c.Next(withIdentity(ctx, identity))
	}
}

// headerIdentity 未启用鉴权（开发模式）：租户取自请求头，角色缺省为 admin
func (m *Middleware) headerIdentity() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		id := Identity{TenantID: auth.DefaultTenantID, Role: auth.RoleAdmin}
		if v := string(c.GetHeader(HeaderTenantID)); v != "" {
			id.TenantID = v
		}
		if v := string(c.GetHeader(HeaderRole)); v != "" {
			id.Role = auth.ParseRole(v)
		}
		c.Next(withIdentity(ctx, id))
	}
}

func withIdentity(ctx context.Context, id Identity) context.Context {
	ctx = auth.WithTenantID(ctx, id.TenantID)
	ctx = auth.WithSubject(ctx, id.Subject)
	return auth.WithRole(ctx, id.Role)
}

// CORS CORS 中间件
func (m *Middleware) CORS() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Tenant-ID, X-Role")
		c.Header("Access-Control-Max-Age", "86400")
		if string(c.Method()) == consts.MethodOptions {
			c.AbortWithStatus(consts.StatusNoContent)
			return
		}
		c.Next(ctx)
	}
}

// RateLimit 按租户限流；须放在 Authenticate 之后
func (m *Middleware) RateLimit() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if !m.cfg.RateLimit {
			c.Next(ctx)
			return
		}
		if l := m.limiter(auth.GetTenantID(ctx)); l != nil && !l.Allow() {
			c.AbortWithStatusJSON(consts.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next(ctx)
	}
}

func (m *Middleware) limiter(tenantID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.limiters[tenantID]; ok {
		return l
	}
	cfg, ok := m.cfg.TenantLimits[tenantID]
	if !ok {
		cfg = TenantLimit{QPS: m.cfg.DefaultRPS}
	}
	if cfg.QPS <= 0 {
		m.limiters[tenantID] = nil
		return nil
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.QPS)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	l := rate.NewLimiter(rate.Limit(cfg.QPS), cfg.Burst)
	m.limiters[tenantID] = l
	return l
}
