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

package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	hconfig "github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"google.golang.org/grpc"

	apigrpc "fanout-platform/internal/api/grpc"
	"fanout-platform/internal/api/http"
	"fanout-platform/internal/api/http/middleware"
	"fanout-platform/internal/app"
	"fanout-platform/internal/sweeper"
	"fanout-platform/pkg/config"
	"fanout-platform/pkg/secrets"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用（装配 HTTP Router、Handler、Middleware、Sweeper 与 gRPC 健康检查）
type App struct {
	config       *app.Bootstrap
	router       *http.Router
	hertz        *server.Hertz
	sweeper      *sweeper.Sweeper
	health       *apigrpc.Server
	grpcServer   *grpcRun
	otelProvider otelProviderShutdown
	cancel       context.CancelFunc
}

// grpcRun 持有 gRPC Server 与 Listener，用于 GracefulStop 时关闭
type grpcRun struct {
	srv *grpc.Server
	lis net.Listener
}

func (g *grpcRun) GracefulStop() {
	if g.srv != nil {
		g.srv.GracefulStop()
	}
	if g.lis != nil {
		_ = g.lis.Close()
	}
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(ctx context.Context, bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config
	mwCfg := cfg.API.Middleware

	jwtKey, err := secrets.Resolve(ctx, bootstrap.Secrets, mwCfg.JWTKeySecret, mwCfg.JWTKey)
	if err != nil {
		return nil, fmt.Errorf("解析 JWT 密钥失败: %w", err)
	}
	tenantLimits := make(map[string]middleware.TenantLimit, len(cfg.RateLimits.Tenants))
	for tenant, l := range cfg.RateLimits.Tenants {
		tenantLimits[tenant] = middleware.TenantLimit{QPS: l.QPS, Burst: l.Burst}
	}
	mw, err := middleware.NewMiddleware(middleware.Config{
		Auth:          mwCfg.Auth,
		JWTKey:        jwtKey,
		JWTTimeout:    config.ParseDuration(mwCfg.JWTTimeout, time.Hour),
		JWTMaxRefresh: config.ParseDuration(mwCfg.JWTMaxRefresh, time.Hour),
		RateLimit:     mwCfg.RateLimit,
		DefaultRPS:    float64(mwCfg.RateLimitRPS),
		TenantLimits:  tenantLimits,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化中间件失败: %w", err)
	}

	sw := sweeper.New(bootstrap.Registry, bootstrap.Manager, sweeper.Config{
		StaleThreshold: config.ParseDuration(cfg.Liveness.StaleThreshold, time.Minute),
		Interval:       config.ParseDuration(cfg.Liveness.SweepInterval, 15*time.Second),
	}, bootstrap.Logger.With("component", "sweeper"))

	handler := http.NewHandler(bootstrap.Manager, bootstrap.Engine, bootstrap.Registry, bootstrap.Ledger, sw)
	audit := middleware.NewAuditMiddleware(middleware.LogAuditStore{Logger: bootstrap.Logger.With("component", "audit")})

	appObj := &App{
		config:  bootstrap,
		router:  http.NewRouter(handler, mw, audit),
		sweeper: sw,
	}

	if cfg.API.Grpc.Enable && cfg.API.Grpc.Port > 0 {
		var checker apigrpc.Checker
		if bootstrap.Pool != nil {
			checker = bootstrap.Pool.Ping
		}
		appObj.health = apigrpc.NewServer(checker, bootstrap.Logger.With("component", "grpc_health"))
		gs, err := startGRPC(appObj.health, cfg.API.Grpc.Port)
		if err != nil {
			bootstrap.Logger.Warn("gRPC 服务启动失败", "error", err)
		} else {
			appObj.grpcServer = gs
			bootstrap.Logger.Info("gRPC 健康检查已启动", "port", cfg.API.Grpc.Port)
		}
	}
	return appObj, nil
}

// Run 启动 HTTP 服务，addr 如 ":8080"
func (a *App) Run(addr string) error {
	cfg := a.config.Config
	a.config.Logger.Info("API 服务启动", "addr", addr)

	// 使用 Hertz slog 扩展，与 bootstrap 配置对齐
	output := os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	switch cfg.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	// 可选：启用链路追踪（OpenTelemetry）
	var opts []hconfig.Option
	if tracing := cfg.Monitoring.Tracing; tracing.Enable {
		serviceName := tracing.ServiceName
		if serviceName == "" {
			serviceName = "fanout-api"
		}
		exportEndpoint := tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			popts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if tracing.Insecure {
				popts = append(popts, provider.WithInsecure())
			}
			a.otelProvider = provider.NewOpenTelemetryProvider(popts...)
			tracerOpt, tcfg := hertztracing.NewServerTracer()
			opts = append(opts, tracerOpt)
			a.router.Use(hertztracing.ServerMiddleware(tcfg))
			a.config.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		}
	}
	a.hertz = a.router.Build(addr, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	// api.sweeper=false 时由外部调度调用 /api/admin/sweep
	if config.BoolOr(cfg.API.Sweeper, true) {
		go a.sweeper.Run(ctx)
	}
	if a.health != nil {
		go a.health.Watch(ctx, 10*time.Second)
	}
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.health != nil {
		a.health.Shutdown()
	}
	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	a.config.Close()
	return nil
}

// startGRPC 创建并启动 gRPC 服务（在 goroutine 中 Serve），返回 grpcRun 以便 Shutdown 时 GracefulStop
func startGRPC(health *apigrpc.Server, port int) (*grpcRun, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	srv := grpc.NewServer()
	health.Register(srv)
	go func() {
		_ = srv.Serve(lis)
	}()
	return &grpcRun{srv: srv, lis: lis}, nil
}
