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

package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"fanout-platform/internal/app"
	"fanout-platform/internal/liveness"
	"fanout-platform/internal/worker"
	"fanout-platform/pkg/client"
	"fanout-platform/pkg/config"
	"fanout-platform/pkg/log"
	"fanout-platform/pkg/metrics"
	"fanout-platform/pkg/tracing"
)

// App Worker 应用：直连共享存储或经控制面 HTTP 接口领取条目，默认以 echo 处理
type App struct {
	config    *config.Config
	logger    *log.Logger
	bootstrap *app.Bootstrap // 远程模式为 nil
	runner    *worker.Runner
	tracer    *sdktrace.TracerProvider
	metrics   *http.Server
}

// NewApp 创建 Worker 应用；process 为 nil 时使用 Echo
func NewApp(ctx context.Context, cfg *config.Config, process worker.ProcessFunc) (*App, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	wc := cfg.Worker
	if wc.InstanceID == "" {
		wc.InstanceID = liveness.NewInstanceID()
	}
	if process == nil {
		process = worker.Echo(wc.InstanceID)
	}
	runnerCfg := worker.Config{
		AgentType:         wc.AgentType,
		InstanceID:        wc.InstanceID,
		Capabilities:      wc.Capabilities,
		Concurrency:       wc.Concurrency,
		PollInterval:      config.ParseDuration(wc.PollInterval, 2*time.Second),
		HeartbeatInterval: config.ParseDuration(cfg.Liveness.HeartbeatInterval, 10*time.Second),
		Jobs:              wc.Jobs,
		TenantID:          wc.TenantID,
	}

	a := &App{config: cfg}
	if wc.APIURL != "" {
		logger, err := log.NewLogger(&log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
		if err != nil {
			return nil, fmt.Errorf("初始化日志失败: %w", err)
		}
		a.logger = logger
		c := client.New(client.Options{
			BaseURL:  wc.APIURL,
			Token:    wc.APIToken,
			TenantID: wc.TenantID,
			Retries:  2,
		})
		a.runner = worker.NewRunner(c, c, c, process, runnerCfg, logger.With("component", "worker"))
		logger.Info("Worker 远程模式", "api_url", wc.APIURL, "instance_id", wc.InstanceID)
	} else {
		b, err := app.NewBootstrap(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.bootstrap = b
		a.logger = b.Logger
		a.runner = worker.NewRunner(b.Engine, b.Registry, b.Manager, process, runnerCfg, b.Logger.With("component", "worker"))
		a.logger.Info("Worker 直连存储模式", "store", cfg.Store.Type, "instance_id", wc.InstanceID)
	}

	if tc := cfg.Monitoring.Tracing; tc.Enable {
		serviceName := tc.ServiceName
		if serviceName == "" {
			serviceName = "fanout-worker"
		}
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    serviceName,
			ExportEndpoint: tc.ExportEndpoint,
			Insecure:       tc.Insecure,
		})
		if err != nil {
			a.logger.Warn("链路追踪初始化失败", "error", err)
		} else {
			a.tracer = tp
		}
	}
	if pc := cfg.Monitoring.Prometheus; pc.Enable && pc.Port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.DefaultRegistry, promhttp.HandlerOpts{}))
		a.metrics = &http.Server{Addr: ":" + strconv.Itoa(pc.Port), Handler: mux}
	}
	return a, nil
}

// InstanceID 当前 Worker 实例 ID
func (a *App) InstanceID() string { return a.runner.InstanceID() }

// Run 运行直到 ctx 取消；退出前释放持有的条目并注销实例
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("启动 worker 应用", "instance_id", a.runner.InstanceID())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runner.Run(gctx)
	})
	if a.metrics != nil {
		g.Go(func() error {
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.metrics.Shutdown(shutdownCtx)
		})
	}
	err := g.Wait()
	a.logger.Info("worker 应用已停止", "error", err)
	return err
}

// Shutdown 关闭 tracer 与存储连接
func (a *App) Shutdown(ctx context.Context) error {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Error("关闭 tracer 失败", "error", err)
		}
	}
	if a.bootstrap != nil {
		a.bootstrap.Close()
	}
	return nil
}
