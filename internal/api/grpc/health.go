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

// Package grpc 提供 gRPC 健康检查服务，供负载均衡与编排系统探测；存储探测失败时上报 NOT_SERVING。
package grpc

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"fanout-platform/pkg/log"
)

// ServiceName 对外注册的健康检查服务名；空串表示整体状态
const ServiceName = "fanout.v1.Platform"

// Checker 探测依赖是否可用（如 Postgres Ping）；返回 nil 视为健康
type Checker func(ctx context.Context) error

// Server 健康检查服务端
type Server struct {
	health  *health.Server
	checker Checker
	logger  *log.Logger

	mu      sync.Mutex
	serving bool
}

// NewServer checker 为 nil 时始终上报 SERVING
func NewServer(checker Checker, logger *log.Logger) *Server {
	s := &Server{health: health.NewServer(), checker: checker, logger: log.OrNop(logger)}
	s.set(true)
	return s
}

// Register 注册 grpc.health.v1.Health 到 grpc.Server
func (s *Server) Register(grpcServer *grpc.Server) {
	healthpb.RegisterHealthServer(grpcServer, s.health)
}

// Check 执行一次探测并更新状态，返回当前是否健康
func (s *Server) Check(ctx context.Context) bool {
	if s.checker == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	err := s.checker(ctx)
	if err != nil {
		s.logger.Warn("健康探测失败", "error", err)
	}
	s.set(err == nil)
	return err == nil
}

// Watch 按 interval 周期探测，直到 ctx 取消
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Shutdown 将全部服务置为 NOT_SERVING，后续状态更新被忽略
func (s *Server) Shutdown() {
	s.health.Shutdown()
}

func (s *Server) set(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serving == ok && ok {
		return
	}
	s.serving = ok
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
