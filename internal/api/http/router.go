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

package http

import (
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/middlewares/server/recovery"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"

	"fanout-platform/internal/api/http/middleware"
	"fanout-platform/pkg/auth"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
	audit      *middleware.AuditMiddleware
	global     []app.HandlerFunc
}

// NewRouter 创建新的 HTTP 路由器；audit 可为 nil
func NewRouter(handler *Handler, mw *middleware.Middleware, audit *middleware.AuditMiddleware) *Router {
	return &Router{handler: handler, middleware: mw, audit: audit}
}

// Use 追加全局中间件（如链路追踪），须在 Build/Register 之前调用
func (r *Router) Use(mws ...app.HandlerFunc) {
	r.global = append(r.global, mws...)
}

// Build 创建 Hertz 实例并注册路由
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append([]config.Option{server.WithHostPorts(addr)}, opts...)
	h := server.New(opts...)
	r.Register(h)
	return h
}

// Register 在已有 Hertz 实例上注册路由
func (r *Router) Register(h *server.Hertz) {
	h.Use(recovery.Recovery(), r.middleware.CORS())
	if len(r.global) > 0 {
		h.Use(r.global...)
	}
	h.GET("/metrics", r.handler.Metrics)

	api := h.Group("/api")
	api.GET("/health", r.handler.HealthCheck)

	chain := r.middleware.Authenticate()
	if r.audit != nil {
		chain = append(chain, r.audit.AuditAccess())
	}
	chain = append(chain, r.middleware.RateLimit())
	secured := api.Group("", chain...)

	need := middleware.RequirePermission
	jobs := secured.Group("/jobs")
	{
		jobs.POST("", need(auth.PermissionJobCreate), r.handler.CreateJob)
		jobs.GET("", need(auth.PermissionJobView), r.handler.ListJobs)
		jobs.GET("/:id", need(auth.PermissionJobView), r.handler.GetJob)
		jobs.GET("/:id/items", need(auth.PermissionJobView), r.handler.ListItems)
		jobs.POST("/:id/cancel", need(auth.PermissionJobCancel), r.handler.CancelJob)
		jobs.GET("/:id/cancellation", need(auth.PermissionJobView), r.handler.GetCancellation)
		jobs.POST("/:id/claim", need(auth.PermissionItemWork), r.handler.ClaimItem)
	}

	items := secured.Group("/items", need(auth.PermissionItemWork))
	{
		items.POST("/:id/start", r.handler.StartItem)
		items.POST("/:id/complete", r.handler.CompleteItem)
		items.POST("/:id/fail", r.handler.FailItem)
		items.POST("/:id/release", r.handler.ReleaseItem)
	}

	instances := secured.Group("/instances", need(auth.PermissionInstanceManage))
	{
		instances.POST("", r.handler.RegisterInstance)
		instances.GET("", r.handler.ListInstances)
		instances.GET("/:id", r.handler.GetInstance)
		instances.DELETE("/:id", r.handler.Deregister)
		instances.POST("/:id/heartbeat", r.handler.Heartbeat)
		instances.POST("/:id/assign", r.handler.AssignJob)
		instances.POST("/:id/release", r.handler.ReleaseItems)
		instances.POST("/:id/stale", r.handler.MarkInstanceStale)
	}

	tenants := secured.Group("/tenants/:id", middleware.TenantScope("id"))
	{
		tenants.GET("/balance", need(auth.PermissionLedgerView), r.handler.GetBalance)
		tenants.PUT("/balance", need(auth.PermissionLedgerAdmin), r.handler.SetBalance)
		tenants.POST("/charges", need(auth.PermissionItemWork), r.handler.ChargeSkill)
		tenants.GET("/ledger", need(auth.PermissionLedgerView), r.handler.ListLedger)
	}

	secured.POST("/admin/sweep", need(auth.PermissionSweep), r.handler.Sweep)
}
