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
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"

	"fanout-platform/pkg/auth"
	"fanout-platform/pkg/log"
)

// AuditMiddleware 访问审计中间件
type AuditMiddleware struct {
	auditStore AuditStore
}

// AuditStore 审计日志存储接口
type AuditStore interface {
	LogAccess(ctx context.Context, log AuditLog) error
}

// AuditLog 审计日志记录
type AuditLog struct {
	TenantID     string
	Subject      string
	Action       string
	ResourceType string
	ResourceID   string
	Status       int
	DurationMS   int64
	CreatedAt    time.Time
}

// LogAuditStore 将访问记录写入结构化日志
type LogAuditStore struct {
	Logger *log.Logger
}

func (s LogAuditStore) LogAccess(ctx context.Context, l AuditLog) error {
	log.OrNop(s.Logger).Info("api access",
		"tenant_id", l.TenantID, "subject", l.Subject, "action", l.Action,
		"resource_type", l.ResourceType, "resource_id", l.ResourceID,
		"status", l.Status, "duration_ms", l.DurationMS)
	return nil
}

// NewAuditMiddleware 创建审计中间件
func NewAuditMiddleware(auditStore AuditStore) *AuditMiddleware {
	return &AuditMiddleware{auditStore: auditStore}
}

// AuditAccess 记录 API 访问；须放在 Authenticate 之后
func (a *AuditMiddleware) AuditAccess() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		c.Next(ctx)

		// RequestContext 在请求结束后会被复用，异步写入前先取出字段
		method, path := string(c.Method()), string(c.Path())
		resourceType, resourceID := extractResource(path)
		entry := AuditLog{
			TenantID:     auth.GetTenantID(ctx),
			Subject:      auth.GetSubject(ctx),
			Action:       determineAction(method, path),
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Status:       c.Response.StatusCode(),
			DurationMS:   time.Since(start).Milliseconds(),
			CreatedAt:    time.Now().UTC(),
		}
		go func() {
			_ = a.auditStore.LogAccess(context.Background(), entry)
		}()
	}
}

// determineAction 根据 HTTP 方法和路径确定操作类型
func determineAction(method string, path string) string {
	switch {
	case strings.HasSuffix(path, "/cancel"):
		return "cancel_job"
	case strings.HasSuffix(path, "/claim"):
		return "claim_item"
	case strings.HasPrefix(path, "/api/items/"):
		if i := strings.LastIndex(path, "/"); i >= 0 {
			return path[i+1:] + "_item"
		}
	case strings.HasPrefix(path, "/api/jobs"):
		if method == "POST" {
			return "create_job"
		}
		return "view_job"
	case strings.HasPrefix(path, "/api/instances"):
		if method == "DELETE" {
			return "deregister_instance"
		}
		return "manage_instance"
	case strings.HasPrefix(path, "/api/tenants"):
		switch method {
		case "PUT":
			return "set_balance"
		case "POST":
			return "charge_skill"
		}
		return "view_ledger"
	case strings.HasPrefix(path, "/api/admin/"):
		return "admin"
	}
	return "unknown"
}

// extractResource 从路径提取资源类型和 ID
func extractResource(path string) (resourceType string, resourceID string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 {
		switch parts[1] {
		case "jobs":
			return "job", parts[2]
		case "items":
			return "item", parts[2]
		case "instances":
			return "instance", parts[2]
		case "tenants":
			return "tenant", parts[2]
		}
	}
	return "unknown", ""
}
