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
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"fanout-platform/internal/claim"
	"fanout-platform/internal/job"
	"fanout-platform/internal/ledger"
	"fanout-platform/internal/liveness"
	"fanout-platform/internal/sweeper"
	"fanout-platform/pkg/auth"
	perrors "fanout-platform/pkg/errors"
	"fanout-platform/pkg/metrics"
)

// Handler HTTP 处理器
type Handler struct {
	manager  *job.Manager
	engine   *claim.Engine
	registry *liveness.Registry
	ledger   *ledger.Ledger
	sweeper  *sweeper.Sweeper
}

// NewHandler 创建新的 HTTP 处理器；sweeper 可为 nil，此时 /api/admin/sweep 返回 404
func NewHandler(manager *job.Manager, engine *claim.Engine, registry *liveness.Registry, l *ledger.Ledger, sw *sweeper.Sweeper) *Handler {
	return &Handler{manager: manager, engine: engine, registry: registry, ledger: l, sweeper: sw}
}

var kindStatus = map[perrors.Kind]int{
	perrors.KindValidation: consts.StatusBadRequest,
	perrors.KindResource:   consts.StatusPaymentRequired,
	perrors.KindForbidden:  consts.StatusForbidden,
	perrors.KindNotFound:   consts.StatusNotFound,
	perrors.KindConflict:   consts.StatusConflict,
}

// writeError 按错误分类返回状态码；内部错误不暴露细节
func writeError(ctx context.Context, c *app.RequestContext, err error) {
	kind := perrors.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		hlog.CtxErrorf(ctx, "request %s %s failed: %v", c.Method(), c.Path(), err)
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	body := map[string]string{"error": err.Error(), "kind": string(kind)}
	if reason := perrors.ReasonOf(err); reason != "" {
		body["reason"] = reason
	}
	c.JSON(status, body)
}

func badRequest(c *app.RequestContext, msg string) {
	c.JSON(consts.StatusBadRequest, map[string]string{"error": msg})
}

// bindOptional 请求体可为空
func bindOptional(c *app.RequestContext, v interface{}) error {
	if len(c.Request.Body()) == 0 {
		return nil
	}
	return c.BindJSON(v)
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "fanout-api",
	})
}

// Metrics Prometheus 指标
func (h *Handler) Metrics(ctx context.Context, c *app.RequestContext) {
	c.Response.Header.SetContentType("text/plain; version=0.0.4; charset=utf-8")
	if err := metrics.WritePrometheus(c.Response.BodyWriter()); err != nil {
		hlog.CtxErrorf(ctx, "write metrics: %v", err)
		c.SetStatusCode(consts.StatusInternalServerError)
	}
}

// loadJob 读取作业并做租户隔离；跨租户访问按不存在处理
func (h *Handler) loadJob(ctx context.Context, jobID string) (*job.View, error) {
	v, err := h.manager.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !inTenant(ctx, v.TenantID) {
		return nil, perrors.NotFound(perrors.ReasonJobNotFound, "job "+jobID)
	}
	return v, nil
}

func inTenant(ctx context.Context, tenantID string) bool {
	return auth.GetRole(ctx) == auth.RoleAdmin || tenantID == auth.GetTenantID(ctx)
}

// jobInScope 写操作前的租户校验，不计算进度
func (h *Handler) jobInScope(ctx context.Context, jobID string) error {
	j, err := h.manager.Store().GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j == nil || !inTenant(ctx, j.TenantID) {
		return perrors.NotFound(perrors.ReasonJobNotFound, "job "+jobID)
	}
	return nil
}

// itemInScope 条目所属作业必须属于调用方租户；跨租户按不存在处理
func (h *Handler) itemInScope(ctx context.Context, itemID string) error {
	it, err := h.manager.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	j, err := h.manager.Store().GetJob(ctx, it.JobID)
	if err != nil {
		return err
	}
	if j == nil || !inTenant(ctx, j.TenantID) {
		return perrors.NotFound(perrors.ReasonItemNotFound, "item "+itemID)
	}
	return nil
}

// CreateJob 创建作业
// POST /api/jobs
func (h *Handler) CreateJob(ctx context.Context, c *app.RequestContext) {
	var req job.CreateRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	orchestrator := string(c.GetHeader("X-Orchestrator-ID"))
	if orchestrator == "" {
		orchestrator = auth.GetSubject(ctx)
	}
	j, err := h.manager.CreateJob(ctx, req, orchestrator, auth.GetTenantID(ctx))
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusCreated, j)
}

// ListJobs 列出当前租户的作业
// GET /api/jobs?status=running
func (h *Handler) ListJobs(ctx context.Context, c *app.RequestContext) {
	tenant := auth.GetTenantID(ctx)
	if auth.GetRole(ctx) == auth.RoleAdmin && c.Query("all") == "true" {
		tenant = ""
	}
	list, err := h.manager.ListJobs(ctx, tenant, job.JobStatus(c.Query("status")))
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	if list == nil {
		list = []*job.Job{}
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"jobs": list, "total": len(list)})
}

// GetJob 作业详情与进度
// GET /api/jobs/:id
func (h *Handler) GetJob(ctx context.Context, c *app.RequestContext) {
	v, err := h.loadJob(ctx, c.Param("id"))
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, v)
}

// ListItems 作业条目
// GET /api/jobs/:id/items
func (h *Handler) ListItems(ctx context.Context, c *app.RequestContext) {
	jobID := c.Param("id")
	if _, err := h.loadJob(ctx, jobID); err != nil {
		writeError(ctx, c, err)
		return
	}
	items, err := h.manager.ListItems(ctx, jobID)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"items": items, "total": len(items)})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelJob 取消作业并退还未结算条目的预留
// POST /api/jobs/:id/cancel
func (h *Handler) CancelJob(ctx context.Context, c *app.RequestContext) {
	jobID := c.Param("id")
	var req cancelRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if _, err := h.loadJob(ctx, jobID); err != nil {
		writeError(ctx, c, err)
		return
	}
	actor := auth.GetSubject(ctx)
	if actor == "" {
		actor = auth.GetTenantID(ctx)
	}
	res, err := h.manager.CancelJob(ctx, jobID, actor, req.Reason)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, res)
}

// GetCancellation 取消记录
// GET /api/jobs/:id/cancellation
func (h *Handler) GetCancellation(ctx context.Context, c *app.RequestContext) {
	jobID := c.Param("id")
	if _, err := h.loadJob(ctx, jobID); err != nil {
		writeError(ctx, c, err)
		return
	}
	rec, err := h.manager.GetCancellation(ctx, jobID)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	if rec == nil {
		c.JSON(consts.StatusNotFound, map[string]string{"error": "job was not cancelled"})
		return
	}
	c.JSON(consts.StatusOK, rec)
}

type claimRequest struct {
	InstanceID string `json:"instance_id"`
}

// ClaimItem 领取下一个 pending 条目；没有可领取条目时返回 204
// POST /api/jobs/:id/claim
func (h *Handler) ClaimItem(ctx context.Context, c *app.RequestContext) {
	var req claimRequest
	if err := c.BindJSON(&req); err != nil || req.InstanceID == "" {
		badRequest(c, "instance_id is required")
		return
	}
	jobID := c.Param("id")
	if err := h.jobInScope(ctx, jobID); err != nil {
		writeError(ctx, c, err)
		return
	}
	claimed, err := h.engine.Claim(ctx, jobID, req.InstanceID)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	if claimed == nil {
		c.SetStatusCode(consts.StatusNoContent)
		return
	}
	c.JSON(consts.StatusOK, claimed)
}

func transitionResult(ctx context.Context, c *app.RequestContext, ok bool, err error) {
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	if !ok {
		c.JSON(consts.StatusConflict, map[string]interface{}{"ok": false, "error": "item is not in the expected state"})
		return
	}
	c.JSON(consts.StatusOK, map[string]bool{"ok": true})
}

// StartItem claimed -> running
// POST /api/items/:id/start
func (h *Handler) StartItem(ctx context.Context, c *app.RequestContext) {
	itemID := c.Param("id")
	if err := h.itemInScope(ctx, itemID); err != nil {
		writeError(ctx, c, err)
		return
	}
	ok, err := h.engine.Start(ctx, itemID)
	transitionResult(ctx, c, ok, err)
}

type completeRequest struct {
	Output   json.RawMessage `json:"output"`
	Metadata json.RawMessage `json:"metadata"`
}

// CompleteItem 上报条目完成
// POST /api/items/:id/complete
func (h *Handler) CompleteItem(ctx context.Context, c *app.RequestContext) {
	var req completeRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	itemID := c.Param("id")
	if err := h.itemInScope(ctx, itemID); err != nil {
		writeError(ctx, c, err)
		return
	}
	ok, err := h.engine.Complete(ctx, itemID, req.Output, req.Metadata)
	transitionResult(ctx, c, ok, err)
}

type failRequest struct {
	Error    string          `json:"error"`
	Metadata json.RawMessage `json:"metadata"`
	Retry    *bool           `json:"retry"`
}

// FailItem 上报条目失败；retry 缺省为 true
// POST /api/items/:id/fail
func (h *Handler) FailItem(ctx context.Context, c *app.RequestContext) {
	var req failRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	itemID := c.Param("id")
	if err := h.itemInScope(ctx, itemID); err != nil {
		writeError(ctx, c, err)
		return
	}
	retry := req.Retry == nil || *req.Retry
	ok, err := h.engine.FailWithMetadata(ctx, itemID, req.Error, req.Metadata, retry)
	transitionResult(ctx, c, ok, err)
}

// ReleaseItem 持有者放弃单个条目，不计重试
// POST /api/items/:id/release
func (h *Handler) ReleaseItem(ctx context.Context, c *app.RequestContext) {
	var req claimRequest
	if err := c.BindJSON(&req); err != nil || req.InstanceID == "" {
		badRequest(c, "instance_id is required")
		return
	}
	itemID := c.Param("id")
	if err := h.itemInScope(ctx, itemID); err != nil {
		writeError(ctx, c, err)
		return
	}
	ok, err := h.engine.Release(ctx, itemID, req.InstanceID)
	transitionResult(ctx, c, ok, err)
}

// RegisterInstance 注册 Worker 实例
// POST /api/instances
func (h *Handler) RegisterInstance(ctx context.Context, c *app.RequestContext) {
	var req liveness.RegisterRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	id, err := h.registry.Register(ctx, req)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]string{"instance_id": id})
}

// ListInstances 列出实例
// GET /api/instances?status=stale
func (h *Handler) ListInstances(ctx context.Context, c *app.RequestContext) {
	list, err := h.registry.List(ctx, liveness.Status(c.Query("status")))
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	if list == nil {
		list = []*liveness.Instance{}
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"instances": list, "total": len(list)})
}

// GetInstance 实例详情
// GET /api/instances/:id
func (h *Handler) GetInstance(ctx context.Context, c *app.RequestContext) {
	in, err := h.registry.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, in)
}

func instanceResult(ctx context.Context, c *app.RequestContext, id string, ok bool, err error) {
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	if !ok {
		writeError(ctx, c, perrors.NotFound(perrors.ReasonInstanceNotFound, "instance "+id))
		return
	}
	c.JSON(consts.StatusOK, map[string]bool{"ok": true})
}

// Heartbeat 实例心跳
// POST /api/instances/:id/heartbeat
func (h *Handler) Heartbeat(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	ok, err := h.registry.Heartbeat(ctx, id)
	instanceResult(ctx, c, id, ok, err)
}

type assignRequest struct {
	JobID string `json:"job_id"`
}

// AssignJob 记录实例当前处理的作业
// POST /api/instances/:id/assign
func (h *Handler) AssignJob(ctx context.Context, c *app.RequestContext) {
	var req assignRequest
	if err := c.BindJSON(&req); err != nil || req.JobID == "" {
		badRequest(c, "job_id is required")
		return
	}
	id := c.Param("id")
	ok, err := h.registry.AssignJob(ctx, id, req.JobID)
	instanceResult(ctx, c, id, ok, err)
}

// MarkInstanceStale 外部判定实例失联
// POST /api/instances/:id/stale
func (h *Handler) MarkInstanceStale(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	ok, err := h.registry.MarkInstanceStale(ctx, id)
	instanceResult(ctx, c, id, ok, err)
}

// Deregister 实例正常退出：先释放其条目再置为 stopped
// DELETE /api/instances/:id
func (h *Handler) Deregister(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	if _, err := h.engine.ReleaseAll(ctx, id); err != nil {
		writeError(ctx, c, err)
		return
	}
	ok, err := h.registry.Deregister(ctx, id)
	instanceResult(ctx, c, id, ok, err)
}

// ReleaseItems 释放实例持有的全部条目，不计重试
// POST /api/instances/:id/release
func (h *Handler) ReleaseItems(ctx context.Context, c *app.RequestContext) {
	n, err := h.engine.ReleaseAll(ctx, c.Param("id"))
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]int{"released": n})
}

// GetBalance 租户额度
// GET /api/tenants/:id/balance
func (h *Handler) GetBalance(ctx context.Context, c *app.RequestContext) {
	b, err := h.ledger.GetBalance(ctx, c.Param("id"))
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, b)
}

type setBalanceRequest struct {
	Total *int64 `json:"total"`
}

// SetBalance 设置租户总额度
// PUT /api/tenants/:id/balance
func (h *Handler) SetBalance(ctx context.Context, c *app.RequestContext) {
	var req setBalanceRequest
	if err := c.BindJSON(&req); err != nil || req.Total == nil || *req.Total < 0 {
		badRequest(c, "total must be a non-negative integer")
		return
	}
	b, err := h.ledger.SetBalance(ctx, c.Param("id"), *req.Total)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, b)
}

type chargeRequest struct {
	Skill string `json:"skill"`
	JobID string `json:"job_id"`
}

// ChargeSkill 附带操作扣费；余额不足返回 402
// POST /api/tenants/:id/charges
func (h *Handler) ChargeSkill(ctx context.Context, c *app.RequestContext) {
	var req chargeRequest
	if err := c.BindJSON(&req); err != nil || req.Skill == "" {
		badRequest(c, "skill is required")
		return
	}
	ok, reason, err := h.ledger.ChargeSkill(ctx, req.Skill, c.Param("id"), req.JobID)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	if !ok {
		writeError(ctx, c, perrors.Resource(perrors.ReasonInsufficientCredits, reason))
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"ok": true, "cost": h.ledger.Costs().SkillCost(req.Skill)})
}

// ListLedger 账本条目
// GET /api/tenants/:id/ledger?job_id=&limit=
func (h *Handler) ListLedger(ctx context.Context, c *app.RequestContext) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		badRequest(c, "limit must be a positive integer")
		return
	}
	entries, err := h.ledger.Entries(ctx, ledger.Filter{
		TenantID: c.Param("id"),
		JobID:    c.Query("job_id"),
		Limit:    limit,
	})
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"entries": entries, "total": len(entries)})
}

// Sweep 手动触发一轮失联回收
// POST /api/admin/sweep
func (h *Handler) Sweep(ctx context.Context, c *app.RequestContext) {
	if h.sweeper == nil {
		c.JSON(consts.StatusNotFound, map[string]string{"error": "sweeper is not configured"})
		return
	}
	res, err := h.sweeper.Sweep(ctx)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, res)
}
