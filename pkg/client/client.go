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

// Package client 控制面 HTTP 客户端，供远程 Worker 与 CLI 使用；路由与 internal/api/http 一一对应。
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"fanout-platform/internal/job"
	"fanout-platform/internal/ledger"
	"fanout-platform/internal/liveness"
	perrors "fanout-platform/pkg/errors"
)

// Options 客户端配置
type Options struct {
	BaseURL  string
	Token    string // 非空时以 Bearer 方式携带 JWT
	TenantID string // 未启用鉴权时通过 X-Tenant-ID 传递
	Role     string
	Timeout  time.Duration
	Retries  int
}

// Client 控制面客户端
type Client struct {
	http *resty.Client
}

// errorBody 服务端错误响应
type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

type completeBody struct {
	Output   json.RawMessage `json:"output,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type failBody struct {
	Error    string          `json:"error"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Retry    bool            `json:"retry"`
}

// New 创建客户端
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:8080"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	rc := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json")
	if opts.Token != "" {
		rc.SetAuthToken(opts.Token)
	}
	if opts.TenantID != "" {
		rc.SetHeader("X-Tenant-ID", opts.TenantID)
	}
	if opts.Role != "" {
		rc.SetHeader("X-Role", opts.Role)
	}
	if opts.Retries > 0 {
		// 仅对连接错误与 5xx 重试；4xx 为确定性结果
		rc.SetRetryCount(opts.Retries).
			SetRetryWaitTime(200 * time.Millisecond).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= http.StatusInternalServerError
			})
	}
	return &Client{http: rc}
}

// do 发送请求；4xx/5xx 转换为带分类的错误
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (*resty.Response, error) {
	req := c.http.R().SetContext(ctx).SetError(&errorBody{})
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return resp, toError(method, path, resp)
	}
	return resp, nil
}

func toError(method, path string, resp *resty.Response) error {
	eb, _ := resp.Error().(*errorBody)
	if eb == nil {
		eb = &errorBody{}
	}
	msg := eb.Error
	if msg == "" {
		msg = resp.String()
	}
	kind := perrors.Kind(eb.Kind)
	if kind == "" {
		kind = kindForStatus(resp.StatusCode())
	}
	return &perrors.Error{
		Kind:   kind,
		Reason: eb.Reason,
		Msg:    fmt.Sprintf("%s %s: %d %s", method, path, resp.StatusCode(), msg),
	}
}

func kindForStatus(status int) perrors.Kind {
	switch status {
	case http.StatusBadRequest:
		return perrors.KindValidation
	case http.StatusPaymentRequired:
		return perrors.KindResource
	case http.StatusUnauthorized, http.StatusForbidden:
		return perrors.KindForbidden
	case http.StatusNotFound:
		return perrors.KindNotFound
	case http.StatusConflict:
		return perrors.KindConflict
	}
	return perrors.KindInternal
}

// transition 条目/实例状态迁移：409 与 404 视为前置条件不满足，返回 false
func (c *Client) transition(ctx context.Context, path string, body interface{}) (bool, error) {
	_, err := c.do(ctx, http.MethodPost, path, body, nil)
	switch perrors.KindOf(err) {
	case "":
		return true, nil
	case perrors.KindConflict, perrors.KindNotFound:
		return false, nil
	}
	return false, err
}

// Health GET /api/health
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/api/health", nil, nil)
	return err
}

// CreateJob POST /api/jobs；orchestratorID 为空时由服务端取调用方身份
func (c *Client) CreateJob(ctx context.Context, req job.CreateRequest, orchestratorID string) (*job.Job, error) {
	var out job.Job
	r := c.http.R().SetContext(ctx).SetError(&errorBody{}).SetBody(req).SetResult(&out)
	if orchestratorID != "" {
		r.SetHeader("X-Orchestrator-ID", orchestratorID)
	}
	resp, err := r.Post("/api/jobs")
	if err != nil {
		return nil, fmt.Errorf("POST /api/jobs: %w", err)
	}
	if resp.IsError() {
		return nil, toError(http.MethodPost, "/api/jobs", resp)
	}
	return &out, nil
}

// GetJob GET /api/jobs/:id
func (c *Client) GetJob(ctx context.Context, jobID string) (*job.View, error) {
	var out job.View
	if _, err := c.do(ctx, http.MethodGet, "/api/jobs/"+jobID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListJobs GET /api/jobs；tenantID 非空时覆盖默认租户头
func (c *Client) ListJobs(ctx context.Context, tenantID string, status job.JobStatus) ([]*job.Job, error) {
	var out struct {
		Jobs []*job.Job `json:"jobs"`
	}
	r := c.http.R().SetContext(ctx).SetError(&errorBody{}).SetResult(&out)
	if tenantID != "" {
		r.SetHeader("X-Tenant-ID", tenantID)
	}
	if status != "" {
		r.SetQueryParam("status", string(status))
	}
	resp, err := r.Get("/api/jobs")
	if err != nil {
		return nil, fmt.Errorf("GET /api/jobs: %w", err)
	}
	if resp.IsError() {
		return nil, toError(http.MethodGet, "/api/jobs", resp)
	}
	return out.Jobs, nil
}

// ListItems GET /api/jobs/:id/items
func (c *Client) ListItems(ctx context.Context, jobID string) ([]*job.Item, error) {
	var out struct {
		Items []*job.Item `json:"items"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/jobs/"+jobID+"/items", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// CancelJob POST /api/jobs/:id/cancel
func (c *Client) CancelJob(ctx context.Context, jobID, reason string) (*job.Cancellation, error) {
	var out job.Cancellation
	if _, err := c.do(ctx, http.MethodPost, "/api/jobs/"+jobID+"/cancel", map[string]string{"reason": reason}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Claim POST /api/jobs/:id/claim；无可领取条目时返回 nil, nil
func (c *Client) Claim(ctx context.Context, jobID, instanceID string) (*job.Claimed, error) {
	var out job.Claimed
	resp, err := c.do(ctx, http.MethodPost, "/api/jobs/"+jobID+"/claim", map[string]string{"instance_id": instanceID}, &out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNoContent || out.Item == nil {
		return nil, nil
	}
	return &out, nil
}

// Start POST /api/items/:id/start
func (c *Client) Start(ctx context.Context, itemID string) (bool, error) {
	return c.transition(ctx, "/api/items/"+itemID+"/start", nil)
}

// Complete POST /api/items/:id/complete
func (c *Client) Complete(ctx context.Context, itemID string, output, metadata json.RawMessage) (bool, error) {
	return c.transition(ctx, "/api/items/"+itemID+"/complete", completeBody{Output: output, Metadata: metadata})
}

// FailWithMetadata POST /api/items/:id/fail
func (c *Client) FailWithMetadata(ctx context.Context, itemID, errMsg string, metadata json.RawMessage, retryAllowed bool) (bool, error) {
	return c.transition(ctx, "/api/items/"+itemID+"/fail", failBody{Error: errMsg, Metadata: metadata, Retry: retryAllowed})
}

// Release POST /api/items/:id/release；条目已不由 instanceID 持有时返回 false
func (c *Client) Release(ctx context.Context, itemID, instanceID string) (bool, error) {
	return c.transition(ctx, "/api/items/"+itemID+"/release", map[string]string{"instance_id": instanceID})
}

// Register POST /api/instances
func (c *Client) Register(ctx context.Context, req liveness.RegisterRequest) (string, error) {
	var out struct {
		InstanceID string `json:"instance_id"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/instances", req, &out); err != nil {
		return "", err
	}
	return out.InstanceID, nil
}

// Heartbeat POST /api/instances/:id/heartbeat；实例不存在时返回 false
func (c *Client) Heartbeat(ctx context.Context, instanceID string) (bool, error) {
	return c.transition(ctx, "/api/instances/"+instanceID+"/heartbeat", nil)
}

// AssignJob POST /api/instances/:id/assign
func (c *Client) AssignJob(ctx context.Context, instanceID, jobID string) (bool, error) {
	return c.transition(ctx, "/api/instances/"+instanceID+"/assign", map[string]string{"job_id": jobID})
}

// MarkStale POST /api/instances/:id/stale
func (c *Client) MarkStale(ctx context.Context, instanceID string) (bool, error) {
	return c.transition(ctx, "/api/instances/"+instanceID+"/stale", nil)
}

// ReleaseAll POST /api/instances/:id/release
func (c *Client) ReleaseAll(ctx context.Context, instanceID string) (int, error) {
	var out struct {
		Released int `json:"released"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/instances/"+instanceID+"/release", nil, &out); err != nil {
		return 0, err
	}
	return out.Released, nil
}

// Deregister DELETE /api/instances/:id（服务端先释放条目）
func (c *Client) Deregister(ctx context.Context, instanceID string) (bool, error) {
	_, err := c.do(ctx, http.MethodDelete, "/api/instances/"+instanceID, nil, nil)
	if perrors.IsKind(err, perrors.KindNotFound) {
		return false, nil
	}
	return err == nil, err
}

// GetBalance GET /api/tenants/:id/balance
func (c *Client) GetBalance(ctx context.Context, tenantID string) (*ledger.Balance, error) {
	var out ledger.Balance
	if _, err := c.do(ctx, http.MethodGet, "/api/tenants/"+tenantID+"/balance", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetBalance PUT /api/tenants/:id/balance
func (c *Client) SetBalance(ctx context.Context, tenantID string, total int64) (*ledger.Balance, error) {
	var out ledger.Balance
	if _, err := c.do(ctx, http.MethodPut, "/api/tenants/"+tenantID+"/balance", map[string]int64{"total": total}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChargeSkill POST /api/tenants/:id/charges；额度不足时返回 resource 错误
func (c *Client) ChargeSkill(ctx context.Context, tenantID, skill, jobID string) (int64, error) {
	var out struct {
		Cost int64 `json:"cost"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/tenants/"+tenantID+"/charges", map[string]string{"skill": skill, "job_id": jobID}, &out); err != nil {
		return 0, err
	}
	return out.Cost, nil
}

// Ledger GET /api/tenants/:id/ledger
func (c *Client) Ledger(ctx context.Context, tenantID, jobID string, limit int) ([]*ledger.Entry, error) {
	var out struct {
		Entries []*ledger.Entry `json:"entries"`
	}
	r := c.http.R().SetContext(ctx).SetError(&errorBody{}).SetResult(&out)
	if jobID != "" {
		r.SetQueryParam("job_id", jobID)
	}
	if limit > 0 {
		r.SetQueryParam("limit", strconv.Itoa(limit))
	}
	path := "/api/tenants/" + tenantID + "/ledger"
	resp, err := r.Get(path)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.IsError() {
		return nil, toError(http.MethodGet, path, resp)
	}
	return out.Entries, nil
}

// SweepResult 一轮回收结果
type SweepResult struct {
	Stale     int `json:"stale"`
	Reclaimed int `json:"reclaimed"`
	Failed    int `json:"failed"`
	Finished  int `json:"finished"`
}

// Sweep POST /api/admin/sweep
func (c *Client) Sweep(ctx context.Context) (*SweepResult, error) {
	var out SweepResult
	if _, err := c.do(ctx, http.MethodPost, "/api/admin/sweep", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
