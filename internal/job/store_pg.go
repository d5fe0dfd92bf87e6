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

package job

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StorePg Postgres 实现：jobs / job_items / job_cancellations 表，API 与 Worker 共享。
// 领取使用 FOR UPDATE SKIP LOCKED；同时涉及作业与条目的迁移先锁作业行再锁条目行。
type StorePg struct {
	pool *pgxpool.Pool
}

// NewStorePg 基于已建立的连接池创建 Store（schema 由 storage/postgres 迁移）
func NewStorePg(pool *pgxpool.Pool) *StorePg {
	return &StorePg{pool: pool}
}

const jobColumns = `id, tenant_id, orchestrator_instance_id, task, config, status, total_items, completed_items, failed_items,
	credits_reserved, credits_spent, credits_refunded, created_at, started_at, completed_at`

const itemColumns = `id, job_id, item_index, input, output, metadata, worker_instance_id, status,
	claimed_at, completed_at, retry_count, max_retries, error_message`

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(r json.RawMessage) interface{} {
	if len(r) == 0 {
		return nil
	}
	return []byte(r)
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var orchestrator *string
	var config []byte
	var status string
	err := row.Scan(&j.ID, &j.TenantID, &orchestrator, &j.Task, &config, &status,
		&j.TotalItems, &j.CompletedItems, &j.FailedItems,
		&j.Credits.Reserved, &j.Credits.Spent, &j.Credits.Refunded,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	if orchestrator != nil {
		j.OrchestratorID = *orchestrator
	}
	j.Status = JobStatus(status)
	if len(config) > 0 {
		if err := json.Unmarshal(config, &j.Config); err != nil {
			return nil, err
		}
	}
	return &j, nil
}

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	var input, output, metadata []byte
	var owner, errMsg *string
	var status string
	err := row.Scan(&it.ID, &it.JobID, &it.Index, &input, &output, &metadata, &owner, &status,
		&it.ClaimedAt, &it.CompletedAt, &it.RetryCount, &it.MaxRetries, &errMsg)
	if err != nil {
		return nil, err
	}
	it.Input = input
	it.Output = output
	it.Metadata = metadata
	if owner != nil {
		it.WorkerInstanceID = *owner
	}
	if errMsg != nil {
		it.ErrorMessage = *errMsg
	}
	it.Status = ItemStatus(status)
	return &it, nil
}

func (s *StorePg) CreateJobWithItems(ctx context.Context, j *Job, items []*Item) error {
	if j == nil || j.ID == "" {
		return errors.New("job id is required")
	}
	config, err := json.Marshal(j.Config)
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	_, err = tx.Exec(ctx,
		`INSERT INTO jobs (id, tenant_id, orchestrator_instance_id, task, config, status, total_items, completed_items, failed_items,
			credits_reserved, credits_spent, credits_refunded, created_at, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, $8, 0, 0, $9, $10)`,
		j.ID, j.TenantID, nullStr(j.OrchestratorID), j.Task, config, string(j.Status), j.TotalItems,
		j.Credits.Reserved, j.CreatedAt, j.StartedAt)
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(
			`INSERT INTO job_items (id, job_id, item_index, input, status, retry_count, max_retries)
			 VALUES ($1, $2, $3, $4, $5, 0, $6)`,
			it.ID, j.ID, it.Index, nullJSON(it.Input), string(it.Status), it.MaxRetries)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *StorePg) GetJob(ctx context.Context, jobID string) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (s *StorePg) ListJobs(ctx context.Context, tenantID string, status JobStatus) ([]*Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE ($1 = '' OR tenant_id = $1) AND ($2 = '' OR status = $2)
		 ORDER BY created_at`, tenantID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

func (s *StorePg) GetItem(ctx context.Context, itemID string) (*Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM job_items WHERE id = $1`, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return it, err
}

func (s *StorePg) ListItems(ctx context.Context, jobID string) ([]*Item, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+itemColumns+` FROM job_items WHERE job_id = $1 ORDER BY item_index`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, it)
	}
	return list, rows.Err()
}

func (s *StorePg) CountItems(ctx context.Context, jobID string) (map[ItemStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM job_items WHERE job_id = $1 GROUP BY status`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[ItemStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[ItemStatus(status)] = n
	}
	return counts, rows.Err()
}

// ClaimNext 子查询锁定 index 最小且未被其他事务锁住的 pending 行，被锁行直接跳过不等待
func (s *StorePg) ClaimNext(ctx context.Context, jobID, instanceID string, now time.Time) (*Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx,
		`UPDATE job_items SET status = 'claimed', worker_instance_id = $2, claimed_at = $3
		 WHERE id = (
			SELECT i.id FROM job_items i JOIN jobs j ON j.id = i.job_id
			WHERE i.job_id = $1 AND i.status = 'pending' AND j.status = 'running'
			ORDER BY i.item_index
			LIMIT 1
			FOR UPDATE OF i SKIP LOCKED
		 ) AND status = 'pending'
		 RETURNING `+itemColumns,
		jobID, instanceID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return it, err
}

func (s *StorePg) StartItem(ctx context.Context, itemID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE job_items SET status = 'running' WHERE id = $1 AND status = 'claimed'`, itemID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// lockForSettle 按作业行、条目行的顺序加锁并返回两者；条目不存在返回 nil
func (s *StorePg) lockForSettle(ctx context.Context, tx pgx.Tx, itemID string) (*Job, *Item, error) {
	j, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = (SELECT job_id FROM job_items WHERE id = $1) FOR UPDATE`, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	it, err := scanItem(tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM job_items WHERE id = $1 FOR UPDATE`, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return j, it, nil
}

func (s *StorePg) CompleteItem(ctx context.Context, itemID string, output, metadata json.RawMessage, now time.Time) (*Settlement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	j, it, err := s.lockForSettle(ctx, tx, itemID)
	if err != nil || it == nil || !CanSettle(it.Status) {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE job_items SET status = 'completed', output = $2, metadata = $3, completed_at = $4 WHERE id = $1`,
		itemID, nullJSON(output), nullJSON(metadata), now); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET completed_items = completed_items + 1 WHERE id = $1`, j.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	it.Status = ItemCompleted
	it.Output = output
	it.Metadata = metadata
	t := now
	it.CompletedAt = &t
	return &Settlement{Item: it, TenantID: j.TenantID, Outcome: OutcomeCompleted, Billable: Billable(j.Status)}, nil
}

func (s *StorePg) FailItem(ctx context.Context, itemID, errMsg string, metadata json.RawMessage, retryRequested bool, now time.Time) (*Settlement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	j, it, err := s.lockForSettle(ctx, tx, itemID)
	if err != nil || it == nil || !CanSettle(it.Status) {
		return nil, err
	}
	target, outcome := DecideFailure(j.Status, it, retryRequested)
	if metadata != nil {
		it.Metadata = metadata
	}
	it.Status = target
	it.ErrorMessage = errMsg
	it.WorkerInstanceID = ""
	switch outcome {
	case OutcomeRetried:
		it.RetryCount++
		it.ClaimedAt = nil
	case OutcomeFailed:
		t := now
		it.CompletedAt = &t
	}
	if _, err := tx.Exec(ctx,
		`UPDATE job_items SET status = $2, error_message = $3, metadata = $4, worker_instance_id = NULL,
			retry_count = $5, claimed_at = $6, completed_at = $7
		 WHERE id = $1`,
		itemID, string(it.Status), nullStr(errMsg), nullJSON(it.Metadata), it.RetryCount, it.ClaimedAt, it.CompletedAt); err != nil {
		return nil, err
	}
	if outcome == OutcomeFailed {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET failed_items = failed_items + 1 WHERE id = $1`, j.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &Settlement{Item: it, TenantID: j.TenantID, Outcome: outcome, Billable: Billable(j.Status)}, nil
}

// releaseOwned 释放 owners 持有的条目；作业行先以 FOR SHARE 锁定，与取消互斥
func (s *StorePg) releaseOwned(ctx context.Context, owners []string, reclaim bool) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx,
		`SELECT id FROM jobs WHERE id IN (
			SELECT DISTINCT job_id FROM job_items WHERE worker_instance_id = ANY($1) AND status IN ('claimed', 'running')
		 ) ORDER BY id FOR SHARE`, owners); err != nil {
		return 0, err
	}
	query := `UPDATE job_items i
		SET status = CASE WHEN j.status = 'cancelled' THEN 'cancelled' ELSE 'pending' END,
			worker_instance_id = NULL, claimed_at = NULL`
	if reclaim {
		query += `, retry_count = i.retry_count + 1
		FROM jobs j
		WHERE j.id = i.job_id AND i.worker_instance_id = ANY($1) AND i.status IN ('claimed', 'running')
			AND i.retry_count < i.max_retries`
	} else {
		query += `
		FROM jobs j
		WHERE j.id = i.job_id AND i.worker_instance_id = ANY($1) AND i.status IN ('claimed', 'running')`
	}
	tag, err := tx.Exec(ctx, query, owners)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *StorePg) ReleaseByOwner(ctx context.Context, instanceID string) (int, error) {
	if instanceID == "" {
		return 0, nil
	}
	return s.releaseOwned(ctx, []string{instanceID}, false)
}

func (s *StorePg) ReleaseItem(ctx context.Context, itemID, instanceID string) (bool, error) {
	if instanceID == "" {
		return false, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	j, it, err := s.lockForSettle(ctx, tx, itemID)
	if err != nil || it == nil || it.WorkerInstanceID != instanceID || !CanSettle(it.Status) {
		return false, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE job_items SET status = $2, worker_instance_id = NULL, claimed_at = NULL WHERE id = $1`,
		itemID, string(ReleaseTarget(j.Status))); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *StorePg) ListOwnedItems(ctx context.Context, instanceIDs []string) ([]*Item, error) {
	if len(instanceIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM job_items
		 WHERE worker_instance_id = ANY($1) AND status IN ('claimed', 'running')
		 ORDER BY job_id, item_index`, instanceIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, it)
	}
	return list, rows.Err()
}

func (s *StorePg) ReclaimFromOwners(ctx context.Context, instanceIDs []string) (int, error) {
	if len(instanceIDs) == 0 {
		return 0, nil
	}
	return s.releaseOwned(ctx, instanceIDs, true)
}

func (s *StorePg) FinalizeJob(ctx context.Context, jobID string, now time.Time) (*Job, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if IsTerminal(j.Status) {
		return j, false, nil
	}
	final, done := FinalStatus(j)
	if !done {
		return j, false, nil
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET status = $2, completed_at = $3 WHERE id = $1`, jobID, string(final), now); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	j.Status = final
	t := now
	j.CompletedAt = &t
	return j, true, nil
}

func (s *StorePg) CancelJob(ctx context.Context, jobID, actor, reason string, perItemCost int64, now time.Time) (*Cancellation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !CanCancel(j.Status) {
		return nil, &ErrJobNotRunning{Status: j.Status}
	}
	toCancel := ItemsToCancel(j)
	c := &Cancellation{
		JobID:           jobID,
		CancelledBy:     actor,
		Reason:          reason,
		ItemsCompleted:  j.CompletedItems,
		ItemsCancelled:  toCancel,
		CreditsRefunded: int64(toCancel) * perItemCost,
		CreatedAt:       now,
	}
	if _, err := tx.Exec(ctx, `UPDATE job_items SET status = 'cancelled' WHERE job_id = $1 AND status = 'pending'`, jobID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET status = 'cancelled', completed_at = $2 WHERE id = $1`, jobID, now); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO job_cancellations (job_id, cancelled_by, reason, items_completed, items_cancelled, credits_refunded, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.JobID, c.CancelledBy, c.Reason, c.ItemsCompleted, c.ItemsCancelled, c.CreditsRefunded, c.CreatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *StorePg) GetCancellation(ctx context.Context, jobID string) (*Cancellation, error) {
	var c Cancellation
	err := s.pool.QueryRow(ctx,
		`SELECT job_id, cancelled_by, reason, items_completed, items_cancelled, credits_refunded, created_at
		 FROM job_cancellations WHERE job_id = $1`, jobID).
		Scan(&c.JobID, &c.CancelledBy, &c.Reason, &c.ItemsCompleted, &c.ItemsCancelled, &c.CreditsRefunded, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *StorePg) AddCredits(ctx context.Context, jobID string, spent, refunded int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET credits_spent = credits_spent + $2, credits_refunded = credits_refunded + $3 WHERE id = $1`,
		jobID, spent, refunded)
	return err
}
