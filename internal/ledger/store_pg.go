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

package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StorePg Postgres 账本：tenant_credits 与 credit_ledger 表
type StorePg struct {
	pool *pgxpool.Pool
}

// NewStorePg 创建 Postgres 账本
func NewStorePg(pool *pgxpool.Pool) *StorePg {
	return &StorePg{pool: pool}
}

func (s *StorePg) GetBalance(ctx context.Context, tenantID string) (*Balance, error) {
	b := Balance{TenantID: tenantID}
	err := s.pool.QueryRow(ctx,
		`SELECT total, reserved, spent FROM tenant_credits WHERE tenant_id = $1`, tenantID).
		Scan(&b.Total, &b.Reserved, &b.Spent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *StorePg) SetBalance(ctx context.Context, tenantID string, total int64) (*Balance, error) {
	b := Balance{TenantID: tenantID}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tenant_credits (tenant_id, total, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (tenant_id) DO UPDATE SET total = EXCLUDED.total, updated_at = now()
		 RETURNING total, reserved, spent`, tenantID, total).
		Scan(&b.Total, &b.Reserved, &b.Spent)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *StorePg) Append(ctx context.Context, e *Entry, d Delta) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_ledger (id, job_id, item_id, tenant_id, operation, skill, amount, context, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, nullStr(e.JobID), nullStr(e.ItemID), e.TenantID, string(e.Operation), nullStr(e.Skill), e.Amount, nullJSON(e.Context), createdAt); err != nil {
		return err
	}
	if d.Reserved != 0 || d.Spent != 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE tenant_credits SET reserved = reserved + $2, spent = spent + $3, updated_at = now() WHERE tenant_id = $1`,
			e.TenantID, d.Reserved, d.Spent); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *StorePg) ListEntries(ctx context.Context, f Filter) ([]*Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, item_id, tenant_id, operation, skill, amount, context, created_at FROM credit_ledger
		 WHERE ($1 = '' OR tenant_id = $1) AND ($2 = '' OR job_id = $2)
		 ORDER BY created_at LIMIT $3`, f.TenantID, f.JobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Entry
	for rows.Next() {
		var e Entry
		var jobID, itemID, skill *string
		var op string
		var raw []byte
		if err := rows.Scan(&e.ID, &jobID, &itemID, &e.TenantID, &op, &skill, &e.Amount, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		if jobID != nil {
			e.JobID = *jobID
		}
		if itemID != nil {
			e.ItemID = *itemID
		}
		if skill != nil {
			e.Skill = *skill
		}
		e.Operation = Operation(op)
		e.Context = raw
		list = append(list, &e)
	}
	return list, rows.Err()
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
