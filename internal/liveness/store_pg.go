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

package liveness

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StorePg Postgres 实现：instances 表
type StorePg struct {
	pool *pgxpool.Pool
}

// NewStorePg 创建 Postgres 实例存储
func NewStorePg(pool *pgxpool.Pool) *StorePg {
	return &StorePg{pool: pool}
}

const instanceColumns = `id, agent_id, instance_id, COALESCE(job_id, ''), status, capabilities, heartbeat_at, created_at, completed_at`

func capsToPg(caps []string) interface{} {
	if len(caps) == 0 {
		return nil
	}
	return strings.Join(caps, ",")
}

func pgToCaps(s *string) []string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	parts := strings.Split(*s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func scanInstance(row pgx.Row) (*Instance, error) {
	var in Instance
	var status string
	var caps *string
	if err := row.Scan(&in.ID, &in.AgentType, &in.InstanceID, &in.JobID, &status, &caps,
		&in.HeartbeatAt, &in.CreatedAt, &in.CompletedAt); err != nil {
		return nil, err
	}
	in.Status = Status(status)
	in.Capabilities = pgToCaps(caps)
	return &in, nil
}

func (s *StorePg) Upsert(ctx context.Context, inst *Instance) (*Instance, error) {
	id := inst.ID
	if id == "" {
		id = uuid.New().String()
	}
	return scanInstance(s.pool.QueryRow(ctx,
		`INSERT INTO instances (id, agent_id, instance_id, job_id, status, capabilities, heartbeat_at, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), 'running', $5, $6, $7)
		 ON CONFLICT (instance_id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id, job_id = EXCLUDED.job_id, capabilities = EXCLUDED.capabilities,
			heartbeat_at = EXCLUDED.heartbeat_at, status = 'running', completed_at = NULL
		 RETURNING `+instanceColumns,
		id, inst.AgentType, inst.InstanceID, inst.JobID, capsToPg(inst.Capabilities), inst.HeartbeatAt, inst.CreatedAt))
}

func (s *StorePg) Get(ctx context.Context, instanceID string) (*Instance, error) {
	in, err := scanInstance(s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE instance_id = $1`, instanceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return in, err
}

func (s *StorePg) List(ctx context.Context, status Status) ([]*Instance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE ($1 = '' OR status = $1) ORDER BY instance_id`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, in)
	}
	return list, rows.Err()
}

func (s *StorePg) Heartbeat(ctx context.Context, instanceID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE instances SET heartbeat_at = $2,
			status = CASE WHEN status = 'stale' THEN 'running' ELSE status END
		 WHERE instance_id = $1 AND status <> 'stopped'`, instanceID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *StorePg) Transition(ctx context.Context, instanceID string, from []Status, to Status, now time.Time) (bool, error) {
	froms := make([]string, len(from))
	for i, f := range from {
		froms[i] = string(f)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE instances SET status = $3,
			completed_at = CASE WHEN $3 = 'stopped' THEN $4 ELSE completed_at END
		 WHERE instance_id = $1 AND status = ANY($2)`, instanceID, froms, string(to), now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *StorePg) AssignJob(ctx context.Context, instanceID, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE instances SET job_id = NULLIF($2, ''),
			status = CASE WHEN $2 = '' THEN 'idle' ELSE 'running' END
		 WHERE instance_id = $1 AND status IN ('running', 'idle')`, instanceID, jobID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *StorePg) MarkStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE instances SET status = 'stale' WHERE status = 'running' AND heartbeat_at < $1 RETURNING instance_id`, cutoff)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *StorePg) ListIDsByStatus(ctx context.Context, status Status) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT instance_id FROM instances WHERE status = $1 ORDER BY instance_id`, string(status))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
