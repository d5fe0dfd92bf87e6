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
	"os"
	"testing"
	"time"

	"fanout-platform/internal/storage/postgres"
)

// 需设置 TEST_STORE_DSN，否则跳过
func newPgStore(t *testing.T) *StorePg {
	t.Helper()
	dsn := os.Getenv("TEST_STORE_DSN")
	if dsn == "" {
		t.Skip("TEST_STORE_DSN not set, skipping Postgres instance test")
	}
	pool, err := postgres.NewPool(context.Background(), postgres.Options{DSN: dsn, Migrate: true})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return NewStorePg(pool)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func TestStorePg_InstanceLifecycle(t *testing.T) {
	s := newPgStore(t)
	ctx := context.Background()
	id := NewInstanceID()
	old := time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)

	in, err := s.Upsert(ctx, &Instance{AgentType: "echo", InstanceID: id, Capabilities: []string{"a", "b"}, HeartbeatAt: old, CreatedAt: old})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if in.Status != StatusRunning || len(in.Capabilities) != 2 {
		t.Fatalf("instance = %+v", in)
	}
	if ok, err := s.AssignJob(ctx, id, "job-1"); err != nil || !ok {
		t.Fatalf("AssignJob = %v, %v", ok, err)
	}

	stale, err := s.MarkStale(ctx, time.Now().Add(-time.Minute))
	if err != nil || !contains(stale, id) {
		t.Fatalf("MarkStale = %v, %v", stale, err)
	}
	ids, err := s.ListIDsByStatus(ctx, StatusStale)
	if err != nil || !contains(ids, id) {
		t.Fatalf("ListIDsByStatus = %v, %v", ids, err)
	}

	// 心跳使 stale 实例恢复 running
	if ok, err := s.Heartbeat(ctx, id, time.Now()); err != nil || !ok {
		t.Fatalf("Heartbeat = %v, %v", ok, err)
	}
	got, err := s.Get(ctx, id)
	if err != nil || got.Status != StatusRunning || got.JobID != "job-1" {
		t.Fatalf("Get = %+v, %v", got, err)
	}

	if ok, err := s.Transition(ctx, id, []Status{StatusRunning, StatusIdle, StatusStale}, StatusStopped, time.Now()); err != nil || !ok {
		t.Fatalf("Transition = %v, %v", ok, err)
	}
	if ok, _ := s.Heartbeat(ctx, id, time.Now()); ok {
		t.Fatal("heartbeat applied to a stopped instance")
	}
	got, _ = s.Get(ctx, id)
	if got.CompletedAt == nil {
		t.Fatal("stopped instance has no completed_at")
	}
}

func TestStorePg_GetMissing(t *testing.T) {
	s := newPgStore(t)
	in, err := s.Get(context.Background(), "wkr-missing-"+NewInstanceID())
	if err != nil || in != nil {
		t.Fatalf("Get missing = %+v, %v", in, err)
	}
}
