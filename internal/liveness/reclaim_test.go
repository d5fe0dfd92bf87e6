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

package liveness_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanout-platform/internal/claim"
	"fanout-platform/internal/job"
	"fanout-platform/internal/ledger"
	"fanout-platform/internal/liveness"
)

// 失联实例持有的条目被回收后由其他实例完成
func TestStaleInstanceItemsAreReclaimed(t *testing.T) {
	ctx := context.Background()
	jobs := job.NewStoreMem()
	l := ledger.New(ledger.NewStoreMem(), jobs, ledger.Options{Costs: ledger.Costs{PerItem: 1}})
	m := job.NewManager(jobs, l)
	engine := claim.New(jobs, l, m)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	reg := liveness.NewRegistry(liveness.NewStoreMem(), engine, liveness.WithClock(clock))

	j, err := m.CreateJob(ctx, job.CreateRequest{
		Config: job.Config{WorkerType: "echo", Parallelism: 2, MaxRetries: 1},
		Items:  []json.RawMessage{json.RawMessage(`1`), json.RawMessage(`2`)},
	}, "", "t1")
	require.NoError(t, err)

	_, err = reg.Register(ctx, liveness.RegisterRequest{AgentType: "echo", InstanceID: "w1", JobID: j.ID})
	require.NoError(t, err)
	c, err := engine.Claim(ctx, j.ID, "w1")
	require.NoError(t, err)
	_, err = engine.Start(ctx, c.Item.ID)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	n, err := reg.MarkStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reclaimed, err := reg.ReclaimStaleItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
	again, err := reg.ReclaimStaleItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again)

	it, _ := jobs.GetItem(ctx, c.Item.ID)
	assert.Equal(t, job.ItemPending, it.Status)
	assert.Equal(t, 1, it.RetryCount)

	_, err = reg.Register(ctx, liveness.RegisterRequest{AgentType: "echo", InstanceID: "w2", JobID: j.ID})
	require.NoError(t, err)
	for {
		c, err := engine.Claim(ctx, j.ID, "w2")
		require.NoError(t, err)
		if c == nil {
			break
		}
		_, err = engine.Complete(ctx, c.Item.ID, nil, nil)
		require.NoError(t, err)
	}
	v, err := m.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, v.Status)
	assert.Equal(t, 2, v.CompletedItems)
}
