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

package claim

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanout-platform/internal/job"
	"fanout-platform/internal/ledger"
)

type harness struct {
	jobs    *job.StoreMem
	lstore  *ledger.StoreMem
	ledger  *ledger.Ledger
	manager *job.Manager
	engine  *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	jobs := job.NewStoreMem()
	lstore := ledger.NewStoreMem()
	l := ledger.New(lstore, jobs, ledger.Options{Costs: ledger.Costs{Base: 5, PerItem: 2}})
	m := job.NewManager(jobs, l)
	return &harness{jobs: jobs, lstore: lstore, ledger: l, manager: m, engine: New(jobs, l, m)}
}

func (h *harness) createJob(t *testing.T, n, maxRetries int) *job.Job {
	t.Helper()
	in := make([]json.RawMessage, n)
	for i := range in {
		in[i] = json.RawMessage(fmt.Sprintf("%d", i))
	}
	j, err := h.manager.CreateJob(context.Background(), job.CreateRequest{
		Task:   "t",
		Config: job.Config{WorkerType: "echo", Parallelism: 4, MaxRetries: maxRetries, IncidentalBudget: 9},
		Items:  in,
	}, "orch", "t1")
	require.NoError(t, err)
	return j
}

// assertConservation 作业额度：spent+refunded 不超过 reserved，终态时恰好相等；
// 租户仅有这一个作业时，其 reserved 等于作业尚未结算的部分
func (h *harness) assertConservation(t *testing.T, jobID string) {
	t.Helper()
	ctx := context.Background()
	v, err := h.manager.GetJob(ctx, jobID)
	require.NoError(t, err)
	c := v.Credits
	assert.LessOrEqual(t, c.Spent+c.Refunded, c.Reserved)
	if job.IsTerminal(v.Status) {
		assert.Equal(t, c.Reserved, c.Spent+c.Refunded, "terminal job %s settles every reserved credit", v.Status)
	}
	b, err := h.ledger.GetBalance(ctx, v.TenantID)
	require.NoError(t, err)
	if !b.Unlimited {
		assert.Equal(t, c.Reserved-c.Spent-c.Refunded, b.Reserved)
		assert.Equal(t, b.Total-b.Reserved-b.Spent, b.Available)
	}
}

func TestClaim_MutualExclusion(t *testing.T) {
	h := newHarness(t)
	j := h.createJob(t, 20, 0)
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[string]string)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				c, err := h.engine.Claim(ctx, j.ID, worker)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if c == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[c.Item.ID]; dup {
					t.Errorf("item %s claimed by %s and %s", c.Item.ID, prev, worker)
				}
				seen[c.Item.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	assert.Len(t, seen, 20)
}

func TestClaim_LastItemRace(t *testing.T) {
	h := newHarness(t)
	j := h.createJob(t, 1, 0)
	ctx := context.Background()

	results := make(chan *job.Claimed, 2)
	var wg sync.WaitGroup
	for _, w := range []string{"a", "b"} {
		wg.Add(1)
		go func(w string) {
			defer wg.Done()
			c, err := h.engine.Claim(ctx, j.ID, w)
			if err != nil {
				t.Errorf("claim: %v", err)
			}
			results <- c
		}(w)
	}
	wg.Wait()
	close(results)
	won := 0
	for c := range results {
		if c != nil {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one claimant gets the last item")
}

func TestClaim_OrderAndIncidentalShare(t *testing.T) {
	h := newHarness(t)
	j := h.createJob(t, 3, 0)
	ctx := context.Background()

	for want := 0; want < 3; want++ {
		c, err := h.engine.Claim(ctx, j.ID, "w1")
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, want, c.Item.Index)
		assert.Equal(t, job.ItemClaimed, c.Item.Status)
		assert.Equal(t, "w1", c.Item.WorkerInstanceID)
		assert.Equal(t, int64(3), c.IncidentalShare)
	}
	c, err := h.engine.Claim(ctx, j.ID, "w1")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestStart_OnlyFromClaimed(t *testing.T) {
	h := newHarness(t)
	j := h.createJob(t, 1, 0)
	ctx := context.Background()
	c, _ := h.engine.Claim(ctx, j.ID, "w1")

	ok, err := h.engine.Start(ctx, c.Item.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.engine.Start(ctx, c.Item.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, _ = h.engine.Start(ctx, "item-missing")
	assert.False(t, ok)
}

func TestComplete_SpendsAndFinishesJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.ledger.SetBalance(ctx, "t1", 100)
	j := h.createJob(t, 2, 0)

	for i := 0; i < 2; i++ {
		c, err := h.engine.Claim(ctx, j.ID, "w1")
		require.NoError(t, err)
		ok, err := h.engine.Complete(ctx, c.Item.ID, json.RawMessage(`{"ok":true}`), nil)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = h.engine.Complete(ctx, c.Item.ID, nil, nil)
		require.NoError(t, err)
		assert.False(t, ok, "second completion is rejected")
	}

	v, err := h.manager.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, v.Status)
	assert.Equal(t, int64(9), v.Credits.Spent, "two items plus the base cost")

	b, _ := h.ledger.GetBalance(ctx, "t1")
	assert.Equal(t, int64(0), b.Reserved)
	assert.Equal(t, int64(9), b.Spent)
	assert.Equal(t, int64(91), b.Available)
	h.assertConservation(t, j.ID)

	entries, _ := h.ledger.Entries(ctx, ledger.Filter{JobID: j.ID})
	base := 0
	for _, e := range entries {
		if e.Operation == ledger.OpSpend && e.ItemID == "" {
			base++
			assert.Equal(t, int64(5), e.Amount)
			assert.Contains(t, string(e.Context), `"reason":"base"`)
		}
	}
	assert.Equal(t, 1, base, "base cost is settled exactly once")
}

func TestBaseCostDoesNotLeakAcrossJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.ledger.SetBalance(ctx, "t1", 21)

	for i := 0; i < 3; i++ {
		j := h.createJob(t, 1, 0)
		c, err := h.engine.Claim(ctx, j.ID, "w1")
		require.NoError(t, err)
		ok, err := h.engine.Complete(ctx, c.Item.ID, nil, nil)
		require.NoError(t, err)
		require.True(t, ok)

		b, _ := h.ledger.GetBalance(ctx, "t1")
		assert.Equal(t, int64(0), b.Reserved, "job %d", i)
		assert.Equal(t, int64(7*(i+1)), b.Spent, "job %d", i)
	}
	b, _ := h.ledger.GetBalance(ctx, "t1")
	assert.Equal(t, int64(0), b.Available)
}

func TestFail_RetryThenSucceed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.createJob(t, 1, 2)

	c, _ := h.engine.Claim(ctx, j.ID, "w1")
	ok, err := h.engine.Fail(ctx, c.Item.ID, "timeout", true)
	require.NoError(t, err)
	assert.True(t, ok)

	it, _ := h.jobs.GetItem(ctx, c.Item.ID)
	assert.Equal(t, job.ItemPending, it.Status)
	assert.Equal(t, 1, it.RetryCount)
	assert.Empty(t, it.WorkerInstanceID)
	assert.Equal(t, "timeout", it.ErrorMessage)

	c2, err := h.engine.Claim(ctx, j.ID, "w2")
	require.NoError(t, err)
	require.NotNil(t, c2)
	assert.Equal(t, c.Item.ID, c2.Item.ID)
	_, err = h.engine.Complete(ctx, c2.Item.ID, nil, nil)
	require.NoError(t, err)

	v, _ := h.manager.GetJob(ctx, j.ID)
	assert.Equal(t, job.StatusCompleted, v.Status)
	assert.Equal(t, 1, v.CompletedItems)
	assert.Equal(t, 0, v.FailedItems)
}

func TestFail_RetriesAreBoundedAndRefunded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.createJob(t, 1, 2)

	last := -1
	for attempt := 0; attempt < 3; attempt++ {
		c, err := h.engine.Claim(ctx, j.ID, "w1")
		require.NoError(t, err)
		require.NotNil(t, c, "attempt %d", attempt)
		assert.Greater(t, c.Item.RetryCount, last, "retry count never decreases")
		last = c.Item.RetryCount
		_, err = h.engine.Fail(ctx, c.Item.ID, "boom", true)
		require.NoError(t, err)
	}
	it, _ := h.jobs.ListItems(ctx, j.ID)
	require.Len(t, it, 1)
	assert.Equal(t, job.ItemFailed, it[0].Status)
	assert.Equal(t, 2, it[0].RetryCount)

	v, _ := h.manager.GetJob(ctx, j.ID)
	assert.Equal(t, job.StatusFailed, v.Status)
	assert.Equal(t, 1, v.FailedItems)
	assert.Equal(t, int64(2), v.Credits.Refunded)
	assert.Equal(t, int64(5), v.Credits.Spent)
	h.assertConservation(t, j.ID)
}

func TestReleaseAll_DoesNotCountRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.createJob(t, 3, 1)

	a, _ := h.engine.Claim(ctx, j.ID, "w1")
	b, _ := h.engine.Claim(ctx, j.ID, "w1")
	_, _ = h.engine.Start(ctx, b.Item.ID)
	other, _ := h.engine.Claim(ctx, j.ID, "w2")

	n, err := h.engine.ReleaseAll(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{a.Item.ID, b.Item.ID} {
		it, _ := h.jobs.GetItem(ctx, id)
		assert.Equal(t, job.ItemPending, it.Status)
		assert.Equal(t, 0, it.RetryCount)
		assert.Empty(t, it.WorkerInstanceID)
	}
	it, _ := h.jobs.GetItem(ctx, other.Item.ID)
	assert.Equal(t, job.ItemClaimed, it.Status)

	n, err = h.engine.ReleaseAll(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReclaim_CountsRetryAndSkipsExhausted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.createJob(t, 2, 1)

	a, _ := h.engine.Claim(ctx, j.ID, "dead")
	n, err := h.engine.Reclaim(ctx, []string{"dead"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	it, _ := h.jobs.GetItem(ctx, a.Item.ID)
	assert.Equal(t, job.ItemPending, it.Status)
	assert.Equal(t, 1, it.RetryCount)

	again, _ := h.engine.Claim(ctx, j.ID, "dead")
	require.Equal(t, a.Item.ID, again.Item.ID)
	n, err = h.engine.Reclaim(ctx, []string{"dead"})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "exhausted item is left for the fail path")
	it, _ = h.jobs.GetItem(ctx, a.Item.ID)
	assert.Equal(t, job.ItemClaimed, it.Status)
}

func TestCancelledJob_Settlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.ledger.SetBalance(ctx, "t1", 100)
	j := h.createJob(t, 4, 0)

	a, _ := h.engine.Claim(ctx, j.ID, "w1")
	b, _ := h.engine.Claim(ctx, j.ID, "w1")
	_, err := h.manager.CancelJob(ctx, j.ID, "ops", "stop")
	require.NoError(t, err)

	c, err := h.engine.Claim(ctx, j.ID, "w1")
	require.NoError(t, err)
	assert.Nil(t, c)

	ok, err := h.engine.Complete(ctx, a.Item.ID, nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.engine.Fail(ctx, b.Item.ID, "boom", false)
	require.NoError(t, err)
	assert.True(t, ok)

	v, _ := h.manager.GetJob(ctx, j.ID)
	assert.Equal(t, job.StatusCancelled, v.Status)
	assert.Equal(t, int64(5), v.Credits.Spent, "only the base cost")
	assert.Equal(t, int64(8), v.Credits.Refunded)

	bal, _ := h.ledger.GetBalance(ctx, "t1")
	assert.Equal(t, int64(0), bal.Reserved)
	assert.Equal(t, int64(95), bal.Available)
	h.assertConservation(t, j.ID)
}

func TestAuditOutageDoesNotBlockSettlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.createJob(t, 1, 0)
	h.lstore.FailAppends(fmt.Errorf("ledger unavailable"))

	c, _ := h.engine.Claim(ctx, j.ID, "w1")
	ok, err := h.engine.Complete(ctx, c.Item.ID, nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	v, _ := h.manager.GetJob(ctx, j.ID)
	assert.Equal(t, job.StatusCompleted, v.Status)
	assert.Equal(t, int64(7), v.Credits.Spent)
}

// settleRace 持有者结算与失联回收并发，返回结算是否生效与回收数量
func settleRace(t *testing.T, h *harness, settle func() (bool, error)) (bool, int) {
	t.Helper()
	var settled bool
	var reclaimed int
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		ok, err := settle()
		if err != nil {
			t.Errorf("settle: %v", err)
		}
		settled = ok
	}()
	go func() {
		defer wg.Done()
		<-start
		n, err := h.engine.Reclaim(context.Background(), []string{"w1"})
		if err != nil {
			t.Errorf("reclaim: %v", err)
		}
		reclaimed = n
	}()
	close(start)
	wg.Wait()
	return settled, reclaimed
}

func TestCompleteRacesReclaim(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 50; round++ {
		h := newHarness(t)
		_, _ = h.ledger.SetBalance(ctx, "t1", 100)
		j := h.createJob(t, 1, 1)
		c, err := h.engine.Claim(ctx, j.ID, "w1")
		require.NoError(t, err)

		settled, reclaimed := settleRace(t, h, func() (bool, error) {
			return h.engine.Complete(ctx, c.Item.ID, json.RawMessage(`"ok"`), nil)
		})
		require.NotEqual(t, settled, reclaimed == 1, "round %d: exactly one side wins", round)

		it, _ := h.jobs.GetItem(ctx, c.Item.ID)
		if settled {
			assert.Equal(t, job.ItemCompleted, it.Status)
			assert.Equal(t, 0, it.RetryCount)
		} else {
			assert.Equal(t, job.ItemPending, it.Status)
			assert.Equal(t, 1, it.RetryCount)
			assert.Empty(t, it.WorkerInstanceID)
		}
		h.assertConservation(t, j.ID)
	}
}

func TestFailRacesReclaim(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 50; round++ {
		h := newHarness(t)
		_, _ = h.ledger.SetBalance(ctx, "t1", 100)
		j := h.createJob(t, 1, 1)
		c, err := h.engine.Claim(ctx, j.ID, "w1")
		require.NoError(t, err)

		settled, reclaimed := settleRace(t, h, func() (bool, error) {
			return h.engine.Fail(ctx, c.Item.ID, "boom", false)
		})
		require.NotEqual(t, settled, reclaimed == 1, "round %d: exactly one side wins", round)

		it, _ := h.jobs.GetItem(ctx, c.Item.ID)
		if settled {
			assert.Equal(t, job.ItemFailed, it.Status)
			assert.Equal(t, 0, it.RetryCount)
		} else {
			assert.Equal(t, job.ItemPending, it.Status)
			assert.Equal(t, 1, it.RetryCount)
		}
		h.assertConservation(t, j.ID)
	}
}

func TestRelease_SingleItemWithoutRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.createJob(t, 2, 0)

	a, _ := h.engine.Claim(ctx, j.ID, "w1")
	ok, err := h.engine.Release(ctx, a.Item.ID, "w2")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = h.engine.Release(ctx, a.Item.ID, "w1")
	require.NoError(t, err)
	assert.True(t, ok)

	again, err := h.engine.Claim(ctx, j.ID, "w2")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, a.Item.ID, again.Item.ID)
	assert.Equal(t, 0, again.Item.RetryCount)
}

func TestFailExhausted_FinishesJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.ledger.SetBalance(ctx, "t1", 100)
	j := h.createJob(t, 2, 0)

	a, _ := h.engine.Claim(ctx, j.ID, "dead")
	b, _ := h.engine.Claim(ctx, j.ID, "alive")
	_, err := h.engine.Complete(ctx, b.Item.ID, nil, nil)
	require.NoError(t, err)

	n, err := h.engine.Reclaim(ctx, []string{"dead"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = h.engine.FailExhausted(ctx, []string{"dead"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	it, _ := h.jobs.GetItem(ctx, a.Item.ID)
	assert.Equal(t, job.ItemFailed, it.Status)
	assert.Contains(t, it.ErrorMessage, "dead")
	v, _ := h.manager.GetJob(ctx, j.ID)
	assert.Equal(t, job.StatusFailed, v.Status)
	h.assertConservation(t, j.ID)

	n, err = h.engine.FailExhausted(ctx, []string{"dead"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
