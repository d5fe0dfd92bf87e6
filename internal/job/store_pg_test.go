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
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanout-platform/internal/storage/postgres"
)

// 需设置 TEST_STORE_DSN（如 postgres://localhost/fanout_test），否则跳过
func newPgStore(t *testing.T) *StorePg {
	t.Helper()
	dsn := os.Getenv("TEST_STORE_DSN")
	if dsn == "" {
		t.Skip("TEST_STORE_DSN not set, skipping Postgres store test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, postgres.Options{DSN: dsn, Migrate: true})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewStorePg(pool)
}

func seedJob(t *testing.T, s Store, n, maxRetries int) *Job {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	j := &Job{
		ID:         "job-" + uuid.New().String(),
		TenantID:   "t-" + uuid.New().String(),
		Config:     Config{WorkerType: "echo", Parallelism: 2, MaxRetries: maxRetries},
		Status:     StatusRunning,
		TotalItems: n,
		Credits:    Credits{Reserved: int64(n) * 2},
		CreatedAt:  now,
		StartedAt:  now,
	}
	list := make([]*Item, n)
	for i := range list {
		list[i] = &Item{
			ID:         "item-" + uuid.New().String(),
			JobID:      j.ID,
			Index:      i,
			Input:      json.RawMessage(`{"v":1}`),
			Status:     ItemPending,
			MaxRetries: maxRetries,
		}
	}
	require.NoError(t, s.CreateJobWithItems(context.Background(), j, list))
	return j
}

func TestStorePg_ConcurrentClaimsAreExclusive(t *testing.T) {
	s := newPgStore(t)
	j := seedJob(t, s, 10, 0)
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				it, err := s.ClaimNext(ctx, j.ID, worker, time.Now())
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if it == nil {
					return
				}
				mu.Lock()
				if seen[it.ID] {
					t.Errorf("item %s claimed twice", it.ID)
				}
				seen[it.ID] = true
				mu.Unlock()
			}
		}(uuid.New().String())
	}
	wg.Wait()
	assert.Len(t, seen, 10)
}

func TestStorePg_SettleAndFinalize(t *testing.T) {
	s := newPgStore(t)
	j := seedJob(t, s, 2, 1)
	ctx := context.Background()
	owner := "w-" + uuid.New().String()

	a, err := s.ClaimNext(ctx, j.ID, owner, time.Now())
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, 0, a.Index)

	ok, err := s.StartItem(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := s.FailItem(ctx, a.ID, "flaky", nil, true, time.Now())
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, OutcomeRetried, st.Outcome)
	assert.Equal(t, 1, st.Item.RetryCount)

	for i := 0; i < 2; i++ {
		it, err := s.ClaimNext(ctx, j.ID, owner, time.Now())
		require.NoError(t, err)
		require.NotNil(t, it)
		st, err := s.CompleteItem(ctx, it.ID, json.RawMessage(`"done"`), nil, time.Now())
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.True(t, st.Billable)
	}
	again, err := s.CompleteItem(ctx, a.ID, nil, nil, time.Now())
	require.NoError(t, err)
	assert.Nil(t, again)

	fj, transitioned, err := s.FinalizeJob(ctx, j.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, StatusCompleted, fj.Status)
	_, transitioned, err = s.FinalizeJob(ctx, j.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, transitioned)
}

func TestStorePg_ReleaseReclaimAndCancel(t *testing.T) {
	s := newPgStore(t)
	j := seedJob(t, s, 3, 1)
	ctx := context.Background()
	w1, w2 := "w-"+uuid.New().String(), "w-"+uuid.New().String()

	a, _ := s.ClaimNext(ctx, j.ID, w1, time.Now())
	b, _ := s.ClaimNext(ctx, j.ID, w2, time.Now())

	n, err := s.ReleaseByOwner(ctx, w1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ := s.GetItem(ctx, a.ID)
	assert.Equal(t, ItemPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	n, err = s.ReclaimFromOwners(ctx, []string{w2})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ = s.GetItem(ctx, b.ID)
	assert.Equal(t, 1, got.RetryCount)

	c, err := s.CancelJob(ctx, j.ID, "ops", "test", 2, time.Now())
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 3, c.ItemsCancelled)
	assert.Equal(t, int64(6), c.CreditsRefunded)

	_, err = s.CancelJob(ctx, j.ID, "ops", "again", 2, time.Now())
	var notRunning *ErrJobNotRunning
	assert.ErrorAs(t, err, &notRunning)

	counts, err := s.CountItems(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[ItemCancelled])

	rec, err := s.GetCancellation(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "ops", rec.CancelledBy)

	require.NoError(t, s.AddCredits(ctx, j.ID, 0, 6))
	fj, _ := s.GetJob(ctx, j.ID)
	assert.Equal(t, int64(6), fj.Credits.Refunded)
}

// checkSettleRace complete/fail 与 reclaim 并发作用于同一条目时只有一方生效
func checkSettleRace(t *testing.T, s Store, fail bool) {
	t.Helper()
	ctx := context.Background()
	for round := 0; round < 20; round++ {
		j := seedJob(t, s, 1, 1)
		owner := "w-" + uuid.New().String()
		it, err := s.ClaimNext(ctx, j.ID, owner, time.Now())
		require.NoError(t, err)
		require.NotNil(t, it)

		var settled bool
		var reclaimed int
		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			var st *Settlement
			var err error
			if fail {
				st, err = s.FailItem(ctx, it.ID, "boom", nil, false, time.Now())
			} else {
				st, err = s.CompleteItem(ctx, it.ID, json.RawMessage(`"ok"`), nil, time.Now())
			}
			if err != nil {
				t.Errorf("settle: %v", err)
			}
			settled = st != nil
		}()
		go func() {
			defer wg.Done()
			<-start
			n, err := s.ReclaimFromOwners(ctx, []string{owner})
			if err != nil {
				t.Errorf("reclaim: %v", err)
			}
			reclaimed = n
		}()
		close(start)
		wg.Wait()

		require.NotEqual(t, settled, reclaimed == 1, "round %d: exactly one side must win", round)
		got, err := s.GetItem(ctx, it.ID)
		require.NoError(t, err)
		fj, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		if settled {
			want := ItemCompleted
			if fail {
				want = ItemFailed
			}
			assert.Equal(t, want, got.Status)
			assert.Equal(t, 0, got.RetryCount)
			assert.Equal(t, 1, fj.CompletedItems+fj.FailedItems)
			continue
		}
		assert.Equal(t, ItemPending, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		assert.Empty(t, got.WorkerInstanceID)
		assert.Equal(t, 0, fj.CompletedItems+fj.FailedItems)
	}
}

func TestStorePg_CompleteRacesReclaim(t *testing.T) {
	checkSettleRace(t, newPgStore(t), false)
}

func TestStorePg_FailRacesReclaim(t *testing.T) {
	checkSettleRace(t, newPgStore(t), true)
}

func TestStorePg_ReleaseItemAndListOwned(t *testing.T) {
	s := newPgStore(t)
	j := seedJob(t, s, 2, 0)
	ctx := context.Background()
	owner := "w-" + uuid.New().String()

	a, _ := s.ClaimNext(ctx, j.ID, owner, time.Now())
	b, _ := s.ClaimNext(ctx, j.ID, owner, time.Now())
	owned, err := s.ListOwnedItems(ctx, []string{owner})
	require.NoError(t, err)
	require.Len(t, owned, 2)
	assert.Equal(t, a.ID, owned[0].ID)

	ok, err := s.ReleaseItem(ctx, a.ID, "someone-else")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.ReleaseItem(ctx, a.ID, owner)
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ := s.GetItem(ctx, a.ID)
	assert.Equal(t, ItemPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	owned, err = s.ListOwnedItems(ctx, []string{owner})
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, b.ID, owned[0].ID)
}
