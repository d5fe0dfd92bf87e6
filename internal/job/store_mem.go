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
	"sort"
	"sync"
	"time"
)

// StoreMem 内存实现：单把互斥锁串行化所有迁移，领取即为单写者队列，天然不会重复发放
type StoreMem struct {
	mu            sync.Mutex
	jobs          map[string]*Job
	items         map[string]*Item
	byJob         map[string][]*Item // 按 item_index 升序
	cancellations map[string]*Cancellation
}

// NewStoreMem 创建内存 Store
func NewStoreMem() *StoreMem {
	return &StoreMem{
		jobs:          make(map[string]*Job),
		items:         make(map[string]*Item),
		byJob:         make(map[string][]*Item),
		cancellations: make(map[string]*Cancellation),
	}
}

func (s *StoreMem) CreateJobWithItems(ctx context.Context, j *Job, items []*Item) error {
	if j == nil || j.ID == "" {
		return errors.New("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return errors.New("job already exists: " + j.ID)
	}
	list := make([]*Item, 0, len(items))
	for _, it := range items {
		if _, ok := s.items[it.ID]; ok {
			return errors.New("item already exists: " + it.ID)
		}
		list = append(list, it.Clone())
	}
	sort.Slice(list, func(a, b int) bool { return list[a].Index < list[b].Index })
	s.jobs[j.ID] = j.Clone()
	for _, it := range list {
		s.items[it.ID] = it
	}
	s.byJob[j.ID] = list
	return nil
}

func (s *StoreMem) GetJob(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return j.Clone(), nil
}

func (s *StoreMem) ListJobs(ctx context.Context, tenantID string, status JobStatus) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*Job
	for _, j := range s.jobs {
		if tenantID != "" && j.TenantID != tenantID {
			continue
		}
		if status != "" && j.Status != status {
			continue
		}
		list = append(list, j.Clone())
	}
	sort.Slice(list, func(a, b int) bool { return list[a].CreatedAt.Before(list[b].CreatedAt) })
	return list, nil
}

func (s *StoreMem) GetItem(ctx context.Context, itemID string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return nil, nil
	}
	return it.Clone(), nil
}

func (s *StoreMem) ListItems(ctx context.Context, jobID string) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.byJob[jobID]
	list := make([]*Item, 0, len(src))
	for _, it := range src {
		list = append(list, it.Clone())
	}
	return list, nil
}

func (s *StoreMem) CountItems(ctx context.Context, jobID string) (map[ItemStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[ItemStatus]int)
	for _, it := range s.byJob[jobID] {
		counts[it.Status]++
	}
	return counts, nil
}

func (s *StoreMem) ClaimNext(ctx context.Context, jobID, instanceID string, now time.Time) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	for _, it := range s.byJob[jobID] {
		if !CanClaim(j.Status, it.Status) {
			continue
		}
		it.Status = ItemClaimed
		it.WorkerInstanceID = instanceID
		t := now
		it.ClaimedAt = &t
		return it.Clone(), nil
	}
	return nil, nil
}

func (s *StoreMem) StartItem(ctx context.Context, itemID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok || !CanStart(it.Status) {
		return false, nil
	}
	it.Status = ItemRunning
	return true, nil
}

func (s *StoreMem) CompleteItem(ctx context.Context, itemID string, output, metadata json.RawMessage, now time.Time) (*Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok || !CanSettle(it.Status) {
		return nil, nil
	}
	j := s.jobs[it.JobID]
	it.Status = ItemCompleted
	it.Output = cloneRaw(output)
	it.Metadata = cloneRaw(metadata)
	t := now
	it.CompletedAt = &t
	j.CompletedItems++
	return &Settlement{Item: it.Clone(), TenantID: j.TenantID, Outcome: OutcomeCompleted, Billable: Billable(j.Status)}, nil
}

func (s *StoreMem) FailItem(ctx context.Context, itemID, errMsg string, metadata json.RawMessage, retryRequested bool, now time.Time) (*Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok || !CanSettle(it.Status) {
		return nil, nil
	}
	j := s.jobs[it.JobID]
	target, outcome := DecideFailure(j.Status, it, retryRequested)
	it.Status = target
	it.ErrorMessage = errMsg
	if metadata != nil {
		it.Metadata = cloneRaw(metadata)
	}
	it.WorkerInstanceID = ""
	switch outcome {
	case OutcomeRetried:
		it.RetryCount++
		it.ClaimedAt = nil
	case OutcomeFailed:
		t := now
		it.CompletedAt = &t
		j.FailedItems++
	}
	return &Settlement{Item: it.Clone(), TenantID: j.TenantID, Outcome: outcome, Billable: Billable(j.Status)}, nil
}

func (s *StoreMem) ReleaseByOwner(ctx context.Context, instanceID string) (int, error) {
	if instanceID == "" {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		if it.WorkerInstanceID != instanceID || !CanSettle(it.Status) {
			continue
		}
		s.release(it, false)
		n++
	}
	return n, nil
}

func (s *StoreMem) ReleaseItem(ctx context.Context, itemID, instanceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok || instanceID == "" || it.WorkerInstanceID != instanceID || !CanSettle(it.Status) {
		return false, nil
	}
	s.release(it, false)
	return true, nil
}

func (s *StoreMem) ListOwnedItems(ctx context.Context, instanceIDs []string) ([]*Item, error) {
	owners := make(map[string]struct{}, len(instanceIDs))
	for _, id := range instanceIDs {
		owners[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*Item
	for _, it := range s.items {
		if _, ok := owners[it.WorkerInstanceID]; ok && CanSettle(it.Status) {
			list = append(list, it.Clone())
		}
	}
	sort.Slice(list, func(i, k int) bool {
		if list[i].JobID != list[k].JobID {
			return list[i].JobID < list[k].JobID
		}
		return list[i].Index < list[k].Index
	})
	return list, nil
}

func (s *StoreMem) ReclaimFromOwners(ctx context.Context, instanceIDs []string) (int, error) {
	if len(instanceIDs) == 0 {
		return 0, nil
	}
	owners := make(map[string]struct{}, len(instanceIDs))
	for _, id := range instanceIDs {
		owners[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		if _, ok := owners[it.WorkerInstanceID]; !ok || !ReclaimAllowed(it) {
			continue
		}
		s.release(it, true)
		n++
	}
	return n, nil
}

// release 清除持有者；调用方须持有锁
func (s *StoreMem) release(it *Item, countRetry bool) {
	it.Status = ReleaseTarget(s.jobs[it.JobID].Status)
	it.WorkerInstanceID = ""
	it.ClaimedAt = nil
	if countRetry {
		it.RetryCount++
	}
}

func (s *StoreMem) FinalizeJob(ctx context.Context, jobID string, now time.Time) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, false, nil
	}
	if IsTerminal(j.Status) {
		return j.Clone(), false, nil
	}
	final, done := FinalStatus(j)
	if !done {
		return j.Clone(), false, nil
	}
	j.Status = final
	t := now
	j.CompletedAt = &t
	return j.Clone(), true, nil
}

func (s *StoreMem) CancelJob(ctx context.Context, jobID, actor, reason string, perItemCost int64, now time.Time) (*Cancellation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	if !CanCancel(j.Status) {
		return nil, &ErrJobNotRunning{Status: j.Status}
	}
	toCancel := ItemsToCancel(j)
	for _, it := range s.byJob[jobID] {
		if it.Status == ItemPending {
			it.Status = ItemCancelled
		}
	}
	j.Status = StatusCancelled
	t := now
	j.CompletedAt = &t
	c := &Cancellation{
		JobID:           jobID,
		CancelledBy:     actor,
		Reason:          reason,
		ItemsCompleted:  j.CompletedItems,
		ItemsCancelled:  toCancel,
		CreditsRefunded: int64(toCancel) * perItemCost,
		CreatedAt:       now,
	}
	cp := *c
	s.cancellations[jobID] = &cp
	return c, nil
}

func (s *StoreMem) GetCancellation(ctx context.Context, jobID string) (*Cancellation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cancellations[jobID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *StoreMem) AddCredits(ctx context.Context, jobID string, spent, refunded int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	j.Credits.Spent += spent
	j.Credits.Refunded += refunded
	return nil
}
