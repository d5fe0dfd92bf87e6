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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StoreMem 内存实现
type StoreMem struct {
	mu   sync.RWMutex
	byID map[string]*Instance // key: InstanceID
}

// NewStoreMem 创建内存 Store
func NewStoreMem() *StoreMem {
	return &StoreMem{byID: make(map[string]*Instance)}
}

func copyInstance(in *Instance) *Instance {
	cp := *in
	cp.Capabilities = append([]string(nil), in.Capabilities...)
	if in.CompletedAt != nil {
		t := *in.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func (s *StoreMem) Upsert(ctx context.Context, inst *Instance) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[inst.InstanceID]
	if !ok {
		cur = copyInstance(inst)
		if cur.ID == "" {
			cur.ID = uuid.New().String()
		}
		s.byID[inst.InstanceID] = cur
	} else {
		cur.AgentType = inst.AgentType
		cur.JobID = inst.JobID
		cur.Capabilities = append([]string(nil), inst.Capabilities...)
		cur.HeartbeatAt = inst.HeartbeatAt
	}
	cur.Status = StatusRunning
	cur.CompletedAt = nil
	return copyInstance(cur), nil
}

func (s *StoreMem) Get(ctx context.Context, instanceID string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.byID[instanceID]
	if !ok {
		return nil, nil
	}
	return copyInstance(in), nil
}

func (s *StoreMem) List(ctx context.Context, status Status) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*Instance
	for _, in := range s.byID {
		if status == "" || in.Status == status {
			list = append(list, copyInstance(in))
		}
	}
	sort.Slice(list, func(a, b int) bool { return list[a].InstanceID < list[b].InstanceID })
	return list, nil
}

func (s *StoreMem) Heartbeat(ctx context.Context, instanceID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.byID[instanceID]
	if !ok || in.Status == StatusStopped {
		return false, nil
	}
	in.HeartbeatAt = now
	if in.Status == StatusStale {
		in.Status = StatusRunning
	}
	return true, nil
}

func (s *StoreMem) Transition(ctx context.Context, instanceID string, from []Status, to Status, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.byID[instanceID]
	if !ok || !statusIn(in.Status, from) {
		return false, nil
	}
	in.Status = to
	if to == StatusStopped {
		t := now
		in.CompletedAt = &t
	}
	return true, nil
}

func (s *StoreMem) AssignJob(ctx context.Context, instanceID, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.byID[instanceID]
	if !ok || (in.Status != StatusRunning && in.Status != StatusIdle) {
		return false, nil
	}
	in.JobID = jobID
	if jobID == "" {
		in.Status = StatusIdle
	} else {
		in.Status = StatusRunning
	}
	return true, nil
}

func (s *StoreMem) MarkStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, in := range s.byID {
		if in.Status == StatusRunning && in.HeartbeatAt.Before(cutoff) {
			in.Status = StatusStale
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *StoreMem) ListIDsByStatus(ctx context.Context, status Status) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, in := range s.byID {
		if in.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func statusIn(s Status, set []Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
