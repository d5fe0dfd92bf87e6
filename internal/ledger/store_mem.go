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
	"sync"
	"time"
)

// StoreMem 内存账本
type StoreMem struct {
	mu       sync.Mutex
	balances map[string]*Balance
	entries  []*Entry
	// appendErr 测试用：非 nil 时 Append 返回该错误
	appendErr error
}

// NewStoreMem 创建内存账本
func NewStoreMem() *StoreMem {
	return &StoreMem{balances: make(map[string]*Balance)}
}

func (s *StoreMem) GetBalance(ctx context.Context, tenantID string) (*Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[tenantID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *StoreMem) SetBalance(ctx context.Context, tenantID string, total int64) (*Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[tenantID]
	if !ok {
		b = &Balance{TenantID: tenantID}
		s.balances[tenantID] = b
	}
	b.Total = total
	cp := *b
	return &cp, nil
}

func (s *StoreMem) Append(ctx context.Context, e *Entry, d Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.entries = append(s.entries, &cp)
	if b, ok := s.balances[e.TenantID]; ok {
		b.Reserved += d.Reserved
		b.Spent += d.Spent
	}
	return nil
}

func (s *StoreMem) ListEntries(ctx context.Context, f Filter) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*Entry
	for _, e := range s.entries {
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.JobID != "" && e.JobID != f.JobID {
			continue
		}
		cp := *e
		list = append(list, &cp)
		if f.Limit > 0 && len(list) >= f.Limit {
			break
		}
	}
	return list, nil
}

// FailAppends 测试用：模拟审计存储不可用
func (s *StoreMem) FailAppends(err error) {
	s.mu.Lock()
	s.appendErr = err
	s.mu.Unlock()
}
