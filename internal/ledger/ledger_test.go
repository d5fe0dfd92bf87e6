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
	"sync"
	"testing"

	"fanout-platform/internal/storage/cache"
)

type fakeJobCredits struct {
	mu       sync.Mutex
	spent    map[string]int64
	refunded map[string]int64
}

func newFakeJobCredits() *fakeJobCredits {
	return &fakeJobCredits{spent: map[string]int64{}, refunded: map[string]int64{}}
}

func (f *fakeJobCredits) AddCredits(_ context.Context, jobID string, spent, refunded int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spent[jobID] += spent
	f.refunded[jobID] += refunded
	return nil
}

func newTestLedger(store Store, jobs JobCredits) *Ledger {
	return New(store, jobs, Options{Costs: Costs{Base: 5, PerItem: 2, DefaultSkill: 1, Skills: map[string]int64{"web_search": 3}}})
}

func TestGetBalance_NoRecordIsUnlimited(t *testing.T) {
	l := newTestLedger(NewStoreMem(), nil)
	b, err := l.GetBalance(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !b.Unlimited {
		t.Error("missing record should be unlimited")
	}

	store := NewStoreMem()
	l = newTestLedger(store, nil)
	_, _ = store.SetBalance(context.Background(), "t1", 0)
	b, _ = l.GetBalance(context.Background(), "t1")
	if b.Unlimited || b.Available != 0 {
		t.Errorf("zero balance: got %+v", b)
	}
}

func TestCheckReservation(t *testing.T) {
	ctx := context.Background()
	store := NewStoreMem()
	l := newTestLedger(store, nil)

	res, err := l.CheckReservation(ctx, "free", 5, 5)
	if err != nil || !res.OK || res.TotalRequired != 15 {
		t.Fatalf("unlimited tenant: %+v err=%v", res, err)
	}

	_, _ = store.SetBalance(ctx, "t1", 14)
	res, err = l.CheckReservation(ctx, "t1", 5, 5)
	if err != nil {
		t.Fatalf("CheckReservation: %v", err)
	}
	if res.OK || res.TotalRequired != 15 || res.Reason == "" {
		t.Errorf("insufficient: got %+v", res)
	}
	if entries, _ := store.ListEntries(ctx, Filter{}); len(entries) != 0 {
		t.Errorf("CheckReservation must not write entries, got %d", len(entries))
	}

	_, _ = store.SetBalance(ctx, "t1", 15)
	res, _ = l.CheckReservation(ctx, "t1", 5, 5)
	if !res.OK {
		t.Errorf("exact balance should pass: %+v", res)
	}
}

func TestReserveSpendRefundMovesBalance(t *testing.T) {
	ctx := context.Background()
	store := NewStoreMem()
	jobs := newFakeJobCredits()
	l := newTestLedger(store, jobs)
	_, _ = store.SetBalance(ctx, "t1", 100)

	l.LogReservation(ctx, "j1", "t1", 15)
	l.Spend(ctx, "j1", "i1", "t1")
	l.Refund(ctx, "j1", "i2", "t1")

	b, _ := l.GetBalance(ctx, "t1")
	if b.Reserved != 11 || b.Spent != 2 || b.Available != 87 {
		t.Errorf("balance: got %+v", b)
	}
	if jobs.spent["j1"] != 2 || jobs.refunded["j1"] != 2 {
		t.Errorf("job credits: spent=%d refunded=%d", jobs.spent["j1"], jobs.refunded["j1"])
	}
	entries, _ := l.Entries(ctx, Filter{JobID: "j1"})
	if len(entries) != 3 {
		t.Fatalf("entries: got %d", len(entries))
	}
	ops := []Operation{OpReserve, OpSpend, OpRefund}
	for i, op := range ops {
		if entries[i].Operation != op {
			t.Errorf("entries[%d].Operation = %s, want %s", i, entries[i].Operation, op)
		}
	}
}

func TestAuditFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	store := NewStoreMem()
	jobs := newFakeJobCredits()
	l := newTestLedger(store, jobs)
	store.FailAppends(errors.New("ledger unavailable"))

	l.LogReservation(ctx, "j1", "t1", 15)
	l.Spend(ctx, "j1", "i1", "t1")
	l.RefundAmount(ctx, "j1", "", "t1", 6, map[string]any{"reason": "cancel"})

	if jobs.spent["j1"] != 2 || jobs.refunded["j1"] != 6 {
		t.Errorf("job counters should still move: spent=%d refunded=%d", jobs.spent["j1"], jobs.refunded["j1"])
	}
}

func TestAuditBreakerOpensAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	store := NewStoreMem()
	l := New(store, nil, Options{
		Costs:   Costs{PerItem: 1},
		Breaker: BreakerSettings{MinRequests: 2, FailureRatio: 0.5},
	})
	store.FailAppends(errors.New("down"))
	for i := 0; i < 3; i++ {
		l.Spend(ctx, "j1", "i1", "t1")
	}
	if st := l.audit.cb.State().String(); st != "open" {
		t.Errorf("breaker state: got %s, want open", st)
	}
}

func TestChargeSkill(t *testing.T) {
	ctx := context.Background()
	store := NewStoreMem()
	jobs := newFakeJobCredits()
	l := newTestLedger(store, jobs)

	ok, reason, err := l.ChargeSkill(ctx, "web_search", "free", "")
	if err != nil || !ok || reason != "" {
		t.Fatalf("unlimited tenant charge: ok=%v reason=%q err=%v", ok, reason, err)
	}

	_, _ = store.SetBalance(ctx, "t1", 4)
	ok, _, _ = l.ChargeSkill(ctx, "web_search", "t1", "j1")
	if !ok {
		t.Fatal("first charge should pass")
	}
	ok, reason, err = l.ChargeSkill(ctx, "web_search", "t1", "j1")
	if err != nil || ok || reason == "" {
		t.Errorf("second charge should fail closed: ok=%v reason=%q err=%v", ok, reason, err)
	}
	b, _ := l.GetBalance(ctx, "t1")
	if b.Spent != 3 || b.Available != 1 {
		t.Errorf("balance: got %+v", b)
	}
	if jobs.spent["j1"] != 0 {
		t.Error("incidental charges must not touch job credits")
	}
	entries, _ := l.Entries(ctx, Filter{TenantID: "t1"})
	if len(entries) != 1 || entries[0].Operation != OpCharge || entries[0].Skill != "web_search" {
		t.Errorf("entries: %+v", entries)
	}
}

func TestGetBalance_CacheInvalidatedOnMovement(t *testing.T) {
	ctx := context.Background()
	store := NewStoreMem()
	l := New(store, nil, Options{Costs: Costs{PerItem: 2}, Cache: cache.NewMemoryStore()})
	_, _ = l.SetBalance(ctx, "t1", 50)

	b, _ := l.GetBalance(ctx, "t1")
	if b.Available != 50 {
		t.Fatalf("available: got %d", b.Available)
	}
	l.LogReservation(ctx, "j1", "t1", 10)
	b, _ = l.GetBalance(ctx, "t1")
	if b.Available != 40 {
		t.Errorf("available after reserve: got %d, want 40", b.Available)
	}
}

func TestSpendBaseReleasesReservation(t *testing.T) {
	ctx := context.Background()
	store := NewStoreMem()
	jobs := newFakeJobCredits()
	l := newTestLedger(store, jobs)
	_, _ = store.SetBalance(ctx, "t1", 100)

	l.LogReservation(ctx, "j1", "t1", 9)
	l.Spend(ctx, "j1", "i1", "t1")
	l.Spend(ctx, "j1", "i2", "t1")
	l.SpendBase(ctx, "j1", "t1", 5, "completed")
	l.SpendBase(ctx, "j1", "t1", 0, "completed")

	b, _ := l.GetBalance(ctx, "t1")
	if b.Reserved != 0 || b.Spent != 9 || b.Available != 91 {
		t.Errorf("balance: got %+v", b)
	}
	if jobs.spent["j1"] != 9 {
		t.Errorf("job spent: got %d", jobs.spent["j1"])
	}
	entries, _ := l.Entries(ctx, Filter{JobID: "j1"})
	if len(entries) != 4 {
		t.Fatalf("entries: got %d, zero amount must not be recorded", len(entries))
	}
	last := entries[3]
	if last.Operation != OpSpend || last.Amount != 5 || last.ItemID != "" {
		t.Errorf("base entry: %+v", last)
	}
}
