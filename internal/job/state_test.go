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

import "testing"

func TestDecideFailure(t *testing.T) {
	cases := []struct {
		name       string
		job        JobStatus
		retry      int
		max        int
		requested  bool
		wantStatus ItemStatus
		wantOut    Outcome
	}{
		{"retry with budget", StatusRunning, 0, 3, true, ItemPending, OutcomeRetried},
		{"retry exhausted", StatusRunning, 3, 3, true, ItemFailed, OutcomeFailed},
		{"retry not requested", StatusRunning, 0, 3, false, ItemFailed, OutcomeFailed},
		{"no retries configured", StatusRunning, 0, 0, true, ItemFailed, OutcomeFailed},
		{"cancelled job drops retry", StatusCancelled, 0, 3, true, ItemCancelled, OutcomeDropped},
		{"cancelled job terminal fail", StatusCancelled, 3, 3, true, ItemFailed, OutcomeFailed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			it := &Item{RetryCount: c.retry, MaxRetries: c.max, Status: ItemRunning}
			st, out := DecideFailure(c.job, it, c.requested)
			if st != c.wantStatus || out != c.wantOut {
				t.Errorf("DecideFailure = (%s, %s), want (%s, %s)", st, out, c.wantStatus, c.wantOut)
			}
		})
	}
}

func TestGuards(t *testing.T) {
	if !CanClaim(StatusRunning, ItemPending) {
		t.Error("pending item in running job should be claimable")
	}
	if CanClaim(StatusCancelled, ItemPending) || CanClaim(StatusRunning, ItemClaimed) {
		t.Error("claim guard too permissive")
	}
	if !CanStart(ItemClaimed) || CanStart(ItemRunning) {
		t.Error("start guard")
	}
	for _, s := range []ItemStatus{ItemPending, ItemCompleted, ItemFailed, ItemCancelled} {
		if CanSettle(s) {
			t.Errorf("CanSettle(%s) should be false", s)
		}
	}
	if !ReclaimAllowed(&Item{Status: ItemClaimed, RetryCount: 0, MaxRetries: 1}) {
		t.Error("claimed item with budget should be reclaimable")
	}
	if ReclaimAllowed(&Item{Status: ItemRunning, RetryCount: 1, MaxRetries: 1}) {
		t.Error("exhausted item must be left for the fail path")
	}
	if ReleaseTarget(StatusRunning) != ItemPending || ReleaseTarget(StatusCancelled) != ItemCancelled {
		t.Error("release target")
	}
}

func TestFinalStatus(t *testing.T) {
	if _, done := FinalStatus(&Job{TotalItems: 3, CompletedItems: 2}); done {
		t.Error("unsettled job should not be final")
	}
	if st, done := FinalStatus(&Job{TotalItems: 3, CompletedItems: 3}); !done || st != StatusCompleted {
		t.Errorf("all completed: got %s %v", st, done)
	}
	if st, done := FinalStatus(&Job{TotalItems: 3, CompletedItems: 2, FailedItems: 1}); !done || st != StatusFailed {
		t.Errorf("one failure: got %s %v", st, done)
	}
}

func TestIncidentalShare(t *testing.T) {
	if got := IncidentalShare(10, 3); got != 3 {
		t.Errorf("IncidentalShare(10, 3) = %d, want 3", got)
	}
	if got := IncidentalShare(0, 3); got != 0 {
		t.Errorf("no budget: got %d", got)
	}
	if got := IncidentalShare(10, 0); got != 0 {
		t.Errorf("no items: got %d", got)
	}
}

func TestItemsToCancel(t *testing.T) {
	if n := ItemsToCancel(&Job{TotalItems: 5, CompletedItems: 2}); n != 3 {
		t.Errorf("ItemsToCancel = %d, want 3", n)
	}
}
