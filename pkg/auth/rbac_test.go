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

package auth

import (
	"context"
	"testing"
)

func TestHasPermission(t *testing.T) {
	cases := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleAdmin, PermissionLedgerAdmin, true},
		{RoleOperator, PermissionLedgerAdmin, false},
		{RoleOperator, PermissionSweep, true},
		{RoleWorker, PermissionItemWork, true},
		{RoleWorker, PermissionJobCreate, false},
		{RoleUser, PermissionItemWork, false},
		{RoleUser, PermissionJobCancel, true},
		{Role("ghost"), PermissionJobView, false},
	}
	for _, c := range cases {
		if got := HasPermission(c.role, c.perm); got != c.want {
			t.Errorf("HasPermission(%s, %s) = %v, want %v", c.role, c.perm, got, c.want)
		}
	}
}

func TestParseRole(t *testing.T) {
	if ParseRole("worker") != RoleWorker {
		t.Error("worker should parse")
	}
	if ParseRole("root") != RoleUser {
		t.Error("unknown role should fall back to user")
	}
}

func TestContextDefaults(t *testing.T) {
	ctx := context.Background()
	if GetTenantID(ctx) != DefaultTenantID {
		t.Errorf("GetTenantID default: got %q", GetTenantID(ctx))
	}
	if GetRole(ctx) != RoleUser {
		t.Errorf("GetRole default: got %q", GetRole(ctx))
	}
	ctx = WithTenantID(WithRole(WithSubject(ctx, "w-1"), RoleWorker), "acme")
	if GetTenantID(ctx) != "acme" || GetRole(ctx) != RoleWorker || GetSubject(ctx) != "w-1" {
		t.Errorf("context values: tenant=%q role=%q subject=%q", GetTenantID(ctx), GetRole(ctx), GetSubject(ctx))
	}
}
