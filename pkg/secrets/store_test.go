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

package secrets

import (
	"context"
	"strings"
	"testing"

	"fanout-platform/pkg/errors"
)

func TestNewStore(t *testing.T) {
	tests := []struct {
		name        string
		provider    string
		wantErr     bool
		errContains string
	}{
		{name: "memory", provider: "memory"},
		{name: "env", provider: "env"},
		{name: "default env", provider: ""},
		{name: "unknown provider", provider: "k8s", wantErr: true, errContains: "unsupported secret provider"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := NewStore(Config{Provider: tc.provider})
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tc.errContains) {
					t.Fatalf("error = %q, want contains %q", err.Error(), tc.errContains)
				}
				if store != nil {
					t.Fatalf("store should be nil when error occurs")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if store == nil {
				t.Fatalf("store should not be nil")
			}
		})
	}
}

func TestMemoryAndEnvStoreBasicContract(t *testing.T) {
	ctx := context.Background()
	stores := []Store{NewMemoryStore(), NewEnvStore()}

	for _, s := range stores {
		if err := s.Set(ctx, "FANOUT_SECRET_TEST_KEY", "value"); err != nil {
			t.Fatalf("set secret failed: %v", err)
		}
		got, err := s.Get(ctx, "FANOUT_SECRET_TEST_KEY")
		if err != nil {
			t.Fatalf("get secret failed: %v", err)
		}
		if got != "value" {
			t.Fatalf("get secret = %q, want value", got)
		}
		keys, err := s.List(ctx, "FANOUT_SECRET_TEST")
		if err != nil || len(keys) != 1 {
			t.Fatalf("list = %v, %v", keys, err)
		}
		if err := s.Delete(ctx, "FANOUT_SECRET_TEST_KEY"); err != nil {
			t.Fatalf("delete secret failed: %v", err)
		}
		_, err = s.Get(ctx, "FANOUT_SECRET_TEST_KEY")
		if !errors.Is(err, errors.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Set(ctx, "store/dsn", "postgres://from-secret")

	got, err := Resolve(ctx, s, "", "postgres://inline")
	if err != nil || got != "postgres://inline" {
		t.Fatalf("empty key: got %q, %v", got, err)
	}
	got, err = Resolve(ctx, s, "store/dsn", "postgres://inline")
	if err != nil || got != "postgres://from-secret" {
		t.Fatalf("secret key: got %q, %v", got, err)
	}
	if _, err := Resolve(ctx, s, "missing", "x"); err == nil {
		t.Fatal("expected error for missing secret")
	}
}
