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

// Package secrets 解析存储连接串、JWT 密钥等敏感配置
package secrets

import (
	"context"
	"fmt"

	"fanout-platform/pkg/errors"
)

// Store 密钥读写接口
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config 密钥提供方配置
type Config struct {
	Provider   string `mapstructure:"provider"` // env | memory | vault
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// NewStore 按 Provider 创建 Store；空 Provider 视为 env
func NewStore(config Config) (Store, error) {
	switch config.Provider {
	case "memory":
		return NewMemoryStore(), nil
	case "env", "":
		return NewEnvStore(), nil
	case "vault":
		return NewVaultStore(VaultConfig{
			Address:    config.Address,
			Token:      config.Token,
			PathPrefix: config.PathPrefix,
		})
	default:
		return nil, fmt.Errorf("unsupported secret provider: %q", config.Provider)
	}
}

// Resolve key 非空时从 store 读取并覆盖 fallback，否则返回 fallback
func Resolve(ctx context.Context, store Store, key, fallback string) (string, error) {
	if key == "" || store == nil {
		return fallback, nil
	}
	v, err := store.Get(ctx, key)
	if err != nil {
		return "", errors.Wrapf(err, "resolve secret %q", key)
	}
	return v, nil
}
