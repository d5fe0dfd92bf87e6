// Copyright 2026 fanjia1024
// HashiCorp Vault secret store (KV v2)

package secrets

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"

	"fanout-platform/pkg/errors"
)

// VaultConfig Vault 连接配置
type VaultConfig struct {
	Address    string // 如 http://vault:8200
	Token      string
	PathPrefix string // KV v2 挂载点，默认 "secret"
}

type vaultStore struct {
	kv *vault.KVv2
}

// NewVaultStore 创建 Vault Store 并校验连通性
func NewVaultStore(config VaultConfig) (Store, error) {
	cfg := vault.DefaultConfig()
	if config.Address != "" {
		cfg.Address = config.Address
	}
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if config.Token != "" {
		client.SetToken(config.Token)
	}
	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("failed to connect to vault: %w", err)
	}
	mount := config.PathPrefix
	if mount == "" {
		mount = "secret"
	}
	return &vaultStore{kv: client.KVv2(mount)}, nil
}

// Get 读取 key 对应 secret 的 value 字段
func (v *vaultStore) Get(ctx context.Context, key string) (string, error) {
	secret, err := v.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", errors.Wrapf(errors.ErrNotFound, "vault %s", key)
		}
		return "", fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if s, ok := secret.Data["value"].(string); ok {
		return s, nil
	}
	return "", errors.Wrapf(errors.ErrNotFound, "vault %s: no value field", key)
}

func (v *vaultStore) Set(ctx context.Context, key string, value string) error {
	if _, err := v.kv.Put(ctx, key, map[string]interface{}{"value": value}); err != nil {
		return fmt.Errorf("failed to write secret to vault: %w", err)
	}
	return nil
}

func (v *vaultStore) Delete(ctx context.Context, key string) error {
	if err := v.kv.DeleteMetadata(ctx, key); err != nil {
		return fmt.Errorf("failed to delete secret from vault: %w", err)
	}
	return nil
}

// List KVv2 不提供列举接口，返回空
func (v *vaultStore) List(context.Context, string) ([]string, error) {
	return nil, nil
}
