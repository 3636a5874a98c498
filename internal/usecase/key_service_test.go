package usecase

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"quantum-key-service/internal/domain"
)

// mockKeyRepository はテスト用のモックリポジトリ。
// Consumeはリポジトリ実装と同じ条件付き加算の意味論で動作する。
type mockKeyRepository struct {
	keys        map[string]*domain.QuantumKey
	existsErr   error
	createErr   error
	findErr     error
	consumeErr  error
	deleted     []string
	overwritten map[string][]byte
}

func newMockKeyRepository() *mockKeyRepository {
	return &mockKeyRepository{
		keys:        make(map[string]*domain.QuantumKey),
		overwritten: make(map[string][]byte),
	}
}

func (m *mockKeyRepository) ExistsByKeyID(ctx context.Context, keyID string) (bool, error) {
	if m.existsErr != nil {
		return false, m.existsErr
	}
	_, ok := m.keys[keyID]
	return ok, nil
}

func (m *mockKeyRepository) Create(ctx context.Context, key *domain.QuantumKey) error {
	if m.createErr != nil {
		return m.createErr
	}
	key.CreatedAt = time.Now()
	m.keys[key.KeyID] = key
	return nil
}

func (m *mockKeyRepository) FindByKeyID(ctx context.Context, keyID string) (*domain.QuantumKey, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	key, ok := m.keys[keyID]
	if !ok {
		return nil, nil
	}
	return key, nil
}

func (m *mockKeyRepository) Consume(ctx context.Context, keyID string, now time.Time) (*domain.QuantumKey, error) {
	if m.consumeErr != nil {
		return nil, m.consumeErr
	}
	key, ok := m.keys[keyID]
	if !ok || key.Expired(now) || key.Exhausted() {
		return nil, nil
	}
	key.UsageCount++
	return key, nil
}

func (m *mockKeyRepository) FindAll(ctx context.Context) ([]*domain.QuantumKey, error) {
	var result []*domain.QuantumKey
	for _, key := range m.keys {
		result = append(result, key)
	}
	return result, nil
}

func (m *mockKeyRepository) FindExpired(ctx context.Context, now time.Time) ([]*domain.QuantumKey, error) {
	var result []*domain.QuantumKey
	for _, key := range m.keys {
		if key.Expired(now) {
			result = append(result, key)
		}
	}
	return result, nil
}

func (m *mockKeyRepository) OverwriteAndDelete(ctx context.Context, keyID string, garbage []byte) error {
	m.overwritten[keyID] = garbage
	m.deleted = append(m.deleted, keyID)
	delete(m.keys, keyID)
	return nil
}

// mockKMSClient はテスト用のモックKMSクライアント。
type mockKMSClient struct {
	encryptErr error
	decryptErr error
}

func (m *mockKMSClient) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if m.encryptErr != nil {
		return nil, m.encryptErr
	}
	return append([]byte("encrypted:"), plaintext...), nil
}

func (m *mockKMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if m.decryptErr != nil {
		return nil, m.decryptErr
	}
	return bytes.TrimPrefix(ciphertext, []byte("encrypted:")), nil
}

func TestKeyService_StoreKey_AppliesDefaults(t *testing.T) {
	repo := newMockKeyRepository()
	svc := NewKeyService(repo, &mockKMSClient{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	metadata, err := svc.StoreKey(context.Background(), []byte("quantum-key"), "key-001", nil, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if metadata.MaxUsage != 1 {
		t.Errorf("want default max_usage 1, got %d", metadata.MaxUsage)
	}
	if want := now.Add(24 * time.Hour); !metadata.ExpiresAt.Equal(want) {
		t.Errorf("want expires_at %v, got %v", want, metadata.ExpiresAt)
	}
	// 平文のまま保存されていないこと
	stored := repo.keys["key-001"]
	if !bytes.Equal(stored.EncryptedKey, []byte("encrypted:quantum-key")) {
		t.Errorf("key not encrypted at rest: %q", stored.EncryptedKey)
	}
}

func TestKeyService_StoreKey_AlreadyExists(t *testing.T) {
	repo := newMockKeyRepository()
	svc := NewKeyService(repo, &mockKMSClient{})

	if _, err := svc.StoreKey(context.Background(), []byte("k1"), "key-001", nil, 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := svc.StoreKey(context.Background(), []byte("k2"), "key-001", nil, 0, 0)
	if !errors.Is(err, domain.ErrKeyAlreadyExists) {
		t.Errorf("want ErrKeyAlreadyExists, got %v", err)
	}
	// 既存レコードが上書きされていないこと
	if !bytes.Equal(repo.keys["key-001"].EncryptedKey, []byte("encrypted:k1")) {
		t.Errorf("existing record was overwritten")
	}
}

func TestKeyService_StoreKey_InvalidInput(t *testing.T) {
	svc := NewKeyService(newMockKeyRepository(), &mockKMSClient{})

	if _, err := svc.StoreKey(context.Background(), []byte("k"), "", nil, 0, 0); !errors.Is(err, domain.ErrInvalidKeyID) {
		t.Errorf("want ErrInvalidKeyID, got %v", err)
	}
	if _, err := svc.StoreKey(context.Background(), nil, "key-001", nil, 0, 0); !errors.Is(err, domain.ErrInvalidKeyLength) {
		t.Errorf("want ErrInvalidKeyLength, got %v", err)
	}
}

func TestKeyService_GetKey_ConsumesOneTimeKey(t *testing.T) {
	repo := newMockKeyRepository()
	svc := NewKeyService(repo, &mockKMSClient{})

	if _, err := svc.StoreKey(context.Background(), []byte("one-time-pad"), "key-001", nil, 0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key, err := svc.GetKey(context.Background(), "key-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(key.Key, []byte("one-time-pad")) {
		t.Errorf("want decrypted key, got %q", key.Key)
	}

	// ワンタイム鍵の2回目の取得は枯渇エラー
	_, err = svc.GetKey(context.Background(), "key-001")
	if !errors.Is(err, domain.ErrKeyExhausted) {
		t.Errorf("want ErrKeyExhausted, got %v", err)
	}
}

func TestKeyService_GetKey_MultiUse(t *testing.T) {
	repo := newMockKeyRepository()
	svc := NewKeyService(repo, &mockKMSClient{})

	if _, err := svc.StoreKey(context.Background(), []byte("session-key"), "key-001", nil, 0, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := svc.GetKey(context.Background(), "key-001"); err != nil {
			t.Fatalf("get %d: unexpected error: %v", i+1, err)
		}
	}
	if _, err := svc.GetKey(context.Background(), "key-001"); !errors.Is(err, domain.ErrKeyExhausted) {
		t.Errorf("want ErrKeyExhausted after max_usage reached, got %v", err)
	}
	if got := repo.keys["key-001"].UsageCount; got != 3 {
		t.Errorf("want usage_count 3, got %d", got)
	}
}

func TestKeyService_GetKey_NotFound(t *testing.T) {
	svc := NewKeyService(newMockKeyRepository(), &mockKMSClient{})

	_, err := svc.GetKey(context.Background(), "missing")
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("want ErrKeyNotFound, got %v", err)
	}
}

func TestKeyService_GetKey_Expired(t *testing.T) {
	repo := newMockKeyRepository()
	svc := NewKeyService(repo, &mockKMSClient{})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	if _, err := svc.StoreKey(context.Background(), []byte("k"), "key-001", nil, time.Hour, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 有効期限を過ぎた時点での取得
	svc.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, err := svc.GetKey(context.Background(), "key-001")
	if !errors.Is(err, domain.ErrKeyExpired) {
		t.Errorf("want ErrKeyExpired, got %v", err)
	}
	if got := repo.keys["key-001"].UsageCount; got != 0 {
		t.Errorf("failed get must not change usage_count, got %d", got)
	}
}

func TestKeyService_GetKeyMetadata_ExcludesKeyBytes(t *testing.T) {
	repo := newMockKeyRepository()
	svc := NewKeyService(repo, &mockKMSClient{})

	if _, err := svc.StoreKey(context.Background(), []byte("secret"), "key-001", map[string]string{"purpose": "test"}, 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	metadata, err := svc.GetKeyMetadata(context.Background(), "key-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if metadata.KeyID != "key-001" {
		t.Errorf("want key_id key-001, got %s", metadata.KeyID)
	}
	if metadata.Metadata["purpose"] != "test" {
		t.Errorf("want purpose test, got %s", metadata.Metadata["purpose"])
	}
	// メタデータの取得は使用回数を進めない
	if metadata.UsageCount != 0 {
		t.Errorf("metadata lookup must not consume usage, got %d", metadata.UsageCount)
	}
}

func TestKeyService_GetKeyMetadata_NotFound(t *testing.T) {
	svc := NewKeyService(newMockKeyRepository(), &mockKMSClient{})

	_, err := svc.GetKeyMetadata(context.Background(), "missing")
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("want ErrKeyNotFound, got %v", err)
	}
}

func TestKeyService_DeleteKey_OverwritesBeforeDelete(t *testing.T) {
	repo := newMockKeyRepository()
	svc := NewKeyService(repo, &mockKMSClient{})

	if _, err := svc.StoreKey(context.Background(), []byte("sensitive-key-data"), "key-001", nil, 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	encrypted := repo.keys["key-001"].EncryptedKey

	if err := svc.DeleteKey(context.Background(), "key-001"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	garbage, ok := repo.overwritten["key-001"]
	if !ok {
		t.Fatal("stored bytes were not overwritten before delete")
	}
	if len(garbage) != len(encrypted) {
		t.Errorf("want overwrite length %d, got %d", len(encrypted), len(garbage))
	}
	if bytes.Equal(garbage, encrypted) {
		t.Error("overwrite data equals original stored bytes")
	}
}

func TestKeyService_DeleteKey_MissingKeyIsNoop(t *testing.T) {
	repo := newMockKeyRepository()
	svc := NewKeyService(repo, &mockKMSClient{})

	if err := svc.DeleteKey(context.Background(), "missing"); err != nil {
		t.Errorf("delete of missing key must succeed, got %v", err)
	}
	if len(repo.deleted) != 0 {
		t.Errorf("want no deletes, got %v", repo.deleted)
	}
}

func TestKeyService_CleanupExpiredKeys(t *testing.T) {
	repo := newMockKeyRepository()
	svc := NewKeyService(repo, &mockKMSClient{})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	for _, keyID := range []string{"expired-1", "expired-2"} {
		if _, err := svc.StoreKey(context.Background(), []byte("k"), keyID, nil, time.Minute, 0); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, err := svc.StoreKey(context.Background(), []byte("k"), "live-1", nil, time.Hour, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	svc.now = func() time.Time { return now.Add(10 * time.Minute) }
	removed, err := svc.CleanupExpiredKeys(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if removed != 2 {
		t.Errorf("want 2 removed, got %d", removed)
	}
	if _, ok := repo.keys["live-1"]; !ok {
		t.Error("live key was removed")
	}
	for _, keyID := range []string{"expired-1", "expired-2"} {
		if _, ok := repo.overwritten[keyID]; !ok {
			t.Errorf("expired key %s was not securely erased", keyID)
		}
	}
}
