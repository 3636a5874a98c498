package repository

import (
	"bytes"
	"context"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"quantum-key-service/internal/domain"
)

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// quantum_keysテーブルを作成（SQLite用にDATETIME(6)→DATETIME変換）
	sql := `
		CREATE TABLE quantum_keys (
			id TEXT PRIMARY KEY,
			key_id TEXT NOT NULL UNIQUE,
			encrypted_key BLOB NOT NULL,
			metadata TEXT,
			usage_count INTEGER NOT NULL DEFAULT 0,
			max_usage INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX idx_created_at ON quantum_keys(created_at);
		CREATE INDEX idx_expires_at ON quantum_keys(expires_at);
	`
	if err := db.Exec(sql).Error; err != nil {
		t.Fatalf("failed to create quantum_keys table: %v", err)
	}
	return db
}

// insertTestKey はテストデータを挿入する。
func insertTestKey(t *testing.T, db *gorm.DB, keyID string, usageCount, maxUsage uint, expiresAt time.Time) {
	t.Helper()

	err := db.Exec("INSERT INTO quantum_keys (id, key_id, encrypted_key, metadata, usage_count, max_usage, expires_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		"id-"+keyID, keyID, []byte("encrypted-"+keyID), `{"purpose":"test"}`, usageCount, maxUsage, expiresAt).Error
	if err != nil {
		t.Fatalf("failed to insert test data: %v", err)
	}
}

func TestKeyRepository_ExistsByKeyID(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	insertTestKey(t, db, "key-1", 0, 1, time.Now().Add(time.Hour))

	exists, err := repo.ExistsByKeyID(ctx, "key-1")
	if err != nil {
		t.Fatalf("ExistsByKeyID failed: %v", err)
	}
	if !exists {
		t.Error("expected exists=true, got false")
	}

	exists, err = repo.ExistsByKeyID(ctx, "key-2")
	if err != nil {
		t.Fatalf("ExistsByKeyID failed: %v", err)
	}
	if exists {
		t.Error("expected exists=false, got true")
	}
}

func TestKeyRepository_Create(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	key := &domain.QuantumKey{
		KeyID:        "key-1",
		EncryptedKey: []byte("encrypted-key-bytes"),
		Metadata:     map[string]string{"peer": "bob"},
		MaxUsage:     1,
		ExpiresAt:    time.Now().Add(24 * time.Hour),
	}
	if err := repo.Create(ctx, key); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// UUID自動生成とタイムスタンプ反映を確認
	if key.ID == "" {
		t.Error("expected ID to be generated, got empty")
	}
	if key.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set, got zero value")
	}

	found, err := repo.FindByKeyID(ctx, "key-1")
	if err != nil {
		t.Fatalf("FindByKeyID failed: %v", err)
	}
	if found == nil {
		t.Fatal("expected key, got nil")
	}
	if found.Metadata["peer"] != "bob" {
		t.Errorf("expected metadata peer=bob, got %v", found.Metadata)
	}
}

func TestKeyRepository_FindByKeyID_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRepository(setupTestDB(t))

	key, err := repo.FindByKeyID(ctx, "missing")
	if err != nil {
		t.Fatalf("FindByKeyID failed: %v", err)
	}
	if key != nil {
		t.Errorf("expected nil, got %+v", key)
	}
}

func TestKeyRepository_Consume(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)
	now := time.Now()

	insertTestKey(t, db, "key-1", 0, 1, now.Add(time.Hour))

	// 1回目: 成功し、使用回数が進む
	key, err := repo.Consume(ctx, "key-1", now)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if key == nil {
		t.Fatal("expected key, got nil")
	}
	if key.UsageCount != 1 {
		t.Errorf("expected usage_count=1, got %d", key.UsageCount)
	}

	// 2回目: 上限到達のためnil、レコードは変更されない
	key, err = repo.Consume(ctx, "key-1", now)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if key != nil {
		t.Errorf("expected nil for exhausted key, got %+v", key)
	}

	var model QuantumKeyModel
	if err := db.Where("key_id = ?", "key-1").First(&model).Error; err != nil {
		t.Fatalf("failed to fetch record: %v", err)
	}
	if model.UsageCount != 1 {
		t.Errorf("failed consume must not change usage_count, got %d", model.UsageCount)
	}
}

func TestKeyRepository_Consume_Expired(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)
	now := time.Now()

	insertTestKey(t, db, "key-1", 0, 1, now.Add(-time.Minute))

	key, err := repo.Consume(ctx, "key-1", now)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if key != nil {
		t.Errorf("expected nil for expired key, got %+v", key)
	}
}

func TestKeyRepository_Consume_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRepository(setupTestDB(t))

	key, err := repo.Consume(ctx, "missing", time.Now())
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if key != nil {
		t.Errorf("expected nil, got %+v", key)
	}
}

func TestKeyRepository_FindAll_OrderedByCreatedAt(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	// 作成日時が異なるレコードを順不同で挿入
	base := time.Now().Add(-time.Hour)
	order := []struct {
		keyID     string
		createdAt time.Time
	}{
		{"key-3", base.Add(3 * time.Minute)},
		{"key-1", base.Add(1 * time.Minute)},
		{"key-2", base.Add(2 * time.Minute)},
	}
	for _, data := range order {
		err := db.Exec("INSERT INTO quantum_keys (id, key_id, encrypted_key, usage_count, max_usage, created_at, expires_at) VALUES (?, ?, ?, 0, 1, ?, ?)",
			"id-"+data.keyID, data.keyID, []byte("encrypted"), data.createdAt, base.Add(24*time.Hour)).Error
		if err != nil {
			t.Fatalf("failed to insert test data: %v", err)
		}
	}

	keys, err := repo.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(keys))
	}
	for i, want := range []string{"key-1", "key-2", "key-3"} {
		if keys[i].KeyID != want {
			t.Errorf("keys[%d]: expected key_id=%s, got %s", i, want, keys[i].KeyID)
		}
	}
}

func TestKeyRepository_FindExpired(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)
	now := time.Now()

	insertTestKey(t, db, "expired-1", 0, 1, now.Add(-time.Hour))
	insertTestKey(t, db, "expired-2", 0, 1, now.Add(-time.Minute))
	insertTestKey(t, db, "live-1", 0, 1, now.Add(time.Hour))

	expired, err := repo.FindExpired(ctx, now)
	if err != nil {
		t.Fatalf("FindExpired failed: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expected 2 expired keys, got %d", len(expired))
	}
	for _, key := range expired {
		if key.KeyID == "live-1" {
			t.Error("live key reported as expired")
		}
	}
}

func TestKeyRepository_OverwriteAndDelete(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	insertTestKey(t, db, "key-1", 0, 1, time.Now().Add(time.Hour))

	garbage := bytes.Repeat([]byte{0xAA}, 16)
	if err := repo.OverwriteAndDelete(ctx, "key-1", garbage); err != nil {
		t.Fatalf("OverwriteAndDelete failed: %v", err)
	}

	var count int64
	if err := db.Model(&QuantumKeyModel{}).Where("key_id = ?", "key-1").Count(&count).Error; err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected record deleted, got %d records", count)
	}
}

func TestKeyRepository_OverwriteAndDelete_MissingKeyIsNoop(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRepository(setupTestDB(t))

	if err := repo.OverwriteAndDelete(ctx, "missing", []byte("garbage")); err != nil {
		t.Errorf("delete of missing key must succeed, got %v", err)
	}
}
