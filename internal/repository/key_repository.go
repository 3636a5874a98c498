// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"quantum-key-service/internal/domain"
)

// QuantumKeyModel はgorm用のモデル定義。
type QuantumKeyModel struct {
	ID           string    `gorm:"type:char(36);primaryKey"`
	KeyID        string    `gorm:"type:char(36);not null;uniqueIndex:uk_key_id"`
	EncryptedKey []byte    `gorm:"type:blob;not null"`
	Metadata     string    `gorm:"type:text"`
	UsageCount   uint      `gorm:"not null;default:0"`
	MaxUsage     uint      `gorm:"not null;default:1"`
	CreatedAt    time.Time `gorm:"type:datetime(6);not null;autoCreateTime;index:idx_created_at"`
	ExpiresAt    time.Time `gorm:"type:datetime(6);not null;index:idx_expires_at"`
	UpdatedAt    time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (QuantumKeyModel) TableName() string {
	return "quantum_keys"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *QuantumKeyModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *QuantumKeyModel) toDomain() *domain.QuantumKey {
	metadata := map[string]string{}
	if m.Metadata != "" {
		// 不正なJSONは空のメタデータとして扱う
		_ = json.Unmarshal([]byte(m.Metadata), &metadata)
	}
	return &domain.QuantumKey{
		ID:           m.ID,
		KeyID:        m.KeyID,
		EncryptedKey: m.EncryptedKey,
		Metadata:     metadata,
		UsageCount:   m.UsageCount,
		MaxUsage:     m.MaxUsage,
		CreatedAt:    m.CreatedAt,
		ExpiresAt:    m.ExpiresAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

// KeyRepository は量子鍵のデータアクセスを提供する。
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository は新しいKeyRepositoryを生成する。
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// ExistsByKeyID は指定された鍵IDのレコードが存在するか確認する。
func (r *KeyRepository) ExistsByKeyID(ctx context.Context, keyID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&QuantumKeyModel{}).
		Where("key_id = ?", keyID).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count keys by key_id",
			"operation", "exists_by_key_id",
			"key_id", keyID,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}

// Create は新しい量子鍵レコードを保存する。
func (r *KeyRepository) Create(ctx context.Context, key *domain.QuantumKey) error {
	metadata, err := json.Marshal(key.Metadata)
	if err != nil {
		return err
	}

	model := &QuantumKeyModel{
		ID:           key.ID,
		KeyID:        key.KeyID,
		EncryptedKey: key.EncryptedKey,
		Metadata:     string(metadata),
		UsageCount:   key.UsageCount,
		MaxUsage:     key.MaxUsage,
		ExpiresAt:    key.ExpiresAt,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create key",
			"operation", "create",
			"key_id", key.KeyID,
			"error", err,
		)
		return err
	}
	// gormで設定された値をドメインエンティティに反映
	key.ID = model.ID
	key.CreatedAt = model.CreatedAt
	key.UpdatedAt = model.UpdatedAt
	return nil
}

// FindByKeyID は指定された鍵IDのレコードを取得する。存在しない場合はnilを返す。
func (r *KeyRepository) FindByKeyID(ctx context.Context, keyID string) (*domain.QuantumKey, error) {
	var model QuantumKeyModel
	err := r.db.WithContext(ctx).
		Where("key_id = ?", keyID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key",
			"operation", "find_by_key_id",
			"key_id", keyID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// Consume は有効期限内かつ使用回数上限未満の場合に限り、使用回数を
// 1つ進めてレコードを返す。判定と加算は単一のUPDATE文で行われるため、
// 同じワンタイム鍵に対する並行呼び出しのうち成功するのは1つだけになる。
// 条件を満たさない場合は(nil, nil)を返し、一切の変更を行わない。
func (r *KeyRepository) Consume(ctx context.Context, keyID string, now time.Time) (*domain.QuantumKey, error) {
	var consumed *domain.QuantumKey
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&QuantumKeyModel{}).
			Where("key_id = ? AND usage_count < max_usage AND expires_at > ?", keyID, now).
			Update("usage_count", gorm.Expr("usage_count + 1"))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		var model QuantumKeyModel
		if err := tx.Where("key_id = ?", keyID).First(&model).Error; err != nil {
			return err
		}
		consumed = model.toDomain()
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to consume key",
			"operation", "consume",
			"key_id", keyID,
			"error", err,
		)
		return nil, err
	}
	return consumed, nil
}

// FindAll は全レコードを作成日時順に取得する。
func (r *KeyRepository) FindAll(ctx context.Context) ([]*domain.QuantumKey, error) {
	var models []QuantumKeyModel
	err := r.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find all keys",
			"operation", "find_all",
			"error", err,
		)
		return nil, err
	}

	keys := make([]*domain.QuantumKey, len(models))
	for i, m := range models {
		keys[i] = m.toDomain()
	}
	return keys, nil
}

// FindExpired は指定時刻の時点で期限切れの全レコードを取得する。
func (r *KeyRepository) FindExpired(ctx context.Context, now time.Time) ([]*domain.QuantumKey, error) {
	var models []QuantumKeyModel
	err := r.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find expired keys",
			"operation", "find_expired",
			"error", err,
		)
		return nil, err
	}

	keys := make([]*domain.QuantumKey, len(models))
	for i, m := range models {
		keys[i] = m.toDomain()
	}
	return keys, nil
}

// OverwriteAndDelete は格納済みの鍵バイト列を上書きしてからレコードを
// 削除する（セキュア消去）。上書きと削除は同一トランザクションで行われ、
// 並行する参照が削除後のレコードを有効として観測することはない。
func (r *KeyRepository) OverwriteAndDelete(ctx context.Context, keyID string, garbage []byte) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&QuantumKeyModel{}).
			Where("key_id = ?", keyID).
			Update("encrypted_key", garbage)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// 冪等: 存在しない鍵の削除はエラーにしない
			return nil
		}
		return tx.Where("key_id = ?", keyID).Delete(&QuantumKeyModel{}).Error
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete key",
			"operation", "overwrite_and_delete",
			"key_id", keyID,
			"error", err,
		)
		return err
	}
	return nil
}
