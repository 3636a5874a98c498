// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"quantum-key-service/internal/domain"
)

// KeyRepository は量子鍵データアクセスのインターフェース。
type KeyRepository interface {
	ExistsByKeyID(ctx context.Context, keyID string) (bool, error)
	Create(ctx context.Context, key *domain.QuantumKey) error
	FindByKeyID(ctx context.Context, keyID string) (*domain.QuantumKey, error)
	Consume(ctx context.Context, keyID string, now time.Time) (*domain.QuantumKey, error)
	FindAll(ctx context.Context) ([]*domain.QuantumKey, error)
	FindExpired(ctx context.Context, now time.Time) ([]*domain.QuantumKey, error)
	OverwriteAndDelete(ctx context.Context, keyID string, garbage []byte) error
}

// KMSClient は保存時暗号化（エンベロープ暗号化）のインターフェース。
type KMSClient interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// KeyService は量子鍵のライフサイクル管理を提供する。
// 有効期限と使用回数上限を強制し、削除時はセキュア消去を行う。
type KeyService struct {
	repo      KeyRepository
	kmsClient KMSClient
	now       func() time.Time
}

// NewKeyService は新しいKeyServiceを生成する。
func NewKeyService(repo KeyRepository, kmsClient KMSClient) *KeyService {
	return &KeyService{
		repo:      repo,
		kmsClient: kmsClient,
		now:       time.Now,
	}
}

// StoreKey は量子鍵を指定された鍵IDで保存する。
// ttlが0以下の場合は既定の24時間、maxUsageが0の場合は既定の1回
// （ワンタイムパッド原則）が適用される。鍵IDが既に存在する場合は
// ErrKeyAlreadyExistsを返す。既存レコードが暗黙に上書きされることはない。
func (s *KeyService) StoreKey(ctx context.Context, key []byte, keyID string, metadata map[string]string, ttl time.Duration, maxUsage uint) (*domain.KeyMetadata, error) {
	if keyID == "" {
		return nil, domain.ErrInvalidKeyID
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key", domain.ErrInvalidKeyLength)
	}
	if ttl <= 0 {
		ttl = domain.DefaultKeyTTL
	}
	if maxUsage == 0 {
		maxUsage = domain.DefaultMaxUsage
	}

	exists, err := s.repo.ExistsByKeyID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("checking existing key: %w", err)
	}
	if exists {
		return nil, domain.ErrKeyAlreadyExists
	}

	// 保存時暗号化
	encryptedKey, err := s.kmsClient.Encrypt(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("encrypting key at rest: %w", err)
	}

	record := &domain.QuantumKey{
		KeyID:        keyID,
		EncryptedKey: encryptedKey,
		Metadata:     metadata,
		UsageCount:   0,
		MaxUsage:     maxUsage,
		ExpiresAt:    s.now().Add(ttl),
	}
	if err := s.repo.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("creating key: %w", err)
	}

	return &domain.KeyMetadata{
		KeyID:      record.KeyID,
		Metadata:   record.Metadata,
		UsageCount: record.UsageCount,
		MaxUsage:   record.MaxUsage,
		CreatedAt:  record.CreatedAt,
		ExpiresAt:  record.ExpiresAt,
	}, nil
}

// GetKey は量子鍵を取得し、使用回数を1つ進める。
// 有効期限と使用回数の判定、および使用回数の加算はリポジトリ側の単一の
// 原子的操作で行われるため、ワンタイム鍵への並行アクセスで複数の呼び出しが
// 同時に成功することはない。失敗時はレコードを一切変更せず、
// ErrKeyNotFound・ErrKeyExpired・ErrKeyExhaustedのいずれかを返す。
// 返却された平文鍵の消去（domain.Zeroize）は呼び出し側の責務。
func (s *KeyService) GetKey(ctx context.Context, keyID string) (*domain.Key, error) {
	record, err := s.repo.Consume(ctx, keyID, s.now())
	if err != nil {
		return nil, fmt.Errorf("consuming key: %w", err)
	}
	if record == nil {
		return nil, s.classifyLookupFailure(ctx, keyID)
	}

	plainKey, err := s.kmsClient.Decrypt(ctx, record.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("decrypting key: %w", err)
	}

	return &domain.Key{
		KeyID: record.KeyID,
		Key:   plainKey,
	}, nil
}

// classifyLookupFailure は取得失敗の原因を特定する。
func (s *KeyService) classifyLookupFailure(ctx context.Context, keyID string) error {
	record, err := s.repo.FindByKeyID(ctx, keyID)
	if err != nil {
		return fmt.Errorf("finding key: %w", err)
	}
	if record == nil {
		return domain.ErrKeyNotFound
	}
	if record.Expired(s.now()) {
		return domain.ErrKeyExpired
	}
	if record.Exhausted() {
		return domain.ErrKeyExhausted
	}
	// 分類と取得の間にレコードが変化した場合は枯渇として扱う
	return domain.ErrKeyExhausted
}

// GetKeyMetadata は鍵のメタデータを取得する。平文鍵は含まれない。
func (s *KeyService) GetKeyMetadata(ctx context.Context, keyID string) (*domain.KeyMetadata, error) {
	record, err := s.repo.FindByKeyID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("finding key: %w", err)
	}
	if record == nil {
		return nil, domain.ErrKeyNotFound
	}

	return &domain.KeyMetadata{
		KeyID:      record.KeyID,
		Metadata:   record.Metadata,
		UsageCount: record.UsageCount,
		MaxUsage:   record.MaxUsage,
		CreatedAt:  record.CreatedAt,
		ExpiresAt:  record.ExpiresAt,
	}, nil
}

// ListKeys は全鍵のメタデータを作成日時順に取得する。平文鍵は含まれない。
func (s *KeyService) ListKeys(ctx context.Context) ([]*domain.KeyMetadata, error) {
	records, err := s.repo.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding keys: %w", err)
	}

	metadata := make([]*domain.KeyMetadata, len(records))
	for i, r := range records {
		metadata[i] = &domain.KeyMetadata{
			KeyID:      r.KeyID,
			Metadata:   r.Metadata,
			UsageCount: r.UsageCount,
			MaxUsage:   r.MaxUsage,
			CreatedAt:  r.CreatedAt,
			ExpiresAt:  r.ExpiresAt,
		}
	}
	return metadata, nil
}

// DeleteKey は鍵をセキュア消去する。格納バイト列をランダムデータで
// 上書きしてからレコードを削除する。存在しない鍵の削除はエラーにならない（冪等）。
func (s *KeyService) DeleteKey(ctx context.Context, keyID string) error {
	record, err := s.repo.FindByKeyID(ctx, keyID)
	if err != nil {
		return fmt.Errorf("finding key: %w", err)
	}
	if record == nil {
		return nil
	}

	garbage := make([]byte, len(record.EncryptedKey))
	if _, err := rand.Read(garbage); err != nil {
		return fmt.Errorf("generating overwrite data: %w", err)
	}

	if err := s.repo.OverwriteAndDelete(ctx, keyID, garbage); err != nil {
		return fmt.Errorf("deleting key: %w", err)
	}
	return nil
}

// CleanupExpiredKeys は期限切れの鍵をすべてセキュア消去し、削除件数を返す。
func (s *KeyService) CleanupExpiredKeys(ctx context.Context) (int, error) {
	expired, err := s.repo.FindExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("finding expired keys: %w", err)
	}

	removed := 0
	for _, record := range expired {
		if err := s.DeleteKey(ctx, record.KeyID); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		slog.InfoContext(ctx, "expired keys removed",
			"operation", "cleanup_expired_keys",
			"removed", removed,
		)
	}
	return removed, nil
}
