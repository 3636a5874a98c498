package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"quantum-key-service/internal/domain"
	"quantum-key-service/internal/qkd"
)

// KeyEstablisher は量子鍵配送チャネルのインターフェース。
type KeyEstablisher interface {
	EstablishKeyPair(partyA, partyB string, keyLengthBits int) (*qkd.Result, error)
}

// KeyStore は鍵の保存先のインターフェース。ローカルの鍵ストアと、
// 認証済み同期チャネル越しの相手側鍵ストアの両方がこれを満たす。
type KeyStore interface {
	StoreKey(ctx context.Context, key []byte, keyID string, metadata map[string]string, ttl time.Duration, maxUsage uint) (*domain.KeyMetadata, error)
}

// ExchangeService は鍵交換プロトコルを実装する。量子チャネルで確立した
// 鍵を両当事者の鍵ストアへ同じ鍵IDで書き込み、以降の暗号通信で
// 鍵IDによる参照を可能にする。
type ExchangeService struct {
	channel  KeyEstablisher
	ttl      time.Duration
	maxUsage uint
}

// NewExchangeService は新しいExchangeServiceを生成する。
// ttlが0以下、maxUsageが0の場合はドメインの既定値が適用される。
func NewExchangeService(channel KeyEstablisher, ttl time.Duration, maxUsage uint) *ExchangeService {
	if ttl <= 0 {
		ttl = domain.DefaultKeyTTL
	}
	if maxUsage == 0 {
		maxUsage = domain.DefaultMaxUsage
	}
	return &ExchangeService{
		channel:  channel,
		ttl:      ttl,
		maxUsage: maxUsage,
	}
}

// RequestKey は量子チャネルで鍵を確立し、自側と相手側の両鍵ストアへ
// 保存する。両ストアへの書き込みは明示的な2回の書き込みであり、
// 2回目が失敗した場合は1回目を取り消してから失敗を返す。
// 量子チャネルの失敗（ErrProtocolAborted、ErrInsufficientMaterial）は
// そのまま伝搬し、どちらのストアにも書き込みは行われない。
// 返却された鍵の消去は呼び出し側の責務。
func (s *ExchangeService) RequestKey(ctx context.Context, local, peer KeyStore, localID, peerID string, keyLengthBits int, metadata map[string]string) (*domain.Key, error) {
	result, err := s.channel.EstablishKeyPair(localID, peerID, keyLengthBits)
	if err != nil {
		return nil, fmt.Errorf("establishing key pair: %w", err)
	}

	localMeta := withPeer(metadata, peerID)
	peerMeta := withPeer(metadata, localID)

	if _, err := local.StoreKey(ctx, result.Key, result.KeyID, localMeta, s.ttl, s.maxUsage); err != nil {
		domain.Zeroize(result.Key)
		return nil, fmt.Errorf("storing key locally: %w", err)
	}
	if _, err := peer.StoreKey(ctx, result.Key, result.KeyID, peerMeta, s.ttl, s.maxUsage); err != nil {
		// 片側だけに鍵が残る状態を避ける
		if rollback, ok := local.(interface {
			DeleteKey(ctx context.Context, keyID string) error
		}); ok {
			if rbErr := rollback.DeleteKey(ctx, result.KeyID); rbErr != nil {
				slog.ErrorContext(ctx, "failed to roll back local key",
					"operation", "request_key",
					"key_id", result.KeyID,
					"error", rbErr,
				)
			}
		}
		domain.Zeroize(result.Key)
		return nil, fmt.Errorf("storing key at peer: %w", err)
	}

	slog.InfoContext(ctx, "key exchange completed",
		"operation", "request_key",
		"key_id", result.KeyID,
		"peer_id", peerID,
		"qber", result.QBER,
		"sifted_bits", result.SiftedBits,
	)

	return &domain.Key{
		KeyID: result.KeyID,
		Key:   result.Key,
	}, nil
}

// withPeer はメタデータのコピーにpeerエントリを加えて返す。
func withPeer(metadata map[string]string, peerID string) map[string]string {
	merged := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		merged[k] = v
	}
	merged["peer"] = peerID
	return merged
}
