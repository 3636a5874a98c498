// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// DefaultKeyTTL は量子鍵の既定の有効期間。
const DefaultKeyTTL = 24 * time.Hour

// DefaultMaxUsage は量子鍵の既定の最大使用回数。
// ワンタイムパッド原則に従い、既定では1回のみ使用できる。
// 複数回使用する場合は呼び出し側がStoreKeyで明示的にオプトインする。
const DefaultMaxUsage = 1

// QuantumKey はQKDで確立された量子鍵エンティティを表す。
type QuantumKey struct {
	ID           string
	KeyID        string
	EncryptedKey []byte
	Metadata     map[string]string
	UsageCount   uint
	MaxUsage     uint
	CreatedAt    time.Time
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// Expired は鍵が指定時刻の時点で期限切れかどうかを返す。
func (k *QuantumKey) Expired(now time.Time) bool {
	return now.After(k.ExpiresAt)
}

// Exhausted は鍵の使用回数が上限に達しているかどうかを返す。
func (k *QuantumKey) Exhausted() bool {
	return k.UsageCount >= k.MaxUsage
}

// KeyMetadata は量子鍵のメタデータを表す（平文鍵を含まない）。
type KeyMetadata struct {
	KeyID      string
	Metadata   map[string]string
	UsageCount uint
	MaxUsage   uint
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Key は復号済みの量子鍵を表す。
type Key struct {
	KeyID string
	Key   []byte // 平文の鍵（使用後はZeroizeで消去すること）
}

// Zeroize はバッファを0で上書きする。
// 鍵素材はGCによる回収を待たず、解放前に必ず上書き消去する。
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
