// Package wire は暗号化パッケージのJSONワイヤフォーマットを提供する。
// メール転送層などの外部コラボレータは、このフォーマットを不透明な
// ペイロードとして受け渡しする。
package wire

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"quantum-key-service/internal/domain"
)

// Version は現在のワイヤフォーマットのバージョン。
const Version = "1.0"

// Package は転送用の暗号化パッケージを表す。
type Package struct {
	Ciphertext string   `json:"ciphertext"` // base64
	KeyID      string   `json:"key_id"`
	Metadata   Metadata `json:"metadata"`
	SenderID   string   `json:"sender_id"`
	Version    string   `json:"version"`
}

// Metadata は復号に必要な公開メタデータを表す。
type Metadata struct {
	SecurityLevel int     `json:"security_level"`
	Algorithm     string  `json:"algorithm"`
	Nonce         string  `json:"nonce"` // hex
	KeyMixing     bool    `json:"key_mixing"`
	Entropy       string  `json:"entropy,omitempty"` // hex（Highレベルのみ）
	EncryptedKey  *string `json:"encrypted_key"`     // base64（Maximumレベルのみ）
}

// New は暗号化結果からワイヤ形式のパッケージを構築する。
func New(ciphertext []byte, keyID, senderID string, meta *domain.PackageMetadata) *Package {
	m := Metadata{
		SecurityLevel: int(meta.SecurityLevel),
		Algorithm:     meta.Algorithm,
		Nonce:         hex.EncodeToString(meta.Nonce),
		KeyMixing:     meta.KeyMixing,
	}
	if len(meta.Entropy) > 0 {
		m.Entropy = hex.EncodeToString(meta.Entropy)
	}
	if len(meta.EncryptedKey) > 0 {
		encoded := base64.StdEncoding.EncodeToString(meta.EncryptedKey)
		m.EncryptedKey = &encoded
	}

	return &Package{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		KeyID:      keyID,
		Metadata:   m,
		SenderID:   senderID,
		Version:    Version,
	}
}

// Marshal はパッケージをJSONにエンコードする。
func (p *Package) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// Unmarshal はJSONからパッケージを復元し、形式を検証する。
func Unmarshal(data []byte) (*Package, error) {
	var p Package
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPackage, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate はパッケージの必須フィールドと値域を検証する。
func (p *Package) Validate() error {
	if p.KeyID == "" {
		return fmt.Errorf("%w: missing key_id", domain.ErrInvalidPackage)
	}
	if p.Version == "" {
		return fmt.Errorf("%w: missing version", domain.ErrInvalidPackage)
	}
	level := domain.SecurityLevel(p.Metadata.SecurityLevel)
	if !level.Valid() {
		return fmt.Errorf("%w: %d", domain.ErrUnsupportedSecurityLevel, p.Metadata.SecurityLevel)
	}
	return nil
}

// Payload はワイヤ形式から暗号文と復号用メタデータを取り出す。
func (p *Package) Payload() ([]byte, *domain.PackageMetadata, error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(p.Ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad ciphertext encoding", domain.ErrInvalidPackage)
	}

	meta := &domain.PackageMetadata{
		SecurityLevel: domain.SecurityLevel(p.Metadata.SecurityLevel),
		Algorithm:     p.Metadata.Algorithm,
		KeyMixing:     p.Metadata.KeyMixing,
	}
	if p.Metadata.Nonce != "" {
		meta.Nonce, err = hex.DecodeString(p.Metadata.Nonce)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: bad nonce encoding", domain.ErrInvalidPackage)
		}
	}
	if p.Metadata.Entropy != "" {
		meta.Entropy, err = hex.DecodeString(p.Metadata.Entropy)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: bad entropy encoding", domain.ErrInvalidPackage)
		}
	}
	if p.Metadata.EncryptedKey != nil {
		meta.EncryptedKey, err = base64.StdEncoding.DecodeString(*p.Metadata.EncryptedKey)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: bad encrypted_key encoding", domain.ErrInvalidPackage)
		}
	}

	return ciphertext, meta, nil
}
