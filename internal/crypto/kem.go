package crypto

import (
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber768"
)

// KEM はKyber768によるカプセル化メカニズムをラップする。
// Maximumレベルでエフェメラル鍵を受信者へ安全に運ぶために使用する。
type KEM struct {
	scheme kem.Scheme
}

// NewKEM は新しいKEMを生成する。
func NewKEM() *KEM {
	return &KEM{scheme: kyber768.Scheme()}
}

// CiphertextSize はKEM暗号文のバイト長を返す。
func (k *KEM) CiphertextSize() int {
	return k.scheme.CiphertextSize()
}

// GenerateKeyPair はKyber768の鍵ペアを生成する。
func (k *KEM) GenerateKeyPair() (publicKey, privateKey []byte, err error) {
	pub, priv, err := k.scheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("generating KEM key pair: %w", err)
	}

	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling public key: %w", err)
	}
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling private key: %w", err)
	}

	return pubBytes, privBytes, nil
}

// Encapsulate は公開鍵に対して共有秘密とKEM暗号文を生成する。
func (k *KEM) Encapsulate(publicKeyBytes []byte) (sharedSecret, ciphertext []byte, err error) {
	publicKey, err := k.scheme.UnmarshalBinaryPublicKey(publicKeyBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("unmarshaling public key: %w", err)
	}

	ct, ss, err := k.scheme.Encapsulate(publicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("encapsulating: %w", err)
	}
	return ss, ct, nil
}

// Decapsulate は秘密鍵とKEM暗号文から共有秘密を復元する。
func (k *KEM) Decapsulate(privateKeyBytes, ciphertext []byte) ([]byte, error) {
	privateKey, err := k.scheme.UnmarshalBinaryPrivateKey(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling private key: %w", err)
	}

	ss, err := k.scheme.Decapsulate(privateKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decapsulating: %w", err)
	}
	return ss, nil
}
