// Package crypto は量子鍵を用いた4段階の暗号化エンジンを提供する。
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"quantum-key-service/internal/domain"
)

const (
	// symmetricKeySize はAES-256/ChaCha20の鍵長。
	symmetricKeySize = 32
	// nonceSize はAES-GCM/ChaCha20-Poly1305のノンス長。
	nonceSize = 12
	// entropySize はHighレベルで混合する公開エントロピーの長さ（256ビット）。
	entropySize = 32
	// ephemeralKeySize はMaximumレベルのエフェメラル鍵長。
	ephemeralKeySize = 32

	// HKDFのドメイン分離文字列
	hkdfInfoStandard = "quantum-key-service:standard:v1"
	hkdfInfoHigh     = "quantum-key-service:high:v1"
	hkdfInfoKEMWrap  = "quantum-key-service:kem-wrap:v1"
)

// Engine はセキュリティレベルに応じた暗号化・復号を提供する。
// 量子鍵は値渡しで受け取り、鍵のライフサイクル管理には関与しない。
type Engine struct {
	kem  *KEM
	rand io.Reader
}

// NewEngine は新しいEngineを生成する。
func NewEngine() *Engine {
	return &Engine{
		kem:  NewKEM(),
		rand: rand.Reader,
	}
}

// Encrypt は指定されたセキュリティレベルで平文を暗号化する。
// Maximumレベルでは受信者のKyber768公開鍵が必須。
// レベルのディスパッチは閉じた列挙に対して網羅的に行われ、
// 未定義のレベルはErrUnsupportedSecurityLevelとなる。
func (e *Engine) Encrypt(plaintext, quantumKey []byte, level domain.SecurityLevel, recipientPublicKey []byte) ([]byte, *domain.PackageMetadata, error) {
	if len(quantumKey) == 0 {
		return nil, nil, fmt.Errorf("%w: empty quantum key", domain.ErrInvalidKeyLength)
	}

	switch level {
	case domain.SecurityLevelBasic:
		return e.encryptBasic(plaintext, quantumKey)
	case domain.SecurityLevelStandard:
		return e.encryptStandard(plaintext, quantumKey)
	case domain.SecurityLevelHigh:
		return e.encryptHigh(plaintext, quantumKey)
	case domain.SecurityLevelMaximum:
		return e.encryptMaximum(plaintext, quantumKey, recipientPublicKey)
	default:
		return nil, nil, fmt.Errorf("%w: %d", domain.ErrUnsupportedSecurityLevel, level)
	}
}

// Decrypt はメタデータのセキュリティレベルに従って暗号文を復号する。
// Maximumレベルでは受信者のKyber768秘密鍵が必須。
// AEADの認証タグ検証に失敗した場合はErrAuthenticationFailedを返し、
// 部分的な平文も一切返却しない。
func (e *Engine) Decrypt(ciphertext, quantumKey []byte, meta *domain.PackageMetadata, privateKey []byte) ([]byte, error) {
	if meta == nil {
		return nil, fmt.Errorf("%w: missing metadata", domain.ErrInvalidPackage)
	}
	if len(quantumKey) == 0 {
		return nil, fmt.Errorf("%w: empty quantum key", domain.ErrInvalidKeyLength)
	}

	switch meta.SecurityLevel {
	case domain.SecurityLevelBasic:
		return xorCycle(ciphertext, quantumKey), nil
	case domain.SecurityLevelStandard:
		return e.decryptStandard(ciphertext, quantumKey, meta)
	case domain.SecurityLevelHigh:
		return e.decryptHigh(ciphertext, quantumKey, meta)
	case domain.SecurityLevelMaximum:
		return e.decryptMaximum(ciphertext, quantumKey, meta, privateKey)
	default:
		return nil, fmt.Errorf("%w: %d", domain.ErrUnsupportedSecurityLevel, meta.SecurityLevel)
	}
}

// encryptBasic は量子鍵とのXORで暗号化する。
//
// 鍵長が平文以上かつ鍵を再利用しない場合に限り、ワンタイムパッドとして
// 情報理論的秘匿性を持つ。鍵が平文より短い場合は鍵を循環使用するが、
// これは繰り返し鍵XORに退化しOTPの保証を失う（明示的な契約事項）。
// このレベルに完全性保護はない。
func (e *Engine) encryptBasic(plaintext, quantumKey []byte) ([]byte, *domain.PackageMetadata, error) {
	ciphertext := xorCycle(plaintext, quantumKey)
	return ciphertext, &domain.PackageMetadata{
		SecurityLevel: domain.SecurityLevelBasic,
		Algorithm:     domain.AlgorithmXOR,
		KeyMixing:     false,
	}, nil
}

// encryptStandard は量子鍵からHKDF-SHA256で256ビット鍵を導出し、
// AES-256-GCMで認証付き暗号化する。
func (e *Engine) encryptStandard(plaintext, quantumKey []byte) ([]byte, *domain.PackageMetadata, error) {
	key, err := deriveKey(quantumKey, hkdfInfoStandard)
	if err != nil {
		return nil, nil, err
	}
	defer domain.Zeroize(key)

	nonce, err := e.randomBytes(nonceSize)
	if err != nil {
		return nil, nil, err
	}

	ciphertext, err := sealAESGCM(key, nonce, plaintext)
	if err != nil {
		return nil, nil, err
	}

	return ciphertext, &domain.PackageMetadata{
		SecurityLevel: domain.SecurityLevelStandard,
		Algorithm:     domain.AlgorithmAESGCM,
		Nonce:         nonce,
		KeyMixing:     false,
	}, nil
}

func (e *Engine) decryptStandard(ciphertext, quantumKey []byte, meta *domain.PackageMetadata) ([]byte, error) {
	if len(meta.Nonce) != nonceSize {
		return nil, fmt.Errorf("%w: bad nonce size %d", domain.ErrInvalidPackage, len(meta.Nonce))
	}

	key, err := deriveKey(quantumKey, hkdfInfoStandard)
	if err != nil {
		return nil, err
	}
	defer domain.Zeroize(key)

	return openAESGCM(key, meta.Nonce, ciphertext)
}

// encryptHigh は256ビットの新鮮なエントロピーを量子鍵と混合（XOR後にハッシュ）
// して最終鍵を作り、ChaCha20-Poly1305で暗号化する。エントロピーは秘密では
// ないためメタデータで伝送するが、量子鍵が予測可能あるいは漏洩していた
// 場合でも単独では最終鍵を復元できない。
func (e *Engine) encryptHigh(plaintext, quantumKey []byte) ([]byte, *domain.PackageMetadata, error) {
	entropy, err := e.randomBytes(entropySize)
	if err != nil {
		return nil, nil, err
	}

	key, err := mixWithEntropy(quantumKey, entropy)
	if err != nil {
		return nil, nil, err
	}
	defer domain.Zeroize(key)

	nonce, err := e.randomBytes(nonceSize)
	if err != nil {
		return nil, nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return ciphertext, &domain.PackageMetadata{
		SecurityLevel: domain.SecurityLevelHigh,
		Algorithm:     domain.AlgorithmChaCha,
		Nonce:         nonce,
		KeyMixing:     true,
		Entropy:       entropy,
	}, nil
}

func (e *Engine) decryptHigh(ciphertext, quantumKey []byte, meta *domain.PackageMetadata) ([]byte, error) {
	if len(meta.Nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: bad nonce size %d", domain.ErrInvalidPackage, len(meta.Nonce))
	}
	if len(meta.Entropy) != entropySize {
		return nil, fmt.Errorf("%w: bad entropy size %d", domain.ErrInvalidPackage, len(meta.Entropy))
	}

	key, err := mixWithEntropy(quantumKey, meta.Entropy)
	if err != nil {
		return nil, err
	}
	defer domain.Zeroize(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, meta.Nonce, ciphertext, nil)
	if err != nil {
		return nil, domain.ErrAuthenticationFailed
	}
	return plaintext, nil
}

// encryptMaximum はランダムなエフェメラル鍵を量子鍵と混合してデータ鍵を作り、
// AES-256-GCMで暗号化する。エフェメラル鍵はKyber768 KEMで確立した共有秘密
// によりラップして伝送する。量子鍵側の半分は鍵ストアの外を通らないため、
// KEMが破られてもデータ鍵は復元できず、逆に量子鍵が漏れてもエフェメラル
// 鍵がなければ復号できない。
func (e *Engine) encryptMaximum(plaintext, quantumKey, recipientPublicKey []byte) ([]byte, *domain.PackageMetadata, error) {
	if len(recipientPublicKey) == 0 {
		return nil, nil, domain.ErrMissingAsymmetricKey
	}

	ephemeral, err := e.randomBytes(ephemeralKeySize)
	if err != nil {
		return nil, nil, err
	}
	defer domain.Zeroize(ephemeral)

	dataKey := mixKeys(ephemeral, quantumKey)
	defer domain.Zeroize(dataKey)

	// KEMで共有秘密を確立し、エフェメラル鍵をラップする
	sharedSecret, kemCiphertext, err := e.kem.Encapsulate(recipientPublicKey)
	if err != nil {
		return nil, nil, err
	}
	defer domain.Zeroize(sharedSecret)

	wrapKey, err := deriveKey(sharedSecret, hkdfInfoKEMWrap)
	if err != nil {
		return nil, nil, err
	}
	defer domain.Zeroize(wrapKey)

	wrapNonce, err := e.randomBytes(nonceSize)
	if err != nil {
		return nil, nil, err
	}
	wrapped, err := sealAESGCM(wrapKey, wrapNonce, ephemeral)
	if err != nil {
		return nil, nil, err
	}

	// encrypted_key = KEM暗号文 || ラップ用ノンス || ラップ済みエフェメラル鍵
	encryptedKey := make([]byte, 0, len(kemCiphertext)+nonceSize+len(wrapped))
	encryptedKey = append(encryptedKey, kemCiphertext...)
	encryptedKey = append(encryptedKey, wrapNonce...)
	encryptedKey = append(encryptedKey, wrapped...)

	nonce, err := e.randomBytes(nonceSize)
	if err != nil {
		return nil, nil, err
	}
	ciphertext, err := sealAESGCM(dataKey, nonce, plaintext)
	if err != nil {
		return nil, nil, err
	}

	return ciphertext, &domain.PackageMetadata{
		SecurityLevel: domain.SecurityLevelMaximum,
		Algorithm:     domain.AlgorithmHybrid,
		Nonce:         nonce,
		KeyMixing:     true,
		EncryptedKey:  encryptedKey,
	}, nil
}

func (e *Engine) decryptMaximum(ciphertext, quantumKey []byte, meta *domain.PackageMetadata, privateKey []byte) ([]byte, error) {
	if len(privateKey) == 0 {
		return nil, domain.ErrMissingAsymmetricKey
	}
	if len(meta.Nonce) != nonceSize {
		return nil, fmt.Errorf("%w: bad nonce size %d", domain.ErrInvalidPackage, len(meta.Nonce))
	}

	kemSize := e.kem.CiphertextSize()
	if len(meta.EncryptedKey) <= kemSize+nonceSize {
		return nil, fmt.Errorf("%w: encrypted key too short", domain.ErrInvalidPackage)
	}
	kemCiphertext := meta.EncryptedKey[:kemSize]
	wrapNonce := meta.EncryptedKey[kemSize : kemSize+nonceSize]
	wrapped := meta.EncryptedKey[kemSize+nonceSize:]

	sharedSecret, err := e.kem.Decapsulate(privateKey, kemCiphertext)
	if err != nil {
		return nil, err
	}
	defer domain.Zeroize(sharedSecret)

	wrapKey, err := deriveKey(sharedSecret, hkdfInfoKEMWrap)
	if err != nil {
		return nil, err
	}
	defer domain.Zeroize(wrapKey)

	ephemeral, err := openAESGCM(wrapKey, wrapNonce, wrapped)
	if err != nil {
		return nil, err
	}
	defer domain.Zeroize(ephemeral)

	dataKey := mixKeys(ephemeral, quantumKey)
	defer domain.Zeroize(dataKey)

	return openAESGCM(dataKey, meta.Nonce, ciphertext)
}

// xorCycle はデータを鍵とXORする。鍵が短い場合は循環使用する。
// XORは対合であり、暗号化と復号は同一の操作になる。
func xorCycle(data, key []byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ key[i%len(key)]
	}
	return out
}

// deriveKey はHKDF-SHA256で256ビット鍵を導出する。
func deriveKey(secret []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, symmetricKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// mixWithEntropy は量子鍵由来の導出鍵と公開エントロピーをXORし、
// SHA-256で最終鍵に圧縮する。
func mixWithEntropy(quantumKey, entropy []byte) ([]byte, error) {
	derived, err := deriveKey(quantumKey, hkdfInfoHigh)
	if err != nil {
		return nil, err
	}
	defer domain.Zeroize(derived)

	mixed := make([]byte, entropySize)
	for i := range mixed {
		mixed[i] = derived[i] ^ entropy[i]
	}
	defer domain.Zeroize(mixed)

	sum := sha256.Sum256(mixed)
	return sum[:], nil
}

// mixKeys は2つの鍵を短い方の長さでXORし、SHA-256で圧縮する。
func mixKeys(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	mixed := make([]byte, n)
	for i := range mixed {
		mixed[i] = a[i] ^ b[i]
	}
	defer domain.Zeroize(mixed)

	sum := sha256.Sum256(mixed)
	return sum[:]
}

func sealAESGCM(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

func openAESGCM(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, domain.ErrAuthenticationFailed
	}
	return plaintext, nil
}

func (e *Engine) randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(e.rand, buf); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return buf, nil
}
