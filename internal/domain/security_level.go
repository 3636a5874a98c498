package domain

// SecurityLevel は暗号化エンジンのセキュリティレベルを表す。
// 閉じた列挙型であり、4つのレベル以外の値は不正とみなす。
type SecurityLevel int

const (
	// SecurityLevelBasic は量子鍵とのXOR（ワンタイムパッド原則）。
	SecurityLevelBasic SecurityLevel = 1
	// SecurityLevelStandard は量子鍵から導出した鍵によるAES-256-GCM。
	SecurityLevelStandard SecurityLevel = 2
	// SecurityLevelHigh は新鮮なエントロピーと量子鍵の混合によるChaCha20-Poly1305。
	SecurityLevelHigh SecurityLevel = 3
	// SecurityLevelMaximum はKyber768 KEMによるハイブリッド暗号化。
	SecurityLevelMaximum SecurityLevel = 4
)

// アルゴリズムタグ。パッケージメタデータのalgorithmフィールドに格納される。
const (
	AlgorithmXOR    = "XOR-OTP"
	AlgorithmAESGCM = "AES-256-GCM"
	AlgorithmChaCha = "ChaCha20-Poly1305"
	AlgorithmHybrid = "Hybrid-Kyber768-AES-256-GCM"
)

// Valid はセキュリティレベルが定義済みの値かどうかを返す。
func (l SecurityLevel) Valid() bool {
	switch l {
	case SecurityLevelBasic, SecurityLevelStandard, SecurityLevelHigh, SecurityLevelMaximum:
		return true
	}
	return false
}

// String はセキュリティレベルの名前を返す。
func (l SecurityLevel) String() string {
	switch l {
	case SecurityLevelBasic:
		return "basic"
	case SecurityLevelStandard:
		return "standard"
	case SecurityLevelHigh:
		return "high"
	case SecurityLevelMaximum:
		return "maximum"
	}
	return "unknown"
}

// Algorithm はセキュリティレベルに対応するアルゴリズムタグを返す。
func (l SecurityLevel) Algorithm() string {
	switch l {
	case SecurityLevelBasic:
		return AlgorithmXOR
	case SecurityLevelStandard:
		return AlgorithmAESGCM
	case SecurityLevelHigh:
		return AlgorithmChaCha
	case SecurityLevelMaximum:
		return AlgorithmHybrid
	}
	return ""
}

// PackageMetadata は暗号化パッケージに付随するメタデータを表す。
// 復号に必要な公開情報のみを含み、秘密情報は含まない。
type PackageMetadata struct {
	SecurityLevel SecurityLevel
	Algorithm     string
	Nonce         []byte
	KeyMixing     bool
	// Entropy はHighレベルで量子鍵と混合される公開エントロピー。
	// 秘密ではないが、復号側が最終鍵を再構成するために必要。
	Entropy []byte
	// EncryptedKey はMaximumレベルのKEM暗号文とラップ済みエフェメラル鍵。
	// それ以外のレベルではnil。
	EncryptedKey []byte
}
