package domain

import "errors"

var (
	// ErrKeyNotFound は指定された鍵IDの鍵が存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyAlreadyExists は指定された鍵IDが既に存在する場合のエラー。
	ErrKeyAlreadyExists = errors.New("key already exists")

	// ErrKeyExpired は鍵の有効期限が切れている場合のエラー。
	ErrKeyExpired = errors.New("key expired")

	// ErrKeyExhausted は鍵の使用回数が上限に達している場合のエラー。
	ErrKeyExhausted = errors.New("key usage limit exhausted")

	// ErrProtocolAborted はQBERがしきい値を超えて鍵交換が中断された場合のエラー。
	// 盗聴の可能性があるため、鍵素材は一切保持されない。
	ErrProtocolAborted = errors.New("qkd protocol aborted: error rate above threshold")

	// ErrInsufficientMaterial はふるい分け後のビット数が要求鍵長に満たない場合のエラー。
	ErrInsufficientMaterial = errors.New("insufficient sifted key material")

	// ErrAuthenticationFailed はAEADの認証タグ検証に失敗した場合のエラー。
	// 検証失敗時に平文は一切返却されない。
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrUnsupportedSecurityLevel は未知のセキュリティレベルが指定された場合のエラー。
	ErrUnsupportedSecurityLevel = errors.New("unsupported security level")

	// ErrMissingAsymmetricKey はMaximumレベルで非対称鍵が未指定の場合のエラー。
	ErrMissingAsymmetricKey = errors.New("missing asymmetric key for maximum security level")

	// ErrInvalidKeyID は鍵IDの形式が不正な場合のエラー。
	ErrInvalidKeyID = errors.New("invalid key ID")

	// ErrInvalidPeerID はピアIDの形式が不正な場合のエラー。
	ErrInvalidPeerID = errors.New("invalid peer ID")

	// ErrInvalidKeyLength は要求鍵長が不正な場合のエラー。
	ErrInvalidKeyLength = errors.New("invalid key length")

	// ErrInvalidPackage は暗号化パッケージの形式が不正な場合のエラー。
	ErrInvalidPackage = errors.New("invalid encrypted package")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
