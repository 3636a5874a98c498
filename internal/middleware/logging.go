// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// AuditLog は監査ログの構造体。
type AuditLog struct {
	Operation string `json:"operation"`
	KeyID     string `json:"key_id,omitempty"`
	Result    string `json:"result"`
	Timestamp string `json:"timestamp"`
}

// WriteAuditLog は鍵操作の監査ログを出力する。鍵素材そのものは決して記録しない。
func WriteAuditLog(ctx context.Context, operation string, keyID string, result string) {
	slog.InfoContext(ctx, "key operation completed",
		"operation", operation,
		"key_id", keyID,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}
