// Package handler はHTTPハンドラを提供する。
package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"quantum-key-service/internal/domain"
	"quantum-key-service/internal/middleware"
	"quantum-key-service/internal/usecase"
	"quantum-key-service/pkg/httputil"
)

var (
	keyIDRegex  = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	peerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._@-]+$`)
)

// defaultKeyLengthBits は交換リクエストで鍵長が省略された場合の既定値。
const defaultKeyLengthBits = 256

// KeyHandler はHTTPハンドラを提供する。
type KeyHandler struct {
	keys      *usecase.KeyService
	exchange  *usecase.ExchangeService
	peerStore usecase.KeyStore
	localID   string
}

// NewKeyHandler は新しいKeyHandlerを生成する。peerStoreは認証済み
// 同期チャネル越しの相手側鍵ストアを表す。
func NewKeyHandler(keys *usecase.KeyService, exchange *usecase.ExchangeService, peerStore usecase.KeyStore, localID string) *KeyHandler {
	return &KeyHandler{
		keys:      keys,
		exchange:  exchange,
		peerStore: peerStore,
		localID:   localID,
	}
}

func validateKeyID(keyID string) error {
	if keyID == "" || len(keyID) > 64 || !keyIDRegex.MatchString(keyID) {
		return domain.ErrInvalidKeyID
	}
	return nil
}

func validatePeerID(peerID string) error {
	if peerID == "" || len(peerID) > 128 || !peerIDRegex.MatchString(peerID) {
		return domain.ErrInvalidPeerID
	}
	return nil
}

// ExchangeRequest は鍵交換リクエストの形式。
type ExchangeRequest struct {
	PeerID    string `json:"peer_id"`
	KeyLength int    `json:"key_length"`
	Purpose   string `json:"purpose"`
}

// ExchangeResponse は鍵交換レスポンスの形式。
type ExchangeResponse struct {
	KeyID string `json:"key_id"`
	Key   string `json:"key"`
}

// KeyMetadataResponse は鍵メタデータのレスポンス形式。鍵素材は含まれない。
type KeyMetadataResponse struct {
	KeyID      string            `json:"key_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	UsageCount uint              `json:"usage_count"`
	MaxUsage   uint              `json:"max_usage"`
	CreatedAt  string            `json:"created_at"`
	ExpiresAt  string            `json:"expires_at"`
}

// KeyListResponse は鍵一覧のレスポンス形式。
type KeyListResponse struct {
	Keys []KeyMetadataResponse `json:"keys"`
}

// CleanupResponse はクリーンアップ結果のレスポンス形式。
type CleanupResponse struct {
	Removed int `json:"removed"`
}

func toMetadataResponse(m *domain.KeyMetadata) KeyMetadataResponse {
	return KeyMetadataResponse{
		KeyID:      m.KeyID,
		Metadata:   m.Metadata,
		UsageCount: m.UsageCount,
		MaxUsage:   m.MaxUsage,
		CreatedAt:  m.CreatedAt.Format(time.RFC3339),
		ExpiresAt:  m.ExpiresAt.Format(time.RFC3339),
	}
}

// ExchangeKey は量子チャネルで鍵を確立し、両鍵ストアへ保存する。
// レスポンスには確立した鍵そのものが含まれる。呼び出し側は§6の通り信頼される。
func (h *KeyHandler) ExchangeKey(w http.ResponseWriter, r *http.Request) {
	var req ExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if err := validatePeerID(req.PeerID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_PEER_ID", "invalid peer ID format")
		return
	}
	keyLength := req.KeyLength
	if keyLength == 0 {
		keyLength = defaultKeyLengthBits
	}
	if keyLength < 8 || keyLength%8 != 0 {
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_LENGTH", "key length must be a positive multiple of 8")
		return
	}

	metadata := map[string]string{}
	if req.Purpose != "" {
		metadata["purpose"] = req.Purpose
	}

	key, err := h.exchange.RequestKey(r.Context(), h.keys, h.peerStore, h.localID, req.PeerID, keyLength, metadata)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "EXCHANGE_KEY", "", "FAILED")
		switch {
		case errors.Is(err, domain.ErrProtocolAborted):
			httputil.Error(w, http.StatusConflict, "PROTOCOL_ABORTED", "quantum channel error rate above threshold")
		case errors.Is(err, domain.ErrInsufficientMaterial):
			httputil.Error(w, http.StatusConflict, "INSUFFICIENT_MATERIAL", "not enough sifted bits for requested key length")
		case errors.Is(err, domain.ErrInvalidKeyLength):
			httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_LENGTH", "key length must be a positive multiple of 8")
		default:
			httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		}
		return
	}
	defer domain.Zeroize(key.Key)

	middleware.WriteAuditLog(r.Context(), "EXCHANGE_KEY", key.KeyID, "SUCCESS")
	httputil.JSON(w, http.StatusCreated, ExchangeResponse{
		KeyID: key.KeyID,
		Key:   base64.StdEncoding.EncodeToString(key.Key),
	})
}

// GetKeyMetadata は鍵のメタデータを取得する。鍵素材は返さない。
func (h *KeyHandler) GetKeyMetadata(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	if err := validateKeyID(keyID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "invalid key ID format")
		return
	}

	metadata, err := h.keys.GetKeyMetadata(r.Context(), keyID)
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			middleware.WriteAuditLog(r.Context(), "GET_KEY_METADATA", keyID, "FAILED")
			httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "key not found")
			return
		}
		middleware.WriteAuditLog(r.Context(), "GET_KEY_METADATA", keyID, "FAILED")
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	middleware.WriteAuditLog(r.Context(), "GET_KEY_METADATA", keyID, "SUCCESS")
	httputil.JSON(w, http.StatusOK, toMetadataResponse(metadata))
}

// ListKeys は鍵一覧のメタデータを取得する。
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.ListKeys(r.Context())
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "LIST_KEYS", "", "FAILED")
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	middleware.WriteAuditLog(r.Context(), "LIST_KEYS", "", "SUCCESS")
	response := KeyListResponse{
		Keys: make([]KeyMetadataResponse, len(keys)),
	}
	for i, k := range keys {
		response.Keys[i] = toMetadataResponse(k)
	}
	httputil.JSON(w, http.StatusOK, response)
}

// DeleteKey は鍵をセキュア消去する。存在しない鍵でも204を返す（冪等）。
func (h *KeyHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	if err := validateKeyID(keyID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "invalid key ID format")
		return
	}

	if err := h.keys.DeleteKey(r.Context(), keyID); err != nil {
		middleware.WriteAuditLog(r.Context(), "DELETE_KEY", keyID, "FAILED")
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	middleware.WriteAuditLog(r.Context(), "DELETE_KEY", keyID, "SUCCESS")
	w.WriteHeader(http.StatusNoContent)
}

// CleanupKeys は期限切れの鍵をすべてセキュア消去する。
func (h *KeyHandler) CleanupKeys(w http.ResponseWriter, r *http.Request) {
	removed, err := h.keys.CleanupExpiredKeys(r.Context())
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "CLEANUP_KEYS", "", "FAILED")
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	middleware.WriteAuditLog(r.Context(), "CLEANUP_KEYS", "", "SUCCESS")
	httputil.JSON(w, http.StatusOK, CleanupResponse{Removed: removed})
}
