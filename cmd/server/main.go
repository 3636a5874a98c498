// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"quantum-key-service/config"
	"quantum-key-service/internal/handler"
	"quantum-key-service/internal/infra"
	"quantum-key-service/internal/qkd"
	"quantum-key-service/internal/repository"
	"quantum-key-service/internal/usecase"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()

	// ログレベル設定
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "DEBUG":
		logLevel = slog.LevelDebug
	case "WARN":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg, logLevel)

	// DB初期化。自側とPEER_DATABASE_URLで指定する相手側鍵ストアの
	// 2接続を張る。相手側接続は認証済み同期チャネルに相当する。
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is not set")
		os.Exit(1)
	}
	if cfg.PeerDatabaseURL == "" {
		slog.Error("PEER_DATABASE_URL is not set")
		os.Exit(1)
	}
	db, err := infra.NewDB(cfg.DatabaseURL, cfg.OtelEnabled)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}
	peerDB, err := infra.NewDB(cfg.PeerDatabaseURL, cfg.OtelEnabled)
	if err != nil {
		slog.Error("failed to init peer database", "error", err)
		os.Exit(1)
	}

	// 保存時暗号化クライアントの選択。KMS_KEY_NAMEがあればCloud KMS、
	// なければLOCAL_KMS_KEYによるローカルAES-256-GCM。
	var kmsClient usecase.KMSClient
	switch {
	case cfg.KMSKeyName != "":
		client, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
		if err != nil {
			slog.Error("failed to init KMS client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				slog.Error("failed to close KMS client", "error", closeErr)
			}
		}()
		kmsClient = client
	case cfg.LocalKMSKey != "":
		client, err := infra.NewLocalKMS(cfg.LocalKMSKey)
		if err != nil {
			slog.Error("failed to init local KMS", "error", err)
			os.Exit(1)
		}
		kmsClient = client
	default:
		slog.Error("either KMS_KEY_NAME or LOCAL_KMS_KEY must be set")
		os.Exit(1)
	}

	// DI
	localService := usecase.NewKeyService(repository.NewKeyRepository(db), kmsClient)
	peerService := usecase.NewKeyService(repository.NewKeyRepository(peerDB), kmsClient)
	simulator := qkd.NewSimulator(qkd.Config{
		SampleSize:    cfg.QKDSampleSize,
		QBERThreshold: cfg.QBERThreshold,
	})
	exchangeService := usecase.NewExchangeService(simulator, cfg.KeyTTL, cfg.KeyMaxUsage)
	h := handler.NewKeyHandler(localService, exchangeService, peerService, cfg.LocalPartyID)

	var router http.Handler = handler.NewRouter(h)
	if cfg.OtelEnabled {
		router = otelhttp.NewHandler(router, "quantum-key-service")
	}

	// 期限切れ鍵の定期スイープ
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go runCleanupSweep(sweepCtx, cfg.CleanupInterval, localService, peerService)

	// サーバー起動
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		stopSweep()
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// runCleanupSweep は一定間隔で両鍵ストアの期限切れ鍵をセキュア消去する。
func runCleanupSweep(ctx context.Context, interval time.Duration, stores ...*usecase.KeyService) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, store := range stores {
				if _, err := store.CleanupExpiredKeys(ctx); err != nil {
					slog.ErrorContext(ctx, "cleanup sweep failed", "error", err)
				}
			}
		}
	}
}
