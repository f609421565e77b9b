// Package main はセッション強制エンジンのエントリーポイント。
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/oyaguma3/captive-enforcer-poc/internal/api"
	"github.com/oyaguma3/captive-enforcer-poc/internal/config"
	"github.com/oyaguma3/captive-enforcer-poc/internal/coordinator"
	"github.com/oyaguma3/captive-enforcer-poc/internal/enforce"
	"github.com/oyaguma3/captive-enforcer-poc/internal/idp"
	"github.com/oyaguma3/captive-enforcer-poc/internal/reconcile"
	"github.com/oyaguma3/captive-enforcer-poc/internal/store"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/logging"
)

func main() {
	once := pflag.Bool("once", false, "run a single reconciliation cycle and exit")
	interval := pflag.Duration("interval", 0, "override RECONCILE_INTERVAL")
	pflag.Parse()

	// 1. 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *interval > 0 {
		cfg.ReconcileInterval = *interval
	}

	// 2. ロガー初期化
	initLogger(cfg)

	slog.Info("starting session-enforcer",
		"auth_method", cfg.AuthMethod,
		"listen_addr", cfg.ListenAddr,
		"reconcile_interval", cfg.ReconcileInterval.String(),
		"once", *once,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Valkey接続
	valkeyClient, err := store.NewValkeyClient(cfg)
	if err != nil {
		slog.Error("failed to connect to Valkey", "error", err)
		os.Exit(1)
	}
	defer valkeyClient.Close()

	slog.Info("connected to Valkey", "addr", cfg.ValkeyAddr())

	// 4. 依存オブジェクト生成
	masker := logging.NewMasker(cfg.LogMaskIdentity)
	sessionStore := store.NewSessionStore(valkeyClient, cfg.RevokedRetention)

	backend, err := enforce.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize enforcement backend", "error", err)
		os.Exit(1)
	}
	slog.Info("enforcement backend ready", "backend", backend.Name())

	idpClient := idp.NewKeycloakClient(cfg)
	coord := coordinator.New(sessionStore, backend, cfg.SessionTimeout, masker)
	daemon := reconcile.New(
		sessionStore,
		coord,
		backend,
		idpClient,
		cfg.ReconcileInterval,
		cfg.SessionTimeout,
		cfg.IdPFailThreshold,
		cfg.RevokedRetention,
		masker,
	)

	// --once: 照合サイクルを1回だけ実行して終了
	if *once {
		stats, err := daemon.RunOnce(ctx)
		if err != nil {
			slog.Error("reconciliation cycle failed", "error", err)
			os.Exit(1)
		}
		if stats.Errors > 0 {
			os.Exit(1)
		}
		return
	}

	// 5. HTTP APIサーバー起動
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	api.SetupRouter(engine, api.NewGrantHandler(coord, cfg, masker))

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: engine,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// 6. 照合デーモン起動
	daemonDone := make(chan error, 1)
	go func() {
		daemonDone <- daemon.Run(ctx)
	}()

	// 7. シグナル待機とGraceful Shutdown
	<-ctx.Done()
	stop()

	slog.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	select {
	case <-daemonDone:
	case <-time.After(config.ShutdownTimeout):
		slog.Warn("reconciliation daemon did not stop in time")
	}

	slog.Info("session-enforcer stopped")
}

// initLogger はロガーを初期化する。
func initLogger(cfg *config.Config) {
	level := slog.LevelInfo
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(handler).With("app", "session-enforcer")
	slog.SetDefault(logger)
}
