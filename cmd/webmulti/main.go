package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/webmulti/server/internal/auth"
	"github.com/webmulti/server/internal/config"
	"github.com/webmulti/server/internal/data"
	"github.com/webmulti/server/internal/multiworld"
	"github.com/webmulti/server/internal/persist"
	"github.com/webmulti/server/internal/web"
	"github.com/webmulti/server/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(serverName string) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m            WebMulti  v0.1.0               \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m      multiworld randomizer server         \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mserver:\033[0m %s\n\n", serverName)
}

func printSection(title string) {
	lineLen := 46 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	pad := 38 - len(label) - len(numStr)
	if pad < 1 {
		pad = 1
	}
	fmt.Printf("  %s%s\033[1m%s\033[0m\n", label, strings.Repeat(" ", pad), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main server logic ─────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfgPath := "config/server.toml"
	if p := os.Getenv("WEBMULTI_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Server.Name)

	// 3. Connect to PostgreSQL and run migrations
	printSection("database")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := persist.NewDB(ctx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	printOK("PostgreSQL connected")

	if err := persist.RunMigrations(ctx, db.Pool); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	printOK("migrations applied")
	fmt.Println()

	// 4. Create repositories
	sessionRepo := persist.NewSessionRepo(db)
	eventRepo := persist.NewEventRepo(db)
	sramRepo := persist.NewSramRepo(db)
	userRepo := persist.NewUserRepo(db)
	logRepo := persist.NewLogRepo(db)

	// 5. Load lookup tables
	printSection("data tables")

	tables, err := data.Load()
	if err != nil {
		return fmt.Errorf("load lookup tables: %w", err)
	}
	printStat("locations", tables.LocationCount())
	printStat("items", tables.ItemCount())
	fmt.Println()

	// 6. Auth
	tokenKey := cfg.Auth.TokenKey
	if tokenKey == "" {
		var key [32]byte
		if _, err := rand.Read(key[:]); err != nil {
			return fmt.Errorf("generate token key: %w", err)
		}
		tokenKey = hex.EncodeToString(key[:])
		log.Warn("auth.token_key not set, using an ephemeral key; session tokens will not survive a restart")
	}
	codec, err := auth.NewTokenCodec(tokenKey)
	if err != nil {
		return fmt.Errorf("token codec: %w", err)
	}
	authenticator := auth.NewAuthenticator(userRepo, codec, cfg.Session.ExpireDays, log)

	// 7. Multiworld core
	registry := multiworld.NewRegistry(sessionRepo, log)
	bus := multiworld.NewBus(cfg.Network.BusQueueSize, log)
	router := multiworld.NewRouter(eventRepo, bus, tables, log)

	wsDeps := &ws.Deps{
		Network:  cfg.Network,
		Session:  cfg.Session,
		Registry: registry,
		Router:   router,
		Bus:      bus,
		Events:   eventRepo,
		Srams:    sramRepo,
		Slots:    sessionRepo,
		Auth:     authenticator,
		Tables:   tables,
		Log:      log,
	}

	// 8. Session lifecycle sweeper
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	sweeper := multiworld.NewSweeper(registry, eventRepo, sramRepo, cfg.Session.InactiveAfter, log)
	go sweeper.Run(bgCtx, 10*time.Minute)

	// 9. HTTP front
	server := web.NewServer(cfg.Network, wsDeps, sessionRepo, eventRepo, sramRepo, logRepo, userRepo, log)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	printSection("server ready")
	printReady(fmt.Sprintf("listening on %s", cfg.Network.BindAddress))
	printReady(fmt.Sprintf("read poll %s, identify window %s",
		cfg.Network.ReadPoll, cfg.Network.IdentifyTimeout))
	fmt.Println()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-shutdownCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := server.Shutdown(stopCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		log.Info("server stopped")
		return nil
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
