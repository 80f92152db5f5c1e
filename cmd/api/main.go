package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"iotguard.dev/internal/audit"
	"iotguard.dev/internal/auth"
	"iotguard.dev/internal/config"
	"iotguard.dev/internal/credential"
	"iotguard.dev/internal/device"
	"iotguard.dev/internal/httpapi"
	"iotguard.dev/internal/ingest"
	"iotguard.dev/internal/obs"
	"iotguard.dev/internal/sim"
	"iotguard.dev/internal/store/memory"
	"iotguard.dev/internal/store/pg"
	"iotguard.dev/internal/store/sqlite"
	"iotguard.dev/internal/token"
)

var version = "1.0.0"

// repositories is what every store adapter provides.
type repositories interface {
	Users() auth.UserStore
	RefreshTokens() auth.RefreshTokenStore
	Devices() device.Store
	Readings() ingest.Store
	Events() audit.Store
}

func main() {
	obs.Init()

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var (
		repos repositories
		db    *sql.DB
	)
	switch cfg.DBAdapter {
	case "postgres":
		store, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer store.Close()
		repos, db = store, store.DB()
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLiteFile); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				log.Fatalf("create data dir: %v", err)
			}
		}
		store, err := sqlite.Open(cfg.SQLiteFile)
		if err != nil {
			log.Fatalf("open sqlite: %v", err)
		}
		defer store.Close()
		if err := store.Migrate(context.Background()); err != nil {
			log.Fatalf("migrate sqlite: %v", err)
		}
		repos, db = store, store.DB()
	default:
		repos = memory.New()
	}

	issuer, err := token.NewIssuer(
		token.Config{Key: cfg.UserAccessKey, TTL: cfg.UserAccessTTL},
		token.Config{Key: cfg.UserRefreshKey, TTL: cfg.UserRefreshTTL},
		token.Config{Key: cfg.DeviceKey, TTL: cfg.DeviceTTL},
	)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}

	hasher := credential.NewHasher()
	recorder := audit.NewRecorder(repos.Events())

	authSvc := auth.NewService(repos.Users(), repos.RefreshTokens(), issuer, hasher, recorder)
	deviceSvc := device.NewService(repos.Devices(), issuer, hasher, recorder)
	guard := ingest.NewGuard(repos.Devices(), cfg.PayloadLimitBytes, cfg.MinReadingInterval)
	ingestSvc := ingest.NewService(deviceSvc, guard, repos.Readings(), issuer, recorder)

	if cfg.AdminEmail != "" && cfg.AdminPassword != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := authSvc.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			log.Fatalf("ensure admin: %v", err)
		}
		cancel()
	}

	var simulator *sim.Simulator
	if cfg.SimulatorEnabled {
		simulator = sim.New(repos.Devices(), ingestSvc)
		simulator.Start()
	}

	api := httpapi.New(authSvc, deviceSvc, ingestSvc, recorder, httpapi.ReadyProbe{DB: db}, version)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting iotguard-api %s on %s (adapter=%s)", version, srv.Addr, cfg.DBAdapter)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	if simulator != nil {
		simulator.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
