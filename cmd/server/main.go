// Package main is the entry point for the UWB tracking and DMX control
// plane gateway.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/anthillco/uwb-tracker/internal/anchors"
	"github.com/anthillco/uwb-tracker/internal/backup"
	"github.com/anthillco/uwb-tracker/internal/calibration"
	"github.com/anthillco/uwb-tracker/internal/config"
	"github.com/anthillco/uwb-tracker/internal/database"
	"github.com/anthillco/uwb-tracker/internal/database/models"
	"github.com/anthillco/uwb-tracker/internal/database/repositories"
	"github.com/anthillco/uwb-tracker/internal/dmxengine"
	"github.com/anthillco/uwb-tracker/internal/fixtureprofile"
	"github.com/anthillco/uwb-tracker/internal/ingest"
	"github.com/anthillco/uwb-tracker/internal/publish"
	"github.com/anthillco/uwb-tracker/internal/rangecache"
	"github.com/anthillco/uwb-tracker/internal/statemachine"
	"github.com/anthillco/uwb-tracker/internal/tracking"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	exportSnapshotPath := flag.String("export-snapshot", "", "write a venue snapshot JSON to this path and exit")
	importSnapshotPath := flag.String("import-snapshot", "", "restore a venue snapshot JSON from this path and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()
	printBanner(cfg)

	db, err := database.Connect(database.Config{
		URL:         cfg.DatabaseURL,
		MaxIdleConn: 5,
		MaxOpenConn: 10,
		Debug:       cfg.IsDevelopment(),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Running database migrations...")
	if err := db.AutoMigrate(
		&models.Anchor{},
		&models.AnchorPositionOffset{},
		&models.RangeCorrection{},
		&models.DeviceSetting{},
		&models.FixtureProfile{},
		&models.Fixture{},
		&models.Setting{},
		&models.CalibrationRun{},
		&models.EventLogEntry{},
	); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	log.Println("Database migrations complete")

	anchorRepo := repositories.NewAnchorRepository(db)
	fixtureRepo := repositories.NewFixtureRepository(db)
	settingRepo := repositories.NewSettingRepository(db)
	deviceSettingRepo := repositories.NewDeviceSettingRepository(db)
	calibrationRepo := repositories.NewCalibrationRepository(db)
	eventRepo := repositories.NewEventRepository(db)

	ctx := context.Background()

	backupService := backup.NewService(anchorRepo, fixtureRepo, settingRepo, calibrationRepo, eventRepo)

	if *exportSnapshotPath != "" {
		runExportSnapshot(ctx, backupService, *exportSnapshotPath)
		return
	}
	if *importSnapshotPath != "" {
		runImportSnapshot(ctx, backupService, *importSnapshotPath)
		return
	}

	if err := config.SeedDefaults(ctx, settingRepo, cfg); err != nil {
		log.Fatalf("Failed to seed default settings: %v", err)
	}

	profileImporter := fixtureprofile.NewImporter(fixtureRepo)
	if err := profileImporter.EnsureBundled(ctx); err != nil {
		log.Fatalf("Failed to import bundled fixture profiles: %v", err)
	}

	sm, err := statemachine.New(ctx, settingRepo, calibrationRepo, eventRepo)
	if err != nil {
		log.Fatalf("Failed to load system state: %v", err)
	}

	cache := rangecache.New()
	registry := anchors.New(anchorRepo)
	pubsub := publish.New()

	rates := config.LoadRates(ctx, settingRepo, cfg)

	ingestService := ingest.New(cache, registry, anchorRepo, ingest.Config{
		OfflineAfterMs: int64(rates.LostTimeoutMs),
	})
	ingestSub := pubsub.Subscribe(ingest.TopicRangeBatches, 64)
	go ingestService.Run(ctx, ingestSub)

	trackingEngine := tracking.New(cache, registry, pubsub, tracking.Config{
		TrackingHz:     rates.TrackingHz,
		StaleTimeoutMs: int64(rates.StaleTimeoutMs),
		LostTimeoutMs:  int64(rates.LostTimeoutMs),
		ResidMaxM:      rates.ResidMaxM,
	}, func() []string {
		tagMAC := config.TrackingTagMAC(ctx, settingRepo)
		if tagMAC == "" {
			return nil
		}
		return []string{tagMAC}
	})
	trackingEngine.Start()

	dmxEngine := dmxengine.New(fixtureRepo, settingRepo, eventRepo, sm, trackingEngine, dmxengine.Config{
		DmxHz: rates.DMXHz,
	})
	dmxEngine.Start()

	// Constructed for process wiring; driven by the out-of-scope operator
	// API (calibration start/abort/solve), not by this process loop.
	_ = calibration.New(calibrationRepo, anchorRepo, deviceSettingRepo, eventRepo, cache, sm, pubsub, calibration.Config{})

	// gatherReadiness collects the LIVE-entry gate inputs on demand. The
	// message bus is considered connected while range batches keep
	// arriving within the lost window; the bus adapter itself lives
	// outside this process.
	gatherReadiness := func(ctx context.Context) statemachine.ReadinessInputs {
		in := statemachine.ReadinessInputs{
			MinAnchorsOnline: config.MinAnchorsOnline(ctx, settingRepo, cfg),
			TrackingTagCount: trackingEngine.CountTracking(),
		}
		in.MessageBusConnected = time.Now().UnixMilli()-ingestService.LastBatchAtMs() <= int64(rates.LostTimeoutMs)
		if n, err := registry.CountOnline(ctx); err == nil {
			in.AnchorsOnline = n
		}
		if runs, err := calibrationRepo.FindOKNonInvalidated(ctx); err == nil {
			in.HasOKCalibration = len(runs) > 0
		}
		if n, err := fixtureRepo.CountEnabled(ctx); err == nil {
			in.EnabledFixtureCount = int(n)
		}
		return in
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	router.Get("/healthz", healthCheckHandler)
	router.Get("/readyz", readinessHandler(sm, gatherReadiness))

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server listening on http://localhost:%s\n", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	dmxEngine.Stop()
	trackingEngine.Stop()
	ingestService.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}
	if err := database.Close(); err != nil {
		log.Printf("Warning: error closing database: %v", err)
	}

	log.Println("Server stopped")
}

func runExportSnapshot(ctx context.Context, svc *backup.Service, path string) {
	snap, stats, err := svc.Export(ctx, time.Now().UnixMilli())
	if err != nil {
		log.Fatalf("Failed to export venue snapshot: %v", err)
	}
	data, err := snap.ToJSON()
	if err != nil {
		log.Fatalf("Failed to serialize venue snapshot: %v", err)
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		log.Fatalf("Failed to write venue snapshot to %s: %v", path, err)
	}
	log.Printf("Exported venue snapshot to %s (%d anchors, %d fixtures, %d profiles, %d settings, %d calibration runs)",
		path, stats.AnchorsCount, stats.FixturesCount, stats.FixtureProfilesCount, stats.SettingsCount, stats.CalibrationRunsCount)
}

func runImportSnapshot(ctx context.Context, svc *backup.Service, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Failed to read venue snapshot from %s: %v", path, err)
	}
	snap, err := backup.ParseSnapshot(string(data))
	if err != nil {
		log.Fatalf("Failed to parse venue snapshot: %v", err)
	}
	stats, err := svc.Import(ctx, snap)
	if err != nil {
		log.Fatalf("Failed to import venue snapshot: %v", err)
	}
	log.Printf("Imported venue snapshot from %s (%d anchors, %d fixtures, %d profiles, %d settings, %d calibration runs)",
		path, stats.AnchorsCount, stats.FixturesCount, stats.FixtureProfilesCount, stats.SettingsCount, stats.CalibrationRunsCount)
}

// healthCheckHandler reports process liveness: it never depends on system
// state, only on the process being able to answer an HTTP request.
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
	})
}

// readinessHandler evaluates the LIVE-entry readiness gates on demand and
// serializes the result alongside the current system state. Triggering the
// LIVE transition itself still belongs to the out-of-scope operator API;
// this endpoint only reports whether it would succeed.
func readinessHandler(sm *statemachine.Machine, gather func(ctx context.Context) statemachine.ReadinessInputs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := statemachine.CheckReadiness(gather(r.Context()))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(struct {
			State string `json:"state"`
			statemachine.Readiness
		}{State: string(sm.Current()), Readiness: readiness})
	}
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println("============================================")
	fmt.Println("  UWB Tracking / DMX Control Plane Gateway")
	fmt.Printf("  Version: %s\n", Version)
	fmt.Printf("  Build:   %s\n", BuildTime)
	fmt.Printf("  Commit:  %s\n", GitCommit)
	fmt.Println("============================================")
	fmt.Printf("  Environment: %s\n", cfg.Env)
	fmt.Printf("  Port:        %s\n", cfg.Port)
	fmt.Printf("  Database:    %s\n", cfg.DatabaseURL)
	fmt.Println("============================================")
}
