package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/carlosapgomes/eqmd/internal/adapters/legacy"
	"github.com/carlosapgomes/eqmd/internal/adapters/legacy/infomed"
	"github.com/carlosapgomes/eqmd/internal/history"
	"github.com/carlosapgomes/eqmd/internal/lifecycle"
	patientapi "github.com/carlosapgomes/eqmd/internal/patient/api"
	"github.com/carlosapgomes/eqmd/internal/patient/domain"
	patientinfra "github.com/carlosapgomes/eqmd/internal/patient/infrastructure"
	"github.com/carlosapgomes/eqmd/internal/reconcile"
	"github.com/carlosapgomes/eqmd/internal/shared/auth"
	"github.com/carlosapgomes/eqmd/internal/shared/config"
	"github.com/carlosapgomes/eqmd/internal/shared/database"
	"github.com/carlosapgomes/eqmd/internal/shared/events"
	"github.com/carlosapgomes/eqmd/internal/shared/metrics"
	secmiddleware "github.com/carlosapgomes/eqmd/internal/shared/middleware"
)

// App holds all application dependencies
type App struct {
	Config *config.Config
	DB     *database.DB
	Bus    *events.Bus
	Feed   legacy.Feed
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	app := &App{Config: cfg}

	// Initialize database (optional - fall back to in-memory storage)
	var repo domain.Repository
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		fmt.Printf("Warning: Database not available: %v\n", err)
		fmt.Println("Running in limited mode with in-memory storage...")
		repo = patientinfra.NewMemoryRepository()
	} else {
		app.DB = db
		defer db.Close()

		if err := database.Migrate(ctx, db.Pool); err != nil {
			fmt.Printf("Warning: Migration failed: %v\n", err)
		}
		repo = patientinfra.NewPostgresRepository(db.Pool)
	}

	// Initialize event bus with KurrentDB (optional - skip if not available)
	var recorder history.Recorder = history.NopRecorder{}
	var historyStore *history.KurrentDBRecorder
	bus, err := events.NewBus(ctx, cfg.KurrentDB)
	if err != nil {
		fmt.Printf("Warning: KurrentDB not available: %v\n", err)
		fmt.Println("Running without change history...")
	} else {
		app.Bus = bus
		defer bus.Close()

		historyStore = history.NewKurrentDBRecorder(bus.Client())
		if err := historyStore.Initialize(ctx); err != nil {
			fmt.Printf("Warning: History initialization failed: %v\n", err)
		}
		recorder = historyStore
		fmt.Println("KurrentDB change history initialized")
	}

	engine := lifecycle.NewService(repo, recorder)
	if app.Bus != nil {
		engine.WithBus(app.Bus)
	}
	reconciler := reconcile.NewService(repo, engine, time.Local)

	// Legacy status feed (optional)
	var batch *reconcile.Batch
	if cfg.Legacy.Enabled {
		feedCfg := infomed.DefaultInfomedConfig()
		feedCfg.Host = cfg.Legacy.Host
		feedCfg.Port = cfg.Legacy.Port
		feedCfg.Database = cfg.Legacy.Database
		feedCfg.User = cfg.Legacy.User
		feedCfg.Password = cfg.Legacy.Password
		feedCfg.SSLMode = cfg.Legacy.SSLMode
		feedCfg.PatientTable = cfg.Legacy.PatientTable
		feedCfg.BatchSize = cfg.Legacy.BatchSize
		feedCfg.PollInterval = cfg.Legacy.PollInterval

		feed, err := infomed.New(feedCfg)
		if err != nil {
			fmt.Printf("Warning: Legacy feed setup failed: %v\n", err)
		} else if err := feed.Start(ctx); err != nil {
			fmt.Printf("Warning: Legacy feed not available: %v\n", err)
		} else {
			app.Feed = feed
			defer feed.Stop(context.Background())

			batch = reconcile.NewBatch(reconciler, feed, cfg.Legacy.BatchSize, cfg.Legacy.FetchRateLimit)
			go runBatchLoop(ctx, batch, cfg.Legacy.PollInterval)
			fmt.Printf("Legacy status feed connected (%s)\n", feed.SourceSystem())
		}
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)
	r.Use(corsMiddleware)

	// Health checks (unauthenticated)
	r.Get("/health", healthHandler(app))
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())

	// API info
	r.Get("/", infoHandler)

	handler := patientapi.NewHandler(repo, engine, reconciler, batch)

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(auth.Middleware(cfg.Auth))
		}

		r.Mount("/patients", handler.Routes())

		// Batch runs are expensive; keep trigger-happy callers in check
		r.With(secmiddleware.RateLimiter(1, 2)).
			Mount("/reconcile", handler.ReconcileRoutes())
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		fmt.Println("\nShutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			fmt.Printf("Server shutdown error: %v\n", err)
		}
		close(done)
	}()

	fmt.Println("============================================")
	fmt.Println("EQMD Clinical Records Platform")
	fmt.Println("============================================")
	fmt.Printf("Environment:    %s\n", cfg.Server.Env)
	fmt.Printf("Server:         http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("API:            http://localhost:%d/api/v1\n", cfg.Server.Port)
	fmt.Printf("Health:         http://localhost:%d/health\n", cfg.Server.Port)
	fmt.Printf("KurrentDB:      %s:%d\n", cfg.KurrentDB.Host, cfg.KurrentDB.Port)
	fmt.Printf("Legacy feed:    %v\n", cfg.Legacy.Enabled)
	fmt.Println("============================================")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	<-done
	fmt.Println("Server stopped")
}

// runBatchLoop reconciles the whole feed on a fixed interval. The
// cursor carries across runs so an interrupted walk resumes instead of
// restarting.
func runBatchLoop(ctx context.Context, batch *reconcile.Batch, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cursor := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := batch.Run(ctx, cursor)
			if err != nil {
				fmt.Printf("Warning: Reconciliation batch failed: %v\n", err)
			}
			if summary != nil {
				cursor = summary.LastCursor
				fmt.Printf("Reconciliation batch: processed=%d reconciled=%d skipped=%d failed=%d\n",
					summary.Processed, summary.Reconciled, summary.Skipped, summary.Failed)
			}
		}
	}
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":    "EQMD Clinical Records Platform",
		"version": "0.1.0",
		"docs":    "/api/v1",
	})
}

func healthHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy",
		})
	}
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"server": "ready",
		}

		if app.DB != nil {
			if err := app.DB.Health(r.Context()); err != nil {
				checks["database"] = "not ready: " + err.Error()
			} else {
				checks["database"] = "ready"
			}
		} else {
			checks["database"] = "not configured"
		}

		if app.Bus != nil {
			if err := app.Bus.Health(); err != nil {
				checks["kurrentdb"] = "not ready: " + err.Error()
			} else {
				checks["kurrentdb"] = "ready"
			}
		} else {
			checks["kurrentdb"] = "not configured"
		}

		if app.Feed != nil {
			if err := app.Feed.Health(r.Context()); err != nil {
				checks["legacy_feed"] = "not ready: " + err.Error()
			} else {
				checks["legacy_feed"] = "ready"
			}
		} else {
			checks["legacy_feed"] = "not configured"
		}

		allReady := true
		for _, status := range checks {
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
