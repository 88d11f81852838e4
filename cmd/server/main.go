package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/rpattn/chronicle/internal/api"
	"github.com/rpattn/chronicle/internal/config"
	"github.com/rpattn/chronicle/internal/db"
	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/export"
	"github.com/rpattn/chronicle/internal/middleware"
	"github.com/rpattn/chronicle/internal/repository"
)

// defaultPolicies declares the temporal model shipped with the server. The
// migrations in ./migrations create the matching history tables.
func defaultPolicies() []domain.TemporalPolicy {
	return []domain.TemporalPolicy{
		{
			EntityType: "equipment",
			Tracked:    []string{"description", "status"},
			Composites: []domain.CompositeGroup{
				{Name: "nameplate", Members: []string{"manufacturer", "model"}},
			},
			Defaults:      map[string]any{"status": "active"},
			ScopeRequired: true,
		},
	}
}

func main() {
	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	dbConfig, serverConfig, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Run migrations
	if err := db.RunMigrations(dbConfig, "./migrations"); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Setup database connection
	conn, err := db.NewConnection(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close()

	// Build the temporal model and its history table mapping
	registry, err := domain.NewPolicyRegistry(defaultPolicies()...)
	if err != nil {
		log.Fatalf("Invalid temporal policy: %v", err)
	}
	mapping := domain.NewHistoryTableMapping(registry)

	// Create repositories and the flush store
	entityRepo := repository.NewEntityRepository(conn.Pool)
	clockRepo := repository.NewClockRepository(conn.Pool)
	historyRepo := repository.NewHistoryRepository(conn.Pool, mapping)
	store := repository.NewTemporalStore(conn.Pool, mapping)

	// HTTP handlers
	queryHandler := api.NewHTTPHandler(registry, entityRepo, clockRepo, historyRepo)
	mutationHandler := api.NewMutationHandler(registry, store, entityRepo)
	exportService := export.NewService(registry, entityRepo, clockRepo, historyRepo)
	exportHandler := export.NewHTTPHandler(exportService)

	// Setup CORS
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   serverConfig.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	withLoader := middleware.DataLoaderMiddleware(entityRepo)
	mux := http.NewServeMux()
	mux.Handle("/api/entities", withLoader(queryHandler))
	mux.Handle("/api/history", queryHandler)
	mux.Handle("/api/clock", queryHandler)
	mux.Handle("/api/mutate", mutationHandler)
	mux.Handle("/api/mutate/update", mutationHandler)
	mux.Handle("/exports/history.csv", exportHandler)
	mux.Handle("/exports/history.xlsx", exportHandler)

	handler := middleware.LoggingMiddleware(corsHandler.Handler(mux))

	// Create HTTP server
	server := &http.Server{
		Addr:         serverConfig.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting chronicle server on %s", serverConfig.Addr)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
