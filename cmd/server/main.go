/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the survey QC dashboard backend. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and parse command-line flags
  2. Initialize SQLite store
  3. Load the internal reference code tables
  4. Create the SurveyCTO client and API handler
  5. Start the refresh scheduler
  6. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port     HTTP server port (default: 8080)
  -db       SQLite database path (default: local.db)
            Use ":memory:" for an in-memory database
  -refdata  Path to the internal reference code tables JSON
            (default: data/reference.json)

ENVIRONMENT (via .env or the process environment):
  SCTO_SERVER     SurveyCTO server name (e.g. "risetkedaikopi")
  SCTO_USERNAME   SurveyCTO account
  SCTO_PASSWORD   SurveyCTO password
  DASHBOARD_HOST  Bind address (default: all interfaces)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the refresh scheduler (waits for the running batch)
  2. Stop accepting new connections, drain active requests (30s timeout)
  3. Close the database connection

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Refresh scheduler
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kedaikopi/surveyqc/api"
	"github.com/kedaikopi/surveyqc/decode"
	"github.com/kedaikopi/surveyqc/scto"
	"github.com/kedaikopi/surveyqc/store/sqlite"
)

func main() {
	// .env is optional; the real environment wins either way.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: failed to load .env: %v", err)
	}

	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "local.db", "SQLite database path")
	refData := flag.String("refdata", "data/reference.json", "internal reference code tables (JSON)")
	flag.Parse()

	server := os.Getenv("SCTO_SERVER")
	if server == "" {
		log.Fatal("SCTO_SERVER is not set")
	}
	client := scto.New(server, os.Getenv("SCTO_USERNAME"), os.Getenv("SCTO_PASSWORD"))

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Internal reference code tables
	reference, err := decode.LoadReference(*refData)
	if err != nil {
		log.Fatalf("Failed to load reference tables: %v", err)
	}

	// Initialize handler and scheduler
	handler := api.NewHandler(store, client, reference)
	scheduler := api.NewRefreshScheduler(store, handler)
	scheduler.Start()
	defer scheduler.Stop()

	// Create router and server
	router := api.NewRouter(handler)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", os.Getenv("DASHBOARD_HOST"), *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // registration performs a full download
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on http://localhost:%d", *port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
