package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"credvault.org/internal/auth"
	"credvault.org/internal/httpapi"
	"credvault.org/internal/obs"
	"credvault.org/internal/store/memory"
	"credvault.org/internal/store/pg"
	"credvault.org/internal/stream"
	"credvault.org/internal/vault"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	addr := os.Getenv("CREDVAULT_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	// Postgres when a DSN is set, the in-memory store otherwise. The
	// in-memory store loses everything on restart and is for development.
	var (
		store vault.Store
		probe httpapi.ReadyProbe
	)
	var pgStore *pg.Store
	if dsn := os.Getenv("CREDVAULT_PG_DSN"); dsn != "" {
		var err error
		pgStore, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		log.Println("CREDVAULT_PG_DSN is empty, using the in-memory store")
		store = memory.New()
	}

	v := vault.New(store)
	authSvc := auth.NewService(store)
	events := stream.New()

	api := httpapi.New(v, authSvc, events, probe, version)
	handler := httpapi.RateLimit(api.Handler(), 20, 10)

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Stale sessions and login challenges age out on use, the sweeper just
	// keeps the maps from growing between logins.
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := authSvc.Sweep(); n > 0 {
					obs.Info("session_sweep", map[string]any{"dropped": n})
				}
			case <-sweepDone:
				return
			}
		}
	}()

	log.Printf("Starting credvault-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	close(sweepDone)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}
