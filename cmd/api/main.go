package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rosterhq.org/internal/ability"
	"rosterhq.org/internal/assurance"
	"rosterhq.org/internal/audit"
	"rosterhq.org/internal/grants"
	"rosterhq.org/internal/httpapi"
	"rosterhq.org/internal/obs"
	"rosterhq.org/internal/store/pg"
	"rosterhq.org/internal/tenantctx"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("ROSTER_COMMIT"))

	dsn := os.Getenv("ROSTER_PG_DSN")
	if dsn == "" {
		log.Fatal("ROSTER_PG_DSN is required")
	}
	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	emitter, err := audit.NewEmitter(store.Audit())
	if err != nil {
		log.Fatalf("audit emitter: %v", err)
	}
	contexts, err := tenantctx.NewStore(store.Memberships())
	if err != nil {
		log.Fatalf("tenant context store: %v", err)
	}
	grantLedger, err := grants.NewService(store.Grants(), emitter)
	if err != nil {
		log.Fatalf("grant ledger: %v", err)
	}
	enforcer, err := assurance.NewService(store.Assurance(), emitter)
	if err != nil {
		log.Fatalf("assurance enforcer: %v", err)
	}
	resolver, err := ability.NewResolver(store.Memberships(), grantLedger, enforcer)
	if err != nil {
		log.Fatalf("ability resolver: %v", err)
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: store.DB()}, version, httpapi.Deps{
		Contexts:  contexts,
		Grants:    grantLedger,
		Assurance: enforcer,
		Resolver:  resolver,
		Emitter:   emitter,
	})

	addr := os.Getenv("ROSTER_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting rosterhq-access %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		obs.LogError("graceful shutdown failed", err)
	}
	_ = store.Close()
	log.Println("Stopped")
}
