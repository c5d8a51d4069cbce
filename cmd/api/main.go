package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"entitycore.org/internal/audit"
	"entitycore.org/internal/authz"
	"entitycore.org/internal/cache"
	"entitycore.org/internal/config"
	"entitycore.org/internal/entity"
	"entitycore.org/internal/events"
	"entitycore.org/internal/obs"
	"entitycore.org/internal/rbac"
	"entitycore.org/internal/store/pg"
)

var version = "0.3.0"

var baselineActions = []string{
	"entity.read", "entity.write", "entity.archive",
	"role.read", "role.write",
	"event.read", "event.write",
	"audit.read",
}

// core is the composition root: the fully wired in-process API this service
// hosts. Transports (gRPC, HTTP handlers) attach on top of it.
type core struct {
	Entities *entity.Service
	Roles    *rbac.Manager
	Authz    *authz.Engine
	Events   *events.Service
	Audit    *audit.Log
}

func buildCore(cfg config.Config, store *pg.Store, permCache cache.PermissionCache) (*core, error) {
	auditLog := audit.NewLog(store)

	entities, err := entity.NewService(store, auditLog)
	if err != nil {
		return nil, err
	}
	roles, err := rbac.NewManager(store, store, auditLog, permCache)
	if err != nil {
		return nil, err
	}
	engine, err := authz.NewEngine(store, store, permCache, auditLog)
	if err != nil {
		return nil, err
	}
	eventSvc, err := events.NewService(store,
		events.WithPublisher(events.NewStreamPublisher()),
		events.WithDefaultSource(cfg.EventSource),
	)
	if err != nil {
		return nil, err
	}
	return &core{
		Entities: entities,
		Roles:    roles,
		Authz:    engine,
		Events:   eventSvc,
		Audit:    auditLog,
	}, nil
}

func main() {
	obs.Init()
	cfg := config.FromEnv()

	if cfg.PostgresDSN == "" {
		log.Fatal("missing ENTITYCORE_PG_DSN")
	}
	store, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	var permCache cache.PermissionCache
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CachePrefix, cfg.CacheTTL)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unreachable, continuing degraded: %v", err)
		}
		cancel()
		permCache = redisCache
	} else {
		permCache = cache.NewMemory()
	}

	app, err := buildCore(cfg, store, permCache)
	if err != nil {
		log.Fatalf("wire core: %v", err)
	}

	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := app.Roles.EnsureBaselinePermissions(ctx, baselineActions); err != nil {
			log.Fatalf("baseline permissions: %v", err)
		}
		cancel()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.DB().PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting entitycore-api %s on %s", version, srv.Addr)

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

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
