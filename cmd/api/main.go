package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pagetalk/api/internal/app"
	"pagetalk/api/internal/blob"
	"pagetalk/api/internal/config"
	"pagetalk/api/internal/policyrepo"
	"pagetalk/api/internal/preview"
	"pagetalk/api/internal/search"
	"pagetalk/api/internal/session"
	"pagetalk/api/internal/store"
	"pagetalk/api/internal/urlnorm"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	policy := urlnorm.DefaultPolicy()
	if strings.TrimSpace(cfg.TrackingPolicyFile) != "" {
		policy, err = policyrepo.Load(cfg.TrackingPolicyFile)
		if err != nil {
			log.Fatalf("tracking policy load failed: %v", err)
		}
	}
	log.Printf("tracking policy %s active with %d parameters", policy.Version, policy.Len())
	normalizer := urlnorm.New(policy)

	dataStore := store.NewPostgresStore(db)
	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		go searchService.ReindexAllFromPG(ctx)
	}

	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh token storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		service = app.NewWithSessionStore(cfg, dataStore, redisStore, normalizer, searchService)
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
		service = app.New(cfg, dataStore, normalizer, searchService)
	}

	if cfg.PreviewsEnabled && strings.TrimSpace(cfg.MinioEndpoint) != "" {
		previews := preview.NewService()
		if previews.Available() {
			blobs, err := blob.NewStore(ctx, blob.Config{
				Endpoint:  cfg.MinioEndpoint,
				AccessKey: cfg.MinioAccessKey,
				SecretKey: cfg.MinioSecretKey,
				Bucket:    cfg.MinioBucket,
				UseSSL:    cfg.MinioUseSSL,
			})
			if err != nil {
				log.Printf("WARNING: object store unavailable, previews disabled: %v", err)
			} else {
				service.EnablePreviews(previews, blobs)
				log.Printf("page previews enabled (bucket %s)", cfg.MinioBucket)
			}
		} else {
			log.Printf("chromium not found on PATH, previews disabled")
		}
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("PageTalk API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
