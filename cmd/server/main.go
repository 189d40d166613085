package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"madira/pos/internal/cache"
	"madira/pos/internal/checkout"
	"madira/pos/internal/config"
	"madira/pos/internal/httpapi"
	"madira/pos/internal/mirror"
	"madira/pos/internal/notify"
	"madira/pos/internal/service"
	"madira/pos/internal/store"
	"madira/pos/internal/store/memory"
	pgstore "madira/pos/internal/store/postgres"
)

func main() {
	// Missing .env is fine; the environment itself may carry everything.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, cfg.StoreID)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory (seeded)")
	}

	var bus notify.Bus = notify.NewInProcessBus()
	snapCache := cache.SnapshotCache(cache.NoopSnapshotCache{})
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("redis unavailable (%v), using in-process bus and noop snapshot cache", err)
			_ = client.Close()
		} else {
			bus = notify.NewRedisBus(client, cfg.StoreID)
			snapCache = cache.NewRedisSnapshotCache(client)
			redisClient = client
			log.Println("notify bus and snapshot cache: redis")
		}
	} else {
		log.Println("notify bus: in-process, snapshot cache: noop")
	}
	// The bus must release its subscriptions before the shared client closes.
	closers = append(closers, bus.Close)
	if redisClient != nil {
		closers = append(closers, redisClient.Close)
	}

	location := cfg.Location()
	m := mirror.New(repo, bus, snapCache, mirror.Config{
		OrderWindowDays: cfg.MirrorWindowDays,
		OrderLimit:      cfg.MirrorOrderLimit,
		Location:        location,
	})

	mirrorCtx, mirrorCancel := context.WithCancel(context.Background())
	defer mirrorCancel()
	go m.Run(mirrorCtx)

	svc := service.New(repo, bus, cfg.TaxRatePercent)
	coord := checkout.NewCoordinator(repo, bus, checkout.Config{
		TaxRatePercent: cfg.TaxRatePercent,
		ReceiptPrefix:  cfg.ReceiptPrefix,
		MaxAttempts:    cfg.CheckoutRetries,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL, repo)
	api := httpapi.New(svc, coord, m, auth, cfg.AllowedOrigin, location)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("POS backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	mirrorCancel()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
