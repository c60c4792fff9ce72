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

	"sylsas/backend/internal/cache"
	"sylsas/backend/internal/config"
	"sylsas/backend/internal/digest"
	"sylsas/backend/internal/entities"
	"sylsas/backend/internal/httpapi"
	"sylsas/backend/internal/insights"
	"sylsas/backend/internal/ledger"
	"sylsas/backend/internal/metrics"
	"sylsas/backend/internal/service"
	"sylsas/backend/internal/session"
	"sylsas/backend/internal/status"
	"sylsas/backend/internal/store"
	"sylsas/backend/internal/store/memory"
	"sylsas/backend/internal/store/mongostore"
	pgstore "sylsas/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 5)
	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	answers := cache.InsightCache(cache.NoopInsightCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisInsightCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			answers = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	var generator insights.Generator
	if cfg.GeminiAPIKey != "" {
		gemini, err := insights.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			log.Printf("insights: gemini unavailable (%v), answers fall back", err)
		} else {
			generator = gemini
			log.Printf("insights: gemini (%s)", cfg.GeminiModel)
		}
	} else {
		log.Println("insights: disabled, GEMINI_API_KEY not set")
	}
	advisor := insights.NewAdvisor(generator, answers, cfg.InsightTTL())

	loc := cfg.Location()
	gate := session.NewGate(session.NewFileStore(cfg.PreferencesPath))
	tracker := status.NewTracker(gate)
	view := entities.New(repo, tracker)
	if err := view.Start(ctx); err != nil {
		log.Fatalf("initial load failed: %v", err)
	}
	// Subscriptions must stop before the repository closes underneath them.
	closers = append([]func() error{view.Close}, closers...)

	m := metrics.New()
	svc := service.New(view, ledger.New(repo, view), gate, tracker, advisor,
		service.WithMetrics(m),
		service.WithLowStockThreshold(cfg.LowStockThreshold),
		service.WithClock(func() time.Time { return time.Now().In(loc) }),
	)
	if err := svc.EnsureShopProfile(ctx, cfg.ShopName, cfg.ShopPIN); err != nil {
		log.Fatalf("shop profile: %v", err)
	}

	if cfg.DigestAt != "" {
		scheduler := digest.NewScheduler(svc, newNotifier(cfg), m, loc)
		if err := scheduler.Start(cfg.DigestAt); err != nil {
			log.Fatalf("digest schedule: %v", err)
		}
		closers = append([]func() error{scheduler.Close}, closers...)
		log.Printf("digest: daily at %s %s", cfg.DigestAt, loc)
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL())
	api := httpapi.New(svc, auth, m, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      40 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("%s backend listening on %s", cfg.ShopName, cfg.Address())
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

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

// openRepository picks postgres, then mongo, then the seeded in-memory store.
// A configured but unreachable database is fatal.
func openRepository(ctx context.Context, cfg config.Config) (store.Repository, func() error, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		log.Println("repository: postgres")
		return pg, pg.Close, nil
	case cfg.MongoURI != "":
		mg, err := mongostore.New(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo unavailable (%v) and MONGO_URI is set; refusing to start with in-memory fallback", err)
		}
		log.Println("repository: mongo")
		return mg, mg.Close, nil
	default:
		log.Println("repository: in-memory")
		return memory.NewSeeded(), nil, nil
	}
}

func newNotifier(cfg config.Config) digest.Notifier {
	if cfg.SMTPHost == "" {
		return digest.LogNotifier{}
	}
	return digest.NewMailNotifier(digest.MailConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		To:       cfg.SMTPTo,
	})
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if err := session.ValidatePIN(cfg.ShopPIN); err != nil {
		return fmt.Errorf("SHOP_PIN rejected: %w", err)
	}
	return nil
}
