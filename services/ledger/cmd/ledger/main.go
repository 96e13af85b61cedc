package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"creatorhub/internal/ratelimit"
	"creatorhub/internal/usertoken"
	"creatorhub/internal/util"
	"creatorhub/pkg/events"
	"creatorhub/pkg/storage"
	"creatorhub/pkg/store"
	"creatorhub/services/ledger/internal/app"
	"creatorhub/services/ledger/internal/config"
	"creatorhub/services/ledger/internal/server"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	var dataStore store.Store
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		dataStore = store.NewMemoryStore()
	default:
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init postgres store: %v", err)
		}
	}

	var (
		redisClient *redis.Client
		publisher   events.Publisher
		limiter     server.RateLimiter
		revoker     usertoken.Revoker
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()

		streamPublisher, err := events.NewRedisStreamPublisher(redisClient, events.RedisStreamConfig{
			Stream: cfg.EventStream,
			MaxLen: cfg.EventStreamMaxLen,
		})
		if err != nil {
			log.Fatalf("failed to init event publisher: %v", err)
		}
		publisher = streamPublisher
		revoker = usertoken.NewRedisRevoker(redisClient)

		if cfg.MutationRateLimitPerMinute > 0 {
			fixedWindow, err := ratelimit.NewFixedWindowLimiter(redisClient, "", cfg.MutationRateLimitPerMinute, time.Minute)
			if err != nil {
				log.Fatalf("failed to init rate limiter: %v", err)
			}
			limiter = fixedWindow
		}
	} else {
		logger.Warn("redisAddr not set; events, rate limiting and token revocation are disabled")
		revoker = usertoken.NewMemoryRevoker()
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		objects, err = storage.NewMinioStore(storage.MinioConfig{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			Bucket:        cfg.MinioBucket,
			UseSSL:        cfg.MinioUseSSL,
			PublicBaseURL: cfg.MinioPublicURL,
		})
		if err != nil {
			log.Fatalf("failed to init object storage: %v", err)
		}
	}

	var verifier server.TokenVerifier
	if cfg.AuthJWKSURL != "" {
		v, err := usertoken.NewVerifier(usertoken.Config{
			JWKSURL:  cfg.AuthJWKSURL,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Leeway:   jwtLeeway,
			Revoker:  revoker,
		})
		if err != nil {
			log.Fatalf("failed to init token verifier: %v", err)
		}
		verifier = v
	} else {
		logger.Warn("authJwksURL not set; bearer-protected routes will reject every request")
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("invalid trustedProxyCidrs: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:          dataStore,
		Events:         publisher,
		Objects:        objects,
		MaxAvatarBytes: cfg.MaxAvatarBytes,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  verifier,
		Limiter:        limiter,
		TrustedProxies: trusted,
		MaxAvatarBytes: cfg.MaxAvatarBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "err", err)
		}
	}()

	slog.Info("server listening", "addr", addr, "store", cfg.StoreDriver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
