package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"pulsegate/internal/config"
	"pulsegate/internal/identity"
	"pulsegate/internal/server"
	"pulsegate/internal/servicetoken"
	"pulsegate/internal/usertoken"
	"pulsegate/internal/util"
	"pulsegate/pkg/ingest"
	"pulsegate/pkg/presign"
	"pulsegate/pkg/realtime"
	"pulsegate/pkg/storage"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	leeway, err := config.ParseOptionalDuration("jwtLeeway", cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	presignTTL, err := config.ParseOptionalDuration("presignTTL", cfg.PresignTTL)
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	idleTimeout, err := config.ParseOptionalDuration("idleTimeout", cfg.IdleTimeout)
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  cfg.IdentityJWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	store, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}
	issuer := presign.NewIssuer(store, presign.Config{
		TTL:                 presignTTL,
		MaxObjectSize:       cfg.MaxObjectBytes,
		AllowedContentTypes: cfg.AllowedContentTypes,
	})

	registry := realtime.NewRegistry()
	hub := realtime.NewHub(realtime.HubConfig{
		Verifier:      tokenVerifier,
		Registry:      registry,
		SendQueueSize: cfg.SendQueueSize,
		IdleTimeout:   idleTimeout,
	})
	dispatcher := ingest.NewDispatcher(registry, ingest.DispatcherConfig{Workers: cfg.IngestWorkers})

	var callbackVerifier *servicetoken.Verifier
	var source ingest.Source
	switch cfg.ChangeSource {
	case config.SourceRedis:
		source, err = ingest.NewRedisStreamSource(ingest.RedisStreamConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.ChangeStream,
		})
		if err != nil {
			log.Fatalf("failed to init redis change source: %v", err)
		}
	case config.SourceAMQP:
		source, err = ingest.NewAMQPSource(ingest.AMQPConfig{
			URL:      cfg.AMQPURL,
			Exchange: cfg.AMQPExchange,
		})
		if err != nil {
			log.Fatalf("failed to init amqp change source: %v", err)
		}
	case config.SourceHTTP:
		callbackVerifier, err = servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
			PublicKeyPath:  cfg.CallbackPublicKey,
			Audience:       cfg.CallbackAudience,
			AllowedIssuers: cfg.CallbackIssuers,
		})
		if err != nil {
			log.Fatalf("failed to init callback verifier: %v", err)
		}
	}

	httpServer, err := server.New(server.Config{
		Identity:                   identity.NewClient(cfg.IdentityServiceURL),
		TokenVerifier:              tokenVerifier,
		CallbackVerifier:           callbackVerifier,
		Issuer:                     issuer,
		Store:                      store,
		Hub:                        hub,
		Events:                     dispatcher,
		RedisAddr:                  cfg.RedisAddr,
		RedisPassword:              cfg.RedisPassword,
		RegisterRateLimitPerMinute: cfg.RegisterRateLimitPerMinute,
		LoginRateLimitPerMinute:    cfg.LoginRateLimitPerMinute,
		TrustedProxies:             trustedProxies,
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})
	if source != nil {
		g.Go(func() error {
			err := source.Run(ctx, dispatcher.Handle)
			if err != nil && ctx.Err() == nil {
				// Change stream lost: refuse new subscriptions rather than
				// serving channels that no longer receive events.
				hub.Lockdown()
			}
			return err
		})
	}
	g.Go(func() error {
		slog.Info("gateway listening", "addr", addr, "change_source", cfg.ChangeSource)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hub.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("gateway stopped", "err", err)
		os.Exit(1)
	}
}
