package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"festival-live-backend/config"
	"festival-live-backend/internal/api"
	"festival-live-backend/internal/coordinator"
	"festival-live-backend/internal/db"
	"festival-live-backend/internal/hub"
	"festival-live-backend/internal/logging"
	"festival-live-backend/internal/notification"
	"festival-live-backend/internal/relay"
	"festival-live-backend/internal/session"
	"festival-live-backend/internal/store"
)

func main() {
	genVAPID := flag.Bool("gen-vapid", false, "print a new VAPID key pair and exit")
	devToken := flag.String("dev-token", "", "print a session token for `user:role` and exit")
	flag.Parse()

	if *genVAPID {
		privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", publicKey, privateKey)
		return
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", configPath, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	verifier := session.NewVerifier(cfg.Session.Secret, session.WithIssuer(cfg.Session.Issuer))
	if *devToken != "" {
		printDevToken(verifier, *devToken, logger)
		return
	}

	if err := run(cfg, verifier, logger); err != nil {
		logger.Fatal("service stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, verifier *session.Verifier, logger *zap.Logger) error {
	logger.Info("configuration loaded")

	if cfg.Session.Secret == "" {
		logger.Warn("session secret is empty; every request will be anonymous")
	}
	if cfg.Push.PublicKey == "" || cfg.Push.PrivateKey == "" {
		return errors.New("VAPID keys must be configured; run with -gen-vapid to create a pair")
	}
	webpushOptions := &webpush.Options{
		VAPIDPublicKey:  cfg.Push.PublicKey,
		VAPIDPrivateKey: cfg.Push.PrivateKey,
		Subscriber:      cfg.Push.Subject,
		TTL:             cfg.Push.TTL,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subs, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	liveHub := hub.New(cfg.Hub.QueueSize, logger)
	var publisher relay.Publisher = relay.NewLocal(liveHub)
	if cfg.Redis.Enabled {
		client := relay.NewRedisClient(cfg.Redis, logger)
		defer client.Close()
		redisRelay := relay.NewRedis(client, cfg.Redis.ChannelPrefix, liveHub, logger)
		go func() {
			if err := redisRelay.Run(ctx); err != nil {
				logger.Error("redis relay stopped", zap.Error(err))
			}
		}()
		publisher = redisRelay
	}

	dispatcher := notification.NewDispatcher(subs, webpushOptions, notification.Config{
		Workers:     cfg.WorkerPool.Size,
		MaxRetries:  cfg.Push.MaxRetries,
		Backoff:     cfg.Push.Backoff(),
		MaxBackoff:  cfg.Push.MaxBackoff(),
		MinInterval: cfg.Push.MinInterval(),
	}, logger)
	dispatcher.Start(ctx)

	coord := coordinator.New(publisher, dispatcher, coordinator.NewPolicy(cfg.Topics), cfg.Push.PassTimeout(), logger)

	handler := api.NewHandler(api.Dependencies{
		Store:          subs,
		Hub:            liveHub,
		Coordinator:    coord,
		WebPush:        webpushOptions,
		KeepAlive:      cfg.Hub.KeepAlive(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(handler, verifier, cfg.Server),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	// Live streams never finish on their own, so close the hub first to end them.
	liveHub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown", zap.Error(err))
	}

	// In-flight push passes run on the dispatcher workers, so they must finish
	// before ctx cancels the pool.
	coord.Wait()
	logger.Info("server gracefully stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, func(), error) {
	opts := []store.Option{store.WithPageSize(cfg.Push.PageSize)}

	if cfg.Database.Driver == "mongo" {
		client, err := db.ConnectMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, nil, err
		}
		s, err := store.NewMongoStore(ctx, client.Database(cfg.Mongo.Database), opts...)
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		logger.Info("subscription store ready", zap.String("driver", "mongo"))
		return s, func() { _ = client.Disconnect(context.Background()) }, nil
	}

	gormDB, err := db.Init(&cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("subscription store ready", zap.String("driver", cfg.Database.Driver))
	return store.NewGormStore(gormDB, opts...), func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}, nil
}

func printDevToken(verifier *session.Verifier, subject string, logger *zap.Logger) {
	userID, role, _ := strings.Cut(subject, ":")
	token, expiresAt, err := verifier.Sign(userID, role, 24*time.Hour)
	if err != nil {
		logger.Fatal("failed to sign token", zap.Error(err))
	}
	fmt.Printf("%s\n# expires %s\n", token, expiresAt.Format(time.RFC3339))
}
