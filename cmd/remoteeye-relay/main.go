package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remoteeye/relay/internal/auth"
	"github.com/remoteeye/relay/internal/blobstore"
	"github.com/remoteeye/relay/internal/command"
	"github.com/remoteeye/relay/internal/config"
	"github.com/remoteeye/relay/internal/dispatch"
	"github.com/remoteeye/relay/internal/gateway"
	"github.com/remoteeye/relay/internal/httpapi"
	"github.com/remoteeye/relay/internal/metrics"
	"github.com/remoteeye/relay/internal/pairing"
	"github.com/remoteeye/relay/internal/registry"
	"github.com/remoteeye/relay/internal/store"
	"github.com/remoteeye/relay/internal/wake"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		// Dev mode only; Validate rejects this in prod.
		jwtSecret = "remoteeye-dev-secret"
		logger.Warn("JWT_SECRET not set, using dev secret")
	}

	logger.Info("starting remoteeye-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"command_queue_depth", cfg.CommandQueueDepth,
		"mongo", cfg.MongoURI != "",
		"fcm", cfg.FCMConfigured(),
		"mqtt_wake", cfg.MQTTWakeConfigured(),
		"blob", cfg.BlobConfigured(),
	)

	ctx := context.Background()

	var st store.Store
	if cfg.MongoURI != "" {
		mongoStore, err := store.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			logger.Error("failed to connect to mongo", "err", err)
			os.Exit(2)
		}
		st = mongoStore
	} else {
		logger.Warn("MONGO_URI not set, state is in-memory only")
		st = store.NewMemory()
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			logger.Error("store close failed", "err", err)
		}
	}()

	var providers []wake.Provider
	if cfg.FCMConfigured() {
		providers = append(providers, wake.NewFCM(cfg.FCMEndpoint, cfg.FCMServerKey))
	}
	if cfg.MQTTWakeConfigured() {
		mq, err := wake.NewMQTT(cfg.MQTTBrokerURL, cfg.MQTTUsername, cfg.MQTTPassword, cfg.MQTTWakePrefix)
		if err != nil {
			logger.Error("failed to connect to mqtt broker", "err", err)
			os.Exit(2)
		}
		defer mq.Close()
		providers = append(providers, mq)
	}

	var presigner blobstore.Presigner
	if cfg.BlobConfigured() {
		s3, err := blobstore.NewS3(ctx, blobstore.Options{
			Endpoint:  cfg.BlobEndpoint,
			Region:    cfg.BlobRegion,
			Bucket:    cfg.BlobBucket,
			AccessKey: cfg.BlobAccessKey,
			SecretKey: cfg.BlobSecretKey,
			URLTTL:    cfg.BlobURLTTL,
		})
		if err != nil {
			logger.Error("failed to configure blob storage", "err", err)
			os.Exit(2)
		}
		presigner = s3
	}

	m := metrics.New()
	authority := auth.NewAuthority(jwtSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	pairingSvc := pairing.NewService(st, cfg.PairingCodeTTL)
	reg := registry.New(st, m, logger, cfg.HeartbeatInterval, cfg.HeartbeatGraceMultiple)
	escalator := wake.NewEscalator(providers, cfg.WakePushTimeout, m, logger)
	disp := dispatch.New(st, reg, command.NewQueue(cfg.CommandQueueDepth), escalator, m, logger)

	api := httpapi.NewServer(cfg, authority, st, pairingSvc, reg, disp, presigner, m, logger)
	gw := gateway.NewServer(cfg, authority, st, reg, disp, m, logger)

	router := api.Router()
	router.GET("/ws", gin.WrapH(gw))

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go reg.RunHeartbeatMonitor(monitorCtx)
	go runPairingSweeper(monitorCtx, pairingSvc, cfg.PairingCodeTTL, logger)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{Handler: router}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// runPairingSweeper clears expired unused pairing codes. The Mongo store has
// a TTL index doing the same job; this keeps the in-memory store honest too.
func runPairingSweeper(ctx context.Context, svc *pairing.Service, ttl time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.Sweep(ctx)
			if err != nil {
				logger.Error("pairing sweep failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Debug("swept expired pairing codes", "count", n)
			}
		}
	}
}
