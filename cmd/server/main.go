package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/similie/hyphen-rtsp-tunnel/internal/config"
	"github.com/similie/hyphen-rtsp-tunnel/internal/deviceauth"
	"github.com/similie/hyphen-rtsp-tunnel/internal/gateway"
	"github.com/similie/hyphen-rtsp-tunnel/internal/leader"
	"github.com/similie/hyphen-rtsp-tunnel/internal/metrics"
	"github.com/similie/hyphen-rtsp-tunnel/internal/notifier"
	"github.com/similie/hyphen-rtsp-tunnel/internal/platform/paths"
	"github.com/similie/hyphen-rtsp-tunnel/internal/ratelimit"
	"github.com/similie/hyphen-rtsp-tunnel/internal/registry"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.OutDir == "" {
		cfg.OutDir = paths.ResolveOutDir()
	}
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		log.Fatalf("out dir: %v", err)
	}

	registryClient := redis.NewClient(&redis.Options{Addr: cfg.RegistryAddr, Password: cfg.RegistryPassword})
	registryCache := registry.New(registryClient, registry.NewHTTPSource(cfg.DeviceRegistryAddr))

	authenticator := deviceauth.New(registryCache)

	authThrottle := ratelimit.NewAuthThrottle(
		ratelimit.NewLimiter(registryClient, "rtsp-tunnel-auth-throttle"),
		ratelimit.LimitConfig{Rate: cfg.AuthMaxAttempts, Window: cfg.AuthAttemptWindow},
	)

	var leaderLock *leader.Lock
	if cfg.LeaderAddr != "" {
		leaderClient := redis.NewClient(&redis.Options{Addr: cfg.LeaderAddr, Password: cfg.LeaderPassword})
		leaderLock = leader.New(leaderClient, uuid.NewString())
	}

	var notifierPub *notifier.Publisher
	if cfg.NotifierNATSURL != "" {
		nc, err := nats.Connect(cfg.NotifierNATSURL, nats.Name("rtsp-tunnel-gateway"))
		if err != nil {
			log.Printf("notifier: nats connect failed, downstream events will not be published: %v", err)
		} else {
			defer nc.Close()
			notifierPub = notifier.NewPublisher(nc, cfg.NotifierSubject, 3)
		}
	}

	collector := metrics.NewCollector(nil)

	gw := gateway.New(gateway.Deps{
		Config:        cfg,
		Authenticator: authenticator,
		Devices:       registryCache,
		AuthThrottle:  authThrottle,
		LeaderLock:    leaderLock,
		Notifier:      notifierPub,
		Metrics:       collector,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := config.NewWatcher(os.Getenv("CONFIG_PATH"), cfg, func(*config.Config) {
		log.Printf("config: reloaded overlay")
	})
	watcher.Run(ctx)

	if err := gw.Start(ctx); err != nil {
		log.Fatalf("gateway start: %v", err)
	}
	log.Printf("rtsp-tunnel gateway listening: ws=:%d proxy=:%d out=%s", cfg.WSPort, cfg.ProxyPort, cfg.OutDir)

	<-ctx.Done()
	log.Printf("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	gw.Stop(stopCtx)
}
