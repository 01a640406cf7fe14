package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cordum/davlock/core/controlplane/gateway"
	"github.com/cordum/davlock/core/davfs"
	"github.com/cordum/davlock/core/infra/buildinfo"
	"github.com/cordum/davlock/core/infra/bus"
	"github.com/cordum/davlock/core/infra/config"
	"github.com/cordum/davlock/core/infra/logging"
	"github.com/cordum/davlock/core/infra/metrics"
	"github.com/cordum/davlock/core/infra/secrets"
	"github.com/cordum/davlock/core/lockmgr"
	"github.com/cordum/davlock/core/resource"
	"github.com/cordum/davlock/core/version"
	"golang.org/x/net/webdav"
)

const (
	serviceName      = "davlockd"
	metricsNamespace = "davlock"
	davPrefix        = "/dav"
)

func main() {
	buildinfo.Log(serviceName)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, config.Load()); err != nil {
		logging.Error(serviceName, "exited with error", "error", err)
		os.Exit(1)
	}
	logging.Info(serviceName, "stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return err
	}
	resolver, err := newSecretResolver(ctx, cfg)
	if err != nil {
		return err
	}
	jwtSecret, err := secrets.Resolve(ctx, resolver, cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("resolve jwt secret: %w", err)
	}
	apiKeys, err := secrets.Resolve(ctx, resolver, cfg.APIKeys)
	if err != nil {
		return fmt.Errorf("resolve api keys: %w", err)
	}
	auth, err := gateway.NewAuthProvider(apiKeys, jwtSecret)
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	prom := metrics.NewProm(metricsNamespace)
	mgr := lockmgr.New(st.locks, lockmgr.WithPolicy(policy), lockmgr.WithMetrics(prom))

	hub := gateway.NewHub()
	notifiers := []version.Notifier{hub}
	if cfg.NatsURL != "" {
		nb, err := bus.NewNatsBus(cfg.NatsURL)
		if err != nil {
			return err
		}
		defer nb.Close()
		unsubscribe, err := nb.SubscribeChanges(func(change version.Change) {
			_ = hub.Publish(ctx, change)
		})
		if err != nil {
			return fmt.Errorf("subscribe changes: %w", err)
		}
		defer func() { _ = unsubscribe() }()
		notifiers = append(notifiers, nb)
	}
	stamp := version.New(st.versions, version.WithMetrics(prom), version.WithNotifier(notifiers...))

	opts := []gateway.Option{
		gateway.WithHub(hub),
		gateway.WithMetrics(metrics.NewGatewayProm(metricsNamespace)),
	}
	if auth != nil {
		opts = append(opts, gateway.WithAuth(auth))
	}
	if cfg.DavRoot != "" {
		opts = append(opts, gateway.WithDAV(newDAVHandler(cfg.DavRoot, mgr, stamp)))
	}
	srv := gateway.New(resource.New(mgr, stamp, resource.WithMetrics(prom)), opts...)

	logging.Info(serviceName, "starting",
		"backend", cfg.Backend,
		"descendant_check", policy.DescendantCheck,
		"default_timeout_seconds", policy.DefaultTimeoutSeconds,
		"dav_root", cfg.DavRoot,
		"nats", cfg.NatsURL != "",
		"auth", auth != nil,
	)

	go runSweeper(ctx, mgr, policy.SweepInterval())
	go func() {
		if err := gateway.RunMetrics(ctx, cfg.MetricsAddr); err != nil {
			logging.Error(serviceName, "metrics server stopped", "error", err)
		}
	}()
	return srv.Run(ctx, cfg.HTTPAddr)
}

func newDAVHandler(root string, mgr *lockmgr.Manager, stamp *version.Stamp) http.Handler {
	return &webdav.Handler{
		Prefix:     davPrefix,
		FileSystem: davfs.NewFileSystem(webdav.Dir(root), stamp),
		LockSystem: davfs.NewLockSystem(mgr),
		Logger: func(r *http.Request, err error) {
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				logging.Warn("davfs", "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
			}
		},
	}
}

// runSweeper purges expired locks every interval until ctx is done. A
// non-positive interval leaves purging to reads.
func runSweeper(ctx context.Context, mgr *lockmgr.Manager, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := mgr.Sweep(ctx); err != nil && ctx.Err() == nil {
				logging.Warn(serviceName, "sweep failed", "error", err)
			}
		}
	}
}
