// Command tango-server is the broker's façade entrypoint: it loads
// configuration, wires the VMMS driver, Preallocator, Job Queue, Job
// Manager, Notifier and optional stores, then serves the façade's HTTP
// API until a shutdown signal arrives. Grounded on the teacher's
// cmd/judge-service/main.go: flag-parsed config path, logger init first,
// collaborators constructed in dependency order, HTTP server run in its
// own goroutine behind a signal.NotifyContext shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tango/internal/common/config"
	"tango/internal/common/logger"
	"tango/internal/core/manager"
	"tango/internal/core/pool"
	"tango/internal/core/queue"
	"tango/internal/core/worker"
	"tango/internal/facade"
	"tango/internal/facade/middleware"
	"tango/internal/notify"
	"tango/internal/store/dedupe"
	"tango/internal/store/objects"
	"tango/internal/store/tracelog"
	"tango/internal/vmms"
	"tango/internal/vmms/localdriver"
)

const defaultConfigPath = "configs/tango.yaml"
const defaultShutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to config file")
	flag.Parse()

	appCfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	registry := vmms.NewRegistry()
	registry.Register("local", localdriver.Factory)
	driver, err := registry.New(appCfg.Driver.Name, appCfg.Driver.Params)
	if err != nil {
		logger.Error(ctx, "init vmms driver failed", zap.Error(err))
		os.Exit(1)
	}

	preallocator := pool.New(driver, appCfg.Pool.CreateRetries)
	if err := preallocator.Reconcile(ctx); err != nil {
		logger.Error(ctx, "pool reconcile failed", zap.Error(err))
		os.Exit(1)
	}
	for _, img := range appCfg.Pool.Images {
		preallocator.Configure(img.Name, img.HardCap, img.KeepAliveDefault())
		preallocator.Update(ctx, img.Name, img.PoolSize)
	}

	jobQueue := queue.New(appCfg.Queue.DeadRingCapacity, appCfg.Queue.DedupeIncludesRequester)

	notifier := notify.New(notify.Config{
		Workers:       appCfg.Notify.Workers,
		Timeout:       appCfg.Notify.Timeout,
		SignCallbacks: appCfg.Notify.SignCallbacks,
		SigningKey:    appCfg.Notify.SigningKey,
	})

	var objectStore *objects.Store
	if appCfg.MinIO.Endpoint != "" {
		objectStore, err = objects.New(ctx, objects.Config{
			Endpoint:  appCfg.MinIO.Endpoint,
			AccessKey: appCfg.MinIO.AccessKey,
			SecretKey: appCfg.MinIO.SecretKey,
			UseSSL:    appCfg.MinIO.UseSSL,
			Bucket:    appCfg.MinIO.Bucket,
		})
		if err != nil {
			logger.Error(ctx, "init object store failed", zap.Error(err))
			os.Exit(1)
		}
	}

	var traceStore *tracelog.Store
	if appCfg.MySQL.DSN != "" {
		traceStore, err = tracelog.New(ctx, tracelog.Config{
			DSN:             appCfg.MySQL.DSN,
			MaxOpenConns:    appCfg.MySQL.MaxOpenConns,
			ConnMaxLifetime: appCfg.MySQL.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error(ctx, "init trace log store failed", zap.Error(err))
			os.Exit(1)
		}
		defer func() { _ = traceStore.Close() }()
	}

	var dedupeCache *dedupe.Cache
	if appCfg.Redis.Addr != "" {
		dedupeCache = dedupe.New(dedupe.Config{
			Addr:     appCfg.Redis.Addr,
			Password: appCfg.Redis.Password,
			DB:       appCfg.Redis.DB,
			TTL:      appCfg.Redis.TTL,
		})
		if err := dedupeCache.Ping(ctx); err != nil {
			logger.Error(ctx, "init dedupe cache failed", zap.Error(err))
			os.Exit(1)
		}
		defer func() { _ = dedupeCache.Close() }()
	}

	var recorder worker.Recorder
	if traceStore != nil {
		recorder = traceStore
	}

	mgr := manager.New(manager.Config{
		TickPeriod:          appCfg.Manager.TickPeriod,
		WorkerDeathRetryMax: appCfg.Manager.WorkerDeathRetryMax,
		Worker: worker.Config{
			ReadyTimeout:     appCfg.Worker.ReadyTimeout,
			ReadyRetryBudget: appCfg.Worker.ReadyRetryBudget,
			CopyOutTimeout:   appCfg.Worker.CopyOutTimeout,
		},
	}, driver, jobQueue, preallocator, notifier, recorder)

	managerCtx, cancelManager := context.WithCancel(ctx)
	defer cancelManager()
	go mgr.Run(managerCtx)

	keyStore, err := loadKeyStore(appCfg.Auth.Keys)
	if err != nil {
		logger.Error(ctx, "load access keys failed", zap.Error(err))
		os.Exit(1)
	}

	httpServer := facade.NewServer(appCfg.Server, facade.Deps{
		Queue:    jobQueue,
		Pool:     preallocator,
		Manager:  mgr,
		Driver:   driver,
		Objects:  objectStore,
		Trace:    traceStore,
		Dedupe:   dedupeCache,
		KeyStore: keyStore,
		Job:      appCfg.Job,
		QueueCfg: appCfg.Queue,
	})

	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(ctx, "init http listener failed", zap.Error(err))
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "tango http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	cancelManager()
	shutCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
}

// loadKeyStore parses "identity:bcryptHash" entries from configuration
// into the façade's opaque-key admission list.
func loadKeyStore(keys []string) (middleware.StaticKeyStore, error) {
	store := make(middleware.StaticKeyStore, len(keys))
	for _, entry := range keys {
		identity, hash, ok := strings.Cut(entry, ":")
		if !ok || identity == "" || hash == "" {
			return nil, fmt.Errorf("malformed auth.keys entry %q, expected identity:bcryptHash", entry)
		}
		store[identity] = hash
	}
	return store, nil
}
