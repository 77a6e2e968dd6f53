package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agentworkforce/tasksync/internal/config"
	"github.com/agentworkforce/tasksync/internal/httpapi"
	"github.com/agentworkforce/tasksync/internal/logging"
	"github.com/agentworkforce/tasksync/internal/optimistic"
	"github.com/agentworkforce/tasksync/internal/syncer"
	"github.com/agentworkforce/tasksync/internal/tasksync"
	"github.com/agentworkforce/tasksync/internal/todoist"
	"github.com/agentworkforce/tasksync/internal/tracing"
	"github.com/agentworkforce/tasksync/internal/webhook"
)

// app holds the components one process needs. Fields past syncer are only
// built for serve.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	tracer *tracing.Tracer
	store  *tasksync.Store
	remote *todoist.Client
	syncer *syncer.Syncer

	runner     *syncer.Runner
	ingester   *webhook.Ingester
	secretFile *config.SecretFile
	mutator    *optimistic.Mutator
	watcher    *optimistic.Watcher
	server     *httpapi.Server

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: logging.New(cfg.Logging())}
	a.closers = append(a.closers, func() { _ = a.logger.Close() })

	tracer, err := tracing.New(ctx, cfg.TracingConfig())
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.tracer = tracer
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	})

	backend, err := tasksync.BuildBackendFromDSN(cfg.StoreDSN)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open store backend: %w", err)
	}
	store, err := tasksync.NewStoreWithOptions(ctx, tasksync.StoreOptions{
		Backend: backend,
		Logger:  a.logger.With("component", "store"),
	})
	if err != nil {
		_ = backend.Close()
		a.close()
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })

	a.remote = todoist.NewClient(todoist.ClientOptions{
		BaseURL: cfg.APIBaseURL,
		TokenProvider: func(context.Context) (string, error) {
			return cfg.APIToken()
		},
		UserAgent: "tasksync/" + version,
	})
	a.syncer, err = syncer.New(a.remote, store, syncer.Options{
		Service: cfg.Service,
		Logger:  a.logger.With("component", "syncer"),
		Tracer:  tracer,
		AfterTasksChanged: func(context.Context) error {
			store.RecomputeProjectMetadata(time.Now())
			return nil
		},
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// startServing builds the webhook ingester, mutation pipeline, and HTTP API on
// top of the core components.
func (a *app) startServing() error {
	cfg := a.cfg
	secretFile, err := cfg.WatchWebhookSecret(a.logger.With("component", "secret"))
	if err != nil {
		return fmt.Errorf("watch webhook secret: %w", err)
	}
	if secretFile != nil {
		a.secretFile = secretFile
		a.closers = append(a.closers, func() { _ = secretFile.Close() })
	}

	a.runner = syncer.NewRunner(a.syncer, syncer.RunnerOptions{
		Interval: cfg.SyncInterval,
		Jitter:   cfg.SyncJitter,
		Timeout:  cfg.SyncTimeout,
		Logger:   a.logger.With("component", "runner"),
	})

	a.ingester, err = webhook.NewIngester(a.store, webhook.Options{
		Secret:        cfg.WebhookSecret,
		RoutineMarker: cfg.RoutineMarker,
		MaxBodyBytes:  cfg.MaxBodyBytes,
		Logger:        a.logger.With("component", "webhook"),
		Tracer:        a.tracer,
	})
	if err != nil {
		return err
	}

	ledger := optimistic.NewLedger()
	a.mutator, err = optimistic.NewMutator(a.remote, ledger, optimistic.MutatorOptions{
		Workers:        cfg.CommandWorkers,
		QueueCapacity:  cfg.CommandQueue,
		CommandTimeout: cfg.CommandTimeout,
		Notifier: optimistic.NotifierFunc(func(f optimistic.Failure) {
			a.logger.Error("task edit rolled back",
				"task_id", f.Update.EntityID(),
				"tag", f.Update.Tag(),
				"error", f.Err)
		}),
		Logger: a.logger.With("component", "mutator"),
		Tracer: a.tracer,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = a.mutator.Close() })

	a.watcher = optimistic.NewWatcher(a.store, ledger)
	a.closers = append(a.closers, a.watcher.Close)
	a.closers = append(a.closers, watchPending(ledger, a.watcher))

	a.server = httpapi.NewServer(httpapi.Dependencies{
		Store:    a.store,
		Webhooks: a.ingester,
		Sync:     a.runner,
		Mutator:  a.mutator,
		Ledger:   ledger,
	}, httpapi.ServerConfig{
		JWTSecret:    cfg.JWTSecret,
		Service:      cfg.Service,
		MaxBodyBytes: cfg.MaxBodyBytes,
		SyncTimeout:  cfg.SyncTimeout,
		Logger:       a.logger.With("component", "http"),
	})
	a.closers = append(a.closers, a.server.Close)
	return nil
}

// watchPending keeps every task with a pending edit under the watcher, since
// every task is reachable through the API. A watch is released once its edit
// leaves the ledger.
func watchPending(ledger *optimistic.Ledger, watcher *optimistic.Watcher) func() {
	p := &pendingWatches{ledger: ledger, watcher: watcher, releases: map[string]func(){}}
	unsubscribe := ledger.Subscribe(p.update)
	return func() {
		unsubscribe()
		p.releaseAll()
	}
}

type pendingWatches struct {
	ledger  *optimistic.Ledger
	watcher *optimistic.Watcher

	mu sync.Mutex
	// A nil release marks a Watch call still in flight.
	releases map[string]func()
}

func (p *pendingWatches) update(id string) {
	_, pending := p.ledger.Get(id)
	p.mu.Lock()
	release, tracked := p.releases[id]
	switch {
	case pending && !tracked:
		p.releases[id] = nil
		p.mu.Unlock()
		// Watch may clear the entry and re-enter update synchronously.
		release = p.watcher.Watch(id)
		p.mu.Lock()
		if _, reserved := p.releases[id]; !reserved {
			// releaseAll ran while Watch was in flight.
			p.mu.Unlock()
			release()
			return
		}
		p.releases[id] = release
		p.mu.Unlock()
		p.update(id)
	case !pending && tracked && release != nil:
		delete(p.releases, id)
		p.mu.Unlock()
		release()
	default:
		p.mu.Unlock()
	}
}

func (p *pendingWatches) releaseAll() {
	p.mu.Lock()
	releases := p.releases
	p.releases = map[string]func(){}
	p.mu.Unlock()
	for _, release := range releases {
		if release != nil {
			release()
		}
	}
}

func (a *app) serve(ctx context.Context) error {
	if err := a.startServing(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		a.runner.Run(runCtx)
	}()

	httpServer := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("tasksync listening", "addr", a.cfg.Addr, "store", redactDSN(a.cfg.StoreDSN))
		errCh <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}
	// Live websocket handlers only return once the hub is closed.
	a.server.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("http shutdown: %w", err)
	}
	cancel()
	<-runnerDone
	return serveErr
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
