package main

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"studycore/internal/blob"
	"studycore/internal/config"
	"studycore/internal/core"
	"studycore/internal/identity"
	"studycore/internal/importer"
	"studycore/internal/jobs"
	"studycore/internal/logging"
	"studycore/internal/observability"
	"studycore/internal/provision"
	"studycore/internal/schema"
	"studycore/pkg/domain"
)

// app holds the wired engine for one process.
type app struct {
	cfg         config.Config
	log         *zap.SugaredLogger
	store       domain.PersistentStore
	registry    *schema.Registry
	bus         schema.InvalidationBus
	pipeline    *importer.Pipeline
	worker      *jobs.Worker
	provisioner *provision.Provisioner
	recorder    *observability.PrometheusRecorder
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, recorder: observability.NewPrometheusRecorder()}

	a.store, err = core.OpenPersistentStore(ctx, cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	opts := []schema.Option{
		schema.WithCacheSize(cfg.Cache.Size),
		schema.WithLogger(logging.Component(log, "schema")),
		schema.WithRecorder(a.recorder),
	}
	if cfg.Cache.RedisAddr != "" {
		a.bus, err = schema.NewRedisBus(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisChannel, log)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		opts = append(opts, schema.WithBus(a.bus))
	}
	a.registry, err = schema.NewRegistry(a.store, opts...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	engine := identity.NewEngine(cfg.Identity.Authority)
	a.pipeline = importer.NewPipeline(a.store, a.registry, engine,
		importer.WithBlobStore(blobs),
		importer.WithLogger(logging.Component(log, "importer")),
		importer.WithRecorder(a.recorder),
	)
	a.worker = jobs.NewWorker(cfg.Jobs.QueueSize,
		jobs.WithAudit(jobs.LogAudit{Log: logging.Component(log, "jobs")}),
		jobs.WithLogger(logging.Component(log, "jobs")),
		jobs.WithRecorder(a.recorder),
	)
	a.worker.Register(provision.JobKindCopy, provision.NewCopyJobHandler(a.store, a.registry, engine, logging.Component(log, "copy")))
	a.provisioner = provision.NewProvisioner(a.store, a.worker,
		provision.WithLogger(logging.Component(log, "provision")),
		provision.WithRecorder(a.recorder),
	)
	return a, nil
}

// Close releases the store and bus connections.
func (a *app) Close() error {
	var errs error
	if a.bus != nil {
		errs = multierr.Append(errs, a.bus.Close())
	}
	if c, ok := a.store.(io.Closer); ok {
		errs = multierr.Append(errs, c.Close())
	}
	_ = a.log.Sync()
	return errs
}
