package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"import-worker-service/internal/batch"
	"import-worker-service/internal/entity"
	"import-worker-service/internal/ingest"
	"import-worker-service/internal/notify"
	"import-worker-service/internal/repository/memory"
	"import-worker-service/internal/repository/postgresql"
	"import-worker-service/internal/service"
	"import-worker-service/internal/storage"
	httptransport "import-worker-service/internal/transport/http"
	"import-worker-service/internal/worker"
)

func serveAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(cmd.String("config"))
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, _, err := a.stores(ctx)
	if err != nil {
		return err
	}
	files, err := a.fileStorage(ctx)
	if err != nil {
		return err
	}
	queue, _, err := a.channel(ctx)
	if err != nil {
		return err
	}
	notifier, err := a.notifier(ctx)
	if err != nil {
		return err
	}

	svc := service.NewImportService(jobs, files, queue, notifier, a.log).
		WithDefaultStrategy(a.cfg.Import.DefaultStrategy)
	h := httptransport.NewHandler(svc, a.log).WithMaxUpload(a.cfg.HTTP.MaxUploadBytes)

	srv := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      httptransport.Routes(h, httptransport.RouterConfig{AllowedOrigins: a.cfg.HTTP.AllowedOrigins}, a.log),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		a.log.Info("http server stopping")
		return srv.Shutdown(shutdownCtx)
	})
	if cmd.Bool("with-worker") {
		g.Go(func() error { return runWorker(gctx, a) })
	}
	return g.Wait()
}

func workerAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(cmd.String("config"))
	if err != nil {
		return err
	}
	defer a.Close()
	return runWorker(ctx, a)
}

// runWorker blocks until ctx is cancelled and in-flight imports are done.
func runWorker(ctx context.Context, a *app) error {
	jobs, records, err := a.stores(ctx)
	if err != nil {
		return err
	}
	files, err := a.fileStorage(ctx)
	if err != nil {
		return err
	}
	queue, reaper, err := a.channel(ctx)
	if err != nil {
		return err
	}
	notifier, err := a.notifier(ctx)
	if err != nil {
		return err
	}

	wc := a.cfg.Worker
	factory := worker.NewJobFactory(files, records, a.settings(), a.log)
	opts := []worker.ProcessorOption{worker.WithAbandonAfter(wc.StaleAfter)}
	if wc.DeleteFiles {
		opts = append(opts, worker.WithFileCleanup(files))
	}
	processor := worker.NewProcessor(jobs, factory, batch.NewLauncher(a.log), notifier, a.log, opts...)

	// Reaper: периодически возвращает сообщения из processing обратно в очередь
	if reaper != nil {
		go worker.RunReaper(ctx, reaper, wc.ReaperEvery, wc.StaleAfter, wc.ReaperBatch, a.log)
	}

	a.log.Info("worker config",
		zap.Int("workers", wc.Count),
		zap.Duration("heartbeat", wc.Heartbeat),
		zap.String("channel", a.cfg.Channel.Driver),
		zap.String("storage", a.cfg.Storage.Driver),
		zap.String("mode", string(a.cfg.Import.ValidationMode())),
	)
	worker.NewPool(queue, processor, wc.Count, a.log).
		WithClaimWait(wc.ClaimWait).
		WithHeartbeat(wc.Heartbeat).
		Run(ctx)
	return nil
}

func migrateAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(cmd.String("config"))
	if err != nil {
		return err
	}
	defer a.Close()

	dsn := a.cfg.Postgres.DSN
	if dsn == "" {
		return errors.New("postgres.dsn is required")
	}
	if n := cmd.Int("down"); n > 0 {
		if err := postgresql.MigrateDown(dsn, int(n)); err != nil {
			return err
		}
		a.log.Info("migrations rolled back", zap.Int("steps", int(n)))
		return nil
	}
	if err := postgresql.Migrate(dsn); err != nil {
		return err
	}
	a.log.Info("migrations applied")
	return nil
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return errors.New("usage: importer run <file>")
	}
	a, err := newApp(cmd.String("config"))
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := runLocal(ctx, a, localRun{
		Path:       path,
		ImportType: cmd.String("type"),
		Strategy:   cmd.String("strategy"),
		Owner:      cmd.String("owner"),
		DryRun:     cmd.Bool("dry-run"),
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(job); err != nil {
		return err
	}
	if job.Status == entity.StatusFailed {
		return cli.Exit("import failed", 2)
	}
	return nil
}

type localRun struct {
	Path       string
	ImportType string
	Strategy   string
	Owner      string
	DryRun     bool
}

// runLocal pushes one file through the whole submission and worker path with
// in-memory stores, a temporary upload directory and an in-process channel.
func runLocal(ctx context.Context, a *app, r localRun) (*entity.Job, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dir, err := os.MkdirTemp("", "importer-run-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	files, err := storage.NewLocal(dir)
	if err != nil {
		return nil, err
	}

	jobs := memory.NewJobRepository()
	var records worker.RecordWriter = memory.NewRecordRepository()
	if r.DryRun {
		records = &memory.Discard{}
	}
	queue := service.NewLocalQueue(1)
	notifier := notify.New(notify.NewLogPublisher(a.log), a.log)

	svc := service.NewImportService(jobs, files, queue, notifier, a.log).
		WithDefaultStrategy(a.cfg.Import.DefaultStrategy)
	job, err := svc.Submit(ctx, service.SubmitRequest{
		OwnerID:    r.Owner,
		Filename:   filepath.Base(r.Path),
		ImportType: r.ImportType,
		Strategy:   r.Strategy,
		File:       f,
	})
	if err != nil {
		return nil, err
	}

	d, err := queue.Claim(ctx, time.Second)
	if err != nil {
		return nil, err
	}
	factory := worker.NewJobFactory(files, records, a.settings(), a.log)
	processor := worker.NewProcessor(jobs, factory, batch.NewLauncher(a.log), notifier, a.log, worker.WithFileCleanup(files))
	if err := processor.Process(ctx, d.Message); err != nil {
		return nil, err
	}
	if err := queue.Ack(ctx, d); err != nil {
		return nil, err
	}
	return jobs.GetByID(ctx, job.ID)
}

func validateAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return errors.New("usage: importer validate <file>")
	}
	a, err := newApp(cmd.String("config"))
	if err != nil {
		return err
	}
	defer a.Close()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	counts, err := validateFile(ctx, a, cmd.String("type"), filepath.Base(path), f)
	fmt.Fprintf(os.Stdout, "rows: %d, valid: %d, invalid: %d\n", counts.Read, counts.Valid, counts.Skipped)
	if err != nil {
		fmt.Fprintln(os.Stdout, err)
		return cli.Exit("validation failed", 2)
	}
	return nil
}

// validateFile runs the header check and the full rule pass; rc is closed.
func validateFile(ctx context.Context, a *app, importType, filename string, rc io.ReadCloser) (ingest.Counts, error) {
	schema, err := ingest.Lookup(importType)
	if err != nil {
		_ = rc.Close()
		return ingest.Counts{}, err
	}
	coord := ingest.NewCoordinator(schema, ingest.Config{
		Delimiter: a.cfg.Import.DelimiterRune(),
		Mode:      ingest.ModeAggregate,
	}, a.log)
	return coord.Validate(ctx, filename, rc)
}
