// Command gateway-worker is the queue-only process: it claims and
// executes jobs against the tenant(s) it is responsible for, runs the
// progressive-migrations scheduler, listens for tenant cache
// invalidation, and periodically reconciles orphaned storage (spec.md
// §6 "Two executables: server (HTTP) and worker (queue-only)").
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

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/objectvault/storage-gateway/blob"
	"github.com/objectvault/storage-gateway/blob/file"
	"github.com/objectvault/storage-gateway/blob/s3"
	"github.com/objectvault/storage-gateway/config"
	"github.com/objectvault/storage-gateway/gc"
	"github.com/objectvault/storage-gateway/internal/logging"
	"github.com/objectvault/storage-gateway/internal/tagsql"
	"github.com/objectvault/storage-gateway/jobq"
	"github.com/objectvault/storage-gateway/metadata"
	migrationsdb "github.com/objectvault/storage-gateway/migrations/tenantdb"
	"github.com/objectvault/storage-gateway/pubsub"
	"github.com/objectvault/storage-gateway/tenant"
	"github.com/objectvault/storage-gateway/workers"
)

// Queue names the per-tenant worker pool binds handlers to. They are
// plain strings rather than typed constants because jobq itself is
// queue-name agnostic (spec.md §4.G); naming them here keeps the
// worker's own wiring the single place they're spelled out.
const (
	queueWebhook           = "webhook"
	queueAdminDeleteObject = "admin-delete-object"
	queueUploadCompleted   = "upload-completed"
	queueRunMigrations     = "run-migrations-on-tenants"

	orphanScanInterval     = time.Hour
	orphanScanLookback     = 24 * time.Hour
	progressiveMigrateGap  = 5 * time.Second
	progressiveMigratePage = 50
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:   "gateway-worker",
		Short: "Run the object storage gateway's background job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	err := root.Execute()
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errSIGINT):
		return 130
	case errors.Is(err, errSIGTERM):
		return 143
	default:
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
}

// errSIGINT/errSIGTERM let serve() report which signal ended a clean
// shutdown so run() can translate it into the exit code spec.md §6
// names, without serve() itself calling os.Exit.
var (
	errSIGINT  = errors.New("interrupted")
	errSIGTERM = errors.New("terminated")
)

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	cipher, err := config.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("build cipher: %w", err)
	}

	registryDB, err := tagsql.Open("postgres", cfg.MultitenantDatabase)
	if err != nil {
		return fmt.Errorf("open registry database: %w", err)
	}
	defer registryDB.Close()

	tenantStore := metadata.NewTenantStore(registryDB.Unbound())
	registry := tenant.New(log, tenantStore, cipher)

	backend, err := newBlobBackend(cfg)
	if err != nil {
		return fmt.Errorf("build blob backend: %w", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	group, gctx := errgroup.WithContext(ctx)

	// Control plane: migration job handler + progressive scheduler,
	// bound to the registry database rather than any one tenant's, so
	// RunMigrationsOnTenants can be dispatched before a tenant's own
	// database necessarily has its own job-queue tables.
	controlQueue := jobq.NewStore("control-plane", registryDB.Unbound())
	migrationHandler := workers.NewRunMigrationsOnTenantsHandler(migrationsdb.FS, registry, registryDB.Unbound(), log)
	migrationWorker := jobq.Work(controlQueue, queueRunMigrations, migrationHandler.Handle, jobq.WorkOptions{
		Concurrency: 4,
		BatchSize:   10,
	}, log)
	group.Go(func() error { return migrationWorker.Run(gctx) })

	scheduler := workers.NewProgressiveMigrationsScheduler(registry, controlQueue, progressiveMigratePage, progressiveMigrateGap, queueRunMigrations, log)
	group.Go(func() error { return scheduler.Run(gctx) })

	// Per-tenant job handlers. Single-tenant mode runs one pool bound
	// to cfg.TenantID; multi-tenant mode runs one pool per tenant row
	// known to the registry at startup. A tenant created after this
	// process started is picked up on its next restart, not live.
	tenantIDs, err := tenantIDsToServe(gctx, cfg, tenantStore)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	for _, tenantID := range tenantIDs {
		tenantID := tenantID
		group.Go(func() error { return runTenantWorkers(gctx, tenantID, cfg, registry, backend, log) })
	}

	pub := pubsub.New(cfg.MultitenantDatabase, registry.OnNotify, log)
	group.Go(func() error { return pub.Run(gctx) })

	group.Go(func() error { return runOrphanScanner(gctx, tenantIDs, registry, backend, log) })

	var sigErr error
	select {
	case sig := <-sigc:
		if sig == syscall.SIGTERM {
			sigErr = errSIGTERM
		} else {
			sigErr = errSIGINT
		}
		cancelCtx()
	case <-gctx.Done():
	}

	_ = group.Wait()
	if sigErr != nil {
		return sigErr
	}
	return nil
}

// tenantIDsToServe resolves the fixed tenant list this process claims
// jobs for: the single configured tenant, or every tenant currently in
// the registry.
func tenantIDsToServe(ctx context.Context, cfg *config.Config, tenantStore *metadata.TenantStore) ([]string, error) {
	if !cfg.IsMultitenant {
		return []string{cfg.TenantID}, nil
	}

	rows, err := tenantStore.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids, nil
}

// runTenantWorkers opens a dedicated connection to tenantID's own
// database and runs its webhook/admin-delete/upload-completed/
// backup-object workers against it until ctx is canceled.
func runTenantWorkers(ctx context.Context, tenantID string, cfg *config.Config, registry *tenant.Registry, backend blob.Backend, log *zap.Logger) error {
	tcfg, err := registry.GetConfig(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("tenant %s: %w", tenantID, err)
	}

	db, err := tagsql.Open("postgres", tcfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("tenant %s: open database: %w", tenantID, err)
	}
	defer db.Close()

	store := jobq.NewStore(tenantID, db.Unbound())

	webhookHandler := workers.NewWebhookHandler(http.DefaultClient, cfg.WebhookURL, cfg.WebhookAPIKey, log)
	deleteHandler := workers.NewAdminDeleteObjectHandler(backend, log)
	uploadHandler := workers.NewUploadCompletedHandler(backend)
	backupHandler := workers.NewBackupObjectHandler(backend, log)

	opts := jobq.WorkOptions{Concurrency: 4, BatchSize: 10, PollInterval: cfg.PullInterval, SlowRetryOnFailure: true}

	workerGroup, wctx := errgroup.WithContext(ctx)
	workerGroup.Go(func() error { return jobq.Work(store, queueWebhook, webhookHandler.Handle, opts, log).Run(wctx) })
	workerGroup.Go(func() error { return jobq.Work(store, queueAdminDeleteObject, deleteHandler.Handle, opts, log).Run(wctx) })
	workerGroup.Go(func() error { return jobq.Work(store, queueUploadCompleted, uploadHandler.Handle, opts, log).Run(wctx) })
	workerGroup.Go(func() error { return jobq.Work(store, gc.QueueBackupObject, backupHandler.Handle, opts, log).Run(wctx) })
	return workerGroup.Wait()
}

// runOrphanScanner periodically reconciles each tenant's buckets
// against their blob backend and metadata rows. Orphan reconciliation
// has no job-queue handler of its own in spec.md's job-type list (only
// BackupObject, which DeleteOrphans triggers for each orphan it
// deletes), so it is driven by a plain ticker loop here rather than a
// jobq.Worker.
func runOrphanScanner(ctx context.Context, tenantIDs []string, registry *tenant.Registry, backend blob.Backend, log *zap.Logger) error {
	ticker := time.NewTicker(orphanScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, tenantID := range tenantIDs {
				if err := scanTenantOrphans(ctx, tenantID, registry, backend, log); err != nil {
					log.Error("orphan scan failed", zap.String("tenant_id", tenantID), zap.Error(err))
				}
			}
		}
	}
}

func scanTenantOrphans(ctx context.Context, tenantID string, registry *tenant.Registry, backend blob.Backend, log *zap.Logger) error {
	tcfg, err := registry.GetConfig(ctx, tenantID)
	if err != nil {
		return err
	}

	db, err := tagsql.Open("postgres", tcfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	q := db.Unbound()
	meta := metadata.NewStore(tenantID, q)
	scanner := gc.NewScanner(q, meta, backend, log)
	jobs := jobq.NewStore(tenantID, q)

	buckets, err := meta.ListBuckets()
	if err != nil {
		return err
	}

	before := time.Now().Add(-orphanScanLookback)
	for _, bucket := range buckets {
		deleted, err := scanner.DeleteOrphans(ctx, tenantID, bucket.ID, before, gc.DeleteOptions{DeleteBlobKeys: true}, jobs)
		if err != nil {
			log.Error("orphan delete failed", zap.String("tenant_id", tenantID), zap.String("bucket_id", bucket.ID), zap.Error(err))
			continue
		}
		if len(deleted) > 0 {
			log.Info("orphans reconciled", zap.String("tenant_id", tenantID), zap.String("bucket_id", bucket.ID), zap.Int("count", len(deleted)))
		}
	}
	return nil
}

func newBlobBackend(cfg *config.Config) (blob.Backend, error) {
	switch cfg.StorageBackend {
	case config.BackendS3:
		return s3.New(context.Background(), s3.Options{
			Endpoint: cfg.S3Endpoint,
			Region:   cfg.Region,
		})
	default:
		return file.New(cfg.FileStorageRootPath)
	}
}
