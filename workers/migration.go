package workers

import (
	"context"
	"database/sql"
	"encoding/json"
	"io/fs"
	"time"

	"go.uber.org/zap"

	"github.com/objectvault/storage-gateway/internal/migrate"
	"github.com/objectvault/storage-gateway/jobq"
	"github.com/objectvault/storage-gateway/pubsub"
	"github.com/objectvault/storage-gateway/tenant"
)

// runMigrationsPayload names the tenant whose DSN should be migrated.
type runMigrationsPayload struct {
	TenantID string `json:"tenantId"`
	DSN      string `json:"dsn"`
}

// RunMigrationsOnTenantsHandler runs pending SQL migrations against a
// tenant DSN and records the outcome on the tenant registry. Jobs are
// singleton-keyed on tenant id by the scheduler that enqueues them
// (spec.md §4.H "RunMigrationsOnTenants").
type RunMigrationsOnTenantsHandler struct {
	migrationsDir fs.FS
	registry      *tenant.Registry
	publisher     pubsub.Publisher // optional; cross-process cache eviction
	dialTenantDB  func(dsn string) (*sql.DB, error)
	log           *zap.Logger
}

func NewRunMigrationsOnTenantsHandler(migrationsDir fs.FS, registry *tenant.Registry, publisher pubsub.Publisher, log *zap.Logger) *RunMigrationsOnTenantsHandler {
	return &RunMigrationsOnTenantsHandler{
		migrationsDir: migrationsDir,
		registry:      registry,
		publisher:     publisher,
		dialTenantDB:  func(dsn string) (*sql.DB, error) { return sql.Open("postgres", dsn) },
		log:           log,
	}
}

// notifyOtherProcesses publishes tenantID so sibling processes' tenant
// registries evict their cached config once this process has already
// recorded the new migration status (spec.md §4.J).
func (h *RunMigrationsOnTenantsHandler) notifyOtherProcesses(tenantID string) {
	if h.publisher == nil {
		return
	}
	if err := pubsub.Notify(h.publisher, tenantID); err != nil {
		h.log.Warn("tenant update notify failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

func (h *RunMigrationsOnTenantsHandler) Handle(ctx context.Context, job jobq.Job) error {
	var p runMigrationsPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return err
	}

	steps, err := migrate.LoadDir(h.migrationsDir)
	if err != nil {
		return err
	}

	db, err := h.dialTenantDB(p.DSN)
	if err != nil {
		return h.recordFailure(ctx, p.TenantID, err)
	}
	defer func() { _ = db.Close() }()

	if err := migrate.Run(ctx, db, steps, 0); err != nil {
		return h.recordFailure(ctx, p.TenantID, err)
	}

	if err := h.registry.UpdateMigrationState(ctx, p.TenantID, tenant.MigrationCompleted); err != nil {
		h.log.Error("record migration success failed", zap.String("tenant_id", p.TenantID), zap.Error(err))
	} else {
		h.notifyOtherProcesses(p.TenantID)
	}
	return nil
}

func (h *RunMigrationsOnTenantsHandler) recordFailure(ctx context.Context, tenantID string, cause error) error {
	if err := h.registry.UpdateMigrationState(ctx, tenantID, tenant.MigrationFailed); err != nil {
		h.log.Error("record migration failure failed", zap.String("tenant_id", tenantID), zap.Error(err))
	} else {
		h.notifyOtherProcesses(tenantID)
	}
	return cause
}

// ProgressiveMigrationsScheduler batches tenants pending migration
// into worker jobs at a bounded rate rather than handling jobs itself
// (spec.md §4.H "ProgressiveMigrations" — "not itself a handler").
type ProgressiveMigrationsScheduler struct {
	registry  *tenant.Registry
	jobs      *jobq.Store
	pageSize  int
	batchGap  time.Duration
	queueName string
	log       *zap.Logger
}

func NewProgressiveMigrationsScheduler(registry *tenant.Registry, jobs *jobq.Store, pageSize int, batchGap time.Duration, queueName string, log *zap.Logger) *ProgressiveMigrationsScheduler {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &ProgressiveMigrationsScheduler{
		registry: registry, jobs: jobs, pageSize: pageSize, batchGap: batchGap, queueName: queueName, log: log,
	}
}

// Run streams tenant batches and enqueues one singleton-keyed
// RunMigrationsOnTenants job per tenant, pausing batchGap between
// batches to bound enqueue rate.
func (s *ProgressiveMigrationsScheduler) Run(ctx context.Context) error {
	batches, errc := s.registry.ListTenantsToMigrate(ctx, s.pageSize)

	for batch := range batches {
		for _, row := range batch.Tenants {
			payload, err := json.Marshal(runMigrationsPayload{TenantID: row.ID, DSN: row.DatabaseURL})
			if err != nil {
				return err
			}
			if _, err := s.jobs.Send(s.queueName, payload, jobq.SendOptions{SingletonKey: row.ID}); err != nil {
				s.log.Error("enqueue migration job failed", zap.String("tenant_id", row.ID), zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.batchGap):
		}
	}

	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}
