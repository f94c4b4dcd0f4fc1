// Command gateway-server is the HTTP process: it serves the object
// surface and, on a separate port, the admin surface (spec.md §6 "Two
// executables: server (HTTP) and worker (queue-only)").
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/objectvault/storage-gateway/blob"
	"github.com/objectvault/storage-gateway/blob/file"
	"github.com/objectvault/storage-gateway/blob/s3"
	"github.com/objectvault/storage-gateway/config"
	"github.com/objectvault/storage-gateway/httpapi"
	"github.com/objectvault/storage-gateway/internal/logging"
	"github.com/objectvault/storage-gateway/internal/migrate"
	"github.com/objectvault/storage-gateway/internal/tagsql"
	"github.com/objectvault/storage-gateway/jobq"
	"github.com/objectvault/storage-gateway/metadata"
	registrymigrations "github.com/objectvault/storage-gateway/migrations/registrydb"
	migrationsdb "github.com/objectvault/storage-gateway/migrations/tenantdb"
	"github.com/objectvault/storage-gateway/pubsub"
	"github.com/objectvault/storage-gateway/session"
	"github.com/objectvault/storage-gateway/tenant"
)

func main() {
	os.Exit(run())
}

// run builds and executes the root command, translating its outcome
// into the process exit codes spec.md §6 names: 0 normal, 1 startup
// failure, 130 SIGINT, 143 SIGTERM.
func run() int {
	root := newRootCmd()
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

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gateway-server",
		Short: "Serve the object storage gateway's HTTP surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate <dsn>",
		Short: "Run pending SQL migrations against a tenant or registry database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := cmd.Flags().GetInt("target")
			if err != nil {
				return err
			}
			registry, err := cmd.Flags().GetBool("registry")
			if err != nil {
				return err
			}
			return runMigrate(args[0], target, registry)
		},
	}
	migrateCmd.Flags().Int("target", 0, "migration version to stop at (0 = latest)")
	migrateCmd.Flags().Bool("registry", false, "migrate the multi-tenant registry database instead of a tenant database")
	root.AddCommand(migrateCmd)

	return root
}

// errSIGINT/errSIGTERM let serve() report which signal ended a clean
// shutdown so run() can translate it into the exit code spec.md §6
// names, without serve() itself calling os.Exit.
var (
	errSIGINT  = errors.New("interrupted")
	errSIGTERM = errors.New("terminated")
)

func runMigrate(dsn string, target int, registry bool) error {
	ctx := context.Background()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open migration target: %w", err)
	}
	defer db.Close()

	dir := fs.FS(migrationsdb.FS)
	if registry {
		dir = registrymigrations.FS
	}

	steps, err := migrate.LoadDir(dir)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	return migrate.Run(ctx, db, steps, target)
}

// serve loads configuration, wires every long-lived collaborator, and
// blocks serving both HTTP surfaces until SIGINT/SIGTERM.
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

	broker := session.New(log, cfg.XForwardedHostRegexp)
	defer broker.Close() //nolint:errcheck

	jobsFactory := func(tenantID string, tx jobq.Querier) *jobq.Store {
		return jobq.NewStore(tenantID, tx)
	}

	deps := &httpapi.Deps{
		Config:   cfg,
		Registry: registry,
		Broker:   broker,
		Backend:  backend,
		Jobs:     jobsFactory,
		Log:      log,
	}
	adminDeps := &httpapi.AdminDeps{
		Config:      cfg,
		Registry:    registry,
		TenantStore: tenantStore,
		DialTenant:  func(dsn string) (*sql.DB, error) { return sql.Open("postgres", dsn) },
		Log:         log,
	}

	objectSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           httpapi.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.AdminPort),
		Handler:           httpapi.NewAdminRouter(adminDeps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	pub := pubsub.New(cfg.MultitenantDatabase, registry.OnNotify, log)
	go func() {
		if err := pub.Run(ctx); err != nil {
			log.Error("pubsub listener stopped", zap.Error(err))
		}
	}()

	errc := make(chan error, 2)
	go func() {
		log.Info("object surface listening", zap.String("addr", objectSrv.Addr))
		if err := objectSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("object surface: %w", err)
		}
	}()
	go func() {
		log.Info("admin surface listening", zap.String("addr", adminSrv.Addr))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("admin surface: %w", err)
		}
	}()

	var sigErr error
	select {
	case sig := <-sigc:
		if sig == syscall.SIGTERM {
			sigErr = errSIGTERM
		} else {
			sigErr = errSIGINT
		}
		cancelCtx()
	case err := <-errc:
		cancelCtx()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	_ = objectSrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
	return sigErr
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
