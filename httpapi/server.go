// Package httpapi wires the object and admin HTTP surfaces described in
// spec.md §6 on top of the session broker, metadata store, blob backend
// and orchestrator. It is ambient scaffolding: spec.md §1 names the
// router itself out of the hard-core scope, but something has to drive
// components B–K end to end.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/objectvault/storage-gateway/blob"
	"github.com/objectvault/storage-gateway/config"
	"github.com/objectvault/storage-gateway/internal/metrics"
	"github.com/objectvault/storage-gateway/jobq"
	"github.com/objectvault/storage-gateway/session"
	"github.com/objectvault/storage-gateway/tenant"
)

// Deps bundles the process-wide collaborators every request handler
// needs; one Deps is shared across all requests (it is read-only after
// construction save for the broker and registry's own internal caches).
type Deps struct {
	Config   *config.Config
	Registry *tenant.Registry
	Broker   *session.Broker
	Backend  blob.Backend
	Jobs     func(tenantID string, tx jobq.Querier) *jobq.Store
	Log      *zap.Logger
}

// NewRouter builds the object-surface router (spec.md §6 "HTTP — object
// surface"). The admin surface is a separate router on a separate port,
// built by NewAdminRouter.
func NewRouter(d *Deps) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware(d.Config.RequestIDHeader), accessLogMiddleware(d.Log), metricsMiddleware, d.tenantMiddleware)

	r.HandleFunc("/object/sign/{bucket}/{name:.*}", d.handleIssueSignedURL).Methods(http.MethodPost)
	r.HandleFunc("/object/sign/{bucket}", d.handleIssueSignedURLs).Methods(http.MethodPost)
	r.HandleFunc("/object/sign/{bucket}/{name:.*}", d.handleReadSigned).Methods(http.MethodGet)
	r.HandleFunc("/object/authenticated/{bucket}/{name:.*}", d.handleRead).Methods(http.MethodGet)
	r.HandleFunc("/object/authenticated/{bucket}/{name:.*}", d.handleHead).Methods(http.MethodHead)
	r.HandleFunc("/object/public/{bucket}/{name:.*}", d.handleReadPublic).Methods(http.MethodGet)
	r.HandleFunc("/object/public/{bucket}/{name:.*}", d.handleHead).Methods(http.MethodHead)
	r.HandleFunc("/object/copy", d.handleCopy).Methods(http.MethodPost)
	r.HandleFunc("/object/move", d.handleMove).Methods(http.MethodPost)
	r.HandleFunc("/object/list/{bucket}", d.handleList).Methods(http.MethodPost)
	r.HandleFunc("/object/{bucket}", d.handleDeleteMany).Methods(http.MethodDelete)
	r.HandleFunc("/object/{bucket}/{name:.*}", d.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/object/{bucket}/{name:.*}", d.handleReplace).Methods(http.MethodPut)
	r.HandleFunc("/object/{bucket}/{name:.*}", d.handleDeleteOne).Methods(http.MethodDelete)
	r.HandleFunc("/render/authenticated/{bucket}/{name:.*}", d.handleRenderAuthenticated).Methods(http.MethodGet)
	r.HandleFunc("/render/public/{bucket}/{name:.*}", d.handleRenderPublic).Methods(http.MethodGet)

	return r
}

// NewAdminRouter builds the admin surface (spec.md §6 "Admin surface
// (separate port) requires apikey: <admin-key> and exposes CRUD on the
// tenant registry plus a per-tenant /tenants/:id/health probe").
func NewAdminRouter(d *AdminDeps) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware(d.Config.AdminRequestHeader), accessLogMiddleware(d.Log), apiKeyMiddleware(d.Config.AdminAPIKeys))

	r.HandleFunc("/tenants", d.handleListTenants).Methods(http.MethodGet)
	r.HandleFunc("/tenants", d.handleCreateTenant).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{id}", d.handleGetTenant).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{id}", d.handleUpdateTenant).Methods(http.MethodPatch)
	r.HandleFunc("/tenants/{id}", d.handleDeleteTenant).Methods(http.MethodDelete)
	r.HandleFunc("/tenants/{id}/health", d.handleTenantHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return r
}

// requestTimeout bounds how long a single HTTP handler may hold a
// broker session open; the orchestrator's own retry budget is smaller
// than this, so it always loses the race first.
const requestTimeout = 60 * time.Second
