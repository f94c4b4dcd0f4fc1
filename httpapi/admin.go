package httpapi

import (
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/objectvault/storage-gateway/config"
	"github.com/objectvault/storage-gateway/metadata"
	"github.com/objectvault/storage-gateway/tenant"
)

// AdminDeps bundles the admin surface's collaborators: the tenant store
// bound to the multi-tenant registry database, the registry itself (so
// a write immediately invalidates the process-local cache), and a
// dialer used only by the health probe to open a short-lived connection
// to a tenant's own database.
type AdminDeps struct {
	Config      *config.Config
	Registry    *tenant.Registry
	TenantStore *metadata.TenantStore
	DialTenant  func(dsn string) (*sql.DB, error)
	Log         *zap.Logger
}

// apiKeyMiddleware requires the apikey header to match one of keys
// (spec.md §6 "Admin surface ... requires apikey: <admin-key>").
func apiKeyMiddleware(keys []string) mux.MiddlewareFunc {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := set[r.Header.Get("apikey")]; !ok {
				writeError(w, errUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (d *AdminDeps) handleListTenants(w http.ResponseWriter, r *http.Request) {
	rows, err := d.TenantStore.ListTenants(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (d *AdminDeps) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	row, err := d.TenantStore.GetTenant(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if tenant.ErrTenantNotFound.Has(err) {
			writeErrorStatus(w, http.StatusNotFound, "NotFound", err.Error())
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (d *AdminDeps) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var row tenant.Row
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
		writeError(w, errInvalidInput)
		return
	}
	if err := d.TenantStore.CreateTenant(r.Context(), row); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (d *AdminDeps) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var patch tenant.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, errInvalidInput)
		return
	}
	if err := d.TenantStore.UpdateTenant(r.Context(), id, patch); err != nil {
		writeError(w, err)
		return
	}
	d.Registry.OnNotify(id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "updated"})
}

func (d *AdminDeps) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := d.TenantStore.DeleteTenant(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	d.Registry.OnNotify(id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}

// handleTenantHealth dials the tenant's own database and pings it,
// reporting per-tenant reachability independent of the gateway's own
// liveness (spec.md §6 "a per-tenant /tenants/:id/health probe").
func (d *AdminDeps) handleTenantHealth(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	row, err := d.TenantStore.GetTenant(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	db, err := d.DialTenant(row.DatabaseURL)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"healthy": false})
		return
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"healthy": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
}
