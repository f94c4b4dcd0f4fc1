// Package registrydb embeds the multi-tenant registry database's own
// schema migrations: the tenants table and the control-plane job queue
// RunMigrationsOnTenants/ProgressiveMigrations enqueue into, kept
// separate from a tenant's own per-tenant schema in migrations/tenantdb.
package registrydb

import "embed"

//go:embed *.sql
var FS embed.FS
