// Package tenantdb embeds the per-tenant database schema migrations
// that RunMigrationsOnTenants applies against a tenant's own DSN
// (spec.md §6: "SQL migrations files themselves (their content is
// data, not design)" — kept minimal and numbered rather than treated
// as a design surface).
package tenantdb

import "embed"

//go:embed *.sql
var FS embed.FS
