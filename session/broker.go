// Package session implements the connection broker: mapping one HTTP
// request to one authenticated DB session with role/claims
// impersonation and per-tenant pool management (spec.md §4.C).
package session

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/objectvault/storage-gateway/auth"
	"github.com/objectvault/storage-gateway/internal/keylock"
	"github.com/objectvault/storage-gateway/internal/logging"
	"github.com/objectvault/storage-gateway/internal/tagsql"
)

// Error classes forming the broker's error taxonomy.
var (
	ErrInvalidHostHeader = errs.Class("invalid host header")
	ErrRoleMismatch      = errs.Class("role mismatch")
	ErrPoolExhausted     = errs.Class("pool exhausted")
)

// DefaultMaxConnections bounds a lazily created per-tenant pool when the
// tenant config doesn't specify its own limit.
const DefaultMaxConnections = 10

// Role is the DB role a session authenticates as.
type Role string

// Roles the broker can impersonate.
const (
	RoleAuthenticated Role = "authenticated"
	RoleAnon          Role = "anon"
	RoleService       Role = "service_role"
)

// Session is a DB transaction scoped to one request, carrying the
// authenticated claims bound as session settings for row-level policies.
type Session struct {
	tx     *tagsql.Tx
	role   Role
	closed bool
	mu     sync.Mutex
}

// Tx exposes the underlying transaction handle for the metadata store.
func (s *Session) Tx() *tagsql.Tx { return s.tx }

// Role returns the role this session authenticated as.
func (s *Session) Role() Role { return s.role }

// Broker maps requests to authenticated sessions over per-tenant pools.
type Broker struct {
	log                  *zap.Logger
	xForwardedHostRegexp *regexp.Regexp

	mu    sync.Mutex
	pools map[string]*tagsql.DB

	poolKeys *keylock.KeyLock
}

// New constructs a Broker. hostRegexp may be nil when multi-tenancy is disabled.
func New(log *zap.Logger, hostRegexp *regexp.Regexp) *Broker {
	return &Broker{
		log:                  log,
		xForwardedHostRegexp: hostRegexp,
		pools:                make(map[string]*tagsql.DB),
		poolKeys:             keylock.New(),
	}
}

// ValidateHost checks X-Forwarded-Host against the configured regex,
// returning ErrInvalidHostHeader on mismatch (spec.md §4.C, scenario 1).
func (b *Broker) ValidateHost(host string) error {
	if b.xForwardedHostRegexp == nil {
		return nil
	}
	if !b.xForwardedHostRegexp.MatchString(host) {
		return ErrInvalidHostHeader.New("X-Forwarded-Host header does not match regular expression")
	}
	return nil
}

// Acquire begins a transaction-scoped session for tenantID: it asserts
// the requested role against claims, binds claims as session settings,
// sets the search path to "storage, public", all inside one transaction
// the caller must later Dispose.
func (b *Broker) Acquire(ctx context.Context, tenantID, dsn string, poolDSN *string, maxConns *int, claims *auth.Claims, role Role) (*Session, error) {
	pool, err := b.pool(tenantID, dsn, poolDSN, maxConns)
	if err != nil {
		return nil, err
	}

	if role == RoleService && claims.Role != "" && claims.Role != string(RoleService) {
		return nil, ErrRoleMismatch.New("service role requested but claims carry role %q", claims.Role)
	}

	tx, err := pool.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(err)
	}

	if err := bindSessionSettings(tx, claims, role); err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	return &Session{tx: tx, role: role}, nil
}

func bindSessionSettings(tx *tagsql.Tx, claims *auth.Claims, role Role) error {
	if _, err := tx.ExecContext(`SET LOCAL search_path = storage, public`); err != nil {
		return errs.Wrap(err)
	}
	if _, err := tx.ExecContext(`SELECT set_config('request.jwt.claim.sub', $1, true)`, claims.Subject); err != nil {
		return errs.Wrap(err)
	}
	if _, err := tx.ExecContext(`SELECT set_config('request.jwt.claim.role', $1, true)`, string(role)); err != nil {
		return errs.Wrap(err)
	}
	if _, err := tx.ExecContext(fmt.Sprintf(`SET LOCAL ROLE %s`, pqIdent(string(role)))); err != nil {
		return errs.Wrap(err)
	}
	return nil
}

// pqIdent quotes role as a safe SQL identifier; role values only ever
// come from the closed Role enum above, never from request input.
func pqIdent(role string) string {
	return `"` + role + `"`
}

// Dispose commits the session's transaction, or rolls it back when err
// is non-nil (a client-abort or handler failure). It must be called
// exactly once per Session returned by Acquire.
func (b *Broker) Dispose(s *Session, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err != nil {
		return errs.Wrap(s.tx.Rollback())
	}
	return errs.Wrap(s.tx.Commit())
}

func (b *Broker) pool(tenantID, dsn string, poolDSN *string, maxConns *int) (*tagsql.DB, error) {
	b.mu.Lock()
	if pool, ok := b.pools[tenantID]; ok {
		b.mu.Unlock()
		return pool, nil
	}
	b.mu.Unlock()

	unlock := b.poolKeys.Lock(tenantID)
	defer unlock()

	b.mu.Lock()
	if pool, ok := b.pools[tenantID]; ok {
		b.mu.Unlock()
		return pool, nil
	}
	b.mu.Unlock()

	connDSN := dsn
	if poolDSN != nil && *poolDSN != "" {
		connDSN = *poolDSN
	}

	limit := DefaultMaxConnections
	if maxConns != nil {
		limit = *maxConns
	}

	b.log.Info("opening tenant pool",
		zap.String("tenant_id", tenantID),
		zap.String("dsn", logging.Redacted(connDSN)),
		zap.Int("max_connections", limit))

	db, err := tagsql.Open("postgres", connDSN)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	db.SetMaxOpenConns(limit)

	b.mu.Lock()
	b.pools[tenantID] = db
	b.mu.Unlock()

	return db, nil
}

// Close tears down every pool the broker owns; used on SIGTERM.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var first error
	for id, pool := range b.pools {
		if err := pool.Close(); err != nil && first == nil {
			first = err
		}
		delete(b.pools, id)
	}
	return first
}
