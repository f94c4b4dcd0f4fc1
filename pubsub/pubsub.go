// Package pubsub implements tenant-config-change notification over
// Postgres LISTEN/NOTIFY (spec.md §4.J). The registry subscribes to a
// well-known topic and evicts a tenant's cache entry on receipt;
// delivery is at-least-once, matching spec.md §4.J's contract.
package pubsub

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Topic carries a tenant id (spec.md §4.J).
const Topic = "tenants_update"

// Publisher is the narrow surface Notify needs; *tagsql.Tx and the
// adapters built for metadata/jobq/gc's Querier interfaces all
// satisfy it.
type Publisher interface {
	ExecContext(query string, args ...any) (sql.Result, error)
}

// Notify publishes tenantID on Topic. Every Listener subscribed to the
// same database receives it at least once.
func Notify(db Publisher, tenantID string) error {
	_, err := db.ExecContext(`SELECT pg_notify($1, $2)`, Topic, tenantID)
	return err
}

// Listener subscribes to Topic over a dedicated connection and invokes
// a callback for every tenant id received.
type Listener struct {
	dsn      string
	callback func(tenantID string)
	log      *zap.Logger

	minReconnect time.Duration
	maxReconnect time.Duration
	pingInterval time.Duration
}

// New returns a Listener bound to dsn; it does not connect until Run
// is called. callback is typically tenant.Registry.OnNotify.
func New(dsn string, callback func(tenantID string), log *zap.Logger) *Listener {
	return &Listener{
		dsn:          dsn,
		callback:     callback,
		log:          log,
		minReconnect: 10 * time.Second,
		maxReconnect: time.Minute,
		pingInterval: 90 * time.Second,
	}
}

// Run connects, subscribes to Topic, and dispatches notifications to
// the callback until ctx is canceled. Connection loss and reconnect
// are handled internally by pq.Listener; Run additionally pings on an
// interval to detect a silently dead connection, per lib/pq's own
// documented pattern for long-lived listeners.
func (l *Listener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, l.minReconnect, l.maxReconnect, l.reportEvent)
	defer func() { _ = listener.Close() }()

	if err := listener.Listen(Topic); err != nil {
		return err
	}

	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-listener.Notify:
			if !ok {
				return nil
			}
			if n == nil {
				// pq.Listener reconnected and resumed the subscription on
				// our behalf; nothing new to dispatch yet.
				continue
			}
			l.callback(n.Extra)
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.log.Warn("pubsub ping failed", zap.Error(err))
				}
			}()
		}
	}
}

func (l *Listener) reportEvent(_ pq.ListenerEventType, err error) {
	if err != nil {
		l.log.Warn("pubsub listener event", zap.Error(err))
	}
}
