package tasksync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	entitiesTableName   = "tasksync_entities"
	syncStateTableName  = "tasksync_sync_state"
	deliveriesTableName = "tasksync_webhook_deliveries"
	routinesTableName   = "tasksync_routine_stats"

	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	name       string
	driverName string
	// dollarParams selects $1-style placeholders instead of ?.
	dollarParams bool
	maxOpenConns int
}

var (
	postgresDialect = sqlDialect{name: "postgres", driverName: "postgres", dollarParams: true}
	sqliteDialect   = sqlDialect{name: "sqlite", driverName: "sqlite3", maxOpenConns: 1}
)

func (d sqlDialect) params(n int) []string {
	out := make([]string, n)
	for i := range out {
		if d.dollarParams {
			out[i] = fmt.Sprintf("$%d", i+1)
		} else {
			out[i] = "?"
		}
	}
	return out
}

// SQLBackend stores one row per entity, sync state, delivery and routine in
// Postgres or SQLite. Both dialects share the same upsert statements.
type SQLBackend struct {
	dialect sqlDialect
	dsn     string
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{dialect: postgresDialect, dsn: dsn, openDB: sql.Open}, nil
}

// NewSQLiteBackend opens (and creates) the database file at path.
func NewSQLiteBackend(path string) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)"
	return &SQLBackend{dialect: sqliteDialect, dsn: dsn, openDB: sql.Open}, nil
}

func (b *SQLBackend) ensureReady(ctx context.Context) error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driverName, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		if b.dialect.maxOpenConns > 0 {
			db.SetMaxOpenConns(b.dialect.maxOpenConns)
		}
		ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
		defer cancel()
		for _, stmt := range b.schema() {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = fmt.Errorf("%s schema: %w", b.dialect.name, err)
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *SQLBackend) schema() []string {
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				kind TEXT NOT NULL,
				id TEXT NOT NULL,
				sync_version BIGINT NOT NULL,
				is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
				payload TEXT NOT NULL,
				stored_at TEXT NOT NULL,
				PRIMARY KEY (kind, id)
			)`, quoteIdentifier(entitiesTableName)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				service TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`, quoteIdentifier(syncStateTableName)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				delivery_id TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				event_name TEXT NOT NULL DEFAULT '',
				payload TEXT NOT NULL,
				received_at TEXT NOT NULL
			)`, quoteIdentifier(deliveriesTableName)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				task_id TEXT PRIMARY KEY,
				payload TEXT NOT NULL
			)`, quoteIdentifier(routinesTableName)),
	}
}

func (b *SQLBackend) Load(ctx context.Context) (*Snapshot, error) {
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	snapshot := &Snapshot{}
	if err := b.loadPayloads(ctx, entitiesTableName, func(data []byte) error {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		snapshot.Records = append(snapshot.Records, rec)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := b.loadPayloads(ctx, syncStateTableName, func(data []byte) error {
		var state SyncState
		if err := json.Unmarshal(data, &state); err != nil {
			return err
		}
		snapshot.SyncStates = append(snapshot.SyncStates, state)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := b.loadPayloads(ctx, deliveriesTableName, func(data []byte) error {
		var delivery Delivery
		if err := json.Unmarshal(data, &delivery); err != nil {
			return err
		}
		snapshot.Deliveries = append(snapshot.Deliveries, delivery)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := b.loadPayloads(ctx, routinesTableName, func(data []byte) error {
		var stats RoutineStats
		if err := json.Unmarshal(data, &stats); err != nil {
			return err
		}
		snapshot.Routines = append(snapshot.Routines, stats)
		return nil
	}); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (b *SQLBackend) loadPayloads(ctx context.Context, table string, decode func([]byte) error) error {
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf("SELECT payload FROM %s", quoteIdentifier(table)))
	if err != nil {
		return fmt.Errorf("load %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		if err := decode([]byte(payload)); err != nil {
			return fmt.Errorf("decode %s row: %w", table, err)
		}
	}
	return rows.Err()
}

func (b *SQLBackend) SaveRecord(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	p := b.dialect.params(6)
	query := fmt.Sprintf(`
		INSERT INTO %s (kind, id, sync_version, is_deleted, payload, stored_at)
		VALUES (%s, %s, %s, %s, %s, %s)
		ON CONFLICT (kind, id)
		DO UPDATE SET sync_version = EXCLUDED.sync_version, is_deleted = EXCLUDED.is_deleted,
			payload = EXCLUDED.payload, stored_at = EXCLUDED.stored_at`,
		quoteIdentifier(entitiesTableName), p[0], p[1], p[2], p[3], p[4], p[5])
	return b.exec(ctx, query, string(rec.Kind), rec.ID, rec.SyncVersion, rec.IsDeleted, string(payload), formatTime(rec.StoredAt))
}

func (b *SQLBackend) SaveSyncState(ctx context.Context, state SyncState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	p := b.dialect.params(3)
	query := fmt.Sprintf(`
		INSERT INTO %s (service, payload, updated_at)
		VALUES (%s, %s, %s)
		ON CONFLICT (service)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		quoteIdentifier(syncStateTableName), p[0], p[1], p[2])
	return b.exec(ctx, query, state.Service, string(payload), formatTime(state.UpdatedAt))
}

func (b *SQLBackend) SaveDelivery(ctx context.Context, delivery Delivery) error {
	payload, err := json.Marshal(delivery)
	if err != nil {
		return err
	}
	p := b.dialect.params(5)
	query := fmt.Sprintf(`
		INSERT INTO %s (delivery_id, status, event_name, payload, received_at)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (delivery_id)
		DO UPDATE SET status = EXCLUDED.status, event_name = EXCLUDED.event_name,
			payload = EXCLUDED.payload, received_at = EXCLUDED.received_at`,
		quoteIdentifier(deliveriesTableName), p[0], p[1], p[2], p[3], p[4])
	return b.exec(ctx, query, delivery.DeliveryID, string(delivery.Status), delivery.EventName, string(payload), formatTime(delivery.ReceivedAt))
}

func (b *SQLBackend) SaveRoutineStats(ctx context.Context, stats RoutineStats) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	p := b.dialect.params(2)
	query := fmt.Sprintf(`
		INSERT INTO %s (task_id, payload)
		VALUES (%s, %s)
		ON CONFLICT (task_id)
		DO UPDATE SET payload = EXCLUDED.payload`,
		quoteIdentifier(routinesTableName), p[0], p[1])
	return b.exec(ctx, query, stats.TaskID, string(payload))
}

func (b *SQLBackend) exec(ctx context.Context, query string, args ...any) error {
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	_, err := b.db.ExecContext(ctx, query, args...)
	return err
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
