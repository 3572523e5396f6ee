package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"boxoffice.org/internal/migrate"
	"boxoffice.org/internal/obs"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsTable = "audit_migrations"

// Journal records command outcomes. Every record goes to the audit log;
// when a database is attached it is also stored in command_journal.
// A nil *Journal logs only.
type Journal struct {
	db *sql.DB
}

// Open connects to PostgreSQL and brings the journal schema up to date.
func Open(ctx context.Context, dsn string) (*Journal, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	j := New(db)
	if err := j.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// New wraps an open database without touching its schema.
func New(db *sql.DB) *Journal { return &Journal{db: db} }

// Migrations returns a manager for the journal schema.
func (j *Journal) Migrations() *migrate.Manager {
	return migrate.NewManager(j.db, migrations, migrate.WithDir("migrations"), migrate.WithMigrationsTable(migrationsTable))
}

// Migrate applies pending journal migrations.
func (j *Journal) Migrate(ctx context.Context) error {
	return j.Migrations().Up(ctx)
}

// Record logs event and, when a database is attached, stores it. Storage
// failures are logged; they never fail the command being recorded.
func (j *Journal) Record(ctx context.Context, event string, fields map[string]any) {
	e, err := newEntry(ctx, event, fields)
	if err != nil {
		obs.Warn("audit_invalid", map[string]any{"error": err})
		return
	}
	if data, err := json.Marshal(e.logLine()); err == nil {
		obs.Logger().Println(string(data))
	}
	if j == nil || j.db == nil {
		return
	}
	payload, err := json.Marshal(e.Fields)
	if err != nil {
		obs.Warn("audit_store_failed", map[string]any{"event": e.Event, "error": err})
		return
	}
	if _, err := j.db.ExecContext(ctx, `
		insert into command_journal (request_id, principal, event, fields, recorded_at)
		values ($1, $2, $3, $4, $5)`,
		e.RequestID, e.Principal.String(), e.Event, payload, e.At); err != nil {
		obs.Warn("audit_store_failed", map[string]any{"event": e.Event, "error": err})
	}
}

// Close releases the database, if any.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
