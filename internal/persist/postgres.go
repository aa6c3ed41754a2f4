package persist

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tenantly.dev/internal/auth"
	"tenantly.dev/internal/migrate"
)

// DefaultProfile is used when no profile name is configured.
const DefaultProfile = "default"

// MigrationsTable records which embedded migrations ran.
const MigrationsTable = "console_schema_migrations"

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations of the postgres backend.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migrator returns a migration manager for db.
func Migrator(db *sql.DB) *migrate.Manager {
	return migrate.NewManager(db, Migrations(), migrate.WithTable(MigrationsTable))
}

var _ auth.Persistence = (*Postgres)(nil)

// Postgres stores values in the console_client_state table.
type Postgres struct {
	db      *sql.DB
	profile string
}

// OpenPostgres connects with the pgx driver.
func OpenPostgres(dsn, profile string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewPostgres(db, profile), nil
}

func NewPostgres(db *sql.DB, profile string) *Postgres {
	if profile == "" {
		profile = DefaultProfile
	}
	return &Postgres{db: db, profile: profile}
}

func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) Close() error { return p.db.Close() }

// EnsureSchema applies pending migrations.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := Migrator(p.db).Up(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, key auth.Key) (string, error) {
	var value string
	err := p.db.QueryRowContext(ctx,
		`select value from console_client_state where profile=$1 and key=$2`,
		p.profile, string(key),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (p *Postgres) Set(ctx context.Context, key auth.Key, value string) error {
	var err error
	if value == "" {
		_, err = p.db.ExecContext(ctx,
			`delete from console_client_state where profile=$1 and key=$2`,
			p.profile, string(key))
	} else {
		_, err = p.db.ExecContext(ctx, `
			insert into console_client_state (profile, key, value, updated_at)
			values ($1, $2, $3, now())
			on conflict (profile, key) do update
			set value = excluded.value, updated_at = now()
		`, p.profile, string(key), value)
	}
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) Clear(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx,
		`delete from console_client_state where profile=$1`, p.profile); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}
