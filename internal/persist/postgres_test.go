package persist

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"tenantly.dev/internal/auth"
)

func TestPostgresGetMissingReturnsEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select value from console_client_state").
		WithArgs("default", "auth_token").
		WillReturnError(sql.ErrNoRows)

	p := NewPostgres(db, "")
	v, err := p.Get(context.Background(), auth.KeyToken)
	if err != nil || v != "" {
		t.Fatalf("expected empty value, got %q err=%v", v, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresSetGetClear(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	p := NewPostgres(db, "ops")

	mock.ExpectExec("create table if not exists console_schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from console_schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table if not exists console_client_state").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into console_schema_migrations").
		WithArgs("0001_client_state.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectExec("insert into console_client_state").
		WithArgs("ops", "current_tenant_id", "t1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("select value from console_client_state").
		WithArgs("ops", "current_tenant_id").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("t1"))
	mock.ExpectExec("delete from console_client_state where profile=\\$1 and key=\\$2").
		WithArgs("ops", "auth_token").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from console_client_state where profile=\\$1$").
		WithArgs("ops").
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := p.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := p.Set(ctx, auth.KeyTenantID, "t1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, err := p.Get(ctx, auth.KeyTenantID); err != nil || v != "t1" {
		t.Fatalf("Get: %q %v", v, err)
	}
	if err := p.Set(ctx, auth.KeyToken, ""); err != nil {
		t.Fatalf("unset: %v", err)
	}
	if err := p.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresWrapsErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	boom := errors.New("connection reset")
	mock.ExpectQuery("select value").WillReturnError(boom)

	_, err = NewPostgres(db, "").Get(context.Background(), auth.KeyToken)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestMigrationsAreEmbedded(t *testing.T) {
	ups, err := fs.Glob(Migrations(), "*.up.sql")
	if err != nil || len(ups) == 0 {
		t.Fatalf("no embedded migrations: %v %v", ups, err)
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(Migrations(), down); err != nil {
			t.Fatalf("%s has no down migration: %v", up, err)
		}
	}
}
