package db

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/jackc/pgx/v5/pgconn"

	"complaintflow/migrations"
)

// Execer is the subset of pgxpool.Pool / pgx.Conn needed to run migrations.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate applies every embedded .sql file in lexical order. The schema is
// written with IF NOT EXISTS guards so repeated runs are harmless.
func Migrate(ctx context.Context, conn Execer) error {
	return MigrateFS(ctx, conn, migrations.FS)
}

// MigrateFS applies the .sql files at the root of fsys.
func MigrateFS(ctx context.Context, conn Execer, fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("db: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return fmt.Errorf("db: read %s: %w", e.Name(), err)
		}
		if _, err := conn.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("db: apply %s: %w", e.Name(), err)
		}
	}
	return nil
}
