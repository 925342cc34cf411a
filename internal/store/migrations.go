package store

import (
	"context"
	"embed"
	"path"
	"strings"

	"github.com/cockroachdb/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// RunMigrations executes the embedded SQL migrations in name order. Every
// statement is idempotent so workers and the API may both run them.
func (s *Store) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations dir")
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile(path.Join("migrations", e.Name()))
		if err != nil {
			return errors.Wrapf(err, "read migration %s", e.Name())
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return errors.Wrapf(err, "exec migration %s", e.Name())
		}
		s.logger.Debugw("applied migration", "name", e.Name())
	}
	return nil
}
