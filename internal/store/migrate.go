package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/chatsync/internal/store/migrations"
)

// Migration reports the schema version of a replica database before and
// after Migrate. From is zero for a fresh file.
type Migration struct {
	From uint
	To   uint
}

// Changed reports whether Migrate applied anything.
func (m Migration) Changed() bool { return m.From != m.To }

// Migrate brings the kv schema up to date. A schema left dirty by an
// interrupted run is refused rather than forced, since the snapshot it holds
// may be half written.
func (db *DB) Migrate() (Migration, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return Migration{}, fmt.Errorf("replica schema source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return Migration{}, fmt.Errorf("replica schema driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return Migration{}, fmt.Errorf("replica schema: %w", err)
	}

	var res Migration
	from, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return res, fmt.Errorf("replica schema version: %w", err)
	case dirty:
		return res, fmt.Errorf("replica schema version %d is dirty", from)
	default:
		res.From = from
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return res, fmt.Errorf("replica schema up: %w", err)
	}
	to, _, err := m.Version()
	if err != nil {
		return res, fmt.Errorf("replica schema version: %w", err)
	}
	res.To = to
	return res, nil
}
