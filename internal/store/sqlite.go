package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"

	"github.com/NotCoffee418/dbmigrator"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteStore keeps totals in a pulse_counts table, one row per meter.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the database at path and applies pending migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}
	// A single writer keeps commits serialised.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrStorage, path, err)
	}

	dbmigrator.SetDatabaseType(dbmigrator.SQLite)
	<-dbmigrator.MigrateUpCh(db, migrationFS, "migrations")

	if _, err := db.Exec("SELECT count(*) FROM pulse_counts"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate %s: %v", ErrStorage, path, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Write upserts the meter's count.
func (s *SQLiteStore) Write(meter int, count uint64) error {
	if count > math.MaxInt64 {
		return storageErr("write", meter, errors.New("count exceeds int64"))
	}
	_, err := s.db.Exec(
		"INSERT INTO pulse_counts (meter, count, updated_at) "+
			"VALUES (?, ?, strftime('%s','now')) "+
			"ON CONFLICT(meter) DO UPDATE SET count = excluded.count, updated_at = excluded.updated_at",
		meter,
		int64(count),
	)
	if err != nil {
		return storageErr("write", meter, err)
	}
	return nil
}

// Load returns the meter's count, 0 when the row does not exist.
func (s *SQLiteStore) Load(meter int) (uint64, error) {
	var count int64
	err := s.db.QueryRow("SELECT count FROM pulse_counts WHERE meter = ?", meter).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("load", meter, err)
	}
	if count < 0 {
		return 0, storageErr("load", meter, fmt.Errorf("negative count %d", count))
	}
	return uint64(count), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
