package catalog

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLite is a catalog backed by a local SQLite table. Each object is stored
// as a JSON document keyed by its id.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the catalog database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	c := &SQLite{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate catalog database: %w", err)
	}
	return c, nil
}

func (c *SQLite) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS objects (
		objid TEXT PRIMARY KEY,
		data JSON NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`
	_, err := c.db.Exec(schema)
	return err
}

// Get returns the record for id, or ErrNotFound.
func (c *SQLite) Get(ctx context.Context, id string) (*Record, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx, `SELECT data FROM objects WHERE objid = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query object %s: %w", id, err)
	}
	return decodeRecord(id, data)
}

// Put inserts or replaces a record.
func (c *SQLite) Put(ctx context.Context, rec *Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO objects (objid, data) VALUES (?, ?)
		ON CONFLICT(objid) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP
	`, rec.ID, string(data))
	if err != nil {
		return fmt.Errorf("failed to store object %s: %w", rec.ID, err)
	}
	return nil
}

// RandomID returns the id of a random object.
func (c *SQLite) RandomID(ctx context.Context) (string, error) {
	var id string
	err := c.db.QueryRowContext(ctx, `SELECT objid FROM objects ORDER BY RANDOM() LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to sample object: %w", err)
	}
	return id, nil
}

// ImportCSVFile loads a dataset CSV file (see ImportCSV).
func (c *SQLite) ImportCSVFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return c.ImportCSV(ctx, f)
}

// ImportCSV loads rows of a dataset CSV with a header line. The "objid"
// column is required; every other column becomes a record field.
func (c *SQLite) ImportCSV(ctx context.Context, r io.Reader) (int, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return 0, fmt.Errorf("read dataset header: %w", err)
	}
	columns := append([]string(nil), header...)
	idCol := -1
	for i, name := range columns {
		columns[i] = strings.TrimSpace(name)
		if columns[i] == "objid" {
			idCol = i
		}
	}
	if idCol < 0 {
		return 0, fmt.Errorf("dataset has no objid column")
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO objects (objid, data) VALUES (?, ?)
		ON CONFLICT(objid) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare import: %w", err)
	}
	defer stmt.Close()

	n := 0
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, fmt.Errorf("read dataset row %d: %w", n+1, err)
		}

		id, err := NormalizeID(row[idCol])
		if err != nil {
			continue
		}
		fields := make(map[string]any, len(row)-1)
		for i, cell := range row {
			if i == idCol {
				continue
			}
			fields[columns[i]] = parseField(cell)
		}
		data, err := encodeRecord(&Record{ID: id, Fields: fields})
		if err != nil {
			return n, err
		}
		if _, err := stmt.ExecContext(ctx, id, string(data)); err != nil {
			return n, fmt.Errorf("import object %s: %w", id, err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (c *SQLite) Close() error {
	return c.db.Close()
}

var (
	_ Lookup  = (*SQLite)(nil)
	_ Sampler = (*SQLite)(nil)
)
