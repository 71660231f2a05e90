package pointstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/azrael3199/gis-tool-dashboard/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS points (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	file_id TEXT NOT NULL,
	x REAL NOT NULL, y REAL NOT NULL, z REAL NOT NULL,
	r REAL NOT NULL, g REAL NOT NULL, b REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_points_file_xyz ON points (file_id, x, y, z);
`

const sqliteBatchQuery = `
SELECT id, x, y, z, r, g, b FROM points
WHERE file_id = ? AND id > ?
  AND x BETWEEN ? AND ? AND y BETWEEN ? AND ? AND z BETWEEN ? AND ?
ORDER BY id LIMIT ?`

// SQLConfig tunes the shared connection pool.
type SQLConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	BatchSize    int
}

// SQLStore keeps points in a SQLite table. The *sql.DB pool is shared by all
// sessions; each cursor batch is an independent keyset-paged query.
type SQLStore struct {
	db        *sql.DB
	batchSize int
}

// OpenSQLStore opens the database and creates the schema.
func OpenSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, errors.WrapFatal(err, "SQLStore", "Open", "open sqlite3")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(err, "SQLStore", "Open", "ping database")
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "SQLStore", "Open", "create schema")
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &SQLStore{db: db, batchSize: batch}, nil
}

// Query implements Querier.
func (s *SQLStore) Query(ctx context.Context, fileID string, box BoundingBox) (Cursor, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM points WHERE file_id = ? LIMIT 1`, fileID).Scan(&one)
	if err == sql.ErrNoRows {
		return &emptyCursor{}, nil
	}
	if err != nil {
		return nil, errors.WrapFatal(err, "SQLStore", "Query", "look up file")
	}

	fetch := func(ctx context.Context, after uint64, limit int) ([]PointRecord, uint64, bool, error) {
		rows, err := s.db.QueryContext(ctx, sqliteBatchQuery, fileID, int64(after),
			box.Min.X, box.Max.X, box.Min.Y, box.Max.Y, box.Min.Z, box.Max.Z, limit)
		if err != nil {
			return nil, after, false, errors.WrapFatal(err, "SQLStore", "Query", "select batch")
		}
		defer rows.Close()

		out := make([]PointRecord, 0, limit)
		last := after
		for rows.Next() {
			var (
				id      int64
				p       PointRecord
				r, g, b float64
				x, y, z float64
			)
			if err := rows.Scan(&id, &x, &y, &z, &r, &g, &b); err != nil {
				return nil, last, false, errors.WrapFatal(err, "SQLStore", "Query", "scan row")
			}
			p.X, p.Y, p.Z = float32(x), float32(y), float32(z)
			p.Color = [3]float32{float32(r), float32(g), float32(b)}
			out = append(out, p)
			last = uint64(id)
		}
		if err := rows.Err(); err != nil {
			return nil, last, false, errors.WrapFatal(err, "SQLStore", "Query", "iterate rows")
		}
		return out, last, len(out) == limit, nil
	}
	return newPagedCursor(fetch, s.batchSize, nil), nil
}

// Append implements Store.
func (s *SQLStore) Append(ctx context.Context, fileID string, points []PointRecord) error {
	if fileID == "" {
		return errors.WrapInvalid(errors.ErrMissingParameters, "SQLStore", "Append", "empty file id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "SQLStore", "Append", "begin transaction")
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO points (file_id, x, y, z, r, g, b) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return errors.WrapFatal(err, "SQLStore", "Append", "prepare insert")
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, fileID, p.X, p.Y, p.Z, p.Color[0], p.Color[1], p.Color[2]); err != nil {
			_ = tx.Rollback()
			return errors.WrapFatal(err, "SQLStore", "Append", "insert point")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapFatal(err, "SQLStore", "Append", fmt.Sprintf("commit %d points", len(points)))
	}
	return nil
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, fileID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM points WHERE file_id = ?`, fileID); err != nil {
		return errors.WrapFatal(err, "SQLStore", "Delete", "delete file "+fileID)
	}
	return nil
}

// Files implements Store.
func (s *SQLStore) Files(ctx context.Context) ([]FileStat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT file_id, COUNT(*) FROM points GROUP BY file_id ORDER BY file_id`)
	if err != nil {
		return nil, errors.WrapFatal(err, "SQLStore", "Files", "group by file")
	}
	defer rows.Close()

	var stats []FileStat
	for rows.Next() {
		var st FileStat
		if err := rows.Scan(&st.FileID, &st.Points); err != nil {
			return nil, errors.WrapFatal(err, "SQLStore", "Files", "scan row")
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// Ping implements Store.
func (s *SQLStore) Ping(ctx context.Context) error {
	return errors.WrapTransient(s.db.PingContext(ctx), "SQLStore", "Ping", "ping database")
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
