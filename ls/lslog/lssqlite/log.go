// Package lssqlite provides a durable [lslog.ActionLog] backed by SQLite,
// using the pure-Go modernc driver.
package lssqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lockstep-engine/lockstep/ls/lsaction"
	"github.com/lockstep-engine/lockstep/ls/lslog"
	_ "modernc.org/sqlite"
)

// Log is a SQLite-backed action log.
// One table, keyed by height, value is the JSON-encoded commit.
type Log struct {
	db *sql.DB
}

// NewLog opens (creating if needed) the SQLite database at path.
// Pass ":memory:" for an ephemeral database.
// The caller owns the returned log and must Close it.
func NewLog(ctx context.Context, path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// The commit queue is a single writer,
	// and the modernc driver does not tolerate concurrent writes well.
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS commits (
  height INTEGER PRIMARY KEY CHECK (height > 0),
  data   BLOB NOT NULL
)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create commits table: %w", err)
	}

	return &Log{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

func (l *Log) Append(ctx context.Context, c lsaction.Commit) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer tx.Rollback()

	latest, err := latestIn(ctx, tx)
	if err != nil {
		return err
	}
	if c.Height != latest+1 {
		return lslog.HeightMismatchError{Want: latest + 1, Got: c.Height}
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal commit %d: %w", c.Height, err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO commits (height, data) VALUES (?, ?)`,
		c.Height, data,
	); err != nil {
		return fmt.Errorf("failed to insert commit %d: %w", c.Height, err)
	}

	return tx.Commit()
}

func (l *Log) Range(ctx context.Context, from, to uint64) ([]lsaction.Commit, error) {
	rows, err := l.db.QueryContext(
		ctx,
		`SELECT data FROM commits WHERE height >= ? AND height <= ? ORDER BY height`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query commit range: %w", err)
	}
	defer rows.Close()

	var out []lsaction.Commit
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan commit: %w", err)
		}
		var c lsaction.Commit
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal commit: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (l *Log) LatestHeight(ctx context.Context) (uint64, error) {
	return latestIn(ctx, l.db)
}

func (l *Log) Clear(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM commits`)
	return err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func latestIn(ctx context.Context, q querier) (uint64, error) {
	// COALESCE turns the NULL of an empty table into height zero.
	var h uint64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(height), 0) FROM commits`).Scan(&h)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest height: %w", err)
	}
	return h, nil
}
