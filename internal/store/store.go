// Package store persists task records between process restarts. The queue
// treats it as an append/delete log with an ordered snapshot scan: records
// are put once, deleted once, and never partially updated.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/clintrovert/gorkon/pkg/types"
)

// Store is the durable task mapping consumed by the queue. Scan returns
// tasks ordered by id; ids are sortable timestamps, so the order is also
// submission order.
type Store interface {
	Put(ctx context.Context, task *types.Task) error
	Delete(ctx context.Context, id string) error
	Scan(ctx context.Context, keepVersion func(version string) bool) ([]*types.Task, error)
}

// SQLite is the sqlite-backed Store used in production.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id   TEXT PRIMARY KEY,
	data BLOB NOT NULL
)`

// Open opens or creates the task database at path.
func Open(path string, logger *zap.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create task table: %w", err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Put stores the task under its id, replacing any existing record.
func (s *SQLite) Put(ctx context.Context, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, data) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		task.ID, data)
	if err != nil {
		return fmt.Errorf("failed to store task %s: %w", task.ID, err)
	}
	return nil
}

// Delete removes the task record. Deleting an absent id is not an error.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// Scan returns every stored task whose version the predicate keeps, in id
// order.
func (s *SQLite) Scan(ctx context.Context, keepVersion func(string) bool) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to read task row: %w", err)
		}
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			// A corrupt record cannot be requeued; skip it rather
			// than wedging every scan.
			s.logger.Warn("skipping undecodable task record",
				zap.String("id", id),
				zap.Error(err),
			)
			continue
		}
		if keepVersion == nil || keepVersion(task.Version) {
			tasks = append(tasks, &task)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan tasks: %w", err)
	}
	return tasks, nil
}
