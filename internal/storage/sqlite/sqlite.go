/*
Notifq - multi-channel notification delivery queue.
Copyright © 2023-2024 Max Mazurov <fox.cpp@disroot.org>, Notifq contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package sqlite provides the persistent Storage implementation backed by
// an SQLite database file. Items survive restarts; the claim step uses a
// conditional UPDATE so concurrent workers on the same database can not
// claim one item twice.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/foxcpp/notifq/notify"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_items (
	id TEXT PRIMARY KEY NOT NULL,
	channel TEXT NOT NULL,
	payload TEXT NOT NULL,
	priority INTEGER NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	scheduled_at INTEGER,
	processing_started_at INTEGER,
	completed_at INTEGER,
	expires_at INTEGER,
	last_error TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS queue_items_claim ON queue_items (status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS queue_items_corr ON queue_items (correlation_id);
`

type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at path and prepares the
// schema. Use ":memory:" for an ephemeral database.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	// WAL lets readers run concurrently with the single writer;
	// busy_timeout makes concurrent writers wait instead of failing.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}
	return &Store{db: db}, nil
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func (s *Store) Add(ctx context.Context, item *notify.QueueItem) error {
	blob, err := notify.MarshalPayload(item.Payload)
	if err != nil {
		return fmt.Errorf("sqlite: encode payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue_items (
			id, channel, payload, priority, status, attempts, max_attempts,
			created_at, scheduled_at, processing_started_at, completed_at,
			expires_at, last_error, correlation_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.Payload.Channel()), string(blob),
		int(item.Priority), string(item.Status), item.Attempts, item.MaxAttempts,
		item.CreatedAt.UnixNano(), nullableTime(item.ScheduledAt),
		nullableTime(item.ProcessingStartedAt), nullableTime(item.CompletedAt),
		nullableTime(item.ExpiresAt), item.LastError, item.CorrelationID)
	if err != nil {
		return fmt.Errorf("sqlite: add %s: %w", item.ID, err)
	}
	return nil
}

const itemColumns = `id, payload, priority, status, attempts, max_attempts,
	created_at, scheduled_at, processing_started_at, completed_at, expires_at,
	last_error, correlation_id`

type scanner interface {
	Scan(dst ...interface{}) error
}

func scanItem(row scanner) (*notify.QueueItem, error) {
	var (
		item       notify.QueueItem
		payload    string
		priority   int
		status     string
		createdAt  int64
		scheduled  sql.NullInt64
		processing sql.NullInt64
		completed  sql.NullInt64
		expires    sql.NullInt64
	)
	err := row.Scan(&item.ID, &payload, &priority, &status,
		&item.Attempts, &item.MaxAttempts, &createdAt,
		&scheduled, &processing, &completed, &expires,
		&item.LastError, &item.CorrelationID)
	if err != nil {
		return nil, err
	}

	item.Payload, err = notify.UnmarshalPayload([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("sqlite: decode payload of %s: %w", item.ID, err)
	}
	item.Priority = notify.Priority(priority)
	item.Status = notify.Status(status)
	item.CreatedAt = time.Unix(0, createdAt).UTC()
	item.ScheduledAt = timePtr(scheduled)
	item.ProcessingStartedAt = timePtr(processing)
	item.CompletedAt = timePtr(completed)
	item.ExpiresAt = timePtr(expires)
	return &item, nil
}

func (s *Store) Get(ctx context.Context, id string) (*notify.QueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, notify.ErrNoSuchItem
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get %s: %w", id, err)
	}
	return item, nil
}

func (s *Store) Update(ctx context.Context, id string, patch notify.Patch) (*notify.QueueItem, error) {
	set := make([]string, 0, 6)
	args := make([]interface{}, 0, 7)
	if patch.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Error != nil {
		set = append(set, "last_error = ?")
		args = append(args, *patch.Error)
	}
	if patch.ScheduledAt != nil {
		set = append(set, "scheduled_at = ?")
		args = append(args, patch.ScheduledAt.UnixNano())
	}
	if patch.ProcessingStartedAt != nil {
		set = append(set, "processing_started_at = ?")
		args = append(args, patch.ProcessingStartedAt.UnixNano())
	}
	if patch.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, patch.CompletedAt.UnixNano())
	}
	if patch.IncrementAttempts {
		set = append(set, "attempts = attempts + 1")
	}
	if len(set) == 0 {
		return s.Get(ctx, id)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: update %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: update %s: %w", id, err)
	}
	if affected == 0 {
		return nil, notify.ErrNoSuchItem
	}
	return s.Get(ctx, id)
}

func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: remove %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: remove %s: %w", id, err)
	}
	if affected == 0 {
		return notify.ErrNoSuchItem
	}
	return nil
}

// filterWhere translates f into a WHERE clause; an empty filter yields an
// empty clause (match everything).
func filterWhere(f notify.Filter) (string, []interface{}) {
	conds := make([]string, 0, 4)
	args := make([]interface{}, 0, 8)

	inClause := func(column string, n int) string {
		return column + " IN (?" + strings.Repeat(", ?", n-1) + ")"
	}
	if len(f.Status) != 0 {
		conds = append(conds, inClause("status", len(f.Status)))
		for _, v := range f.Status {
			args = append(args, string(v))
		}
	}
	if len(f.Channel) != 0 {
		conds = append(conds, inClause("channel", len(f.Channel)))
		for _, v := range f.Channel {
			args = append(args, string(v))
		}
	}
	if len(f.Priority) != 0 {
		conds = append(conds, inClause("priority", len(f.Priority)))
		for _, v := range f.Priority {
			args = append(args, int(v))
		}
	}
	if f.CorrelationID != "" {
		conds = append(conds, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

const claimOrder = ` ORDER BY priority DESC, created_at ASC, id ASC`

func (s *Store) queryItems(ctx context.Context, query string, args ...interface{}) ([]*notify.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*notify.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) Find(ctx context.Context, f notify.Filter) ([]*notify.QueueItem, error) {
	where, args := filterWhere(f)
	query := `SELECT ` + itemColumns + ` FROM queue_items` + where + claimOrder
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	} else if f.Offset > 0 {
		query += " LIMIT -1"
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	items, err := s.queryItems(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find: %w", err)
	}
	return items, nil
}

func (s *Store) Count(ctx context.Context, f notify.Filter) (int, error) {
	where, args := filterWhere(f)
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM queue_items`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count: %w", err)
	}
	return count, nil
}

func (s *Store) ReadyForProcessing(ctx context.Context, limit int) ([]*notify.QueueItem, error) {
	now := time.Now().UnixNano()
	query := `SELECT ` + itemColumns + ` FROM queue_items
		WHERE status = ?
		AND (scheduled_at IS NULL OR scheduled_at <= ?)
		AND (expires_at IS NULL OR expires_at > ?)` + claimOrder
	args := []interface{}{string(notify.StatusPending), now, now}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	items, err := s.queryItems(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: ready: %w", err)
	}
	return items, nil
}

func (s *Store) MarkProcessing(ctx context.Context, id string) (bool, error) {
	// The status condition makes the claim atomic: of two concurrent
	// claimers exactly one sees RowsAffected = 1.
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, processing_started_at = ?
		WHERE id = ? AND status = ?`,
		string(notify.StatusProcessing), time.Now().UnixNano(),
		id, string(notify.StatusPending))
	if err != nil {
		return false, fmt.Errorf("sqlite: claim %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: claim %s: %w", id, err)
	}
	return affected == 1, nil
}

func (s *Store) DeadLetter(ctx context.Context, limit int) ([]*notify.QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items
		WHERE status = ?
		ORDER BY completed_at DESC, created_at DESC`
	args := []interface{}{string(notify.StatusDeadLetter)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	items, err := s.queryItems(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: dead letter: %w", err)
	}
	return items, nil
}

func (s *Store) Clear(ctx context.Context, f *notify.Filter) (int, error) {
	where := ""
	var args []interface{}
	if f != nil {
		where, args = filterWhere(*f)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items`+where, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: clear: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: clear: %w", err)
	}
	return int(affected), nil
}

func (s *Store) Stats(ctx context.Context) (*notify.Stats, error) {
	stats := &notify.Stats{
		ByStatus:  make(map[notify.Status]int),
		ByChannel: make(map[notify.Channel]int),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("sqlite: stats: %w", err)
		}
		stats.ByStatus[notify.Status(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: stats: %w", err)
	}

	chRows, err := s.db.QueryContext(ctx,
		`SELECT channel, count(*) FROM queue_items GROUP BY channel`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: stats: %w", err)
	}
	defer chRows.Close()
	for chRows.Next() {
		var channel string
		var count int
		if err := chRows.Scan(&channel, &count); err != nil {
			return nil, fmt.Errorf("sqlite: stats: %w", err)
		}
		stats.ByChannel[notify.Channel(channel)] = count
	}
	if err := chRows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: stats: %w", err)
	}

	stats.QueueDepth = stats.ByStatus[notify.StatusPending] +
		stats.ByStatus[notify.StatusProcessing] +
		stats.ByStatus[notify.StatusFailed]

	terminal := stats.ByStatus[notify.StatusSent] + stats.ByStatus[notify.StatusDeadLetter]
	if terminal != 0 {
		stats.SuccessRate = float64(stats.ByStatus[notify.StatusSent]) / float64(terminal)
	}
	return stats, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
