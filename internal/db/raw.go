package db

import (
	"context"
	"database/sql"
)

// Querier is satisfied by both *DB and *Tx so writes can join a transaction
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Rebind(query string) string
}

// InsertRawRow inserts a raw message, ignoring rows whose natural key already exists.
// Returns true if a row was written.
func InsertRawRow(ctx context.Context, q Querier, row *RawRow) (bool, error) {
	query := `
		INSERT INTO raw_messages (source_id, item_id, time_bucket, message_text, posted_at, views, attachment_ref, payload, loaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_id, item_id) DO NOTHING
	`

	res, err := q.ExecContext(ctx, q.Rebind(query),
		row.SourceID,
		row.ItemID,
		row.TimeBucket,
		row.MessageText,
		row.PostedAt,
		row.Views,
		row.AttachmentRef,
		row.Payload,
		row.LoadedAt,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RawRowExists reports whether a message is already in raw storage
func (db *DB) RawRowExists(ctx context.Context, sourceID, itemID string) (bool, error) {
	var n int
	query := `SELECT COUNT(*) FROM raw_messages WHERE source_id = ? AND item_id = ?`
	if err := db.QueryRowContext(ctx, db.Rebind(query), sourceID, itemID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountRawRows returns the number of rows in raw storage
func (db *DB) CountRawRows(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_messages`).Scan(&n)
	return n, err
}

// CountRawRowsForBucket returns the number of rows loaded for one source and time bucket
func (db *DB) CountRawRowsForBucket(ctx context.Context, sourceID, bucket string) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM raw_messages WHERE source_id = ? AND time_bucket = ?`
	err := db.QueryRowContext(ctx, db.Rebind(query), sourceID, bucket).Scan(&n)
	return n, err
}

// GetRawRow retrieves a raw message by its natural key
func (db *DB) GetRawRow(ctx context.Context, sourceID, itemID string) (*RawRow, error) {
	row := &RawRow{}

	query := `
		SELECT source_id, item_id, time_bucket, message_text, posted_at, views, attachment_ref, payload, loaded_at
		FROM raw_messages
		WHERE source_id = ? AND item_id = ?
	`

	err := db.QueryRowContext(ctx, db.Rebind(query), sourceID, itemID).Scan(
		&row.SourceID,
		&row.ItemID,
		&row.TimeBucket,
		&row.MessageText,
		&row.PostedAt,
		&row.Views,
		&row.AttachmentRef,
		&row.Payload,
		&row.LoadedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return row, nil
}
