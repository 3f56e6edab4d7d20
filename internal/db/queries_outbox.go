package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/adamavenir/tally/internal/types"
	"modernc.org/sqlite"
)

const (
	sqliteConstraint           = 19
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

// ErrOutboxEntryNotFound is returned when no outbox row matches.
var ErrOutboxEntryNotFound = errors.New("outbox entry not found")

const outboxColumns = `event_id, operation_id, from_account, to_account, payload, status,
	attempts, last_error, created_at, published_at, next_attempt_at`

// EnqueueSettlement stores a signed request for delivery. Enqueueing the same
// event id twice is a no-op.
func EnqueueSettlement(db *sql.DB, entry types.OutboxEntry) error {
	status := entry.Status
	if status == "" {
		status = types.OutboxStatusPending
	}
	_, err := db.Exec(`
		INSERT INTO tally_outbox (event_id, operation_id, from_account, to_account, payload, status,
			attempts, created_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, entry.EventID, entry.OperationID, nullString(entry.FromAccount), entry.ToAccount, entry.Payload,
		string(status), entry.CreatedAt, entry.NextAttemptAt)
	if err != nil {
		if isConstraintError(err) {
			return nil
		}
		return fmt.Errorf("enqueue settlement: %w", err)
	}
	return nil
}

// ListDueSettlements returns pending entries whose next attempt is due.
func ListDueSettlements(db *sql.DB, nowMs int64, limit int) ([]types.OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+outboxColumns+`
		FROM tally_outbox
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY next_attempt_at, created_at
		LIMIT ?
	`, string(types.OutboxStatusPending), nowMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutboxEntries(rows)
}

// ListSettlements returns entries with the given status, oldest first. An
// empty status lists everything.
func ListSettlements(db *sql.DB, status types.OutboxStatus) ([]types.OutboxEntry, error) {
	query := `SELECT ` + outboxColumns + ` FROM tally_outbox`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutboxEntries(rows)
}

// GetSettlement returns the entry for a request event id.
func GetSettlement(db *sql.DB, eventID string) (types.OutboxEntry, error) {
	row := db.QueryRow(`SELECT `+outboxColumns+` FROM tally_outbox WHERE event_id = ?`, eventID)
	entry, err := scanOutboxEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.OutboxEntry{}, fmt.Errorf("%w: %s", ErrOutboxEntryNotFound, eventID)
	}
	return entry, err
}

// GetSettlementByOperation returns the newest entry for an operation id.
func GetSettlementByOperation(db *sql.DB, operationID string) (types.OutboxEntry, error) {
	row := db.QueryRow(`
		SELECT `+outboxColumns+`
		FROM tally_outbox
		WHERE operation_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, operationID)
	entry, err := scanOutboxEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.OutboxEntry{}, fmt.Errorf("%w: operation %s", ErrOutboxEntryNotFound, operationID)
	}
	return entry, err
}

// MarkSettlementPublished records the first successful relay delivery.
func MarkSettlementPublished(db *sql.DB, eventID string, atMs int64) error {
	_, err := db.Exec(`
		UPDATE tally_outbox
		SET status = ?, attempts = attempts + 1, last_error = NULL, published_at = ?
		WHERE event_id = ?
	`, string(types.OutboxStatusPublished), atMs, eventID)
	return err
}

// MarkSettlementAttempt records a failed delivery attempt. When giveUp is
// set the entry moves to failed and is no longer listed as due.
func MarkSettlementAttempt(db *sql.DB, eventID, lastError string, nextAttemptMs int64, giveUp bool) error {
	status := types.OutboxStatusPending
	if giveUp {
		status = types.OutboxStatusFailed
	}
	_, err := db.Exec(`
		UPDATE tally_outbox
		SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?
		WHERE event_id = ?
	`, string(status), lastError, nextAttemptMs, eventID)
	return err
}

// RequeueSettlement resets the newest request of an operation to pending so
// the dispatcher picks it up on its next cycle. Superseded requests keep
// their state. Only a request that was given up on is requeued.
func RequeueSettlement(db *sql.DB, operationID string, nowMs int64) (int64, error) {
	result, err := db.Exec(`
		UPDATE tally_outbox
		SET status = ?, attempts = 0, last_error = NULL, next_attempt_at = ?
		WHERE status = ? AND event_id = (
			SELECT event_id FROM tally_outbox
			WHERE operation_id = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT 1
		)
	`, string(types.OutboxStatusPending), nowMs, string(types.OutboxStatusFailed), operationID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type outboxRow struct {
	EventID       string
	OperationID   string
	FromAccount   sql.NullString
	ToAccount     string
	Payload       string
	Status        string
	Attempts      int
	LastError     sql.NullString
	CreatedAt     int64
	PublishedAt   sql.NullInt64
	NextAttemptAt int64
}

func (row outboxRow) toEntry() types.OutboxEntry {
	entry := types.OutboxEntry{
		EventID:       row.EventID,
		OperationID:   row.OperationID,
		ToAccount:     row.ToAccount,
		Payload:       row.Payload,
		Status:        types.OutboxStatus(row.Status),
		Attempts:      row.Attempts,
		CreatedAt:     row.CreatedAt,
		NextAttemptAt: row.NextAttemptAt,
	}
	if row.FromAccount.Valid {
		entry.FromAccount = row.FromAccount.String
	}
	if row.LastError.Valid {
		value := row.LastError.String
		entry.LastError = &value
	}
	if row.PublishedAt.Valid {
		value := row.PublishedAt.Int64
		entry.PublishedAt = &value
	}
	return entry
}

func scanOutboxEntry(scanner interface{ Scan(dest ...any) error }) (types.OutboxEntry, error) {
	var row outboxRow
	if err := scanner.Scan(&row.EventID, &row.OperationID, &row.FromAccount, &row.ToAccount, &row.Payload,
		&row.Status, &row.Attempts, &row.LastError, &row.CreatedAt, &row.PublishedAt, &row.NextAttemptAt); err != nil {
		return types.OutboxEntry{}, err
	}
	return row.toEntry(), nil
}

func scanOutboxEntries(rows *sql.Rows) ([]types.OutboxEntry, error) {
	var entries []types.OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqliteConstraint || code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey
	}
	return false
}
