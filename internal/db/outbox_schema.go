package db

import (
	"database/sql"
	"fmt"
)

const outboxSchemaSQL = `
-- Signed settlement requests awaiting relay delivery
CREATE TABLE IF NOT EXISTS tally_outbox (
  event_id TEXT PRIMARY KEY,           -- signed event id (hex sha256)
  operation_id TEXT NOT NULL,          -- journal operation the request settles
  from_account TEXT,                   -- debited account, null for mints
  to_account TEXT NOT NULL,            -- credited account (journal owner)
  payload TEXT NOT NULL,               -- signed event JSON
  status TEXT NOT NULL DEFAULT 'pending', -- pending, published, failed
  attempts INTEGER NOT NULL DEFAULT 0,
  last_error TEXT,
  created_at INTEGER NOT NULL,         -- unix ms
  published_at INTEGER,                -- unix ms of first relay acceptance
  next_attempt_at INTEGER NOT NULL     -- unix ms
);

CREATE INDEX IF NOT EXISTS idx_tally_outbox_due ON tally_outbox(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_tally_outbox_operation ON tally_outbox(operation_id);
`

func initOutboxSchema(db *sql.DB) error {
	if _, err := db.Exec(outboxSchemaSQL); err != nil {
		return fmt.Errorf("init outbox schema: %w", err)
	}
	return nil
}
