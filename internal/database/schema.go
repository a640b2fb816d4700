package database

import (
	"context"
	"fmt"
)

const pendingMessagesSchema = `
CREATE TABLE IF NOT EXISTS pending_messages (
	id              UUID PRIMARY KEY,
	seq             BIGSERIAL NOT NULL,
	message_id      TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	sender_id       TEXT NOT NULL,
	recipient_id    TEXT NOT NULL,
	type            TEXT NOT NULL,
	event           TEXT NOT NULL,
	content         JSONB,
	metadata        JSONB,
	priority        INTEGER NOT NULL DEFAULT 5,
	inserted_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at      TIMESTAMPTZ NOT NULL,
	CONSTRAINT pending_messages_message_recipient_key UNIQUE (message_id, recipient_id)
);

CREATE INDEX IF NOT EXISTS pending_messages_recipient_idx
	ON pending_messages (recipient_id, priority DESC, inserted_at ASC);

CREATE INDEX IF NOT EXISTS pending_messages_expires_idx
	ON pending_messages (expires_at);
`

// EnsureSchema creates the store-and-forward tables when missing.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, pendingMessagesSchema); err != nil {
		return fmt.Errorf("ensure pending_messages schema: %w", err)
	}
	return nil
}
