package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const secureFileIDConstraint = "file_blobs_secure_file_id_key"

// room_members belongs to the conversation service; fileman only reads it.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS file_blobs (
	blob_id             TEXT PRIMARY KEY,
	secure_file_id      TEXT NOT NULL,
	conversation_id     TEXT NOT NULL,
	sender_id           TEXT NOT NULL,
	original_name       TEXT NOT NULL,
	mime_type           TEXT NOT NULL,
	size_bytes          BIGINT NOT NULL,
	chunk_size          INTEGER NOT NULL,
	chunk_count         INTEGER NOT NULL,
	content_hash        TEXT NOT NULL,
	encryption_metadata JSONB,
	is_encrypted        BOOLEAN NOT NULL DEFAULT TRUE,
	access_count        BIGINT NOT NULL DEFAULT 0,
	last_accessed_at    TIMESTAMPTZ,
	uploaded_at         TIMESTAMPTZ NOT NULL,
	CONSTRAINT file_blobs_secure_file_id_key UNIQUE (secure_file_id)
);
CREATE INDEX IF NOT EXISTS file_blobs_conversation_idx ON file_blobs (conversation_id, uploaded_at DESC);
`

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}
