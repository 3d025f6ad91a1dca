package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"attach_server/server/common/infra/db"
	"attach_server/server/fileman/domain"
)

const blobColumns = `blob_id, secure_file_id, conversation_id, sender_id, original_name, mime_type,
	size_bytes, chunk_size, chunk_count, content_hash, encryption_metadata, is_encrypted,
	access_count, last_accessed_at, uploaded_at`

type BlobRepository struct {
	pool *pgxpool.Pool
}

func NewBlobRepository(pool *pgxpool.Pool) *BlobRepository {
	return &BlobRepository{pool: pool}
}

func (r *BlobRepository) Insert(ctx context.Context, blob domain.Blob) error {
	var encMeta any
	if len(blob.EncryptionMetadata) > 0 {
		encMeta = string(blob.EncryptionMetadata)
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO file_blobs(`+blobColumns+`)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, blob.ID, blob.SecureFileID, blob.ConversationID, blob.SenderID, blob.OriginalName, blob.MimeType,
		blob.Size, blob.ChunkSize, blob.ChunkCount, blob.ContentHash, encMeta, blob.IsEncrypted,
		blob.AccessCount, blob.LastAccessedAt, blob.UploadedAt)
	if db.IsUniqueViolation(err, secureFileIDConstraint) {
		return fmt.Errorf("insert blob %s: %w", blob.ID, domain.ErrSecureIDConflict)
	}
	return err
}

func (r *BlobRepository) Get(ctx context.Context, id string) (domain.Blob, error) {
	return r.getOne(ctx, `SELECT `+blobColumns+` FROM file_blobs WHERE blob_id=$1`, id)
}

func (r *BlobRepository) GetBySecureID(ctx context.Context, secureFileID string) (domain.Blob, error) {
	return r.getOne(ctx, `SELECT `+blobColumns+` FROM file_blobs WHERE secure_file_id=$1`, secureFileID)
}

func (r *BlobRepository) getOne(ctx context.Context, query, arg string) (domain.Blob, error) {
	blob, err := scanBlob(r.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Blob{}, domain.NotFound("file")
	}
	return blob, err
}

func scanBlob(row pgx.Row) (domain.Blob, error) {
	var (
		blob    domain.Blob
		encMeta []byte
	)
	err := row.Scan(&blob.ID, &blob.SecureFileID, &blob.ConversationID, &blob.SenderID, &blob.OriginalName, &blob.MimeType,
		&blob.Size, &blob.ChunkSize, &blob.ChunkCount, &blob.ContentHash, &encMeta, &blob.IsEncrypted,
		&blob.AccessCount, &blob.LastAccessedAt, &blob.UploadedAt)
	if err != nil {
		return domain.Blob{}, err
	}
	if len(encMeta) > 0 {
		blob.EncryptionMetadata = encMeta
	}
	return blob, nil
}

func (r *BlobRepository) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM file_blobs WHERE blob_id=$1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RecordAccess lets Postgres do the increment so concurrent readers never lose updates.
func (r *BlobRepository) RecordAccess(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE file_blobs
		SET access_count = access_count + 1, last_accessed_at = $2
		WHERE blob_id=$1
	`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("file")
	}
	return nil
}

func (r *BlobRepository) ListByConversation(ctx context.Context, conversationID string) ([]domain.BlobSummary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT blob_id, original_name, uploaded_at, size_bytes, sender_id, access_count, last_accessed_at
		FROM file_blobs
		WHERE conversation_id=$1
		ORDER BY uploaded_at DESC, blob_id DESC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.BlobSummary, 0)
	for rows.Next() {
		var item domain.BlobSummary
		if err := rows.Scan(&item.ID, &item.OriginalName, &item.UploadedAt, &item.Size, &item.SenderID, &item.AccessCount, &item.LastAccessedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
