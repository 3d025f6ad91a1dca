package store

import (
	"context"
	"errors"
	"time"

	"attach_server/server/fileman/domain"
)

// ErrChunkNotFound is returned by backends when a chunk object is missing.
var ErrChunkNotFound = errors.New("chunk not found")

// ChunkBackend persists the fixed-size pieces of a blob. Chunks are addressed by the
// store-assigned blob id and a zero-based index.
type ChunkBackend interface {
	PutChunk(ctx context.Context, blobID string, index int, data []byte) error
	GetChunk(ctx context.Context, blobID string, index int) ([]byte, error)
	// DeleteChunks removes every chunk of blobID; deleting an absent set is not an error.
	DeleteChunks(ctx context.Context, blobID string) error
	ChunkCount(ctx context.Context, blobID string) (int, error)
	// BlobIDs lists every blob id that currently owns at least one chunk.
	BlobIDs(ctx context.Context) ([]string, error)
	// LastModified reports when the newest chunk of blobID was written, or
	// ErrChunkNotFound when the blob owns no chunks.
	LastModified(ctx context.Context, blobID string) (time.Time, error)
}

// MetaRepository holds the blob metadata records. Get and GetBySecureID return an
// error matching domain.ErrNotFound for unknown ids; Insert returns an error wrapping
// domain.ErrSecureIDConflict when the secure file id is already taken.
type MetaRepository interface {
	Insert(ctx context.Context, blob domain.Blob) error
	Get(ctx context.Context, id string) (domain.Blob, error)
	GetBySecureID(ctx context.Context, secureFileID string) (domain.Blob, error)
	Delete(ctx context.Context, id string) (bool, error)
	// RecordAccess increments access_count and sets last_accessed_at in one atomic step.
	RecordAccess(ctx context.Context, id string, at time.Time) error
	ListByConversation(ctx context.Context, conversationID string) ([]domain.BlobSummary, error)
}
