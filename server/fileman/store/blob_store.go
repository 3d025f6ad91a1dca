package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	commonlog "attach_server/server/common/log"
	"attach_server/server/fileman/domain"
)

const (
	DefaultChunkSize = 512 * 1024
	cleanupTimeout   = 30 * time.Second
)

type Options struct {
	ChunkSize int
	// NewSecureID mints a replacement secure file id after a unique constraint hit.
	NewSecureID func() (string, error)
	Now         func() time.Time
}

// BlobStore writes payloads as chunk sets plus one metadata record. The metadata
// record is committed last, so a blob is never resolvable before all of its chunks exist.
type BlobStore struct {
	chunks      ChunkBackend
	meta        MetaRepository
	chunkSize   int
	newSecureID func() (string, error)
	now         func() time.Time
}

func New(chunks ChunkBackend, meta MetaRepository, opts Options) *BlobStore {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &BlobStore{
		chunks:      chunks,
		meta:        meta,
		chunkSize:   opts.ChunkSize,
		newSecureID: opts.NewSecureID,
		now:         opts.Now,
	}
}

func (s *BlobStore) ChunkSize() int {
	return s.chunkSize
}

// Put stores data under a fresh blob id and returns the committed metadata. It
// returns only after every chunk and the metadata record are written.
func (s *BlobStore) Put(ctx context.Context, data []byte, blob domain.Blob) (domain.Blob, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if blob.ContentHash != "" && blob.ContentHash != digest {
		return domain.Blob{}, domain.Integrity("content hash does not match stored bytes")
	}

	blob.ID = uuid.NewString()
	blob.ContentHash = digest
	blob.Size = int64(len(data))
	blob.ChunkSize = s.chunkSize
	blob.AccessCount = 0
	blob.LastAccessedAt = nil
	blob.UploadedAt = s.now().UTC()

	logger := commonlog.With(zap.String("op", "put"), zap.String("blob_id", blob.ID))

	count := 0
	for off := 0; off < len(data); off += s.chunkSize {
		end := min(off+s.chunkSize, len(data))
		if err := s.chunks.PutChunk(ctx, blob.ID, count, data[off:end]); err != nil {
			logger.Error("chunk write failed", zap.Int("chunk", count), zap.Error(err))
			s.discard(ctx, blob.ID)
			return domain.Blob{}, domain.StoreFailure("write chunk", err)
		}
		count++
	}
	blob.ChunkCount = count

	if err := s.commit(ctx, &blob); err != nil {
		logger.Error("metadata commit failed", zap.Error(err))
		s.discard(ctx, blob.ID)
		return domain.Blob{}, domain.StoreFailure("commit metadata", err)
	}
	return blob, nil
}

func (s *BlobStore) commit(ctx context.Context, blob *domain.Blob) error {
	if blob.SecureFileID == "" {
		if err := s.remintSecureID(blob); err != nil {
			return err
		}
	}
	err := s.meta.Insert(ctx, *blob)
	if !errors.Is(err, domain.ErrSecureIDConflict) {
		return err
	}
	// one retry with a fresh token, then give up rather than overwrite
	if err := s.remintSecureID(blob); err != nil {
		return err
	}
	return s.meta.Insert(ctx, *blob)
}

func (s *BlobStore) remintSecureID(blob *domain.Blob) error {
	if s.newSecureID == nil {
		return errors.New("secure file id generator is not configured")
	}
	id, err := s.newSecureID()
	if err != nil {
		return fmt.Errorf("mint secure file id: %w", err)
	}
	blob.SecureFileID = id
	return nil
}

// discard is best-effort; leftovers are collected by SweepOrphans because the
// blob id is never committed to metadata.
func (s *BlobStore) discard(ctx context.Context, blobID string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.chunks.DeleteChunks(cleanupCtx, blobID); err != nil {
		commonlog.With(zap.String("op", "discard"), zap.String("blob_id", blobID)).
			Warn("chunk cleanup failed, left for orphan sweep", zap.Error(err))
	}
}

// Get resolves metadata by internal blob id.
func (s *BlobStore) Get(ctx context.Context, id string) (domain.Blob, error) {
	return s.meta.Get(ctx, id)
}

// GetBySecureID resolves metadata by the client-facing secure file id.
func (s *BlobStore) GetBySecureID(ctx context.Context, secureFileID string) (domain.Blob, error) {
	return s.meta.GetBySecureID(ctx, secureFileID)
}

// Open returns a lazy reader over the chunks of blob. Every call starts at chunk 0.
func (s *BlobStore) Open(blob domain.Blob) *ChunkReader {
	return &ChunkReader{
		chunks: s.chunks,
		blobID: blob.ID,
		count:  blob.ChunkCount,
		size:   blob.Size,
	}
}

// Delete removes the metadata record first, so the blob stops being resolvable,
// then its chunks. The metadata delete is the commit point: a chunk removal
// failure is logged and the chunks are left for SweepOrphans to reclaim.
func (s *BlobStore) Delete(ctx context.Context, id string) error {
	deleted, err := s.meta.Delete(ctx, id)
	if err != nil {
		return domain.StoreFailure("delete metadata", err)
	}
	if !deleted {
		return domain.NotFound("file")
	}
	if err := s.chunks.DeleteChunks(ctx, id); err != nil {
		commonlog.With(zap.String("op", "delete"), zap.String("blob_id", id)).
			Warn("chunk removal failed after metadata delete, left for orphan sweep", zap.Error(err))
	}
	return nil
}

func (s *BlobStore) RecordAccess(ctx context.Context, id string, at time.Time) error {
	return s.meta.RecordAccess(ctx, id, at.UTC())
}

func (s *BlobStore) ListByConversation(ctx context.Context, conversationID string) ([]domain.BlobSummary, error) {
	return s.meta.ListByConversation(ctx, conversationID)
}

// SweepOrphans deletes chunk sets that have no metadata record and whose newest
// chunk is older than grace. Put writes chunks before metadata, so a chunk set
// younger than grace may belong to an upload that has not committed yet.
func (s *BlobStore) SweepOrphans(ctx context.Context, grace time.Duration) (int, error) {
	ids, err := s.chunks.BlobIDs(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-grace)
	removed := 0
	for _, id := range ids {
		_, err := s.meta.Get(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return removed, err
		}
		modified, err := s.chunks.LastModified(ctx, id)
		if errors.Is(err, ErrChunkNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		if modified.After(cutoff) {
			continue
		}
		if err := s.chunks.DeleteChunks(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ChunkReader walks a blob's chunks in write order. It is not seekable; reopen to restart.
type ChunkReader struct {
	chunks ChunkBackend
	blobID string
	count  int
	size   int64

	next   int
	read   int64
	closed bool
}

// Next returns the next chunk, or io.EOF once the blob is exhausted.
func (r *ChunkReader) Next(ctx context.Context) ([]byte, error) {
	if r.closed {
		return nil, io.ErrClosedPipe
	}
	if err := ctx.Err(); err != nil {
		r.Close()
		return nil, err
	}
	if r.next >= r.count {
		if r.read != r.size {
			return nil, domain.StoreFailure("read blob", fmt.Errorf("reassembled %d of %d bytes", r.read, r.size))
		}
		return nil, io.EOF
	}
	chunk, err := r.chunks.GetChunk(ctx, r.blobID, r.next)
	if err != nil {
		r.Close()
		return nil, domain.StoreFailure(fmt.Sprintf("read chunk %d", r.next), err)
	}
	r.next++
	r.read += int64(len(chunk))
	return chunk, nil
}

// StreamTo streams the remaining chunks into w, stopping on the first write error
// or when ctx is cancelled.
func (r *ChunkReader) StreamTo(ctx context.Context, w io.Writer) (int64, error) {
	var written int64
	for {
		chunk, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		n, err := w.Write(chunk)
		written += int64(n)
		if err != nil {
			r.Close()
			return written, err
		}
	}
}

func (r *ChunkReader) Close() {
	r.closed = true
}

func (r *ChunkReader) Size() int64 {
	return r.size
}
