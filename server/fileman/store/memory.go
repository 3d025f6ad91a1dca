package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"attach_server/server/fileman/domain"
)

// MemoryBackend is an in-process ChunkBackend for tests and local runs.
type MemoryBackend struct {
	mu       sync.RWMutex
	blobs    map[string]map[int][]byte
	modified map[string]time.Time
	now      func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		blobs:    map[string]map[int][]byte{},
		modified: map[string]time.Time{},
		now:      time.Now,
	}
}

func (m *MemoryBackend) PutChunk(_ context.Context, blobID string, index int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chunks, ok := m.blobs[blobID]
	if !ok {
		chunks = map[int][]byte{}
		m.blobs[blobID] = chunks
	}
	chunks[index] = append([]byte(nil), data...)
	m.modified[blobID] = m.now()
	return nil
}

func (m *MemoryBackend) GetChunk(_ context.Context, blobID string, index int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[blobID][index]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d", ErrChunkNotFound, blobID, index)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryBackend) DeleteChunks(_ context.Context, blobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, blobID)
	delete(m.modified, blobID)
	return nil
}

func (m *MemoryBackend) LastModified(_ context.Context, blobID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.modified[blobID]
	if !ok || len(m.blobs[blobID]) == 0 {
		return time.Time{}, fmt.Errorf("%w: %s", ErrChunkNotFound, blobID)
	}
	return at, nil
}

func (m *MemoryBackend) ChunkCount(_ context.Context, blobID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs[blobID]), nil
}

func (m *MemoryBackend) BlobIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.blobs))
	for id := range m.blobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// MemoryMetaRepository is an in-process MetaRepository for tests and local runs.
type MemoryMetaRepository struct {
	mu       sync.RWMutex
	byID     map[string]domain.Blob
	bySecure map[string]string
}

func NewMemoryMetaRepository() *MemoryMetaRepository {
	return &MemoryMetaRepository{byID: map[string]domain.Blob{}, bySecure: map[string]string{}}
}

func (m *MemoryMetaRepository) Insert(_ context.Context, blob domain.Blob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[blob.ID]; ok {
		return fmt.Errorf("blob %s already exists", blob.ID)
	}
	if _, ok := m.bySecure[blob.SecureFileID]; ok {
		return fmt.Errorf("insert blob %s: %w", blob.ID, domain.ErrSecureIDConflict)
	}
	m.byID[blob.ID] = blob
	m.bySecure[blob.SecureFileID] = blob.ID
	return nil
}

func (m *MemoryMetaRepository) Get(_ context.Context, id string) (domain.Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.byID[id]
	if !ok {
		return domain.Blob{}, domain.NotFound("file")
	}
	return blob, nil
}

func (m *MemoryMetaRepository) GetBySecureID(ctx context.Context, secureFileID string) (domain.Blob, error) {
	m.mu.RLock()
	id, ok := m.bySecure[secureFileID]
	m.mu.RUnlock()
	if !ok {
		return domain.Blob{}, domain.NotFound("file")
	}
	return m.Get(ctx, id)
}

func (m *MemoryMetaRepository) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.byID[id]
	if !ok {
		return false, nil
	}
	delete(m.byID, id)
	delete(m.bySecure, blob.SecureFileID)
	return true, nil
}

func (m *MemoryMetaRepository) RecordAccess(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.byID[id]
	if !ok {
		return domain.NotFound("file")
	}
	blob.AccessCount++
	blob.LastAccessedAt = &at
	m.byID[id] = blob
	return nil
}

func (m *MemoryMetaRepository) ListByConversation(_ context.Context, conversationID string) ([]domain.BlobSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]domain.BlobSummary, 0)
	for _, blob := range m.byID {
		if blob.ConversationID == conversationID {
			items = append(items, blob.Summary())
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].UploadedAt.Equal(items[j].UploadedAt) {
			return items[i].UploadedAt.After(items[j].UploadedAt)
		}
		return items[i].ID > items[j].ID
	})
	return items, nil
}
