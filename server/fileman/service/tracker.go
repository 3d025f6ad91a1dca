package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	commonlog "attach_server/server/common/log"
	"attach_server/server/fileman/domain"
)

const defaultTrackTimeout = 5 * time.Second

type usageStore interface {
	RecordAccess(ctx context.Context, id string, at time.Time) error
	ListByConversation(ctx context.Context, conversationID string) ([]domain.BlobSummary, error)
}

// UsageTracker counts successful reads and lists a conversation's attachments.
type UsageTracker struct {
	store   usageStore
	timeout time.Duration
	now     func() time.Time
}

func NewUsageTracker(store usageStore) *UsageTracker {
	return &UsageTracker{store: store, timeout: defaultTrackTimeout, now: time.Now}
}

// RecordAccess bumps accessCount and lastAccessedAt after a completed read. It never
// fails the read: errors are logged and dropped. The update outlives the request
// context so a client closing right after the last byte is still counted.
func (t *UsageTracker) RecordAccess(ctx context.Context, blobID string) {
	trackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()
	if err := t.store.RecordAccess(trackCtx, blobID, t.now()); err != nil {
		commonlog.With(zap.String("op", "record_access"), zap.String("blob_id", blobID)).
			Warn("access tracking failed", zap.Error(err))
	}
}

// ListConversation returns live metadata, newest first. The caller must have
// passed the access gate for conversationID.
func (t *UsageTracker) ListConversation(ctx context.Context, conversationID string) ([]domain.BlobSummary, error) {
	list, err := t.store.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, domain.StoreFailure("list conversation files", err)
	}
	if list == nil {
		list = []domain.BlobSummary{}
	}
	return list, nil
}
