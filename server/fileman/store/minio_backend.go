package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"attach_server/server/common/infra/object"
)

const chunkPrefix = "chunks"

// MinIOBackend keeps each chunk as its own object: <root>/chunks/<blobID>/<index>.
// Zero-padded indexes keep listing order equal to write order.
type MinIOBackend struct {
	client *minio.Client
	bucket string
	root   string
}

func NewMinIOBackend(client *minio.Client, bucket, root string) *MinIOBackend {
	return &MinIOBackend{client: client, bucket: bucket, root: strings.Trim(root, "/")}
}

func (b *MinIOBackend) blobPrefix(blobID string) string {
	return path.Join(b.root, chunkPrefix, blobID) + "/"
}

func (b *MinIOBackend) chunkKey(blobID string, index int) string {
	return b.blobPrefix(blobID) + fmt.Sprintf("%08d", index)
}

func (b *MinIOBackend) PutChunk(ctx context.Context, blobID string, index int, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, b.chunkKey(blobID, index), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

func (b *MinIOBackend) GetChunk(ctx context.Context, blobID string, index int) ([]byte, error) {
	key := b.chunkKey(blobID, index)
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, b.translate(err, key)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, b.translate(err, key)
	}
	return data, nil
}

func (b *MinIOBackend) translate(err error, key string) error {
	if object.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrChunkNotFound, key)
	}
	return err
}

func (b *MinIOBackend) DeleteChunks(ctx context.Context, blobID string) error {
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := make(chan minio.ObjectInfo)
	var listErr error
	go func() {
		defer close(objects)
		for obj := range b.client.ListObjects(listCtx, b.bucket, minio.ListObjectsOptions{
			Prefix:    b.blobPrefix(blobID),
			Recursive: true,
		}) {
			if obj.Err != nil {
				listErr = obj.Err
				return
			}
			select {
			case objects <- obj:
			case <-listCtx.Done():
				return
			}
		}
	}()

	var errs []error
	for res := range b.client.RemoveObjects(ctx, b.bucket, objects, minio.RemoveObjectsOptions{}) {
		if res.Err != nil && !object.IsNotFound(res.Err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", res.ObjectName, res.Err))
		}
	}
	// RemoveObjects drains objects, so the lister has finished by now
	if listErr != nil {
		errs = append(errs, listErr)
	}
	return errors.Join(errs...)
}

func (b *MinIOBackend) ChunkCount(ctx context.Context, blobID string) (int, error) {
	count := 0
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    b.blobPrefix(blobID),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return 0, obj.Err
		}
		count++
	}
	return count, nil
}

func (b *MinIOBackend) LastModified(ctx context.Context, blobID string) (time.Time, error) {
	var newest time.Time
	found := false
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    b.blobPrefix(blobID),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return time.Time{}, obj.Err
		}
		found = true
		if obj.LastModified.After(newest) {
			newest = obj.LastModified
		}
	}
	if !found {
		return time.Time{}, fmt.Errorf("%w: %s", ErrChunkNotFound, b.blobPrefix(blobID))
	}
	return newest, nil
}

func (b *MinIOBackend) BlobIDs(ctx context.Context) ([]string, error) {
	prefix := path.Join(b.root, chunkPrefix) + "/"
	var ids []string
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		id := strings.Trim(strings.TrimPrefix(obj.Key, prefix), "/")
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
