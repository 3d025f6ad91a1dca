package service

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attach_server/server/fileman/domain"
)

func TestAdmissionGateValidate(t *testing.T) {
	gate := NewAdmissionGate(AdmissionPolicy{}, nil)
	valid := domain.UploadCandidate{MimeType: "image/png", Filename: "photo.png", Size: 1024, FileCount: 1}

	cases := []struct {
		name   string
		mutate func(*domain.UploadCandidate)
		ok     bool
	}{
		{name: "valid", mutate: func(*domain.UploadCandidate) {}, ok: true},
		{name: "mime with params", mutate: func(c *domain.UploadCandidate) { c.MimeType = "text/plain; charset=utf-8"; c.Filename = "a.txt" }, ok: true},
		{name: "upper case extension", mutate: func(c *domain.UploadCandidate) { c.Filename = "PHOTO.PNG" }, ok: true},
		{name: "exactly max size", mutate: func(c *domain.UploadCandidate) { c.Size = DefaultMaxUploadBytes }, ok: true},
		{name: "no file", mutate: func(c *domain.UploadCandidate) { c.FileCount = 0 }},
		{name: "two files", mutate: func(c *domain.UploadCandidate) { c.FileCount = 2 }},
		{name: "bad mime", mutate: func(c *domain.UploadCandidate) { c.MimeType = "application/x-msdownload" }},
		{name: "trusted mime spoofed extension", mutate: func(c *domain.UploadCandidate) { c.Filename = "photo.exe" }},
		{name: "trusted extension spoofed mime", mutate: func(c *domain.UploadCandidate) { c.MimeType = "text/html" }},
		{name: "double extension uses last segment", mutate: func(c *domain.UploadCandidate) { c.Filename = "photo.png.exe" }},
		{name: "no extension", mutate: func(c *domain.UploadCandidate) { c.Filename = "photo" }},
		{name: "dot file", mutate: func(c *domain.UploadCandidate) { c.Filename = ".png" }},
		{name: "empty", mutate: func(c *domain.UploadCandidate) { c.Size = 0 }},
		{name: "one byte over", mutate: func(c *domain.UploadCandidate) { c.Size = DefaultMaxUploadBytes + 1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid
			tc.mutate(&c)
			err := gate.Validate(c)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestAdmissionGateCustomPolicy(t *testing.T) {
	gate := NewAdmissionGate(AdmissionPolicy{
		MaxBytes:          10,
		AllowedMimeTypes:  []string{" Application/PDF "},
		AllowedExtensions: []string{".PDF"},
	}, nil)
	assert.NoError(t, gate.Validate(domain.UploadCandidate{MimeType: "application/pdf", Filename: "doc.pdf", Size: 10, FileCount: 1}))
	assert.ErrorIs(t, gate.Validate(domain.UploadCandidate{MimeType: "image/png", Filename: "doc.pdf", Size: 10, FileCount: 1}), domain.ErrValidation)
	assert.ErrorIs(t, gate.Validate(domain.UploadCandidate{MimeType: "application/pdf", Filename: "doc.pdf", Size: 11, FileCount: 1}), domain.ErrValidation)
}

func TestAdmitRateLimitIsDistinct(t *testing.T) {
	gate := NewAdmissionGate(AdmissionPolicy{}, NewMemoryRateLimiter(1, time.Minute))
	c := domain.UploadCandidate{Origin: "u-1", MimeType: "image/png", Filename: "a.png", Size: 1, FileCount: 1}

	require.NoError(t, gate.Admit(context.Background(), c))
	err := gate.Admit(context.Background(), c)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.NotErrorIs(t, err, domain.ErrValidation)

	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Positive(t, rl.RetryAfter)
}

func TestMemoryRateLimiterSlidingWindow(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryRateLimiter(10, 15*time.Minute)
	l.now = func() time.Time { return clock }
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := l.Allow(ctx, "u-1")
		require.NoError(t, err)
		require.True(t, d.Allowed, "attempt %d", i+1)
		clock = clock.Add(time.Minute)
	}
	d, err := l.Allow(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	// first hit was at t0, now is t0+10m
	assert.Equal(t, 5*time.Minute, d.RetryAfter)

	other, err := l.Allow(ctx, "u-2")
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	clock = clock.Add(5*time.Minute + time.Second)
	d, err = l.Allow(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryRateLimiterConcurrentSameOrigin(t *testing.T) {
	l := NewMemoryRateLimiter(10, time.Hour)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(context.Background(), "u-1")
			assert.NoError(t, err)
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func TestMintSecureFileID(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id, err := MintSecureFileID()
		require.NoError(t, err)
		require.Len(t, id, 32)
		assert.True(t, isSecureFileID(id))
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 100)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "passwd.txt", SanitizeFilename("../../etc/passwd.txt"))
	assert.Equal(t, "a.png", SanitizeFilename(`C:\Users\me\a.png`))
	assert.Equal(t, "", SanitizeFilename(""))
}

// TestRedisRateLimiter_Integration needs a reachable Redis; set FILEMAN_TEST_REDIS_ADDR to run it.
func TestRedisRateLimiter_Integration(t *testing.T) {
	addr := os.Getenv("FILEMAN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FILEMAN_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	key := "it-" + time.Now().Format("150405.000000")
	l := NewRedisRateLimiter(client, "fileman:test-rate", 3, time.Minute)
	t.Cleanup(func() { client.Del(ctx, "fileman:test-rate:"+key) })

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(ctx, key)
			assert.NoError(t, err)
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, allowed)

	d, err := l.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfter)
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
}
