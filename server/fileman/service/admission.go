package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"attach_server/server/fileman/domain"
)

const DefaultMaxUploadBytes = 5 * 1024 * 1024

var (
	DefaultAllowedMimeTypes = []string{
		"image/jpeg",
		"image/png",
		"image/gif",
		"image/webp",
		"application/pdf",
		"text/plain",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/zip",
		"application/octet-stream",
	}
	DefaultAllowedExtensions = []string{
		"jpg", "jpeg", "png", "gif", "webp", "pdf", "txt", "doc", "docx", "zip", "enc", "bin",
	}
)

type AdmissionPolicy struct {
	MaxBytes          int64
	AllowedMimeTypes  []string
	AllowedExtensions []string
}

// AdmissionGate decides whether an upload may proceed before any payload byte is
// hashed or persisted. MIME type and extension are checked independently and both must pass.
type AdmissionGate struct {
	maxBytes   int64
	mimeTypes  map[string]struct{}
	extensions map[string]struct{}
	limiter    RateLimiter
}

func NewAdmissionGate(policy AdmissionPolicy, limiter RateLimiter) *AdmissionGate {
	if policy.MaxBytes <= 0 {
		policy.MaxBytes = DefaultMaxUploadBytes
	}
	if len(policy.AllowedMimeTypes) == 0 {
		policy.AllowedMimeTypes = DefaultAllowedMimeTypes
	}
	if len(policy.AllowedExtensions) == 0 {
		policy.AllowedExtensions = DefaultAllowedExtensions
	}
	g := &AdmissionGate{
		maxBytes:   policy.MaxBytes,
		mimeTypes:  map[string]struct{}{},
		extensions: map[string]struct{}{},
		limiter:    limiter,
	}
	for _, raw := range policy.AllowedMimeTypes {
		if mt := normalizeMimeType(raw); mt != "" {
			g.mimeTypes[mt] = struct{}{}
		}
	}
	for _, raw := range policy.AllowedExtensions {
		if ext := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "."); ext != "" {
			g.extensions[ext] = struct{}{}
		}
	}
	return g
}

func (g *AdmissionGate) MaxBytes() int64 {
	return g.maxBytes
}

// CheckRate consumes one slot of the origin's sliding window.
func (g *AdmissionGate) CheckRate(ctx context.Context, origin string) error {
	if g.limiter == nil {
		return nil
	}
	if strings.TrimSpace(origin) == "" {
		origin = "anonymous"
	}
	decision, err := g.limiter.Allow(ctx, origin)
	if err != nil {
		return domain.StoreFailure("rate limit check", err)
	}
	if !decision.Allowed {
		return &RateLimitError{
			Err:        domain.RateLimited("too many uploads, try again later"),
			RetryAfter: decision.RetryAfter,
		}
	}
	return nil
}

// Validate checks the declared shape of an upload.
func (g *AdmissionGate) Validate(c domain.UploadCandidate) error {
	switch {
	case c.FileCount == 0:
		return domain.Validation("a file is required")
	case c.FileCount > 1:
		return domain.Validation("only one file may be uploaded per request")
	}
	if _, ok := g.mimeTypes[normalizeMimeType(c.MimeType)]; !ok {
		return domain.Validation("file type %q is not allowed", c.MimeType)
	}
	ext := extensionOf(c.Filename)
	if ext == "" {
		return domain.Validation("file name must have an extension")
	}
	if _, ok := g.extensions[ext]; !ok {
		return domain.Validation("file extension %q is not allowed", ext)
	}
	if c.Size <= 0 {
		return domain.Validation("file is empty")
	}
	if c.Size > g.maxBytes {
		return domain.Validation("file exceeds the %d byte limit", g.maxBytes)
	}
	return nil
}

// Admit runs the rate check and then the shape checks.
func (g *AdmissionGate) Admit(ctx context.Context, c domain.UploadCandidate) error {
	if err := g.CheckRate(ctx, c.Origin); err != nil {
		return err
	}
	return g.Validate(c)
}

func normalizeMimeType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}

// extensionOf returns the lower-cased last dot segment of the base name.
func extensionOf(filename string) string {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	idx := strings.LastIndex(base, ".")
	if idx <= 0 || idx == len(base)-1 {
		return ""
	}
	return strings.ToLower(base[idx+1:])
}

// SanitizeFilename strips any client supplied directory components.
func SanitizeFilename(filename string) string {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// MintSecureFileID returns a 128-bit random token rendered as 32 hex characters.
func MintSecureFileID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
