package service

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"attach_server/server/fileman/domain"
)

// Verifier checks an upload's bytes against its declared digest.
type Verifier interface {
	Verify(upload *domain.Upload) error
}

// IntegrityVerifier compares the SHA-256 of the buffered payload with the
// client-declared hex digest.
type IntegrityVerifier struct{}

func NewIntegrityVerifier() *IntegrityVerifier {
	return &IntegrityVerifier{}
}

func (v *IntegrityVerifier) Verify(upload *domain.Upload) error {
	declared, err := normalizeDigest(upload.DeclaredHash)
	if err != nil {
		return err
	}
	computed := upload.ComputedHash
	if computed == "" {
		sum := sha256.Sum256(upload.Data)
		computed = hex.EncodeToString(sum[:])
		upload.ComputedHash = computed
	}
	if subtle.ConstantTimeCompare([]byte(declared), []byte(computed)) != 1 {
		return domain.Integrity("file hash does not match uploaded content")
	}
	return nil
}

func normalizeDigest(raw string) (string, error) {
	digest := strings.ToLower(strings.TrimSpace(raw))
	if digest == "" {
		return "", domain.Validation("fileHash is required")
	}
	if len(digest) != sha256.Size*2 {
		return "", domain.Validation("fileHash must be a hex encoded SHA-256 digest")
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", domain.Validation("fileHash must be a hex encoded SHA-256 digest")
	}
	return digest, nil
}

var errPayloadTooLarge = errors.New("payload exceeds limit")

// ReadPayload buffers r while hashing the same bytes, reading at most limit bytes.
// The returned data is exactly what was hashed.
func ReadPayload(r io.Reader, limit int64) ([]byte, string, error) {
	h := sha256.New()
	var buf bytes.Buffer
	n, err := io.Copy(io.MultiWriter(&buf, h), io.LimitReader(r, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("buffer payload: %w", err)
	}
	if n > limit {
		return nil, "", errPayloadTooLarge
	}
	return buf.Bytes(), hexDigest(h), nil
}

func hexDigest(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
