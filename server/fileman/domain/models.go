package domain

import (
	"encoding/json"
	"time"
)

// Blob is the metadata record of a stored attachment. The bytes live in chunks
// addressed by ID; SecureFileID is only ever used as an external handle.
type Blob struct {
	ID                 string          `json:"fileId"`
	SecureFileID       string          `json:"secureFileId"`
	ConversationID     string          `json:"conversationId"`
	SenderID           string          `json:"senderId"`
	OriginalName       string          `json:"originalName"`
	MimeType           string          `json:"mimeType"`
	Size               int64           `json:"size"`
	ChunkSize          int             `json:"-"`
	ChunkCount         int             `json:"-"`
	ContentHash        string          `json:"contentHash"`
	EncryptionMetadata json.RawMessage `json:"encryptionMetadata,omitempty"`
	IsEncrypted        bool            `json:"isEncrypted"`
	AccessCount        int64           `json:"accessCount"`
	LastAccessedAt     *time.Time      `json:"lastAccessedAt"`
	UploadedAt         time.Time       `json:"uploadedAt"`
}

// BlobSummary is one row of a conversation's attachment activity listing.
type BlobSummary struct {
	ID             string     `json:"fileId"`
	OriginalName   string     `json:"originalName"`
	UploadedAt     time.Time  `json:"uploadedAt"`
	Size           int64      `json:"size"`
	SenderID       string     `json:"senderId"`
	AccessCount    int64      `json:"accessCount"`
	LastAccessedAt *time.Time `json:"lastAccessedAt"`
}

func (b Blob) Summary() BlobSummary {
	return BlobSummary{
		ID:             b.ID,
		OriginalName:   b.OriginalName,
		UploadedAt:     b.UploadedAt,
		Size:           b.Size,
		SenderID:       b.SenderID,
		AccessCount:    b.AccessCount,
		LastAccessedAt: b.LastAccessedAt,
	}
}

// UploadCandidate is what the admission gate sees before any byte is persisted.
type UploadCandidate struct {
	Origin    string
	MimeType  string
	Filename  string
	Size      int64
	FileCount int
}

// Upload is a fully buffered, admitted payload on its way to the store.
type Upload struct {
	ConversationID     string
	SenderID           string
	OriginalName       string
	MimeType           string
	DeclaredHash       string
	EncryptionMetadata json.RawMessage
	IsEncrypted        bool
	Data               []byte
	// ComputedHash is filled while the payload is buffered.
	ComputedHash string
}
