package api

import (
	"time"

	"attach_server/server/common/transport/httpresp"
	"attach_server/server/fileman/domain"
)

type ErrorResponse = httpresp.ErrorResponse
type OKResponse = httpresp.OKResponse
type HealthResponse = httpresp.HealthResponse

type UploadResponse struct {
	Success      bool      `json:"success"`
	FileID       string    `json:"fileId"`
	SecureFileID string    `json:"secureFileId"`
	OriginalName string    `json:"originalName"`
	MimeType     string    `json:"mimeType"`
	Size         int64     `json:"size"`
	UploadedAt   time.Time `json:"uploadedAt"`
	URL          string    `json:"url"`
}

type FileInfoResponse struct {
	Success bool        `json:"success"`
	File    domain.Blob `json:"file"`
}

type ConversationFilesResponse struct {
	Success bool                 `json:"success"`
	Files   []domain.BlobSummary `json:"files"`
}
