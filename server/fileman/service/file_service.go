package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	commonauth "attach_server/server/common/auth"
	commonlog "attach_server/server/common/log"
	"attach_server/server/fileman/domain"
	"attach_server/server/fileman/store"
)

// FilePart is one file part of an upload form. Open is called at most once.
type FilePart struct {
	Filename string
	MimeType string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

type UploadRequest struct {
	Origin             string
	ConversationID     string
	SenderID           string
	FileHash           string
	EncryptionMetadata string
	IsEncrypted        string
	Files              []FilePart
}

type Dependencies struct {
	Admission *AdmissionGate
	Verifier  Verifier
	Access    *AccessGate
	Blobs     *store.BlobStore
	Tracker   *UsageTracker
	Audit     AuditSink
	Metrics   *Metrics
	// ConcealMissing reports unknown ids as access denied instead of not found.
	ConcealMissing bool
}

// FileService runs the upload pipeline (admission, integrity, access, store) and the
// read side (access, store, tracker).
type FileService struct {
	admission      *AdmissionGate
	verifier       Verifier
	access         *AccessGate
	blobs          *store.BlobStore
	tracker        *UsageTracker
	audit          AuditSink
	metrics        *Metrics
	concealMissing bool
	now            func() time.Time
}

func NewFileService(d Dependencies) *FileService {
	if d.Verifier == nil {
		d.Verifier = NewIntegrityVerifier()
	}
	if d.Audit == nil {
		d.Audit = LogAuditSink{}
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics(nil)
	}
	if d.Tracker == nil {
		d.Tracker = NewUsageTracker(d.Blobs)
	}
	return &FileService{
		admission:      d.Admission,
		verifier:       d.Verifier,
		access:         d.Access,
		blobs:          d.Blobs,
		tracker:        d.Tracker,
		audit:          d.Audit,
		metrics:        d.Metrics,
		concealMissing: d.ConcealMissing,
		now:            time.Now,
	}
}

func (s *FileService) MaxUploadBytes() int64 {
	return s.admission.MaxBytes()
}

// Upload admits, verifies, authorizes and stores one payload. Nothing is written to
// the chunk store until every check has passed.
func (s *FileService) Upload(ctx context.Context, who commonauth.Identity, req UploadRequest) (domain.Blob, error) {
	blob, err := s.upload(ctx, who, req)
	s.metrics.observeUpload(err, blob.Size)

	event := AuditEvent{
		Action:         ActionUpload,
		Outcome:        OutcomeAllowed,
		FileID:         blob.ID,
		ConversationID: req.ConversationID,
		ActorID:        who.UserID,
		At:             s.now().UTC(),
	}
	switch {
	case err == nil:
	case domain.KindOf(err) == domain.KindAuthorization:
		// already recorded by the access gate
		return blob, err
	case domain.KindOf(err) == domain.KindStore:
		event.Outcome = OutcomeFailed
		event.Reason = err.Error()
	default:
		event.Outcome = OutcomeRejected
		event.Reason = err.Error()
	}
	s.audit.Record(ctx, event)
	return blob, err
}

func (s *FileService) upload(ctx context.Context, who commonauth.Identity, req UploadRequest) (domain.Blob, error) {
	if err := s.admission.CheckRate(ctx, req.Origin); err != nil {
		return domain.Blob{}, err
	}

	candidate := domain.UploadCandidate{Origin: req.Origin, FileCount: len(req.Files)}
	if len(req.Files) == 1 {
		candidate.Filename = req.Files[0].Filename
		candidate.MimeType = req.Files[0].MimeType
		candidate.Size = req.Files[0].Size
	}
	if err := s.admission.Validate(candidate); err != nil {
		return domain.Blob{}, err
	}

	conversationID := strings.TrimSpace(req.ConversationID)
	senderID := strings.TrimSpace(req.SenderID)
	switch {
	case conversationID == "":
		return domain.Blob{}, domain.Validation("conversationId is required")
	case senderID == "":
		return domain.Blob{}, domain.Validation("senderId is required")
	case strings.TrimSpace(req.FileHash) == "":
		return domain.Blob{}, domain.Validation("fileHash is required")
	}
	encryptionMetadata, err := parseEncryptionMetadata(req.EncryptionMetadata)
	if err != nil {
		return domain.Blob{}, err
	}
	isEncrypted, err := parseIsEncrypted(req.IsEncrypted)
	if err != nil {
		return domain.Blob{}, err
	}

	part := req.Files[0]
	data, digest, err := s.readPart(part)
	if err != nil {
		return domain.Blob{}, err
	}

	upload := &domain.Upload{
		ConversationID:     conversationID,
		SenderID:           senderID,
		OriginalName:       SanitizeFilename(part.Filename),
		MimeType:           normalizeMimeType(part.MimeType),
		DeclaredHash:       req.FileHash,
		EncryptionMetadata: encryptionMetadata,
		IsEncrypted:        isEncrypted,
		Data:               data,
		ComputedHash:       digest,
	}
	if err := s.verifier.Verify(upload); err != nil {
		return domain.Blob{}, err
	}
	if err := s.access.AuthorizeUpload(ctx, who, upload.ConversationID, upload.SenderID); err != nil {
		return domain.Blob{}, err
	}

	secureID, err := MintSecureFileID()
	if err != nil {
		return domain.Blob{}, domain.StoreFailure("mint secure file id", err)
	}
	return s.blobs.Put(ctx, upload.Data, domain.Blob{
		SecureFileID:       secureID,
		ConversationID:     upload.ConversationID,
		SenderID:           upload.SenderID,
		OriginalName:       upload.OriginalName,
		MimeType:           upload.MimeType,
		ContentHash:        upload.ComputedHash,
		EncryptionMetadata: upload.EncryptionMetadata,
		IsEncrypted:        upload.IsEncrypted,
	})
}

func (s *FileService) readPart(part FilePart) ([]byte, string, error) {
	if part.Open == nil {
		return nil, "", domain.Validation("a file is required")
	}
	rc, err := part.Open()
	if err != nil {
		return nil, "", domain.Validation("uploaded file could not be read")
	}
	defer rc.Close()

	data, digest, err := ReadPayload(rc, s.admission.MaxBytes())
	if errors.Is(err, errPayloadTooLarge) {
		return nil, "", domain.Validation("file exceeds the %d byte limit", s.admission.MaxBytes())
	}
	if err != nil {
		return nil, "", domain.Validation("uploaded file could not be read")
	}
	if len(data) == 0 {
		return nil, "", domain.Validation("file is empty")
	}
	return data, digest, nil
}

func parseEncryptionMetadata(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, domain.Validation("encryptionMetadata must be valid JSON")
	}
	return json.RawMessage(raw), nil
}

func parseIsEncrypted(raw string) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return true, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, domain.Validation("isEncrypted must be a boolean")
	}
	return v, nil
}

// Download streams an authorized blob into the writer returned by begin. begin is
// called only after every check has passed and the first chunk was read, so callers
// can still answer with an error status until then. The access count is bumped only
// after the last chunk was written.
func (s *FileService) Download(ctx context.Context, who commonauth.Identity, fileID string, begin func(domain.Blob) io.Writer) (domain.Blob, error) {
	blob, err := s.resolve(ctx, ActionDownload, who, fileID)
	if err == nil {
		err = s.access.AuthorizeRead(ctx, who, blob)
	}
	if err != nil {
		s.metrics.observeDownload(err)
		return domain.Blob{}, err
	}

	logger := commonlog.With(zap.String("op", "download"), zap.String("blob_id", blob.ID))
	reader := s.blobs.Open(blob)
	defer reader.Close()

	first, err := reader.Next(ctx)
	if err != nil && !errors.Is(err, io.EOF) {
		if ctx.Err() != nil {
			s.metrics.downloads.WithLabelValues("canceled").Inc()
			return domain.Blob{}, ctx.Err()
		}
		err = s.unreadable(ctx, blob, err)
		logger.Error("open blob failed", zap.Error(err))
		s.metrics.observeDownload(err)
		return domain.Blob{}, err
	}

	w := begin(blob)
	if len(first) > 0 {
		if _, err = w.Write(first); err == nil {
			_, err = reader.StreamTo(ctx, w)
		}
	}
	if err != nil && !errors.Is(err, io.EOF) {
		if ctx.Err() != nil {
			logger.Info("client went away mid download", zap.Error(err))
			s.metrics.downloads.WithLabelValues("canceled").Inc()
			return blob, ctx.Err()
		}
		logger.Error("stream blob failed", zap.Error(err))
		s.metrics.observeDownload(domain.StoreFailure("stream blob", err))
		return blob, err
	}

	s.tracker.RecordAccess(ctx, blob.ID)
	s.metrics.observeDownload(nil)
	s.audit.Record(ctx, AuditEvent{
		Action:         ActionDownload,
		Outcome:        OutcomeAllowed,
		FileID:         blob.ID,
		ConversationID: blob.ConversationID,
		ActorID:        who.UserID,
		At:             s.now().UTC(),
	})
	return blob, nil
}

// unreadable classifies a failed first chunk read: a blob deleted since it was
// resolved is not found, anything else is a store failure.
func (s *FileService) unreadable(ctx context.Context, blob domain.Blob, cause error) error {
	if _, err := s.blobs.Get(ctx, blob.ID); errors.Is(err, domain.ErrNotFound) {
		return domain.NotFound("file")
	}
	return domain.StoreFailure("read blob", cause)
}

// Info returns the metadata of a blob the caller may read.
func (s *FileService) Info(ctx context.Context, who commonauth.Identity, fileID string) (domain.Blob, error) {
	blob, err := s.resolve(ctx, ActionInfo, who, fileID)
	if err != nil {
		return domain.Blob{}, err
	}
	if err := s.access.AuthorizeRead(ctx, who, blob); err != nil {
		return domain.Blob{}, err
	}
	return blob, nil
}

func (s *FileService) Delete(ctx context.Context, who commonauth.Identity, fileID string) error {
	err := s.delete(ctx, who, fileID)
	s.metrics.observeDelete(err)
	return err
}

func (s *FileService) delete(ctx context.Context, who commonauth.Identity, fileID string) error {
	blob, err := s.resolve(ctx, ActionDelete, who, fileID)
	if err != nil {
		return err
	}
	if err := s.access.AuthorizeDelete(ctx, who, blob); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, blob.ID); err != nil {
		return err
	}
	s.audit.Record(ctx, AuditEvent{
		Action:         ActionDelete,
		Outcome:        OutcomeAllowed,
		FileID:         blob.ID,
		ConversationID: blob.ConversationID,
		ActorID:        who.UserID,
		At:             s.now().UTC(),
	})
	return nil
}

// ConversationActivity lists a conversation's attachments for one of its members.
func (s *FileService) ConversationActivity(ctx context.Context, who commonauth.Identity, conversationID string) ([]domain.BlobSummary, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, domain.Validation("conversationId is required")
	}
	if err := s.access.AuthorizeConversation(ctx, who, conversationID); err != nil {
		return nil, err
	}
	return s.tracker.ListConversation(ctx, conversationID)
}

// resolve looks a blob up by internal id (UUID) or by secure file id (32 hex chars).
func (s *FileService) resolve(ctx context.Context, action string, who commonauth.Identity, fileID string) (domain.Blob, error) {
	fileID = strings.TrimSpace(fileID)
	var (
		blob domain.Blob
		err  error
	)
	switch {
	case isBlobID(fileID):
		blob, err = s.blobs.Get(ctx, fileID)
	case isSecureFileID(fileID):
		blob, err = s.blobs.GetBySecureID(ctx, strings.ToLower(fileID))
	default:
		return domain.Blob{}, domain.Validation("invalid file id")
	}
	if errors.Is(err, domain.ErrNotFound) {
		if s.concealMissing {
			return domain.Blob{}, s.access.ConcealMissing(ctx, action, who, fileID)
		}
		s.audit.Record(ctx, AuditEvent{
			Action:  action,
			Outcome: OutcomeNotFound,
			Reason:  "unknown file id",
			FileID:  fileID,
			ActorID: who.UserID,
			At:      s.now().UTC(),
		})
		return domain.Blob{}, domain.NotFound("file")
	}
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return domain.Blob{}, err
		}
		return domain.Blob{}, domain.StoreFailure("load metadata", err)
	}
	return blob, nil
}

func isBlobID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func isSecureFileID(id string) bool {
	if len(id) != 32 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
