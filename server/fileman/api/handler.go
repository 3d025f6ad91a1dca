package api

import (
	"context"
	"errors"
	"io"
	"math"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	commonauth "attach_server/server/common/auth"
	commonlog "attach_server/server/common/log"
	"attach_server/server/common/middleware"
	"attach_server/server/common/transport/httpresp"
	"attach_server/server/fileman/domain"
	"attach_server/server/fileman/service"
)

const (
	routePrefix = "/api/v1/attachments"
	// multipart framing and the text fields on top of the payload ceiling
	formOverheadBytes = 64 * 1024
	// file parts above this spill to temp files, so only ReadPayload holds the bytes
	formMemoryBytes = 256 * 1024
	healthTimeout   = 2 * time.Second
)

type tokenAuth interface {
	ParseIdentity(token string) (commonauth.Identity, error)
}

type Options struct {
	PublicBaseURL string
	// DevMode adds the wrapped cause to error bodies.
	DevMode bool
	Health  func(ctx context.Context) error
	Metrics http.Handler
}

type Handler struct {
	files *service.FileService
	auth  tokenAuth
	opts  Options
}

func NewHandler(files *service.FileService, auth tokenAuth, opts Options) *Handler {
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	return &Handler{files: files, auth: auth, opts: opts}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.MaxMultipartMemory = formMemoryBytes
	r.GET("/health", h.health)
	if h.opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.opts.Metrics))
	}

	api := r.Group(routePrefix)
	api.Use(middleware.SecureHeaders(), middleware.AuthRequired(h.auth))
	{
		api.POST("/upload", h.upload)
		api.GET("/file/:fileId", h.download)
		api.DELETE("/file/:fileId", h.deleteFile)
		api.GET("/info/:fileId", h.info)
		api.GET("/audit/:conversationId", h.conversationFiles)
	}
}

func (h *Handler) health(c *gin.Context) {
	if h.opts.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()
		if err := h.opts.Health(ctx); err != nil {
			commonlog.Warnf("health check failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, httpresp.NewHealthResponse("degraded"))
			return
		}
	}
	c.JSON(http.StatusOK, httpresp.NewHealthResponse("ok"))
}

func (h *Handler) upload(c *gin.Context) {
	who, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.CategoryUnauthorized, httpresp.ErrUnauthorized))
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.files.MaxUploadBytes()+formOverheadBytes)
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(c, domain.Validation("file exceeds the %d byte limit", h.files.MaxUploadBytes()))
			return
		}
		h.writeError(c, domain.Validation("request must be multipart/form-data"))
		return
	}
	defer func() { _ = form.RemoveAll() }()

	blob, err := h.files.Upload(c.Request.Context(), who, service.UploadRequest{
		Origin:             who.UserID,
		ConversationID:     formValue(form, "conversationId"),
		SenderID:           formValue(form, "senderId"),
		FileHash:           formValue(form, "fileHash"),
		EncryptionMetadata: formValue(form, "encryptionMetadata"),
		IsEncrypted:        formValue(form, "isEncrypted"),
		Files:              fileParts(form),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, UploadResponse{
		Success:      true,
		FileID:       blob.ID,
		SecureFileID: blob.SecureFileID,
		OriginalName: blob.OriginalName,
		MimeType:     blob.MimeType,
		Size:         blob.Size,
		UploadedAt:   blob.UploadedAt,
		URL:          h.opts.PublicBaseURL + routePrefix + "/file/" + blob.SecureFileID,
	})
}

func formValue(form *multipart.Form, key string) string {
	if values := form.Value[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// fileParts collects every file part regardless of field name, so a second file
// under any name is still counted.
func fileParts(form *multipart.Form) []service.FilePart {
	var parts []service.FilePart
	for _, headers := range form.File {
		for _, fh := range headers {
			parts = append(parts, service.FilePart{
				Filename: fh.Filename,
				MimeType: fh.Header.Get("Content-Type"),
				Size:     fh.Size,
				Open: func() (io.ReadCloser, error) {
					return fh.Open()
				},
			})
		}
	}
	return parts
}

func (h *Handler) download(c *gin.Context) {
	who, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.CategoryUnauthorized, httpresp.ErrUnauthorized))
		return
	}

	started := false
	_, err := h.files.Download(c.Request.Context(), who, c.Param("fileId"), func(blob domain.Blob) io.Writer {
		started = true
		contentType := blob.MimeType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		c.Header("Content-Type", contentType)
		c.Header("Content-Length", strconv.FormatInt(blob.Size, 10))
		c.Header("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": blob.OriginalName}))
		c.Status(http.StatusOK)
		return c.Writer
	})
	if err == nil {
		return
	}
	if started {
		// headers are gone; dropping the connection is all that is left
		c.Abort()
		return
	}
	h.writeError(c, err)
}

func (h *Handler) info(c *gin.Context) {
	who, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.CategoryUnauthorized, httpresp.ErrUnauthorized))
		return
	}
	blob, err := h.files.Info(c.Request.Context(), who, c.Param("fileId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, FileInfoResponse{Success: true, File: blob})
}

func (h *Handler) deleteFile(c *gin.Context) {
	who, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.CategoryUnauthorized, httpresp.ErrUnauthorized))
		return
	}
	if err := h.files.Delete(c.Request.Context(), who, c.Param("fileId")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewOKResponse())
}

func (h *Handler) conversationFiles(c *gin.Context) {
	who, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.CategoryUnauthorized, httpresp.ErrUnauthorized))
		return
	}
	files, err := h.files.ConversationActivity(c.Request.Context(), who, c.Param("conversationId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ConversationFilesResponse{Success: true, Files: files})
}

func statusFor(kind domain.ErrorKind) (int, string) {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest, httpresp.CategoryValidation
	case domain.KindIntegrity:
		return http.StatusBadRequest, httpresp.CategoryIntegrity
	case domain.KindAuthorization:
		return http.StatusForbidden, httpresp.CategoryAuthorization
	case domain.KindRateLimited:
		return http.StatusTooManyRequests, httpresp.CategoryRateLimited
	case domain.KindNotFound:
		return http.StatusNotFound, httpresp.CategoryNotFound
	default:
		return http.StatusInternalServerError, httpresp.CategoryStore
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	status, category := statusFor(kind)

	message := httpresp.ErrInternal
	var de *domain.Error
	if errors.As(err, &de) && kind != domain.KindStore {
		message = de.Message
	}
	if kind == domain.KindStore {
		commonlog.With(zap.String("method", c.Request.Method), zap.String("route", c.FullPath())).
			Error("request failed", zap.Error(err))
	}

	var rl *service.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
	}

	resp := httpresp.NewErrorResponse(category, message)
	if h.opts.DevMode {
		resp = resp.WithDetail(err.Error())
	}
	c.AbortWithStatusJSON(status, resp)
}
