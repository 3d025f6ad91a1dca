package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonauth "attach_server/server/common/auth"
	"attach_server/server/common/transport/httpresp"
	"attach_server/server/fileman/service"
	"attach_server/server/fileman/store"
)

const testConversation = "conv-42"

type testEnv struct {
	router  *gin.Engine
	auth    *commonauth.Service
	members *service.StaticMembership
	chunks  *store.MemoryBackend
}

func newTestEnv(t *testing.T, opts Options, overrides ...func(*service.Dependencies)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	members := service.NewStaticMembership()
	members.Add(testConversation, "alice", "bob", "root")
	audit := &service.MemoryAuditSink{}
	reg := prometheus.NewRegistry()
	chunks := store.NewMemoryBackend()

	deps := service.Dependencies{
		Admission: service.NewAdmissionGate(service.AdmissionPolicy{}, service.NewMemoryRateLimiter(10, service.DefaultUploadWindow)),
		Access:    service.NewAccessGate(members, audit),
		Blobs: store.New(chunks, store.NewMemoryMetaRepository(), store.Options{
			NewSecureID: service.MintSecureFileID,
		}),
		Audit:   audit,
		Metrics: service.NewMetrics(reg),
	}
	for _, override := range overrides {
		override(&deps)
	}
	files := service.NewFileService(deps)
	if opts.Metrics == nil {
		opts.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	auth := commonauth.NewService("test-secret", 5)
	r := gin.New()
	NewHandler(files, auth, opts).RegisterRoutes(r)
	return &testEnv{router: r, auth: auth, members: members, chunks: chunks}
}

func (e *testEnv) token(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := e.auth.GenerateToken(userID, role)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, req *http.Request, userID, role string) *httptest.ResponseRecorder {
	t.Helper()
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID, role))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type uploadForm struct {
	conversationID string
	senderID       string
	fileHash       string
	files          []formFile
}

type formFile struct {
	name        string
	contentType string
	data        []byte
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func pngForm(sender string, data []byte) uploadForm {
	return uploadForm{
		conversationID: testConversation,
		senderID:       sender,
		fileHash:       sha256Hex(data),
		files:          []formFile{{name: "cat.png", contentType: "image/png", data: data}},
	}
}

func newUploadRequest(t *testing.T, f uploadForm) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("conversationId", f.conversationID))
	require.NoError(t, mw.WriteField("senderId", f.senderID))
	require.NoError(t, mw.WriteField("fileHash", f.fileHash))
	require.NoError(t, mw.WriteField("encryptionMetadata", `{"alg":"AES-GCM"}`))
	for i, file := range f.files {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file%d"; filename="%s"`, i, file.name))
		header.Set("Content-Type", file.contentType)
		part, err := mw.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(file.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, routePrefix+"/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (e *testEnv) mustUpload(t *testing.T, sender string, data []byte) UploadResponse {
	t.Helper()
	w := e.do(t, newUploadRequest(t, pngForm(sender, data)), sender, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[UploadResponse](t, w)
}

func TestUploadAndDownloadScenario(t *testing.T) {
	env := newTestEnv(t, Options{PublicBaseURL: "https://files.example.com/"})
	data := randomBytes(t, 2*1024*1024)

	up := env.mustUpload(t, "alice", data)
	assert.True(t, up.Success)
	assert.Len(t, up.SecureFileID, 32)
	assert.Equal(t, "cat.png", up.OriginalName)
	assert.Equal(t, "image/png", up.MimeType)
	assert.Equal(t, int64(len(data)), up.Size)
	assert.Equal(t, "https://files.example.com/api/v1/attachments/file/"+up.SecureFileID, up.URL)

	info := env.do(t, httptest.NewRequest(http.MethodGet, routePrefix+"/info/"+up.FileID, nil), "bob", "")
	require.Equal(t, http.StatusOK, info.Code)
	assert.Equal(t, int64(0), decode[FileInfoResponse](t, info).File.AccessCount)

	denied := env.do(t, httptest.NewRequest(http.MethodGet, routePrefix+"/file/"+up.SecureFileID, nil), "mallory", "")
	assert.Equal(t, http.StatusForbidden, denied.Code)
	deniedBody := decode[httpresp.ErrorResponse](t, denied)
	assert.False(t, deniedBody.Success)
	assert.Equal(t, httpresp.CategoryAuthorization, deniedBody.Error.Category)
	assert.Empty(t, deniedBody.Error.Detail)

	got := env.do(t, httptest.NewRequest(http.MethodGet, routePrefix+"/file/"+up.SecureFileID, nil), "bob", "")
	require.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, data, got.Body.Bytes())
	assert.Equal(t, "image/png", got.Header().Get("Content-Type"))
	assert.Equal(t, fmt.Sprint(len(data)), got.Header().Get("Content-Length"))
	assert.Equal(t, `inline; filename=cat.png`, got.Header().Get("Content-Disposition"))
	assert.Equal(t, "nosniff", got.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, got.Header().Get("Content-Security-Policy"), "sandbox")

	info = env.do(t, httptest.NewRequest(http.MethodGet, routePrefix+"/info/"+up.FileID, nil), "bob", "")
	require.Equal(t, http.StatusOK, info.Code)
	file := decode[FileInfoResponse](t, info).File
	assert.Equal(t, int64(1), file.AccessCount)
	assert.NotNil(t, file.LastAccessedAt)
	assert.Equal(t, sha256Hex(data), file.ContentHash)
}

func TestUploadHashMismatch(t *testing.T) {
	env := newTestEnv(t, Options{})
	form := pngForm("alice", randomBytes(t, 1024))
	form.fileHash = sha256Hex([]byte("not the payload"))

	w := env.do(t, newUploadRequest(t, form), "alice", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, httpresp.CategoryIntegrity, decode[httpresp.ErrorResponse](t, w).Error.Category)

	audit := env.do(t, httptest.NewRequest(http.MethodGet, routePrefix+"/audit/"+testConversation, nil), "alice", "")
	require.Equal(t, http.StatusOK, audit.Code)
	assert.Empty(t, decode[ConversationFilesResponse](t, audit).Files)
}

func TestUploadRateLimited(t *testing.T) {
	env := newTestEnv(t, Options{})
	data := randomBytes(t, 256)
	for i := 0; i < 10; i++ {
		env.mustUpload(t, "alice", data)
	}

	w := env.do(t, newUploadRequest(t, pngForm("alice", data)), "alice", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, httpresp.CategoryRateLimited, decode[httpresp.ErrorResponse](t, w).Error.Category)

	audit := env.do(t, httptest.NewRequest(http.MethodGet, routePrefix+"/audit/"+testConversation, nil), "alice", "")
	require.Equal(t, http.StatusOK, audit.Code)
	assert.Len(t, decode[ConversationFilesResponse](t, audit).Files, 10)
}

func TestUploadRejections(t *testing.T) {
	env := newTestEnv(t, Options{})
	data := randomBytes(t, 64)

	cases := []struct {
		name   string
		form   func() uploadForm
		status int
	}{
		{name: "two files", status: http.StatusBadRequest, form: func() uploadForm {
			f := pngForm("alice", data)
			f.files = append(f.files, f.files[0])
			return f
		}},
		{name: "no file", status: http.StatusBadRequest, form: func() uploadForm {
			f := pngForm("alice", data)
			f.files = nil
			return f
		}},
		{name: "spoofed extension", status: http.StatusBadRequest, form: func() uploadForm {
			f := pngForm("alice", data)
			f.files[0].name = "cat.png.exe"
			return f
		}},
		{name: "spoofed mime", status: http.StatusBadRequest, form: func() uploadForm {
			f := pngForm("alice", data)
			f.files[0].contentType = "text/html"
			return f
		}},
		{name: "missing conversation", status: http.StatusBadRequest, form: func() uploadForm {
			f := pngForm("alice", data)
			f.conversationID = ""
			return f
		}},
		{name: "sender is someone else", status: http.StatusForbidden, form: func() uploadForm {
			return pngForm("bob", data)
		}},
		{name: "not a member", status: http.StatusForbidden, form: func() uploadForm {
			f := pngForm("alice", data)
			f.conversationID = "conv-other"
			return f
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, newUploadRequest(t, tc.form()), "alice", "")
			assert.Equal(t, tc.status, w.Code, w.Body.String())
		})
	}
}

func TestUploadBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, Options{})
	data := randomBytes(t, service.DefaultMaxUploadBytes+formOverheadBytes)
	w := env.do(t, newUploadRequest(t, pngForm("alice", data)), "alice", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadRejectsNonMultipart(t *testing.T) {
	env := newTestEnv(t, Options{})
	req := httptest.NewRequest(http.MethodPost, routePrefix+"/upload", bytes.NewBufferString(`{"fileHash":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	w := env.do(t, req, "alice", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteFlow(t *testing.T) {
	env := newTestEnv(t, Options{})
	first := env.mustUpload(t, "alice", randomBytes(t, 128))
	second := env.mustUpload(t, "alice", randomBytes(t, 128))

	w := env.do(t, httptest.NewRequest(http.MethodDelete, routePrefix+"/file/"+first.FileID, nil), "bob", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, httptest.NewRequest(http.MethodDelete, routePrefix+"/file/"+first.FileID, nil), "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[httpresp.OKResponse](t, w).Success)

	w = env.do(t, httptest.NewRequest(http.MethodGet, routePrefix+"/file/"+first.FileID, nil), "alice", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, httptest.NewRequest(http.MethodDelete, routePrefix+"/file/"+first.FileID, nil), "alice", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, httptest.NewRequest(http.MethodDelete, routePrefix+"/file/"+second.SecureFileID, nil), "root", commonauth.RoleAdmin)
	assert.Equal(t, http.StatusOK, w.Code)

	audit := env.do(t, httptest.NewRequest(http.MethodGet, routePrefix+"/audit/"+testConversation, nil), "alice", "")
	require.Equal(t, http.StatusOK, audit.Code)
	assert.Empty(t, decode[ConversationFilesResponse](t, audit).Files)
}

func TestAuditListing(t *testing.T) {
	env := newTestEnv(t, Options{})
	up := env.mustUpload(t, "alice", randomBytes(t, 128))

	w := env.do(t, httptest.NewRequest(http.MethodGet, routePrefix+"/audit/"+testConversation, nil), "bob", "")
	require.Equal(t, http.StatusOK, w.Code)
	files := decode[ConversationFilesResponse](t, w).Files
	require.Len(t, files, 1)
	assert.Equal(t, up.FileID, files[0].ID)
	assert.Equal(t, "alice", files[0].SenderID)
	assert.Nil(t, files[0].LastAccessedAt)

	w = env.do(t, httptest.NewRequest(http.MethodGet, routePrefix+"/audit/"+testConversation, nil), "mallory", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequestsNeedToken(t *testing.T) {
	env := newTestEnv(t, Options{})
	w := env.do(t, httptest.NewRequest(http.MethodGet, routePrefix+"/audit/"+testConversation, nil), "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, httpresp.CategoryUnauthorized, decode[httpresp.ErrorResponse](t, w).Error.Category)
}

func TestInvalidFileID(t *testing.T) {
	env := newTestEnv(t, Options{})
	w := env.do(t, httptest.NewRequest(http.MethodGet, routePrefix+"/file/not-an-id", nil), "alice", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, httpresp.CategoryValidation, decode[httpresp.ErrorResponse](t, w).Error.Category)
}

func TestDevModeAddsDetail(t *testing.T) {
	env := newTestEnv(t, Options{DevMode: true})
	w := env.do(t, httptest.NewRequest(http.MethodGet, routePrefix+"/info/0123456789abcdef0123456789abcdef", nil), "alice", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotEmpty(t, decode[httpresp.ErrorResponse](t, w).Error.Detail)
}

func TestDownloadMissingChunksAnswersError(t *testing.T) {
	env := newTestEnv(t, Options{})
	up := env.mustUpload(t, "alice", randomBytes(t, 2048))
	require.NoError(t, env.chunks.DeleteChunks(context.Background(), up.FileID))

	w := env.do(t, httptest.NewRequest(http.MethodGet, routePrefix+"/file/"+up.SecureFileID, nil), "bob", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotEqual(t, "2048", w.Header().Get("Content-Length"))
	body := decode[httpresp.ErrorResponse](t, w)
	assert.False(t, body.Success)
	assert.Equal(t, httpresp.CategoryStore, body.Error.Category)
}

func TestConcealedMissingLooksLikeDenial(t *testing.T) {
	env := newTestEnv(t, Options{DevMode: true}, func(d *service.Dependencies) { d.ConcealMissing = true })
	up := env.mustUpload(t, "alice", randomBytes(t, 128))

	denied := env.do(t, httptest.NewRequest(http.MethodGet, routePrefix+"/info/"+up.SecureFileID, nil), "mallory", "")
	missing := env.do(t, httptest.NewRequest(http.MethodGet, routePrefix+"/info/0123456789abcdef0123456789abcdef", nil), "alice", "")
	require.Equal(t, http.StatusForbidden, denied.Code)
	require.Equal(t, http.StatusForbidden, missing.Code)
	assert.Equal(t, decode[httpresp.ErrorResponse](t, denied).Error, decode[httpresp.ErrorResponse](t, missing).Error)
}

func TestMultipartFilesSpillToDisk(t *testing.T) {
	env := newTestEnv(t, Options{})
	assert.Equal(t, int64(formMemoryBytes), env.router.MaxMultipartMemory)
	assert.Less(t, env.router.MaxMultipartMemory, int64(service.DefaultMaxUploadBytes))

	data := randomBytes(t, 4*formMemoryBytes)
	up := env.mustUpload(t, "alice", data)
	got := env.do(t, httptest.NewRequest(http.MethodGet, routePrefix+"/file/"+up.SecureFileID, nil), "bob", "")
	require.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, data, got.Body.Bytes())
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{})
	w := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil), "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	env = newTestEnv(t, Options{Health: func(context.Context) error { return errors.New("postgres down") }})
	w = env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil), "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decode[httpresp.HealthResponse](t, w).Status)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustUpload(t, "alice", randomBytes(t, 64))

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil), "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `fileman_uploads_total{outcome="ok"} 1`)
}
