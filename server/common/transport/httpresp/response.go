package httpresp

const (
	CategoryValidation    = "validation"
	CategoryIntegrity     = "integrity"
	CategoryAuthorization = "authorization"
	CategoryRateLimited   = "rate_limited"
	CategoryNotFound      = "not_found"
	CategoryStore         = "store"
	CategoryUnauthorized  = "unauthorized"
	CategoryInternal      = "internal"
)

const (
	ErrUnauthorized       = "unauthorized"
	ErrMissingBearerToken = "bearer token is required"
	ErrInvalidToken       = "invalid token"
	ErrAccessDenied       = "access denied"
	ErrInternal           = "internal server error"
)

type ErrorBody struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Detail   string `json:"detail,omitempty"`
}

// ErrorResponse is the stable failure envelope shared by every fileman endpoint.
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

type OKResponse struct {
	Success bool `json:"success"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

func NewErrorResponse(category, message string) ErrorResponse {
	return ErrorResponse{Error: ErrorBody{Category: category, Message: message}}
}

// WithDetail attaches diagnostic text; callers only do this in development mode.
func (r ErrorResponse) WithDetail(detail string) ErrorResponse {
	r.Error.Detail = detail
	return r
}

func NewOKResponse() OKResponse {
	return OKResponse{Success: true}
}

func NewHealthResponse(status string) HealthResponse {
	return HealthResponse{Status: status}
}
