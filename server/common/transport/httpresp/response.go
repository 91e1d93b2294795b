package httpresp

const (
	ErrMissingBearerToken = "bearer token is required"
	ErrInvalidToken       = "invalid token"
	ErrForbidden          = "forbidden"
	ErrInsufficientRole   = "insufficient permissions"
	ErrTenantUnresolved   = "unable to resolve tenant"
	ErrClientNotAllowed   = "client code is not authorized for tenant"
	ErrTenantResolution   = "an error occurred processing your request"
	ErrInvalidConfigID    = "configId must be a positive integer"
	ErrFingerprintMissing = "fileHash is required"
	ErrConfigNotScheduled = "configuration is not scheduled"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type StatusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewOKResponse() OKResponse {
	return OKResponse{OK: true}
}

func NewStatusResponse(status string, err error) StatusResponse {
	resp := StatusResponse{Status: status}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}
