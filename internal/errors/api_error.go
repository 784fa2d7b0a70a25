package errors

// APIError represents a standardized error response body. Code is a stable
// machine-readable identifier; Error is the human message.
type APIError struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewAPIError creates a new APIError with the given code, message and
// optional details.
func NewAPIError(code, message string, details map[string]interface{}) *APIError {
	return &APIError{
		Error:   message,
		Code:    code,
		Details: details,
	}
}
