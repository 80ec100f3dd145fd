package relay

import "net/http"

// DomainError is a client-facing failure with its HTTP mapping. Serialized
// under an "error" key as {"code", "message", "details"}.
type DomainError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *DomainError) Error() string {
	return e.Code + ": " + e.Message
}

func errUnauthorized() *DomainError {
	return &DomainError{
		Status:  http.StatusUnauthorized,
		Code:    "UNAUTHORIZED",
		Message: "Invalid relay token",
	}
}

func errBadRequest(code, message string) *DomainError {
	return &DomainError{Status: http.StatusBadRequest, Code: code, Message: message}
}

func errUnavailable(code, message string) *DomainError {
	return &DomainError{Status: http.StatusInternalServerError, Code: code, Message: message}
}
