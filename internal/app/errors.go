package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Predeclared domain errors for the comment lifecycle. A missing comment
// and a comment owned by someone else share one error so the API never
// reveals whether a foreign comment id exists.
var (
	errAuthenticationRequired = domainError(http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "Authentication required", nil)
	errEmptyContent           = domainError(http.StatusUnprocessableEntity, "EMPTY_CONTENT", "Comment content must not be empty", nil)
	errContentTooLong         = domainError(http.StatusUnprocessableEntity, "CONTENT_TOO_LONG", "Comment content exceeds the maximum length", nil)
	errInvalidURL             = domainError(http.StatusUnprocessableEntity, "INVALID_URL", "URL must be absolute and well-formed", nil)
	errParentNotFound         = domainError(http.StatusUnprocessableEntity, "PARENT_NOT_FOUND", "Parent comment does not exist", nil)
	errNotFoundOrForbidden    = domainError(http.StatusNotFound, "NOT_FOUND", "Comment not found", nil)
)
