package app

import (
	"errors"
	"fmt"
	"net/http"

	"tandem/api/internal/collab"
	"tandem/api/internal/generation"
	"tandem/api/internal/gitrepo"
	"tandem/api/internal/steps"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, collab.ErrUnknownDocument):
		return http.StatusNotFound, "DOCUMENT_NOT_FOUND", err.Error(), nil
	case errors.Is(err, generation.ErrGenerationNotFound):
		return http.StatusNotFound, "GENERATION_NOT_FOUND", err.Error(), nil
	case errors.Is(err, gitrepo.ErrUnknownRevision):
		return http.StatusNotFound, "REVISION_NOT_FOUND", "Archive revision not found", nil
	case errors.Is(err, gitrepo.ErrNoArchive):
		return http.StatusNotFound, "ARCHIVE_NOT_FOUND", err.Error(), nil
	case errors.Is(err, collab.ErrGenerationActive):
		return http.StatusConflict, "GENERATION_ACTIVE", err.Error(), nil
	case errors.Is(err, generation.ErrNotRunning):
		return http.StatusConflict, "GENERATION_NOT_RUNNING", err.Error(), nil
	case errors.Is(err, collab.ErrInvalidArgument):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, steps.ErrVersionCompacted):
		return http.StatusGone, "VERSION_COMPACTED", err.Error(), nil
	case errors.Is(err, collab.ErrProtocolViolation),
		errors.Is(err, collab.ErrEmptyBatch),
		errors.Is(err, collab.ErrNotJoined):
		return http.StatusBadRequest, "PROTOCOL_VIOLATION", err.Error(), nil
	case errors.Is(err, generation.ErrClosed):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
