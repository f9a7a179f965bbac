package tasks

import (
	"errors"

	"go_rex/internal/event"
	"go_rex/internal/httpx"
	"go_rex/internal/launcher"
	"go_rex/internal/pulltask"
)

// toAppError maps lifecycle errors onto the response envelope
func toAppError(err error) *httpx.AppError {
	switch {
	case errors.Is(err, pulltask.ErrUnknownTask):
		return httpx.ErrNotFound("task not found")
	case errors.Is(err, pulltask.ErrTaskClosed):
		return httpx.ErrTaskClosed("")
	case errors.Is(err, pulltask.ErrAlreadyStarted), errors.Is(err, pulltask.ErrNotAwaiting):
		return httpx.ErrStateConflict(err.Error())
	case errors.Is(err, pulltask.ErrInvalidInput), errors.Is(err, launcher.ErrNoHosts):
		return httpx.ErrParamInvalid(err.Error())
	case errors.Is(err, event.ErrMalformed):
		return httpx.ErrMalformedEvent(err.Error())
	default:
		return httpx.ErrStorageError("", err)
	}
}
