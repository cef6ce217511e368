// SPDX-License-Identifier: MIT

package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a failure for clients. Job and batch records carry only
// the pipeline codes; the HTTP layer adds the transport codes.
type Code string

const (
	CodeBadRequest    Code = "bad_request"
	CodeBadAudio      Code = "bad_audio"
	CodeEngineError   Code = "engine_error"
	CodeInternalError Code = "internal_error"

	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeNotFound     Code = "not_found"

	// CodeIOError marks filesystem and archiving failures at their origin.
	// It never reaches a persisted record: Normalize folds it into
	// internal_error.
	CodeIOError Code = "io_error"
)

// HTTPStatus maps a code to its response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeBadAudio:
		return http.StatusUnprocessableEntity
	case CodeEngineError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// TaskError is the error shape recorded on jobs, batches and items and
// rendered in HTTP error envelopes.
type TaskError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// NewTaskError builds a TaskError with no details.
func NewTaskError(code Code, message string) *TaskError {
	return &TaskError{Code: code, Message: message}
}

// WithDetails attaches free-form diagnostic text (typically a truncated
// stderr tail) and returns the error for chaining.
func (e *TaskError) WithDetails(details string) *TaskError {
	e.Details = details
	return e
}

func (e *TaskError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Clone returns a copy of the error.
func (e *TaskError) Clone() *TaskError {
	if e == nil {
		return nil
	}
	v := *e
	return &v
}

// Normalize returns a copy whose code is legal on a persisted record.
func (e *TaskError) Normalize() *TaskError {
	out := e.Clone()
	if out.Code == CodeIOError || out.Code == "" {
		out.Code = CodeInternalError
	}
	return out
}

// BadRequestf builds a bad_request error.
func BadRequestf(format string, args ...any) *TaskError {
	return NewTaskError(CodeBadRequest, fmt.Sprintf(format, args...))
}

// BadAudio builds a bad_audio error carrying engine stderr as details.
func BadAudio(message, details string) *TaskError {
	return NewTaskError(CodeBadAudio, message).WithDetails(details)
}

// EngineErrorf builds an engine_error.
func EngineErrorf(format string, args ...any) *TaskError {
	return NewTaskError(CodeEngineError, fmt.Sprintf(format, args...))
}

// Internalf builds an internal_error.
func Internalf(format string, args ...any) *TaskError {
	return NewTaskError(CodeInternalError, fmt.Sprintf(format, args...))
}

// IOErrorf builds an io_error for filesystem-level failures.
func IOErrorf(format string, args ...any) *TaskError {
	return NewTaskError(CodeIOError, fmt.Sprintf(format, args...))
}

// AsTaskError extracts a TaskError from err's chain, or nil if there is none.
// Unlike Classify it does not normalize the code.
func AsTaskError(err error) *TaskError {
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return nil
}

// Classify maps an arbitrary error to the taxonomy. TaskErrors pass through
// normalized; anything else becomes internal_error. Stage boundaries are the
// only call sites.
func Classify(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Normalize()
	}
	return NewTaskError(CodeInternalError, err.Error())
}
