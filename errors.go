package main

import (
	"fmt"
	"net/http"
)

// errorKind classifies request failures so the HTTP layer can map them to
// status codes without inspecting message strings.
type errorKind int

const (
	errInvalidArgument errorKind = iota + 1
	errNotAcceptable
	errNotFound
	errForbidden
	errPreconditionFailed
	errUnavailable
	errInternal
	errMethodNotAllowed
)

type whepError struct {
	kind errorKind
	msg  string
}

func (e *whepError) Error() string {
	return e.msg
}

// status maps the error kind to its HTTP status code.
func (e *whepError) status() int {
	switch e.kind {
	case errInvalidArgument:
		return http.StatusBadRequest
	case errNotAcceptable:
		return http.StatusNotAcceptable
	case errNotFound:
		return http.StatusNotFound
	case errForbidden:
		return http.StatusForbidden
	case errPreconditionFailed:
		return http.StatusPreconditionFailed
	case errUnavailable:
		return http.StatusServiceUnavailable
	case errMethodNotAllowed:
		return http.StatusMethodNotAllowed
	}
	return http.StatusInternalServerError
}

func invalidArgument(msg string) *whepError {
	return &whepError{kind: errInvalidArgument, msg: msg}
}

func notAcceptable(msg string) *whepError {
	return &whepError{kind: errNotAcceptable, msg: msg}
}

func notFound(msg string) *whepError {
	return &whepError{kind: errNotFound, msg: msg}
}

func forbidden(msg string) *whepError {
	return &whepError{kind: errForbidden, msg: msg}
}

func preconditionFailed(msg string) *whepError {
	return &whepError{kind: errPreconditionFailed, msg: msg}
}

func unavailable(msg string) *whepError {
	return &whepError{kind: errUnavailable, msg: msg}
}

func internalError(format string, args ...any) *whepError {
	return &whepError{kind: errInternal, msg: fmt.Sprintf(format, args...)}
}
