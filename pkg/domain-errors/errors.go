// Package domainerrors defines the error taxonomy shared by services and
// transport. Services attach a Code to every error they return; the HTTP
// layer translates codes to status lines without inspecting messages.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a domain error for transport mapping and branching.
type Code string

const (
	CodeValidation   Code = "validation_error"
	CodeBadRequest   Code = "bad_request"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeUpstream     Code = "upstream_error"
	CodeConfig       Code = "config_error"
	CodeTimeout      Code = "timeout"
	CodeInternal     Code = "internal_error"
)

// DomainError carries a code, an operator-facing message, and an optional
// wrapped cause.
type DomainError struct {
	Code    Code
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// New constructs a DomainError with the given code and message.
func New(code Code, message string) error {
	return &DomainError{Code: code, Message: message}
}

// Wrap annotates err with a code and message while preserving the cause for
// errors.Is / errors.As chains.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &DomainError{Code: code, Message: message, Err: err}
}

// HasCode reports whether any error in the chain is a DomainError with the
// given code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *DomainError
		if errors.As(err, &de) {
			if de.Code == code {
				return true
			}
			err = de.Err
			continue
		}
		return false
	}
	return false
}

// CodeOf returns the outermost domain code, or CodeInternal when err carries
// no code.
func CodeOf(err error) Code {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// MessageOf returns the outermost domain message, or empty when err carries
// no code.
func MessageOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return ""
}

// ToHTTPStatus maps a domain code to an HTTP status.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeUpstream:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeConfig, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
