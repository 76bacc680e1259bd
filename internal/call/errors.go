package call

import (
	"errors"
	"fmt"
)

// PlaceErrorCode classifies a failed PlaceCall.
type PlaceErrorCode int

const (
	CodeUnknown PlaceErrorCode = iota
	CodePermissionDenied
	CodeInvalidNumber
	CodeProviderUnavailable
)

// String returns the string representation of the code.
func (c PlaceErrorCode) String() string {
	switch c {
	case CodePermissionDenied:
		return "permission_denied"
	case CodeInvalidNumber:
		return "invalid_number"
	case CodeProviderUnavailable:
		return "provider_unavailable"
	default:
		return "unknown"
	}
}

// PlaceError is the tagged failure returned by PlaceCall.
type PlaceError struct {
	Code    PlaceErrorCode
	Message string
}

func (e *PlaceError) Error() string {
	if e.Message == "" {
		return "place call: " + e.Code.String()
	}
	return fmt.Sprintf("place call: %s: %s", e.Code, e.Message)
}

// Is matches any PlaceError with the same code, so the sentinels below work
// with errors.Is.
func (e *PlaceError) Is(target error) bool {
	var pe *PlaceError
	if !errors.As(target, &pe) {
		return false
	}
	return pe.Code == e.Code
}

var (
	ErrPermissionDenied    = &PlaceError{Code: CodePermissionDenied}
	ErrInvalidNumber       = &PlaceError{Code: CodeInvalidNumber}
	ErrProviderUnavailable = &PlaceError{Code: CodeProviderUnavailable}
	ErrUnknown             = &PlaceError{Code: CodeUnknown}
)

// CodeOf extracts the PlaceErrorCode of err, or CodeUnknown.
func CodeOf(err error) PlaceErrorCode {
	var pe *PlaceError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeUnknown
}

func placeErr(code PlaceErrorCode, msg string) *PlaceError {
	return &PlaceError{Code: code, Message: msg}
}

// classifyProviderErr maps a provider failure onto the place taxonomy.
func classifyProviderErr(err error) *PlaceError {
	switch {
	case errors.Is(err, ErrProviderPermission):
		return placeErr(CodePermissionDenied, err.Error())
	case errors.Is(err, ErrProviderOffline):
		return placeErr(CodeProviderUnavailable, err.Error())
	default:
		return placeErr(CodeUnknown, err.Error())
	}
}

// guard runs a provider call and converts a panic into an error, so platform
// faults never cross the controller boundary.
func guard(op string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s: provider panic: %v", op, rec)
		}
	}()
	return fn()
}
