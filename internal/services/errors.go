package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrParse            = errors.New("parse error")
	ErrUnitExtraction   = errors.New("unit extraction warning")
	ErrModelTimeout     = errors.New("model timeout")
	ErrRateLimited      = errors.New("rate limited")
	ErrModelAuth        = errors.New("model authentication error")
	ErrMalformedRequest = errors.New("malformed model request")
	ErrInvalidLabel     = errors.New("invalid label returned")
	ErrLeaseExpired     = errors.New("lease expired")
	ErrJobCancelled     = errors.New("job cancelled")
	ErrValidation       = errors.New("validation error")
	ErrConfiguration    = errors.New("configuration error")
	ErrNotFound         = errors.New("not found")
	ErrTransient        = errors.New("transient failure")
)

// Error kinds persisted on tasks and in the audit trail.
const (
	KindParse            = "ParseError"
	KindUnitExtraction   = "UnitExtractionWarning"
	KindModelTimeout     = "ModelTimeout"
	KindRateLimited      = "RateLimited"
	KindModelAuth        = "ModelAuthError"
	KindMalformedRequest = "MalformedRequest"
	KindInvalidLabel     = "InvalidLabelReturned"
	KindLeaseExpired     = "LeaseExpired"
	KindJobCancelled     = "JobCancelled"
	KindValidation       = "ValidationError"
	KindConfiguration    = "ConfigurationError"
	KindNotFound         = "NotFound"
	KindTransient        = "TransientError"
)

var kindByMarker = []struct {
	marker error
	kind   string
}{
	{ErrParse, KindParse},
	{ErrUnitExtraction, KindUnitExtraction},
	{ErrModelTimeout, KindModelTimeout},
	{ErrRateLimited, KindRateLimited},
	{ErrModelAuth, KindModelAuth},
	{ErrMalformedRequest, KindMalformedRequest},
	{ErrInvalidLabel, KindInvalidLabel},
	{ErrLeaseExpired, KindLeaseExpired},
	{ErrJobCancelled, KindJobCancelled},
	{ErrValidation, KindValidation},
	{ErrConfiguration, KindConfiguration},
	{ErrNotFound, KindNotFound},
	{ErrTransient, KindTransient},
}

// ServiceError carries a taxonomy marker alongside component context.
type ServiceError struct {
	Marker error
	Detail string
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", e.Marker, e.Detail, e.Err)
	}
	return fmt.Sprintf("%v: %s", e.Marker, e.Detail)
}

// Unwrap exposes both the marker and the cause to errors.Is/As.
func (e *ServiceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Marker}
	}
	return []error{e.Marker, e.Err}
}

// ErrorKind reports the taxonomy name of the marker.
func (e *ServiceError) ErrorKind() string {
	return ErrorKind(e.Marker)
}

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	return &ServiceError{
		Marker: marker,
		Detail: buildDetail(component, operation, message),
		Err:    err,
	}
}

// ErrorKind returns the taxonomy name for err, or "" for nil. Unknown errors
// are reported as transient.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range kindByMarker {
		if errors.Is(err, entry.marker) {
			return entry.kind
		}
	}
	return KindTransient
}

// Retryable reports whether a failed model call may be attempted again.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrModelAuth), errors.Is(err, ErrMalformedRequest),
		errors.Is(err, ErrValidation), errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrJobCancelled), errors.Is(err, ErrParse):
		return false
	}
	return true
}

// Describe renders err as "<Kind>: <message>" for persistence.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	return ErrorKind(err) + ": " + err.Error()
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
