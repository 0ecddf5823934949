// Package errors defines the error taxonomy shared by provider clients, the
// model gateway, and the search solver.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/api/googleapi"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindRateLimit     Kind = "rate_limit"
	KindContextLength Kind = "context_length"
	KindServer        Kind = "server"
	KindTimeout       Kind = "timeout"
	KindAuth          Kind = "auth"
	KindBadRequest    Kind = "bad_request"
	KindUnknown       Kind = "unknown"
)

// ProviderError represents a failed call to a model endpoint.
type ProviderError struct {
	Provider   string
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error [%s/%s] (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider error [%s/%s]: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a provider error of an explicit kind.
func NewProviderError(provider string, kind Kind, status int, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, StatusCode: status, Err: err}
}

// Classify wraps err in a ProviderError, inferring its kind from the
// concrete SDK error types. A nil err stays nil and an error that is
// already a ProviderError is returned unchanged.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if stderrors.As(err, &pe) {
		return err
	}

	status := statusCode(err)
	kind := kindFor(err, status)
	return &ProviderError{Provider: provider, Kind: kind, StatusCode: status, Err: err}
}

// KindOf reports the kind of err, or KindUnknown if err is not a ProviderError.
func KindOf(err error) Kind {
	var pe *ProviderError
	if stderrors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// FailoverEligible reports whether err belongs to a class that always
// justifies trying the secondary endpoint: rate and size limits.
func FailoverEligible(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindContextLength:
		return true
	}
	return false
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if stderrors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	var gErr *googleapi.Error
	if stderrors.As(err, &gErr) {
		return gErr.Code
	}
	var withStatus interface{ HTTPStatusCode() int }
	if stderrors.As(err, &withStatus) {
		return withStatus.HTTPStatusCode()
	}
	return 0
}

func kindFor(err error, status int) Kind {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	if looksLikeContextLength(msg) {
		return KindContextLength
	}

	var smithyErr smithy.APIError
	if stderrors.As(err, &smithyErr) {
		switch smithyErr.ErrorCode() {
		case "ThrottlingException", "ServiceQuotaExceededException", "TooManyRequestsException":
			return KindRateLimit
		case "AccessDeniedException", "UnrecognizedClientException":
			return KindAuth
		case "ModelTimeoutException":
			return KindTimeout
		case "ValidationException":
			return KindBadRequest
		}
		if smithyErr.ErrorFault() == smithy.FaultServer {
			return KindServer
		}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestEntityTooLarge:
		return KindContextLength
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindBadRequest
	}

	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota") {
		return KindRateLimit
	}
	return KindUnknown
}

func looksLikeContextLength(msg string) bool {
	for _, needle := range []string{"context length", "context_length", "maximum context", "too many tokens", "input is too long", "prompt is too long"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// ConfigError reports an unusable configuration. It is fatal at start and
// never retried.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// NewConfigError creates a new configuration error.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// EvaluationError reports a candidate that could not be scored. Dropping
// the candidate would corrupt the ranking, so the whole index fails.
type EvaluationError struct {
	Step      int
	Candidate int
	Err       error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation failed at step %d for candidate %d: %v", e.Step, e.Candidate, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// NewEvaluationError creates a new evaluation error.
func NewEvaluationError(step, candidate int, err error) *EvaluationError {
	return &EvaluationError{Step: step, Candidate: candidate, Err: err}
}

// MalformedResponseError describes a provider response with an unexpected
// shape. The gateway logs it and substitutes a rendering of the raw response.
type MalformedResponseError struct {
	Provider string
	Reason   string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response from %s: %s", e.Provider, e.Reason)
}

// IndexError wraps a failure that aborted one task index.
type IndexError struct {
	Index  int
	TaskID string
	Err    error
}

func (e *IndexError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("task index %d (%s): %v", e.Index, e.TaskID, e.Err)
	}
	return fmt.Sprintf("task index %d: %v", e.Index, e.Err)
}

func (e *IndexError) Unwrap() error {
	return e.Err
}
