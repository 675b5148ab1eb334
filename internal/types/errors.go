package types

import "fmt"

// ErrorKind classifies an error for HTTP-status mapping and supervisor
// propagation policy, without requiring callers to enumerate every
// concrete error type via errors.As.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation_error"
	KindSandboxCreation  ErrorKind = "sandbox_creation_error"
	KindSandboxOperation ErrorKind = "sandbox_operation_error"
	KindSandboxNotFound  ErrorKind = "sandbox_not_found_error"
	KindParser           ErrorKind = "parser_error"
	KindWorkerTimeout    ErrorKind = "worker_timeout"
	KindJobHandler       ErrorKind = "job_handler_error"
	KindLLM              ErrorKind = "llm_error"
	KindExternalService  ErrorKind = "external_service_error"
)

// RetryableError represents an error that indicates the operation can be retried.
// This is typically used for transient errors like network timeouts, rate limits, or temporary server unavailability.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps an existing error as a RetryableError.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// KindedError is the common shape of every error in the taxonomy below: a
// classification plus a wrapped cause, so callers can either switch on Kind
// or errors.As to the concrete type.
type KindedError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *KindedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *KindedError) Unwrap() error { return e.Err }

func newKinded(kind ErrorKind, msg string, err error) *KindedError {
	return &KindedError{Kind: kind, Msg: msg, Err: err}
}

// ValidationError wraps a malformed inbound request; maps to HTTP 400.
type ValidationError struct{ *KindedError }

func NewValidationError(msg string) error {
	return &ValidationError{newKinded(KindValidation, msg, nil)}
}

// SandboxCreationError is raised when sandbox creation exhausts its retry budget.
type SandboxCreationError struct{ *KindedError }

func NewSandboxCreationError(sessionID string, err error) error {
	return &SandboxCreationError{newKinded(KindSandboxCreation, "create sandbox "+sessionID, err)}
}

// SandboxOperationError is raised by any sandbox read/write/list/run call.
type SandboxOperationError struct{ *KindedError }

func NewSandboxOperationError(op, sessionID string, err error) error {
	return &SandboxOperationError{newKinded(KindSandboxOperation, op+" on "+sessionID, err)}
}

// SandboxNotFoundError indicates a lookup against an unknown session id.
type SandboxNotFoundError struct{ *KindedError }

func NewSandboxNotFoundError(sessionID string) error {
	return &SandboxNotFoundError{newKinded(KindSandboxNotFound, "session not found: "+sessionID, nil)}
}

// SandboxTerminalError indicates an operation against a killed/error session.
type SandboxTerminalError struct{ *KindedError }

func NewSandboxTerminalError(sessionID string, status string) error {
	return &SandboxTerminalError{newKinded(KindSandboxOperation, "session "+sessionID+" is terminal ("+status+")", nil)}
}

// ParserError wraps a failure of the parsing stage as a whole. Per-file parse
// problems do not produce it: the parser worker records them as strings in
// ParserOutput.Errors and continues with the remaining files.
type ParserError struct{ *KindedError }

func NewParserError(file string, err error) error {
	return &ParserError{newKinded(KindParser, "parse "+file, err)}
}

// WorkerTimeout indicates a worker invocation exceeded its budget.
type WorkerTimeout struct{ *KindedError }

func NewWorkerTimeout(worker string, err error) error {
	return &WorkerTimeout{newKinded(KindWorkerTimeout, worker+" timed out", err)}
}

// JobHandlerError wraps a handler failure captured by the job queue.
type JobHandlerError struct{ *KindedError }

func NewJobHandlerError(jobType string, err error) error {
	return &JobHandlerError{newKinded(KindJobHandler, "handler "+jobType, err)}
}

// LLMError wraps a worker's underlying model-call failure.
type LLMError struct{ *KindedError }

func NewLLMError(context string, err error) error {
	return &LLMError{newKinded(KindLLM, context, err)}
}

// ExternalServiceError wraps a KB or hosting-API collaborator failure.
type ExternalServiceError struct{ *KindedError }

func NewExternalServiceError(service string, err error) error {
	return &ExternalServiceError{newKinded(KindExternalService, service, err)}
}
