package core

import (
	"errors"
	"fmt"
)

// Failure codes shared by the dispatcher, runner and HTTP adapters.
const (
	CodeValidation       = "validation_error"
	CodeLockContention   = "lock_contention"
	CodeProcessing       = "processing_failure"
	CodeStoreUnavailable = "store_unavailable"
	CodeNotFound         = "not_found"
	CodeNotHeld          = "not_held"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP or CLI exit codes.
type Failure struct {
	Code       string
	Detail     string
	RetryAfter int64 // seconds
	HTTPStatus int   // optional hint for HTTP adapters
	Err        error
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

func (f Failure) Unwrap() error { return f.Err }

// Validation builds a validation_error failure.
func Validation(format string, args ...any) Failure {
	return Failure{Code: CodeValidation, Detail: fmt.Sprintf(format, args...), HTTPStatus: 400}
}

// FailureCode returns the code of the first Failure in err's chain.
func FailureCode(err error) string {
	var f Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return FailureCode(err) == CodeValidation
}

// ErrorKind classifies a persisted job error payload.
type ErrorKind string

const (
	KindValidation        ErrorKind = "ValidationError"
	KindLockContention    ErrorKind = "LockContention"
	KindProcessingFailure ErrorKind = "ProcessingFailure"
	KindProcessingTimeout ErrorKind = "ProcessingTimeout"
	KindStoreUnavailable  ErrorKind = "StoreUnavailable"
	KindUnknownProcessor  ErrorKind = "UnknownProcessor"
	KindWaitTimeout       ErrorKind = "WaitTimeout"
)

// ErrorInfo is the structured error payload attached to jobs in the error
// state.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e ErrorInfo) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// AsErrorInfo converts err into an ErrorInfo. Errors that already carry an
// ErrorInfo keep their kind, everything else is a ProcessingFailure.
func AsErrorInfo(err error) ErrorInfo {
	if err == nil {
		return ErrorInfo{}
	}
	var info ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	var ptr *ErrorInfo
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr
	}
	switch FailureCode(err) {
	case CodeValidation:
		return ErrorInfo{Kind: KindValidation, Message: err.Error()}
	case CodeLockContention:
		return ErrorInfo{Kind: KindLockContention, Message: err.Error()}
	case CodeStoreUnavailable:
		return ErrorInfo{Kind: KindStoreUnavailable, Message: err.Error()}
	}
	return ErrorInfo{Kind: KindProcessingFailure, Message: err.Error()}
}
