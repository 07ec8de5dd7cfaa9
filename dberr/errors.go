// Package dberr carries the error codes shared across the replication
// engine. Codes survive wrapping with %w so callers can classify errors
// without caring which layer produced them.
package dberr

import (
	"errors"
	"fmt"
)

// Code identifies an error class. The zero value means "no code".
type Code int

const (
	CodeNone Code = iota

	// Structural.
	CodeInvalidFormat
	CodeTypeMismatch
	CodeNoSuchKey
	CodeTooManyMatchingDocuments
	CodeIncompleteTransactionHistory

	// Ordering.
	CodeTransactionTooOld
	CodeOplogOutOfOrder
	CodeOplogStartMissing

	// Role.
	CodeNotPrimary
	CodePrimarySteppedDown
	CodeInterruptedDueToReplStateChange

	// Resource.
	CodeNamespaceNotFound
	CodeNamespaceExists
	CodeIndexAlreadyExists
	CodeIndexNotFound
	CodeIndexBuildAlreadyInProgress
	CodeBackgroundOperationInProgress
	CodeDatabaseDropPending
	CodeOperationNotSupportedInTransaction
	CodeUpdateOperationFailed
	CodeDuplicateKey

	// Concurrency / storage.
	CodeWriteConflict
	CodeReadConcernMajorityNotAvailableYet

	// Version.
	CodeIncompatibleServerVersion

	// Consistency-fatal.
	CodeUnrecoverableRollbackError
	CodeRemoteResultsUnavailable
	CodeInitialSyncOplogSourceMissing

	// Shutdown.
	CodeCallbackCanceled
	CodeShutdownInProgress
)

var codeNames = map[Code]string{
	CodeInvalidFormat:                      "InvalidFormat",
	CodeTypeMismatch:                       "TypeMismatch",
	CodeNoSuchKey:                          "NoSuchKey",
	CodeTooManyMatchingDocuments:           "TooManyMatchingDocuments",
	CodeIncompleteTransactionHistory:       "IncompleteTransactionHistory",
	CodeTransactionTooOld:                  "TransactionTooOld",
	CodeOplogOutOfOrder:                    "OplogOutOfOrder",
	CodeOplogStartMissing:                  "OplogStartMissing",
	CodeNotPrimary:                         "NotPrimary",
	CodePrimarySteppedDown:                 "PrimarySteppedDown",
	CodeInterruptedDueToReplStateChange:    "InterruptedDueToReplStateChange",
	CodeNamespaceNotFound:                  "NamespaceNotFound",
	CodeNamespaceExists:                    "NamespaceExists",
	CodeIndexAlreadyExists:                 "IndexAlreadyExists",
	CodeIndexNotFound:                      "IndexNotFound",
	CodeIndexBuildAlreadyInProgress:        "IndexBuildAlreadyInProgress",
	CodeBackgroundOperationInProgress:      "BackgroundOperationInProgress",
	CodeDatabaseDropPending:                "DatabaseDropPending",
	CodeOperationNotSupportedInTransaction: "OperationNotSupportedInTransaction",
	CodeUpdateOperationFailed:              "UpdateOperationFailed",
	CodeDuplicateKey:                       "DuplicateKey",
	CodeWriteConflict:                      "WriteConflict",
	CodeReadConcernMajorityNotAvailableYet: "ReadConcernMajorityNotAvailableYet",
	CodeIncompatibleServerVersion:          "IncompatibleServerVersion",
	CodeUnrecoverableRollbackError:         "UnrecoverableRollbackError",
	CodeRemoteResultsUnavailable:           "RemoteResultsUnavailable",
	CodeInitialSyncOplogSourceMissing:      "InitialSyncOplogSourceMissing",
	CodeCallbackCanceled:                   "CallbackCanceled",
	CodeShutdownInProgress:                 "ShutdownInProgress",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is a coded error. It wraps an optional cause.
type Error struct {
	code  Code
	msg   string
	cause error
}

func New(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an existing error. Wrapping nil returns nil.
func Wrap(code Code, msg string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{code: code, msg: msg, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the code of err, walking the wrap chain. Errors without a
// code report CodeNone.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return CodeNone
}

// Is lets errors.Is match two coded errors by code alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.code == t.code
	}
	return false
}

// IsAcceptable reports whether err's code is in the accept set. Used by the
// command apply table to swallow idempotency noise.
func IsAcceptable(err error, accept map[Code]struct{}) bool {
	if err == nil {
		return true
	}
	_, ok := accept[CodeOf(err)]
	return ok
}

// Retryable reports whether err should be retried unconditionally by the
// enclosing unit of work.
func Retryable(err error) bool {
	return CodeOf(err) == CodeWriteConflict
}

// Shutdown reports whether err means the engine is going away and the
// operation should not be retried.
func Shutdown(err error) bool {
	switch CodeOf(err) {
	case CodeCallbackCanceled, CodeShutdownInProgress:
		return true
	}
	return false
}
