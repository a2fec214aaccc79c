// Package errors provides unified error handling for the indexer.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error code
type ErrorCode string

const (
	// Transient RPC errors (1xxx) - retryable
	ErrCodeRPCTimeout      ErrorCode = "RPC_1001"
	ErrCodeRPCUnavailable  ErrorCode = "RPC_1002"
	ErrCodeRPCRateLimited  ErrorCode = "RPC_1003"
	ErrCodeRPCMalformed    ErrorCode = "RPC_1004"

	// Decode errors (2xxx) - per-event, non-fatal
	ErrCodeDecodeUnknownTag   ErrorCode = "DECODE_2001"
	ErrCodeDecodeTruncated    ErrorCode = "DECODE_2002"
	ErrCodeDecodeInvalidField ErrorCode = "DECODE_2003"

	// Handler errors (3xxx) - per-event, counted against retry budget
	ErrCodeHandlerFailed     ErrorCode = "HANDLER_3001"
	ErrCodeHandlerConflict   ErrorCode = "HANDLER_3002"

	// Flush / storage errors (4xxx)
	ErrCodeFlushFailed       ErrorCode = "FLUSH_4001"
	ErrCodeDeadLetterFull    ErrorCode = "FLUSH_4002"
	ErrCodeStorageError      ErrorCode = "FLUSH_4003"

	// Integrity errors (5xxx) - verifier
	ErrCodeDigestMismatch ErrorCode = "INTEGRITY_5001"
	ErrCodeSealMismatch   ErrorCode = "INTEGRITY_5002"
	ErrCodeOrphanedEvent  ErrorCode = "INTEGRITY_5003"

	// Configuration errors (6xxx) - fatal at startup
	ErrCodeConfigInvalid  ErrorCode = "CONFIG_6001"
	ErrCodeConfigMissing  ErrorCode = "CONFIG_6002"

	// Allocator errors (7xxx)
	ErrCodeAllocatorConflict ErrorCode = "ALLOC_7001"
	ErrCodeAllocatorLockHeld ErrorCode = "ALLOC_7002"
)

// Retryable reports whether an error code represents a transient
// condition that the caller should retry under its own backoff policy.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrCodeRPCTimeout, ErrCodeRPCUnavailable, ErrCodeRPCRateLimited, ErrCodeFlushFailed, ErrCodeStorageError:
		return true
	default:
		return false
	}
}

// ServiceError represents a structured indexer error with a stable code.
type ServiceError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError
func New(code ErrorCode, message string) *ServiceError {
	return &ServiceError{Code: code, Message: message}
}

// Wrap wraps an existing error with a ServiceError
func Wrap(code ErrorCode, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, Err: err}
}

// RPC errors

func RPCTimeout(endpoint string, err error) *ServiceError {
	return Wrap(ErrCodeRPCTimeout, "rpc call timed out", err).WithDetails("endpoint", endpoint)
}

func RPCUnavailable(endpoint string, err error) *ServiceError {
	return Wrap(ErrCodeRPCUnavailable, "rpc endpoint unavailable", err).WithDetails("endpoint", endpoint)
}

func RPCRateLimited(endpoint string) *ServiceError {
	return New(ErrCodeRPCRateLimited, "rpc endpoint rate limited").WithDetails("endpoint", endpoint)
}

func RPCMalformed(endpoint string, err error) *ServiceError {
	return Wrap(ErrCodeRPCMalformed, "rpc response malformed", err).WithDetails("endpoint", endpoint)
}

// Decode errors

func DecodeUnknownTag(tag string) *ServiceError {
	return New(ErrCodeDecodeUnknownTag, "unknown event discriminator").WithDetails("tag", tag)
}

func DecodeTruncated(signature string) *ServiceError {
	return New(ErrCodeDecodeTruncated, "log line truncated").WithDetails("signature", signature)
}

func DecodeInvalidField(field string, err error) *ServiceError {
	return Wrap(ErrCodeDecodeInvalidField, "invalid event field", err).WithDetails("field", field)
}

// Handler errors

func HandlerFailed(eventKind string, err error) *ServiceError {
	return Wrap(ErrCodeHandlerFailed, "event handler failed", err).WithDetails("event_kind", eventKind)
}

func HandlerConflict(eventKind string, reason string) *ServiceError {
	return New(ErrCodeHandlerConflict, "event handler conflict").
		WithDetails("event_kind", eventKind).WithDetails("reason", reason)
}

// Flush / storage errors

func FlushFailed(batchSize int, err error) *ServiceError {
	return Wrap(ErrCodeFlushFailed, "batch flush failed", err).WithDetails("batch_size", batchSize)
}

func DeadLetterFull(capacity int) *ServiceError {
	return New(ErrCodeDeadLetterFull, "dead letter ring at capacity").WithDetails("capacity", capacity)
}

func StorageError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeStorageError, "storage operation failed", err).WithDetails("operation", operation)
}

// Integrity errors

func DigestMismatch(expected, actual string) *ServiceError {
	return New(ErrCodeDigestMismatch, "hash-chain digest mismatch").
		WithDetails("expected", expected).WithDetails("actual", actual)
}

func SealMismatch(checkpointID string) *ServiceError {
	return New(ErrCodeSealMismatch, "checkpoint seal mismatch").WithDetails("checkpoint_id", checkpointID)
}

func OrphanedEvent(signature string, slot uint64) *ServiceError {
	return New(ErrCodeOrphanedEvent, "event orphaned by reorg").
		WithDetails("signature", signature).WithDetails("slot", slot)
}

// Configuration errors

func ConfigInvalid(field, reason string) *ServiceError {
	return New(ErrCodeConfigInvalid, "invalid configuration").
		WithDetails("field", field).WithDetails("reason", reason)
}

func ConfigMissing(field string) *ServiceError {
	return New(ErrCodeConfigMissing, "missing required configuration").WithDetails("field", field)
}

// Allocator errors

func AllocatorConflict(scope string, err error) *ServiceError {
	return Wrap(ErrCodeAllocatorConflict, "id allocator conflict", err).WithDetails("scope", scope)
}

func AllocatorLockHeld(scope string) *ServiceError {
	return New(ErrCodeAllocatorLockHeld, "advisory lock held by another session").WithDetails("scope", scope)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// IsRetryable reports whether err (if a ServiceError) represents a
// transient condition.
func IsRetryable(err error) bool {
	if se := GetServiceError(err); se != nil {
		return se.Code.Retryable()
	}
	return false
}
