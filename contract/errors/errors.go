package errors

import (
	"fmt"
	"time"
)

// Error codes for the RPC contracts. Keep stable; they travel inside failure replies
// and are shared by clients, dispatchers and adapters.
const (
	ErrCodeConnection          = "servicebus.connection_failed"
	ErrCodeUnknownPattern      = "servicebus.unknown_pattern"
	ErrCodeTimeout             = "servicebus.timeout"
	ErrCodeRemoteHandler       = "servicebus.remote_handler"
	ErrCodeHandlerFailed       = "servicebus.handler_failed"
	ErrCodeHandlerExists       = "servicebus.handler_exists"
	ErrCodePatternExists       = "servicebus.pattern_exists"
	ErrCodeDispatcherStarted   = "servicebus.dispatcher_started"
	ErrCodeClientClosed        = "servicebus.client_closed"
	ErrCodePublishFailed       = "servicebus.publish_failed"
	ErrCodeSerializationFailed = "servicebus.serialization_failed"
	ErrCodeAlreadySettled      = "servicebus.already_settled"
	ErrCodeQueueNotFound       = "servicebus.queue_not_found"
	ErrCodeServiceMismatch     = "servicebus.service_mismatch"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrConnection          = Code(ErrCodeConnection)
	ErrUnknownPattern      = Code(ErrCodeUnknownPattern)
	ErrTimeout             = Code(ErrCodeTimeout)
	ErrRemoteHandler       = Code(ErrCodeRemoteHandler)
	ErrHandlerFailed       = Code(ErrCodeHandlerFailed)
	ErrHandlerExists       = Code(ErrCodeHandlerExists)
	ErrPatternExists       = Code(ErrCodePatternExists)
	ErrDispatcherStarted   = Code(ErrCodeDispatcherStarted)
	ErrClientClosed        = Code(ErrCodeClientClosed)
	ErrPublishFailed       = Code(ErrCodePublishFailed)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrAlreadySettled      = Code(ErrCodeAlreadySettled)
	ErrQueueNotFound       = Code(ErrCodeQueueNotFound)
	ErrServiceMismatch     = Code(ErrCodeServiceMismatch)
)

// TimeoutError reports a call that got no reply within its window.
// It matches ErrTimeout with errors.Is.
type TimeoutError struct {
	Service       string
	Pattern       string
	CorrelationID string
	After         time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: no reply for %s within %s", e.Service, e.Pattern, e.CorrelationID, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// RemoteError is a failure reported by the remote handler inside a reply.
// It matches ErrRemoteHandler and the sentinel for its own code with errors.Is.
type RemoteError struct {
	Service string
	Pattern string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s: remote %s: %s", e.Service, e.Pattern, e.Code, e.Message)
}

func (e *RemoteError) Unwrap() []error {
	return []error{ErrRemoteHandler, Code(e.Code)}
}

// CodedError lets a handler choose the code carried back to the caller.
type CodedError struct {
	code string
	msg  string
}

// NewCoded builds an error whose code survives the trip across the broker.
func NewCoded(code, msg string) *CodedError { return &CodedError{code: code, msg: msg} }

func (e *CodedError) Error() string { return e.msg }

// Code returns the stable code of the error.
func (e *CodedError) Code() string { return e.code }

func (e *CodedError) Is(target error) bool { return target == Code(e.code) }
