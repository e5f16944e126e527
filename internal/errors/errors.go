package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Code codes.Code

const (
	CodeInvalidArgument    = Code(codes.InvalidArgument)
	CodeNotFound           = Code(codes.NotFound)
	CodeAlreadyExists      = Code(codes.AlreadyExists)
	CodeFailedPrecondition = Code(codes.FailedPrecondition)
	CodePermissionDenied   = Code(codes.PermissionDenied)
	CodeResourceExhausted  = Code(codes.ResourceExhausted)
	CodeUnavailable        = Code(codes.Unavailable)
	CodeInternal           = Code(codes.Internal)
	CodeUnauthenticated    = Code(codes.Unauthenticated)
)

var code2http = map[Code]int{
	CodeInvalidArgument:    http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeAlreadyExists:      http.StatusConflict,
	CodeFailedPrecondition: http.StatusConflict,
	CodePermissionDenied:   http.StatusForbidden,
	CodeResourceExhausted:  http.StatusTooManyRequests,
	CodeUnavailable:        http.StatusServiceUnavailable,
	CodeInternal:           http.StatusInternalServerError,
	CodeUnauthenticated:    http.StatusUnauthorized,
}

// Reason values are the stable identifiers sent to clients in protocol
// error messages. They never change even if the underlying code mapping does.
const (
	ReasonAdmissionRejected  = "AdmissionRejected"
	ReasonInvalidMessage     = "InvalidMessage"
	ReasonUnauthorized       = "Unauthorized"
	ReasonSessionNotFound    = "SessionNotFound"
	ReasonStaleQuestion      = "StaleQuestion"
	ReasonAlreadyAnswered    = "AlreadyAnswered"
	ReasonPersistenceFailure = "PersistenceFailure"
	ReasonInternal           = "Internal"
)

var reason2code = map[string]Code{
	ReasonAdmissionRejected:  CodeResourceExhausted,
	ReasonInvalidMessage:     CodeInvalidArgument,
	ReasonUnauthorized:       CodePermissionDenied,
	ReasonSessionNotFound:    CodeNotFound,
	ReasonStaleQuestion:      CodeFailedPrecondition,
	ReasonAlreadyAnswered:    CodeAlreadyExists,
	ReasonPersistenceFailure: CodeUnavailable,
	ReasonInternal:           CodeInternal,
}

type Error struct {
	Code    Code   `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Reason:  ReasonInternal,
		Message: codes.Code(code).String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

// NewReason builds an error from a protocol reason, deriving its code.
func NewReason(reason string, opts ...Option) *Error {
	code, ok := reason2code[reason]
	if !ok {
		code = CodeInternal
	}

	e := &Error{
		Code:    code,
		Reason:  reason,
		Message: reason,
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %d, reason: %s, message: %s", e.Code, e.Reason, e.Message)
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) GRPCStatus() *status.Status {
	return status.New(codes.Code(e.Code), e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

// Reason extracts the protocol reason of an error, or ReasonInternal
// for errors produced outside this package.
func Reason(err error) string {
	return Convert(err).Reason
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}
