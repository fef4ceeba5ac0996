package apperror

import "errors"

// Kind describes a stable error category that can be mapped to HTTP status codes.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
)

// Stable machine-readable codes surfaced to API clients alongside the HTTP status.
const (
	CodeVoucherCodeExists        = "VOUCHER_CODE_EXISTS"
	CodeVoucherInvalidDateRange  = "VOUCHER_INVALID_DATE_RANGE"
	CodeVoucherNotFound          = "VOUCHER_NOT_FOUND"
	CodeVoucherInactive          = "VOUCHER_INACTIVE"
	CodeVoucherNotStarted        = "VOUCHER_NOT_STARTED"
	CodeVoucherExpired           = "VOUCHER_EXPIRED"
	CodeVoucherTotalLimitReached = "VOUCHER_TOTAL_LIMIT_REACHED"
	CodeVoucherUserLimitReached  = "VOUCHER_USER_LIMIT_REACHED"
	CodeVoucherMinOrderNotMet    = "VOUCHER_MIN_ORDER_NOT_MET"
	CodeVoucherNotApplicable     = "VOUCHER_NOT_APPLICABLE"
)

// Error is a typed error with a stable Kind and a human-readable message.
// Msg should be safe to return to clients for Validation/NotFound/Conflict.
// Code, when set, is a stable symbolic identifier for the business rule that failed.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func NewWithCode(kind Kind, code, msg string, err error) error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

func NotFound(msg string, err error) error   { return New(KindNotFound, msg, err) }
func Validation(msg string, err error) error { return New(KindValidation, msg, err) }
func Conflict(msg string, err error) error   { return New(KindConflict, msg, err) }

func NotFoundCode(code, msg string, err error) error {
	return NewWithCode(KindNotFound, code, msg, err)
}

func ValidationCode(code, msg string, err error) error {
	return NewWithCode(KindValidation, code, msg, err)
}

func ConflictCode(code, msg string, err error) error {
	return NewWithCode(KindConflict, code, msg, err)
}

func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Code extracts the symbolic code from a typed error, or "" for untyped errors.
func Code(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}
