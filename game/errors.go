package game

import "errors"

// ErrorType 机器可读的错误类别（线上 error_type 字段）
type ErrorType string

const (
	AuthorityViolation ErrorType = "authority_violation"
	DuplicateIdentity  ErrorType = "duplicate_identity"
	RequestTimeout     ErrorType = "request_timeout"
	MalformedMessage   ErrorType = "malformed_message"
	CapacityExceeded   ErrorType = "capacity_exceeded"
	SessionEnded       ErrorType = "session_ended"
	SessionNotFound    ErrorType = "session_not_found"
	Restricted         ErrorType = "restricted"
	InvalidTransition  ErrorType = "invalid_transition"
	Unauthorized       ErrorType = "unauthorized"
	Internal           ErrorType = "internal"
)

// Error 带类别的领域错误。Constraint 仅 capacity_exceeded 使用（player_limit / attempt_limit）
type Error struct {
	Type       ErrorType
	Constraint string
	Msg        string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Type)
	}
	return string(e.Type) + ": " + e.Msg
}

// Is 按类别匹配，便于 errors.Is(err, game.ErrRequestTimeout)
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Type == e.Type && (t.Constraint == "" || t.Constraint == e.Constraint)
}

// 哨兵值，仅用于 errors.Is 比较
var (
	ErrAuthorityViolation = &Error{Type: AuthorityViolation}
	ErrDuplicateIdentity  = &Error{Type: DuplicateIdentity}
	ErrRequestTimeout     = &Error{Type: RequestTimeout}
	ErrMalformedMessage   = &Error{Type: MalformedMessage}
	ErrCapacityExceeded   = &Error{Type: CapacityExceeded}
	ErrSessionEnded       = &Error{Type: SessionEnded}
	ErrSessionNotFound    = &Error{Type: SessionNotFound}
	ErrRestricted         = &Error{Type: Restricted}
	ErrInvalidTransition  = &Error{Type: InvalidTransition}
	ErrUnauthorized       = &Error{Type: Unauthorized}
)

// NewError 构造领域错误
func NewError(t ErrorType, msg string) *Error { return &Error{Type: t, Msg: msg} }

// CapacityError player_limit / attempt_limit 超限
func CapacityError(constraint, msg string) *Error {
	return &Error{Type: CapacityExceeded, Constraint: constraint, Msg: msg}
}

// TypeOf 提取错误类别，非领域错误归为 internal
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return Internal
}
