package types

// ErrorCode classifies a scheduler error. Codes are stable strings that
// appear verbatim in API error bodies.
type ErrorCode string

const (
	CodeValidation ErrorCode = "VALIDATION_ERROR"
	CodeNotFound   ErrorCode = "NOT_FOUND"
	CodeConflict   ErrorCode = "CONFLICT"
	CodeDependency ErrorCode = "DEPENDENCY_ERROR"
	CodeCycle      ErrorCode = "CYCLE_DETECTED"
	CodeInternal   ErrorCode = "DTS_ERROR"
)

// Error is the domain error shared by the storage, engine, and API layers.
// Details carries structured context (offending ids, observed status) that
// the API serializes into the response body alongside the message.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]any
}

func (e *Error) Error() string { return e.Message }

// Is matches on code only, so errors.Is(err, types.ErrConflict) holds for
// any conflict regardless of message or details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// Sentinels for errors.Is checks.
var (
	ErrValidation = &Error{Code: CodeValidation}
	ErrNotFound   = &Error{Code: CodeNotFound}
	ErrConflict   = &Error{Code: CodeConflict}
	ErrDependency = &Error{Code: CodeDependency}
	ErrCycle      = &Error{Code: CodeCycle}
)

// NewValidation reports a request that is well-formed JSON but violates a
// domain rule checked before any transaction begins.
func NewValidation(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

// NewNotFound reports a lookup of an id that does not exist.
func NewNotFound(msg string, details map[string]any) *Error {
	return &Error{Code: CodeNotFound, Message: msg, Details: details}
}

// NewConflict reports a write that lost to existing state: duplicate ids on
// create, or a terminal transition on a task that is not RUNNING.
func NewConflict(msg string, details map[string]any) *Error {
	return &Error{Code: CodeConflict, Message: msg, Details: details}
}

// NewDependency reports dependencies that reference unknown tasks.
func NewDependency(msg string, details map[string]any) *Error {
	return &Error{Code: CodeDependency, Message: msg, Details: details}
}

// NewCycle reports dependency edges that would make the graph cyclic.
func NewCycle(msg string, details map[string]any) *Error {
	return &Error{Code: CodeCycle, Message: msg, Details: details}
}
