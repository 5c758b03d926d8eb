package errors

// ErrorCode identifies a failure kind. Codes are logged as error_code and
// matched with HasCode, so they must stay stable.
type ErrorCode string

func (c ErrorCode) String() string { return string(c) }

// Message returns the registered message of the code.
func (c ErrorCode) Message() string { return GetErrorMessage(c) }

// Error is a failure carrying a code and optional context.
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
	Is(target error) bool
}

// Factory builds Errors.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
