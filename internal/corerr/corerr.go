// Package corerr implements the error taxonomy shared by every service
// that answers client library requests: a small set of codes
// that map 1:1 onto the wire.Header.Error field, plus a typed CoreError
// so callers can errors.As their way back to the code that needs to go
// out over IPC instead of string-matching messages.
package corerr

import "fmt"

// Code is one entry in the error taxonomy. Zero value Unspecified never
// appears on the wire; every CoreError carries a non-zero code.
type Code uint32

const (
	Unspecified Code = iota
	BadHandle
	InvalidParam
	NoMemory
	NoSpace
	TryAgain
	NotExist
	NoSections
	Exist
	BadOperation
	Access
	FailedOperation
)

func (c Code) String() string {
	switch c {
	case BadHandle:
		return "BAD_HANDLE"
	case InvalidParam:
		return "INVALID_PARAM"
	case NoMemory:
		return "NO_MEMORY"
	case NoSpace:
		return "NO_SPACE"
	case TryAgain:
		return "TRY_AGAIN"
	case NotExist:
		return "NOT_EXIST"
	case NoSections:
		return "NO_SECTIONS"
	case Exist:
		return "EXIST"
	case BadOperation:
		return "BAD_OPERATION"
	case Access:
		return "ACCESS"
	case FailedOperation:
		return "FAILED_OPERATION"
	default:
		return "OK"
	}
}

// CoreError pairs a taxonomy Code with the context that produced it.
// Handlers that fail always return one of these (or wrap one with
// fmt.Errorf("...: %w", err)) so the IPC layer can recover the code with
// errors.As without parsing strings.
type CoreError struct {
	Code Code
	Msg  string
}

func New(code Code, format string, args ...any) *CoreError {
	return &CoreError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (e *CoreError) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// CodeOf recovers the taxonomy code from err, defaulting to Unspecified
// (which the IPC layer maps to a generic internal-error code) when err
// isn't a *CoreError anywhere in its chain.
func CodeOf(err error) Code {
	if err == nil {
		return Unspecified
	}
	var ce *CoreError
	if asCoreError(err, &ce) {
		return ce.Code
	}
	return Unspecified
}

func asCoreError(err error, target **CoreError) bool {
	for err != nil {
		if ce, ok := err.(*CoreError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
