package errs

import (
	"fmt"
	"runtime"
	"strings"
)

// Error is the error type passed between all layers. It carries an int code
// so callers can branch on failure class without string matching.
// 全局错误类型，携带错误码，便于调用方按失败类别分支处理。
type Error struct {
	Code    int
	msg     string
	cause   error
	stack   string
}

func New(code int, cause error) *Error {
	return &Error{Code: code, cause: cause, stack: CallStack(2, 10)}
}

func NewMsg(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...), stack: CallStack(2, 10)}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	name := CodeName(e.Code)
	if e.cause != nil {
		if e.msg != "" {
			return fmt.Sprintf("[%s] %s: %v", name, e.msg, e.cause)
		}
		return fmt.Sprintf("[%s] %v", name, e.cause)
	}
	return fmt.Sprintf("[%s] %s", name, e.msg)
}

// Short returns the message without the stack, for log fields.
func (e *Error) Short() string {
	if e == nil {
		return ""
	}
	return e.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func (e *Error) Stack() string {
	if e == nil {
		return ""
	}
	return e.stack
}

func (e *Error) CodeName() string {
	if e == nil {
		return ""
	}
	return CodeName(e.Code)
}

var codeNames = map[int]string{}

// Register binds a readable name to an error code. Codes are declared in the
// core package; duplicate registration keeps the first name.
func Register(code int, name string) int {
	if _, ok := codeNames[code]; !ok {
		codeNames[code] = name
	}
	return code
}

func CodeName(code int) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", code)
}

// CallStack returns a compact caller list, skipping `skip` frames.
func CallStack(skip, depth int) string {
	pcs := make([]uintptr, depth)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		f, more := frames.Next()
		if f.Function != "" {
			fmt.Fprintf(&b, "%s:%d\n", f.File, f.Line)
		}
		if !more {
			break
		}
	}
	return b.String()
}
