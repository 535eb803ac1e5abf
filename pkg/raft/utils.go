package raft

import (
	"bytes"
	"fmt"
	"runtime"
)

func Panicf(format string, args ...interface{}) {
	panic(&InvariantViolationError{Message: fmt.Sprintf(format, args...)})
}

func RecoverValueString(value interface{}) (msg string) {
	switch v := value.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	default:
		msg = fmt.Sprintf("%#v", v)
	}

	return
}

// StackTrace formats the call stack of the goroutine which panicked, starting
// from the function which called panic.
func StackTrace(depth int) string {
	pc := make([]uintptr, depth)

	// Skip runtime.Callers, StackTrace and the deferred recover function
	pc = pc[:runtime.Callers(3, pc)]

	var buf bytes.Buffer

	frames := runtime.CallersFrames(pc)
	for frame, more := frames.Next(); ; frame, more = frames.Next() {
		if frame.Function != "runtime.gopanic" {
			fmt.Fprintf(&buf, "%s\n  %s:%d\n",
				frame.Function, frame.File, frame.Line)
		}

		if !more {
			break
		}
	}

	return buf.String()
}

func minIndex(a, b LogIndex) LogIndex {
	if a < b {
		return a
	}

	return b
}

func maxIndex(a, b LogIndex) LogIndex {
	if a > b {
		return a
	}

	return b
}
