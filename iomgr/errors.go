package iomgr

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"runner/blob"
	"runner/model"
)

var (
	// ErrInputCancelled marks an execution interrupted by a cancellation
	// delivered over the heartbeat channel. It yields a TERMINATED result.
	ErrInputCancelled = errors.New("iomgr: input cancelled")

	// ErrTaskFailed signals that a lifecycle failure was already reported
	// via TaskResult and the container should shut down without retry.
	ErrTaskFailed = errors.New("iomgr: task failed")
)

// InvalidError reports invalid use of the runtime by user code, e.g. a
// batched function whose arguments or output do not line up with the batch.
type InvalidError struct {
	Msg string
}

func (e *InvalidError) Error() string { return e.Msg }

// resultStatus buckets an execution error into a result status. Cancellation
// (explicit or via context) is TERMINATED; everything else is FAILURE.
func resultStatus(err error) model.GenericStatus {
	if errors.Is(err, ErrInputCancelled) || errors.Is(err, context.Canceled) {
		return model.StatusTerminated
	}
	return model.StatusFailure
}

// recovered converts a panic value from offloaded user code into an error.
// Runtime panics keep their message; error values pass through.
func recovered(v any) error {
	switch t := v.(type) {
	case error:
		return t
	default:
		return fmt.Errorf("panic: %v", t)
	}
}

// truncateRepr bounds an exception repr so a pathological message cannot
// itself overflow the output path.
func truncateRepr(repr string) string {
	const limit = blob.MaxObjectSize - 1000
	if len(repr) < blob.MaxObjectSize {
		return repr
	}
	trimmed := len(repr) - limit
	return fmt.Sprintf("%s...\nTrimmed %d bytes from original exception", repr[:limit], trimmed)
}

// captureTraceback renders the current goroutine stack plus a structured
// frame list. The frames are best-effort; the string is always present.
func captureTraceback(err error) (string, []model.TracebackFrame) {
	buf := make([]byte, 64<<10)
	n := runtime.Stack(buf, false)
	text := fmt.Sprintf("%v\n%s", err, buf[:n])

	pcs := make([]uintptr, 64)
	depth := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:depth])
	var out []model.TracebackFrame
	for {
		fr, more := frames.Next()
		if !strings.HasPrefix(fr.Function, "runtime.") {
			out = append(out, model.TracebackFrame{
				File:     fr.File,
				Line:     fr.Line,
				Function: fr.Function,
			})
		}
		if !more {
			break
		}
	}
	return text, out
}
