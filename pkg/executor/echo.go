package executor

import (
	"context"
	"time"
)

// Echo returns its parameters as the result. Operation "fail" returns a
// transient error and "reject" a terminal one, which makes it useful for
// wiring checks.
func Echo() Executor {
	return Func(func(ctx context.Context, operation string, params map[string]any, _ time.Duration) (Result, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch operation {
		case "fail":
			return nil, TransientError("echo_fail", "requested failure")
		case "reject":
			return nil, TerminalError("echo_reject", "requested rejection")
		}
		out := Result{"operation": operation}
		for k, v := range params {
			out[k] = v
		}
		return out, nil
	})
}
