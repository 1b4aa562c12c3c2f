package worker

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"refinery/internal/state"
)

// Call invokes w under a per-call deadline and folds every failure
// mode into the result envelope: provider errors, invalid envelopes,
// and deadline expiry all come back as OK=false with a reason. Callers
// never see a hang or a malformed result.
func Call(ctx context.Context, w Worker, req Request, timeout time.Duration) Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := w.Invoke(ctx, req)
	if err != nil {
		switch ctx.Err() {
		case context.DeadlineExceeded:
			return Result{WorkerResult: state.Failure("%s worker timed out after %s", req.Role, timeout)}
		case context.Canceled:
			return Result{WorkerResult: state.Failure("%s worker canceled", req.Role)}
		}
		return Result{WorkerResult: state.Failure("%s worker: %v", req.Role, err)}
	}
	if verr := res.Validate(); verr != nil {
		return Result{WorkerResult: state.Failure("%s worker: %v", req.Role, verr)}
	}
	return res
}

// Run executes an artifact in the sandbox under the same deadline
// handling as Call. The error return is reserved for ctx cancellation
// of the whole pipeline; sandbox failures come back in Exec.
func Run(ctx context.Context, sb Sandbox, artifact string, timeout time.Duration) (Exec, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ex, err := sb.Execute(ctx, artifact)
	if err != nil {
		switch ctx.Err() {
		case context.DeadlineExceeded:
			return Exec{Stderr: "execution timed out", ExitCode: -1}, nil
		case context.Canceled:
			return Exec{}, ctx.Err()
		}
		return Exec{Stderr: err.Error(), ExitCode: -1}, nil
	}
	if ex.Score == nil {
		ex.Score = ExtractScore(ex.Stdout)
	}
	return ex, nil
}

var scoreLine = regexp.MustCompile(`Final Validation Performance:\s*([-+]?\d*\.?\d+(?:[eE][-+]?\d+)?)`)

// ExtractScore scans sandbox stdout for the conventional score line.
// The last occurrence wins, matching how runs overwrite their own
// earlier reports.
func ExtractScore(stdout string) *float64 {
	matches := scoreLine.FindAllStringSubmatch(stdout, -1)
	if len(matches) == 0 {
		return nil
	}
	v, err := strconv.ParseFloat(matches[len(matches)-1][1], 64)
	if err != nil {
		return nil
	}
	return &v
}
