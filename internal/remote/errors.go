package remote

import (
	"fmt"
	"time"
)

// TimeoutError reports a command that exceeded its wall-clock budget. The
// underlying connection is torn down, never reused.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote command timed out after %s: %s", e.Timeout, e.Command)
}

// ExecError reports a channel-level failure: dialing, session setup, or an
// abnormal end of the remote process. A non-zero exit code is not an
// ExecError.
type ExecError struct {
	Op  string
	Err error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("remote execution failed during %s: %v", e.Op, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}
