package server

import "fmt"

// Process exit codes for setup failures.
const (
	ExitBind           = 1
	ExitNonblock       = 2
	ExitListen         = 3
	ExitPollerCreate   = 4
	ExitPollerRegister = 5
	ExitOpsListen      = 6
	ExitConfig         = 7
)

// SetupError is returned when the server cannot start. Code is the exit
// status the process should terminate with.
type SetupError struct {
	Code int
	Op   string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

func setupError(code int, op string, err error) *SetupError {
	return &SetupError{Code: code, Op: op, Err: err}
}
