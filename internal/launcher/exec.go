package launcher

import (
	"context"
	"errors"
	"os/exec"
)

// ExecBackend is the plain fork/exec backend used for LOCAL-category and
// SA-AWARE components whose instantiate/terminate/cleanup commands name a
// host executable rather than a container image: fork, child execs the
// command, parent waits and reports the exit code.
type ExecBackend struct{}

func (ExecBackend) Run(ctx context.Context, spec ComponentSpec, op Operation) (Result, error) {
	resolved, err := ResolveCommand(spec.Command, spec.SearchPath)
	if err != nil {
		// An unresolvable command is treated identically to an exec
		// failure in the child: exit code -1.
		return Result{ExitCode: -1}, nil
	}

	argv := buildArgv(resolved)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = buildEnvp(spec)

	runErr := cmd.Run()
	if runErr == nil {
		return Result{ExitCode: 0}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		if exitErr.ProcessState.Exited() {
			return Result{ExitCode: exitErr.ExitCode()}, nil
		}
		return Result{ExitCode: -1, Signaled: true}, nil
	}
	// Could not even start the process (e.g. permission denied): treated
	// the same as an execve failure.
	return Result{ExitCode: -1}, nil
}
