// Package launcher is the only place OS processes are started or stopped
// on behalf of an AMF component. It has
// no knowledge of the presence state machine or the group-messaging
// substrate: internal/recovery calls it and reports the result back to
// internal/amf as a multicast event, the same separation amf.Hooks draws
// between state transition and side effect.
package launcher

import (
	"context"
	"strings"
	"time"
)

// Operation selects which of a component's three scripted operations to
// run.
type Operation int

const (
	OpInstantiate Operation = iota
	OpTerminate
	OpCleanup
)

func (op Operation) String() string {
	switch op {
	case OpInstantiate:
		return "instantiate"
	case OpTerminate:
		return "terminate"
	case OpCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// DN is the distinguished-name chain needed to build
// `SA_AMF_COMPONENT_NAME=safComp=...,safSu=...,safSg=...,safApp=...`.
type DN struct {
	Comp string
	SU   string
	SG   string
	App  string
}

// String renders the DN the way the environment variable expects.
func (dn DN) String() string {
	return "safComp=" + dn.Comp + ",safSu=" + dn.SU + ",safSg=" + dn.SG + ",safApp=" + dn.App
}

// ComponentSpec is everything the launcher needs about one component to
// run one operation; internal/recovery builds this from an amf.Component.
type ComponentSpec struct {
	DN DN

	// Command/Timeout are selected by the caller per Operation.
	Command string
	Timeout time.Duration

	// Env is the component's configured cmd_env list, appended to before SA_AMF_COMPONENT_NAME.
	Env []string

	// SearchPath is the clccli_path resolution chain: comp -> SU -> SG ->
	// App, each entry an absolute directory or empty if
	// that level configures none.
	SearchPath []string

	// Container, if non-empty, names an OCI image: the component is
	// launched via the Docker backend (container.go) instead of plain
	// fork/exec (exec.go).
	Container string
}

// Result is what a launch attempt reports back.
type Result struct {
	ExitCode int
	Signaled bool
}

// Backend runs one operation for one component. exec.go and container.go
// each implement it.
type Backend interface {
	Run(ctx context.Context, spec ComponentSpec, op Operation) (Result, error)
}

// buildArgv splits a command's argument string on whitespace.
func buildArgv(command string) []string {
	fields := strings.Fields(command)
	return fields
}

// buildEnvp appends SA_AMF_COMPONENT_NAME to the component's configured
// environment.
func buildEnvp(spec ComponentSpec) []string {
	envp := append([]string(nil), spec.Env...)
	return append(envp, "SA_AMF_COMPONENT_NAME="+spec.DN.String())
}

// Launcher dispatches each component launch to the exec or container
// backend depending on ComponentSpec.Container, applying the per-
// operation timeout as a context deadline (the launcher's own worker,
// distinct from the instantiate/cleanup timers internal/recovery arms on
// the main loop's timer wheel. Results re-enter the main loop only through
// a multicast event; the worker never mutates shared state directly.
type Launcher struct {
	exec      Backend
	container Backend
}

// New creates a Launcher. container may be nil if no Docker client is
// configured, in which case ComponentSpec.Container must stay empty.
func New(container Backend) *Launcher {
	return &Launcher{exec: ExecBackend{}, container: container}
}

// Run executes op for spec, enforcing spec.Timeout, and reports the
// result. It never blocks the caller past the timeout.
func (l *Launcher) Run(ctx context.Context, spec ComponentSpec, op Operation) (Result, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	backend := l.exec
	if spec.Container != "" {
		if l.container == nil {
			return Result{ExitCode: -1}, errNoContainerBackend
		}
		backend = l.container
	}
	return backend.Run(ctx, spec, op)
}

var errNoContainerBackend = errContainerBackend("launcher: component names a container image but no Docker client is configured")

type errContainerBackend string

func (e errContainerBackend) Error() string { return string(e) }
