package cmdutil

import "clustercore/platform"

// DefaultAdminAddr is where clustercored listens for clusterctl's grpc
// admin surface (internal/adminrpc) when no context overrides it.
const DefaultAdminAddr = platform.DefaultAdminAddr

// DefaultSocketPath returns the client IPC unix socket clustercored binds
// by default.
func DefaultSocketPath() string {
	return platform.DaemonSocketPath
}

// DefaultDataRoot returns the directory clustercored keeps its seed cache
// and other on-disk state under.
func DefaultDataRoot() string {
	return platform.DaemonDataRoot
}
