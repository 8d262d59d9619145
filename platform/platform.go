// Package platform holds the OS-specific defaults clustercored and
// clusterctl agree on when no explicit flag or context overrides them:
// where the daemon's client IPC socket lives and where it keeps on-disk
// state. The values themselves are GOOS-tagged (daemon_paths_darwin.go,
// daemon_paths_linux.go); this file only holds what's common.
package platform

// DefaultAdminAddr is where clustercored listens for clusterctl's grpc
// admin surface (internal/adminrpc) when no context overrides it.
const DefaultAdminAddr = "127.0.0.1:7800"
