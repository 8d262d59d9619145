//go:build linux

package platform

// DaemonSocketPath is the client IPC unix socket clustercored binds by
// default when clusterctl isn't told otherwise.
var DaemonSocketPath = "/var/run/clustercored.sock"

// DaemonDataRoot is where clustercored keeps its seed cache and other
// on-disk state by default.
var DaemonDataRoot = "/var/lib/clustercore"
