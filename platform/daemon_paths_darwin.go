//go:build darwin

package platform

import (
	"os"
	"path/filepath"
)

// DaemonSocketPath is the client IPC unix socket clustercored binds by
// default when clusterctl isn't told otherwise.
var DaemonSocketPath = "/tmp/clustercored.sock"

// DaemonDataRoot is where clustercored keeps its seed cache and other
// on-disk state by default.
var DaemonDataRoot = defaultDataRoot()

func defaultDataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/usr/local/var/lib/clustercore"
	}
	return filepath.Join(home, "Library", "Application Support", "clustercore")
}
