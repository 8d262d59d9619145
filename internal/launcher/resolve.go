package launcher

import (
	"fmt"
	"os"
	"path/filepath"
)

// ResolveCommand locates a component command: if command is already
// absolute it is used as-is; otherwise it is searched for against each
// entry of searchPath in order (comp -> SU -> SG -> App, the clccli_path
// chain), the first existing, executable match winning.
func ResolveCommand(command string, searchPath []string) (string, error) {
	if filepath.IsAbs(command) {
		return command, nil
	}
	for _, dir := range searchPath {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, command)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("launcher: %q not found on clccli_path %v", command, searchPath)
}
