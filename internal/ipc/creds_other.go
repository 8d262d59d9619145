//go:build !linux

package ipc

import "net"

// peerCredentials is a no-op on platforms without SO_PEERCRED (darwin uses
// LOCAL_PEERCRED, not wired here since the daemon's primary deployment
// target is linux).
func peerCredentials(c net.Conn) PeerCredentials {
	return PeerCredentials{}
}
