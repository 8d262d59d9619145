//go:build linux

package ipc

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerCredentials reads SO_PEERCRED off a unix socket to authenticate the
// connecting process.
func peerCredentials(c net.Conn) PeerCredentials {
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return PeerCredentials{}
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return PeerCredentials{}
	}
	var cred *unix.Ucred
	_ = raw.Control(func(fd uintptr) {
		cred, err = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || cred == nil {
		return PeerCredentials{}
	}
	return PeerCredentials{PID: int(cred.Pid), UID: int(cred.Uid), GID: int(cred.Gid)}
}
