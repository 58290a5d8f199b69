//go:build linux

package probe

import (
	"net"

	"github.com/higebu/netfd"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// setLowLatencyPriority raises the socket's SO_PRIORITY so a single small
// query packet doesn't queue behind bulk traffic on a busy host, shaving a
// source of latency-measurement noise unrelated to the target's own
// responsiveness. Best-effort: failure is logged and otherwise ignored,
// since the probe works fine without it.
func setLowLatencyPriority(conn net.Conn) {
	fd := netfd.GetFdFromConn(conn)
	if fd < 0 {
		return
	}
	const highPriority = 6
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, highPriority); err != nil {
		logrus.WithError(err).Debug("dns probe: failed to set socket priority")
	}
}
