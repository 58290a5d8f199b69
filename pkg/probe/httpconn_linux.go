//go:build linux

package probe

import (
	"golang.org/x/sys/unix"
)

// readTCPInfoRTT reads the kernel's smoothed round-trip-time estimate for
// an established TCP connection, in microseconds. It returns ok=false if
// the platform or socket doesn't support TCP_INFO.
func readTCPInfoRTT(fd int) (rttMicros uint32, ok bool) {
	info, err := unix.GetsockoptTCPInfo(fd, unix.IPPROTO_TCP, unix.TCP_INFO)
	if err != nil {
		return 0, false
	}
	return info.Rtt, true
}
