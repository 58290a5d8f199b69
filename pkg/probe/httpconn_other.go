//go:build !linux

package probe

// readTCPInfoRTT is unavailable outside Linux; the HTTP probe's dialer
// then logs no round-trip time.
func readTCPInfoRTT(fd int) (rttMicros uint32, ok bool) {
	return 0, false
}
