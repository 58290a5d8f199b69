//go:build !linux

package probe

import "net"

// setLowLatencyPriority is a no-op outside Linux: SO_PRIORITY is a
// Linux-specific socket option.
func setLowLatencyPriority(net.Conn) {}
