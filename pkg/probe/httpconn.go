package probe

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// instrumentedConn wraps a dialed net.Conn so the HTTP probe's dialer can
// log the kernel-reported round-trip time, through logrus, once when the
// connection is established.
type instrumentedConn struct {
	net.Conn
	openedAt time.Time
}

func wrapInstrumented(c net.Conn) net.Conn {
	w := &instrumentedConn{Conn: c, openedAt: time.Now()}
	w.logTCPInfo()
	return w
}

func (w *instrumentedConn) logTCPInfo() {
	tcpConn, ok := w.Conn.(*net.TCPConn)
	if !ok {
		return
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return
	}

	var rtt uint32
	var haveRTT bool
	_ = rawConn.Control(func(fd uintptr) {
		rtt, haveRTT = readTCPInfoRTT(int(fd))
	})
	if haveRTT {
		logrus.WithFields(logrus.Fields{
			"remote_addr": w.Conn.RemoteAddr(),
			"rtt_us":      rtt,
		}).Debug("probe: tcp connection established")
	}
}

func (w *instrumentedConn) Close() error {
	return w.Conn.Close()
}
