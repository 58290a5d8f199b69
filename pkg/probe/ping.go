package probe

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/pkg/parsers/kernel"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// icmpCapability records whether this process can open native ICMP
// sockets (RAW, falling back to DGRAM for unprivileged pings) or must
// shell out to the system ping binary for every probe.
type icmpCapability int

const (
	icmpUnknown icmpCapability = iota
	icmpNative
	icmpCommandOnly
)

var (
	capabilityOnce  sync.Once
	capability      icmpCapability
	pingSequence    uint32
	capabilityLogID = xid.New().String()
)

func detectICMPCapability() icmpCapability {
	capabilityOnce.Do(func() {
		if fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_ICMP); err == nil {
			unix.Close(fd)
			logKernelCapability("native ICMP (RAW socket, privileged)")
			capability = icmpNative
			return
		}
		if fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_ICMP); err == nil {
			unix.Close(fd)
			logKernelCapability("native ICMP (DGRAM socket, unprivileged)")
			capability = icmpNative
			return
		}
		logKernelCapability("command fallback (native ICMP unavailable)")
		capability = icmpCommandOnly
	})
	return capability
}

func logKernelCapability(mode string) {
	entry := logrus.WithField("probe_run", capabilityLogID)
	if v, err := kernel.GetKernelVersion(); err == nil {
		entry = entry.WithField("kernel_version", v.String())
	}
	entry.Infof("ping probe: using %s", mode)
}

// generatePingID returns a fresh (identifier, sequence) pair so that
// concurrent pings - even to the same destination - can be told apart in
// the receive loop.
func generatePingID() (identifier, sequence uint16) {
	identifier = uint16(rand.Intn(1 << 16))
	sequence = uint16(atomic.AddUint32(&pingSequence, 1))
	return identifier, sequence
}

func runPing(ctx context.Context, address string, timeout time.Duration) (float64, error) {
	if detectICMPCapability() == icmpNative {
		ip, err := resolvePingAddress(ctx, address)
		if err != nil {
			return 0, err
		}

		latency, err := runBlockingPing(ip, timeout)
		if err == nil {
			return latency, nil
		}
		if isPermissionError(err) {
			logrus.WithError(err).Warnf("ping probe: native ICMP denied for %s, falling back to command", address)
			return runPingCommand(ctx, address, timeout)
		}
		return 0, err
	}
	return runPingCommand(ctx, address, timeout)
}

func resolvePingAddress(ctx context.Context, address string) (net.IP, error) {
	if ip := net.ParseIP(address); ip != nil {
		return ip, nil
	}
	var resolver net.Resolver
	addrs, err := resolver.LookupIPAddr(ctx, address)
	if err != nil {
		return nil, newError(KindNetwork, "ping probe: DNS resolution failed for %s: %w", address, err)
	}
	if len(addrs) == 0 {
		return nil, newError(KindNetwork, "ping probe: no addresses found for %s", address)
	}
	return addrs[0].IP, nil
}

func isPermissionError(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES)
}

func runBlockingPing(ip net.IP, timeout time.Duration) (float64, error) {
	if v4 := ip.To4(); v4 != nil {
		return runBlockingPingV4(v4, timeout)
	}
	return runBlockingPingV6(ip.To16(), timeout)
}

func runBlockingPingV4(ip net.IP, timeout time.Duration) (float64, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_ICMP)
	if err != nil {
		fd, err = unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_ICMP)
	}
	if err != nil {
		return 0, newError(KindNetwork, "ping probe: create ICMP socket: %w", err)
	}
	defer unix.Close(fd)

	if err := setSocketTimeouts(fd, timeout); err != nil {
		return 0, err
	}

	var addr [4]byte
	copy(addr[:], ip)
	dest := &unix.SockaddrInet4{Addr: addr}
	if err := unix.Connect(fd, dest); err != nil {
		return 0, newError(KindNetwork, "ping probe: connect: %w", err)
	}

	identifier, sequence := generatePingID()
	packet := buildICMPEchoRequest(identifier, sequence)

	start := time.Now()
	if err := unix.Send(fd, packet, 0); err != nil {
		if isPermissionError(err) {
			return 0, err
		}
		return 0, newError(KindNetwork, "ping probe: send: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return 0, newError(KindTimeout, "ping probe: no reply within %s", timeout)
			}
			return 0, newError(KindNetwork, "ping probe: receive: %w", err)
		}

		elapsed := time.Since(start)
		if elapsed >= timeout {
			return 0, newError(KindTimeout, "ping probe: no reply within %s", timeout)
		}

		if n < 8 {
			continue
		}
		offset := 0
		if buf[0]>>4 == 4 {
			offset = 20 // skip IPv4 header present on RAW sockets
		}
		if n <= offset+7 {
			continue
		}
		replyType := buf[offset]
		replyID := uint16(buf[offset+4])<<8 | uint16(buf[offset+5])
		replySeq := uint16(buf[offset+6])<<8 | uint16(buf[offset+7])
		if replyType == 0 && replyID == identifier && replySeq == sequence {
			return float64(elapsed.Nanoseconds()), nil
		}
	}
}

func runBlockingPingV6(ip net.IP, timeout time.Duration) (float64, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_ICMPV6)
	if err != nil {
		fd, err = unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM, unix.IPPROTO_ICMPV6)
	}
	if err != nil {
		return 0, newError(KindNetwork, "ping probe: create ICMPv6 socket: %w", err)
	}
	defer unix.Close(fd)

	if err := setSocketTimeouts(fd, timeout); err != nil {
		return 0, err
	}

	var addr [16]byte
	copy(addr[:], ip)
	dest := &unix.SockaddrInet6{Addr: addr}
	if err := unix.Connect(fd, dest); err != nil {
		return 0, newError(KindNetwork, "ping probe: connect: %w", err)
	}

	identifier, sequence := generatePingID()
	packet := buildICMPv6EchoRequest(identifier, sequence)

	start := time.Now()
	if err := unix.Send(fd, packet, 0); err != nil {
		if isPermissionError(err) {
			return 0, err
		}
		return 0, newError(KindNetwork, "ping probe: send: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return 0, newError(KindTimeout, "ping probe: no reply within %s", timeout)
			}
			return 0, newError(KindNetwork, "ping probe: receive: %w", err)
		}

		elapsed := time.Since(start)
		if elapsed >= timeout {
			return 0, newError(KindTimeout, "ping probe: no reply within %s", timeout)
		}

		if n < 8 {
			continue
		}
		replyType := buf[0]
		replyID := uint16(buf[4])<<8 | uint16(buf[5])
		replySeq := uint16(buf[6])<<8 | uint16(buf[7])
		if replyType == 129 && replyID == identifier && replySeq == sequence {
			return float64(elapsed.Nanoseconds()), nil
		}
	}
}

func setSocketTimeouts(fd int, timeout time.Duration) error {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return newError(KindNetwork, "ping probe: set recv timeout: %w", err)
	}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		return newError(KindNetwork, "ping probe: set send timeout: %w", err)
	}
	return nil
}

// buildICMPEchoRequest builds an IPv4 ICMP echo request (type 8, code 0):
// an 8-byte header plus a 56-byte payload carrying a send timestamp.
func buildICMPEchoRequest(identifier, sequence uint16) []byte {
	packet := make([]byte, 64)
	packet[0] = 8 // echo request
	packet[1] = 0
	packet[4] = byte(identifier >> 8)
	packet[5] = byte(identifier)
	packet[6] = byte(sequence >> 8)
	packet[7] = byte(sequence)

	putTimestamp(packet[8:16])

	checksum := icmpChecksum(packet)
	packet[2] = byte(checksum >> 8)
	packet[3] = byte(checksum)
	return packet
}

// buildICMPv6EchoRequest builds an ICMPv6 echo request (type 128, code 0).
// The kernel computes the ICMPv6 checksum (it covers the IPv6 pseudo
// header), so the checksum field is left zero.
func buildICMPv6EchoRequest(identifier, sequence uint16) []byte {
	packet := make([]byte, 64)
	packet[0] = 128
	packet[1] = 0
	packet[4] = byte(identifier >> 8)
	packet[5] = byte(identifier)
	packet[6] = byte(sequence >> 8)
	packet[7] = byte(sequence)

	putTimestamp(packet[8:16])
	return packet
}

func putTimestamp(b []byte) {
	ns := uint64(time.Now().UnixNano())
	for i := 7; i >= 0; i-- {
		b[i] = byte(ns)
		ns >>= 8
	}
}

// icmpChecksum computes the RFC 1071 one's-complement checksum.
func icmpChecksum(data []byte) uint16 {
	var sum uint32
	i := 0
	for i+1 < len(data) {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
		i += 2
	}
	if i < len(data) {
		sum += uint32(data[i]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// --- command fallback ---

func runPingCommand(ctx context.Context, address string, timeout time.Duration) (float64, error) {
	timeoutSecs := int(timeout.Seconds())
	if timeoutSecs < 1 {
		timeoutSecs = 1
	}

	cmd := exec.CommandContext(ctx, "ping", "-c", "1", "-W", strconv.Itoa(timeoutSecs), address)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := stdout.String()
	errOut := stderr.String()

	if err != nil {
		if strings.Contains(errOut, "timeout") ||
			strings.Contains(out, "100% packet loss") ||
			strings.Contains(out, "100.0% packet loss") {
			return 0, newError(KindTimeout, "ping probe: no reply within %s", timeout)
		}
		return 0, newError(KindCommand, "ping probe: ping command failed: %w (%s)", err, out)
	}

	return parsePingOutput(out)
}

var (
	pingPerPacketRe    = regexp.MustCompile(`time[=<](?P<val>[0-9.]+)\s*ms`)
	pingMacSummaryRe   = regexp.MustCompile(`round-trip\s+min/avg/max/stddev\s*=\s*([0-9.]+)/([0-9.]+)/([0-9.]+)`)
	pingLinuxSummaryRe = regexp.MustCompile(`rtt\s+min/avg/max/mdev\s*=\s*([0-9.]+)/([0-9.]+)/([0-9.]+)`)
)

// parsePingOutput extracts a latency in nanoseconds from `ping` command
// output, trying the per-packet "time=X ms" form first, then the macOS
// and Linux summary-line forms (both use the average, the second capture
// group).
func parsePingOutput(output string) (float64, error) {
	if m := pingPerPacketRe.FindStringSubmatch(output); m != nil {
		if ms, err := strconv.ParseFloat(m[1], 64); err == nil {
			return ms * 1_000_000.0, nil
		}
	}
	if m := pingMacSummaryRe.FindStringSubmatch(output); len(m) >= 3 {
		if ms, err := strconv.ParseFloat(m[2], 64); err == nil {
			return ms * 1_000_000.0, nil
		}
	}
	if m := pingLinuxSummaryRe.FindStringSubmatch(output); len(m) >= 3 {
		if ms, err := strconv.ParseFloat(m[2], 64); err == nil {
			return ms * 1_000_000.0, nil
		}
	}
	return 0, newError(KindCommand, "ping probe: failed to parse ping output: %s", output)
}
