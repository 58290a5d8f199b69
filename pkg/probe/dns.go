package probe

import (
	"context"
	"encoding/binary"
	"math/rand"
	"net"
	"strings"
	"time"
)

// runDNS queries address (assumed to be a DNS server; port 53 is appended
// if address has none) for the example.com A record, and validates that
// the response's transaction ID and RCODE are clean.
func runDNS(ctx context.Context, address string, timeout time.Duration) (float64, error) {
	targetAddr := address
	if !strings.Contains(address, ":") {
		targetAddr += ":53"
	}

	query, txID := buildDNSQuery()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", targetAddr)
	if err != nil {
		return 0, newError(KindNetwork, "dns probe: dial %s: %w", targetAddr, err)
	}
	defer conn.Close()

	setLowLatencyPriority(conn)

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return 0, newError(KindNetwork, "dns probe: set deadline: %w", err)
	}

	start := time.Now()

	if _, err := conn.Write(query); err != nil {
		return 0, newError(KindNetwork, "dns probe: send: %w", err)
	}

	response := make([]byte, 512)
	n, err := conn.Read(response)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return 0, newError(KindTimeout, "dns probe: no response within %s", timeout)
		}
		return 0, newError(KindNetwork, "dns probe: recv: %w", err)
	}

	elapsed := float64(time.Since(start).Nanoseconds())

	if n < 12 {
		return 0, newError(KindNetwork, "dns probe: response too short: %d bytes", n)
	}

	respTxID := binary.BigEndian.Uint16(response[0:2])
	if respTxID != txID {
		return 0, newError(KindNetwork, "dns probe: transaction ID mismatch: got %d, expected %d", respTxID, txID)
	}

	rcode := response[3] & 0x0F
	if rcode != 0 {
		return 0, newError(KindNetwork, "dns probe: error RCODE %d", rcode)
	}

	return elapsed, nil
}

// buildDNSQuery constructs a minimal standard query for the example.com A
// record, returning the packet bytes and the transaction ID it carries.
func buildDNSQuery() ([]byte, uint16) {
	txID := uint16(rand.Intn(1 << 16))

	packet := make([]byte, 0, 33)
	var header [12]byte
	binary.BigEndian.PutUint16(header[0:2], txID)
	binary.BigEndian.PutUint16(header[2:4], 0x0100) // standard query, recursion desired
	binary.BigEndian.PutUint16(header[4:6], 1)      // qdcount
	// ancount, nscount, arcount all zero
	packet = append(packet, header[:]...)

	packet = append(packet, 7, 'e', 'x', 'a', 'm', 'p', 'l', 'e')
	packet = append(packet, 3, 'c', 'o', 'm')
	packet = append(packet, 0) // root label

	var qtypeClass [4]byte
	binary.BigEndian.PutUint16(qtypeClass[0:2], 1) // QTYPE A
	binary.BigEndian.PutUint16(qtypeClass[2:4], 1) // QCLASS IN
	packet = append(packet, qtypeClass[:]...)

	return packet, txID
}
