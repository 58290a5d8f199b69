package probe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePingOutputPerPacketLinux(t *testing.T) {
	output := `PING 8.8.8.8 (8.8.8.8) 56(84) bytes of data.
64 bytes from 8.8.8.8: icmp_seq=1 ttl=114 time=12.3 ms

--- 8.8.8.8 ping statistics ---
1 packets transmitted, 1 received, 0% packet loss, time 0ms
`
	ns, err := parsePingOutput(output)
	require.NoError(t, err)
	require.InDelta(t, 12.3*1_000_000.0, ns, 0.01)
}

func TestParsePingOutputMacSummary(t *testing.T) {
	output := `PING 8.8.8.8 (8.8.8.8): 56 data bytes

--- 8.8.8.8 ping statistics ---
1 packets transmitted, 1 packets received, 0.0% packet loss
round-trip min/avg/max/stddev = 11.234/11.234/11.234/0.000 ms
`
	ns, err := parsePingOutput(output)
	require.NoError(t, err)
	require.InDelta(t, 11.234*1_000_000.0, ns, 0.01)
}

func TestParsePingOutputLinuxSummary(t *testing.T) {
	output := `rtt min/avg/max/mdev = 10.123/15.456/20.789/3.210 ms`
	ns, err := parsePingOutput(output)
	require.NoError(t, err)
	require.InDelta(t, 15.456*1_000_000.0, ns, 0.01)
}

func TestParsePingOutputUnparseable(t *testing.T) {
	_, err := parsePingOutput("no useful output here")
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindCommand, pe.Kind)
}

func TestICMPChecksumSymmetry(t *testing.T) {
	packet := buildICMPEchoRequest(1234, 5)
	// Recomputing the checksum over a packet with its checksum field
	// zeroed should return the same value that was embedded.
	withoutChecksum := append([]byte(nil), packet...)
	withoutChecksum[2] = 0
	withoutChecksum[3] = 0
	got := icmpChecksum(withoutChecksum)
	want := uint16(packet[2])<<8 | uint16(packet[3])
	require.Equal(t, want, got)
}

func TestGeneratePingIDIsUniquePerCall(t *testing.T) {
	_, seq1 := generatePingID()
	_, seq2 := generatePingID()
	require.NotEqual(t, seq1, seq2)
}
