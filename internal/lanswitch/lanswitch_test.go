package lanswitch

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intar-labs/intar/internal/netalloc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func frame(dst, src [6]byte, payload string) []byte {
	f := make([]byte, 0, 14+len(payload))
	f = append(f, dst[:]...)
	f = append(f, src[:]...)
	f = append(f, 0x08, 0x00)
	f = append(f, []byte(payload)...)
	return f
}

func readWithTimeout(t *testing.T, conn *net.UDPConn, d time.Duration) []byte {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	n, err := conn.Read(buf)
	require.NoError(t, err, "expected to receive a forwarded frame")
	return buf[:n]
}

func TestSwitch_FloodsBroadcastToOtherPeers(t *testing.T) {
	hubPort, err := netalloc.FindFreeUDPPort()
	require.NoError(t, err)

	peerA := openPeer(t)
	peerB := openPeer(t)

	sw, err := Spawn(hubPort, []*net.UDPAddr{
		peerA.LocalAddr().(*net.UDPAddr),
		peerB.LocalAddr().(*net.UDPAddr),
	}, testLogger())
	require.NoError(t, err)
	defer sw.Stop()

	hub := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(hubPort)}

	macA := [6]byte{0x52, 0x54, 0x00, 0x00, 0x00, 0x01}
	broadcast := [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

	_, err = peerA.WriteToUDP(frame(broadcast, macA, "hello"), hub)
	require.NoError(t, err)

	got := readWithTimeout(t, peerB, time.Second)
	require.Contains(t, string(got), "hello")
}

func TestSwitch_UnicastsToLearnedMAC(t *testing.T) {
	hubPort, err := netalloc.FindFreeUDPPort()
	require.NoError(t, err)

	peerA := openPeer(t)
	peerB := openPeer(t)
	peerC := openPeer(t)

	sw, err := Spawn(hubPort, []*net.UDPAddr{
		peerA.LocalAddr().(*net.UDPAddr),
		peerB.LocalAddr().(*net.UDPAddr),
		peerC.LocalAddr().(*net.UDPAddr),
	}, testLogger())
	require.NoError(t, err)
	defer sw.Stop()

	hub := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(hubPort)}

	macA := [6]byte{0x52, 0x54, 0x00, 0x00, 0x00, 0x01}
	macB := [6]byte{0x52, 0x54, 0x00, 0x00, 0x00, 0x02}
	broadcast := [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

	// A announces itself via broadcast so the switch learns its MAC/addr.
	_, err = peerA.WriteToUDP(frame(broadcast, macA, "announce"), hub)
	require.NoError(t, err)
	readWithTimeout(t, peerB, time.Second)
	readWithTimeout(t, peerC, time.Second)

	// B now unicasts to A's learned MAC; only A should receive it.
	_, err = peerB.WriteToUDP(frame(macA, macB, "direct"), hub)
	require.NoError(t, err)

	got := readWithTimeout(t, peerA, time.Second)
	require.Contains(t, string(got), "direct")

	require.NoError(t, peerC.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	buf := make([]byte, 2048)
	_, err = peerC.Read(buf)
	require.Error(t, err, "unicast frame must not be broadcast to an uninvolved peer")
}
