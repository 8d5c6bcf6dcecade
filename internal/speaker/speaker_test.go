package speaker

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stiltzkin10/bgp-ai-agent/internal/config"
	"github.com/stiltzkin10/bgp-ai-agent/internal/fsm"
	"github.com/stiltzkin10/bgp-ai-agent/internal/packet"
)

const testTimeout = 5 * time.Second

// freePort grabs an ephemeral port for the speaker listener.
func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

func loadConfig(t *testing.T, port int) {
	t.Helper()
	content := fmt.Sprintf(`
local:
  asn: 65001
  router_id: 10.0.0.1
  port: %d
  socket_path: %s
peers:
  - address: 127.0.0.1
    remote_as: 65002
    hold_time: 3
    passive: true
networks:
  - 192.168.20.0/24
`, port, filepath.Join(t.TempDir(), "bgpd.sock"))
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	config.SetConfigFile(path)
	require.NoError(t, config.ReadInConfig())
}

type wire struct {
	conn net.Conn
	buf  []byte
}

func (w *wire) next(t *testing.T) packet.Message {
	t.Helper()
	tmp := make([]byte, packet.MaxMsgLen)
	for {
		msg, consumed, err := packet.Next(w.buf)
		require.NoError(t, err)
		if msg != nil {
			w.buf = w.buf[consumed:]
			return msg
		}
		w.conn.SetReadDeadline(time.Now().Add(testTimeout))
		n, err := w.conn.Read(tmp)
		require.NoError(t, err)
		w.buf = append(w.buf, tmp[:n]...)
	}
}

func (w *wire) nextSkippingKeepalives(t *testing.T) packet.Message {
	t.Helper()
	for {
		msg := w.next(t)
		if _, ok := msg.(*packet.Keepalive); !ok {
			return msg
		}
	}
}

func (w *wire) send(t *testing.T, msg packet.Message) {
	t.Helper()
	data, err := packet.Encode(msg)
	require.NoError(t, err)
	w.conn.SetWriteDeadline(time.Now().Add(testTimeout))
	_, err = w.conn.Write(data)
	require.NoError(t, err)
}

func TestSpeakerEndToEnd(t *testing.T) {
	port := freePort(t)
	loadConfig(t, port)

	spk, err := New()
	require.NoError(t, err)
	require.NoError(t, spk.Start())
	t.Cleanup(func() { spk.Shutdown(2*time.Second, 2*time.Second) })

	peer := netip.MustParseAddr("127.0.0.1")
	assert.True(t, spk.HasPeer(peer))
	assert.False(t, spk.HasPeer(netip.MustParseAddr("10.9.9.9")))

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), testTimeout)
	require.NoError(t, err)
	defer conn.Close()
	w := &wire{conn: conn}

	open, ok := w.next(t).(*packet.Open)
	require.True(t, ok)
	assert.Equal(t, uint16(65001), open.AS)
	w.send(t, &packet.Open{Version: packet.Version4, AS: 65002, HoldTime: 30, RouterID: netip.MustParseAddr("2.2.2.2")})
	_, ok = w.next(t).(*packet.Keepalive)
	require.True(t, ok)
	w.send(t, &packet.Keepalive{})

	// Once Established the speaker advertises its configured networks.
	update, ok := w.nextSkippingKeepalives(t).(*packet.Update)
	require.True(t, ok)
	require.NotNil(t, update.Attrs)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("192.168.20.0/24")}, update.NLRI)
	assert.Equal(t, []uint16{65001}, update.Attrs.ASPath)
	assert.Equal(t, "10.0.0.1", update.Attrs.NextHop.String())

	require.Eventually(t, func() bool {
		neighbors := spk.Neighbors()
		return len(neighbors) == 1 && neighbors[0].State == fsm.StateEstablished
	}, testTimeout, 10*time.Millisecond)

	out := spk.RoutesAdvertised(nil)
	require.Len(t, out, 1)
	assert.Equal(t, peer, out[0].Peer)

	// Routes announced by the peer land in the Adj-RIB-In.
	w.send(t, &packet.Update{
		Attrs: &packet.PathAttrs{
			Origin:  packet.OriginIGP,
			ASPath:  []uint16{65002, 65010},
			NextHop: netip.MustParseAddr("10.0.0.2"),
		},
		NLRI: []netip.Prefix{netip.MustParsePrefix("192.168.10.0/24")},
	})
	require.Eventually(t, func() bool {
		return len(spk.RoutesReceived(nil)) == 1
	}, testTimeout, 10*time.Millisecond)
	received := spk.RoutesReceived(&peer)
	require.Len(t, received, 1)
	assert.Equal(t, []uint16{65002, 65010}, received[0].ASPath)

	// A withdrawal empties it again.
	w.send(t, &packet.Update{Withdrawn: []netip.Prefix{netip.MustParsePrefix("192.168.10.0/24")}})
	require.Eventually(t, func() bool {
		return len(spk.RoutesReceived(nil)) == 0
	}, testTimeout, 10*time.Millisecond)
}

func TestSpeakerRejectsUnknownSource(t *testing.T) {
	port := freePort(t)
	loadConfig(t, port)

	spk, err := New()
	require.NoError(t, err)
	require.NoError(t, spk.Start())
	t.Cleanup(func() { spk.Shutdown(2*time.Second, 2*time.Second) })

	// The configured peer is 127.0.0.1; a connection from another loopback
	// address is dropped without a BGP exchange.
	dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: net.ParseIP("127.0.0.2")}, Timeout: testTimeout}
	conn, err := dialer.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(testTimeout))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err)
}
