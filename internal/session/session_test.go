package session

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

// loadConfig installs a config with one neighbor and returns its PeerConfig
// and the local section.
func loadConfig(t *testing.T, peerAddress string, peerPort int, passive bool) (*config.PeerConfig, *config.LocalConfig) {
	t.Helper()
	content := fmt.Sprintf(`
local:
  asn: 65001
  router_id: 10.0.0.1
  socket_path: %s
peers:
  - address: %s
    port: %d
    remote_as: 65002
    hold_time: 3
    passive: %v
`, filepath.Join(t.TempDir(), "bgpd.sock"), peerAddress, peerPort, passive)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	config.SetConfigFile(path)
	require.NoError(t, config.ReadInConfig())
	return config.GetPeers()[0], config.GetLocal()
}

// wire reads framed messages from the remote end of the session's connection.
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

// nextSkippingKeepalives returns the next non-KEEPALIVE message; the session
// emits keepalives on its own schedule.
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

func waitOutput(t *testing.T, out chan Output) Output {
	t.Helper()
	select {
	case o := <-out:
		return o
	case <-time.After(testTimeout):
		t.Fatal("no session output within the timeout")
		return Output{}
	}
}

func startPassiveSession(t *testing.T) (*Session, chan Output, *wire) {
	t.Helper()
	peerCfg, localCfg := loadConfig(t, "10.0.0.2", 179, true)
	out := make(chan Output, 16)
	s, err := New(peerCfg, localCfg, out)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Shutdown(2*time.Second, 2*time.Second) })

	remote, local := net.Pipe()
	s.DeliverInbound(local)
	return s, out, &wire{conn: remote}
}

func TestPassiveHandshakeToEstablished(t *testing.T) {
	s, out, w := startPassiveSession(t)

	msg := w.next(t)
	open, ok := msg.(*packet.Open)
	require.True(t, ok, "expected OPEN, got %s", msg)
	assert.Equal(t, uint16(65001), open.AS)
	assert.Equal(t, uint16(3), open.HoldTime)
	assert.Equal(t, "10.0.0.1", open.RouterID.String())

	w.send(t, &packet.Open{
		Version:  packet.Version4,
		AS:       65002,
		HoldTime: 90,
		RouterID: netip.MustParseAddr("2.2.2.2"),
	})
	// The session acknowledges the OPEN with a KEEPALIVE.
	_, ok = w.next(t).(*packet.Keepalive)
	require.True(t, ok)

	w.send(t, &packet.Keepalive{})
	output := waitOutput(t, out)
	assert.Equal(t, KindEstablished, output.Kind)
	assert.Equal(t, uint16(65002), output.RemoteAS)
	assert.Equal(t, "2.2.2.2", output.RouterID.String())

	info := s.Snapshot()
	assert.Equal(t, fsm.StateEstablished, info.State)
	assert.Equal(t, uint16(65002), info.RemoteAS)
	// The negotiated hold time is the minimum of both offers.
	assert.Equal(t, 3*time.Second, info.HoldTime)

	// An inbound UPDATE reaches the supervisor.
	w.send(t, &packet.Update{
		Attrs: &packet.PathAttrs{
			Origin:  packet.OriginIGP,
			ASPath:  []uint16{65002},
			NextHop: netip.MustParseAddr("10.0.0.2"),
		},
		NLRI: []netip.Prefix{netip.MustParsePrefix("192.168.10.0/24")},
	})
	output = waitOutput(t, out)
	assert.Equal(t, KindUpdate, output.Kind)
	require.NotNil(t, output.Update)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("192.168.10.0/24")}, output.Update.NLRI)

	// Outbound updates queued by the supervisor reach the wire.
	s.SendUpdates([]*packet.Update{{Withdrawn: []netip.Prefix{netip.MustParsePrefix("172.16.0.0/12")}}})
	sent, ok := w.nextSkippingKeepalives(t).(*packet.Update)
	require.True(t, ok)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("172.16.0.0/12")}, sent.Withdrawn)

	// A NOTIFICATION from the peer tears the session down.
	w.send(t, &packet.Notification{Code: packet.ErrCodeCease})
	output = waitOutput(t, out)
	assert.Equal(t, KindDown, output.Kind)
}

func TestPassiveSessionRestsInIdle(t *testing.T) {
	peerCfg, localCfg := loadConfig(t, "10.0.0.2", 179, true)
	out := make(chan Output, 16)
	s, err := New(peerCfg, localCfg, out)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Shutdown(2*time.Second, 2*time.Second) })

	// No dial and no retry cycle: the session waits for the listener.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, fsm.StateIdle, s.Snapshot().State)
}

// When the peer opens a second connection mid-handshake and wins the router ID
// comparison, the session must finish on that connection instead of flapping:
// a Cease goes out on the dumped one and the survivor reaches Established.
func TestCollisionKeepsPeerInitiatedConnection(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	peerCfg, localCfg := loadConfig(t, "127.0.0.1", port, false)
	out := make(chan Output, 16)
	s, err := New(peerCfg, localCfg, out)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Shutdown(2*time.Second, 2*time.Second) })

	listener.(*net.TCPListener).SetDeadline(time.Now().Add(testTimeout))
	conn, err := listener.Accept()
	require.NoError(t, err)
	defer conn.Close()
	first := &wire{conn: conn}
	_, ok := first.next(t).(*packet.Open)
	require.True(t, ok)

	// Second connection from the peer while the session sits in OpenSent.
	remote, local := net.Pipe()
	s.DeliverInbound(local)
	second := &wire{conn: remote}
	_, ok = second.next(t).(*packet.Open)
	require.True(t, ok)

	// 11.0.0.1 beats the local 10.0.0.1, so the peer-initiated connection wins.
	second.send(t, &packet.Open{
		Version:  packet.Version4,
		AS:       65002,
		HoldTime: 3,
		RouterID: netip.MustParseAddr("11.0.0.1"),
	})

	notif, ok := first.next(t).(*packet.Notification)
	require.True(t, ok)
	assert.Equal(t, uint8(packet.ErrCodeCease), notif.Code)

	_, ok = second.next(t).(*packet.Keepalive)
	require.True(t, ok)
	second.send(t, &packet.Keepalive{})

	output := waitOutput(t, out)
	assert.Equal(t, KindEstablished, output.Kind)
	assert.Equal(t, "11.0.0.1", output.RouterID.String())
	assert.Equal(t, fsm.StateEstablished, s.Snapshot().State)
}

func TestSendUpdatesNeverBlocksCaller(t *testing.T) {
	s, out, w := startPassiveSession(t)

	_, ok := w.next(t).(*packet.Open)
	require.True(t, ok)
	w.send(t, &packet.Open{Version: packet.Version4, AS: 65002, HoldTime: 90, RouterID: netip.MustParseAddr("2.2.2.2")})
	_, ok = w.next(t).(*packet.Keepalive)
	require.True(t, ok)
	w.send(t, &packet.Keepalive{})
	require.Equal(t, KindEstablished, waitOutput(t, out).Kind)

	// The peer stops reading; queueing must still return immediately so the
	// supervisor loop is never held up by one stalled session.
	withdrawal := &packet.Update{Withdrawn: []netip.Prefix{netip.MustParsePrefix("172.16.0.0/12")}}
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.SendUpdates([]*packet.Update{withdrawal})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("SendUpdates blocked on a stalled peer")
	}

	// The queue drains onto the wire once the peer reads again.
	sent, ok := w.nextSkippingKeepalives(t).(*packet.Update)
	require.True(t, ok)
	assert.Equal(t, withdrawal.Withdrawn, sent.Withdrawn)
}

func TestOpenWithWrongASRejected(t *testing.T) {
	_, out, w := startPassiveSession(t)

	_, ok := w.next(t).(*packet.Open)
	require.True(t, ok)

	w.send(t, &packet.Open{
		Version:  packet.Version4,
		AS:       65009,
		HoldTime: 90,
		RouterID: netip.MustParseAddr("2.2.2.2"),
	})
	notif, ok := w.next(t).(*packet.Notification)
	require.True(t, ok)
	assert.Equal(t, uint8(packet.ErrCodeOpenMsg), notif.Code)
	assert.Equal(t, uint8(packet.ErrSubBadPeerAS), notif.Subcode)

	output := waitOutput(t, out)
	assert.Equal(t, KindDown, output.Kind)
}

func TestMalformedUpdateSendsNotification(t *testing.T) {
	_, out, w := startPassiveSession(t)

	_, ok := w.next(t).(*packet.Open)
	require.True(t, ok)
	w.send(t, &packet.Open{Version: packet.Version4, AS: 65002, HoldTime: 90, RouterID: netip.MustParseAddr("2.2.2.2")})
	_, ok = w.next(t).(*packet.Keepalive)
	require.True(t, ok)
	w.send(t, &packet.Keepalive{})
	require.Equal(t, KindEstablished, waitOutput(t, out).Kind)

	// An UPDATE missing its mandatory attributes: the session answers with an
	// UPDATE error NOTIFICATION and tears down.
	body := []byte{0, 0, 0, 7, 0x40, 3, 4, 10, 0, 0, 2, 24, 192, 168, 10}
	buf := make([]byte, packet.HeaderLen+len(body))
	for i := 0; i < packet.MarkerLen; i++ {
		buf[i] = 0xff
	}
	buf[packet.MarkerLen+1] = byte(len(buf))
	buf[packet.MarkerLen+2] = packet.MsgTypeUpdate
	copy(buf[packet.HeaderLen:], body)
	w.conn.SetWriteDeadline(time.Now().Add(testTimeout))
	_, err := w.conn.Write(buf)
	require.NoError(t, err)

	notif, ok := w.nextSkippingKeepalives(t).(*packet.Notification)
	require.True(t, ok)
	assert.Equal(t, uint8(packet.ErrCodeUpdateMsg), notif.Code)
	assert.Equal(t, KindDown, waitOutput(t, out).Kind)
}

func TestActiveDialHandshake(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	peerCfg, localCfg := loadConfig(t, "127.0.0.1", port, false)
	out := make(chan Output, 16)
	s, err := New(peerCfg, localCfg, out)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Shutdown(2*time.Second, 2*time.Second) })

	listener.(*net.TCPListener).SetDeadline(time.Now().Add(testTimeout))
	conn, err := listener.Accept()
	require.NoError(t, err)
	defer conn.Close()
	w := &wire{conn: conn}

	_, ok := w.next(t).(*packet.Open)
	require.True(t, ok)
	w.send(t, &packet.Open{Version: packet.Version4, AS: 65002, HoldTime: 30, RouterID: netip.MustParseAddr("2.2.2.2")})
	_, ok = w.next(t).(*packet.Keepalive)
	require.True(t, ok)
	w.send(t, &packet.Keepalive{})

	output := waitOutput(t, out)
	assert.Equal(t, KindEstablished, output.Kind)
	assert.Equal(t, fsm.StateEstablished, s.Snapshot().State)
}
