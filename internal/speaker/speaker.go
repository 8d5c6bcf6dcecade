/*
Package speaker supervises the whole BGP side of the daemon: it owns the
listening socket, one session service per configured neighbor, and the RIB.
All RIB mutation happens in the supervisor event loop, one session output at a
time, so route selection never races and re-advertisement order is
deterministic.
*/
package speaker

import (
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"

	"github.com/stiltzkin10/bgp-ai-agent/internal/config"
	"github.com/stiltzkin10/bgp-ai-agent/internal/rib"
	"github.com/stiltzkin10/bgp-ai-agent/internal/service"
	"github.com/stiltzkin10/bgp-ai-agent/internal/session"
)

const sessionShutdownGrace = 2 * time.Second

// Speaker is the top-level BGP service.
type Speaker struct {
	service.Service

	local    *config.LocalConfig
	sessions map[netip.Addr]*session.Session
	outputs  chan session.Output
	stopped  chan struct{}

	listener net.Listener

	// mutex guards the RIB and the established set: written by the event
	// loop, read by the control plane snapshots.
	mutex       sync.Mutex
	rib         *rib.Rib
	established map[netip.Addr]bool
}

// New builds the speaker from the loaded configuration.
func New() (*Speaker, error) {
	local := config.GetLocal()
	if local == nil {
		return nil, stacktrace.NewError("no local configuration loaded")
	}
	networks := config.Get().NetworkPrefixes()
	s := &Speaker{
		local:       local,
		sessions:    make(map[netip.Addr]*session.Session),
		outputs:     make(chan session.Output, 256),
		stopped:     make(chan struct{}),
		rib:         rib.New(local.ASN, local.RouterIDAddr(), networks),
		established: make(map[netip.Addr]bool),
	}
	for _, peerCfg := range config.GetPeers() {
		sess, err := session.New(peerCfg, local, s.outputs)
		if err != nil {
			return nil, stacktrace.Propagate(err, "fail to build session for <%s>", peerCfg.Address)
		}
		s.sessions[peerCfg.Addr()] = sess
	}
	if err := s.InitializeService("speaker", s); err != nil {
		return nil, stacktrace.Propagate(err, "fail to initialize speaker service")
	}
	return s, nil
}

// Initialize opens the listening socket so a port conflict fails the daemon
// before any session starts dialing.
func (s *Speaker) Initialize() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.local.Port))
	if err != nil {
		return stacktrace.Propagate(err, "fail to listen on port %d", s.local.Port)
	}
	s.listener = listener
	loggo.GetLogger("").Infof("[%s] AS %d router ID %s listening on %s",
		s.GetServiceName(), s.local.ASN, s.local.RouterIDAddr(), listener.Addr())
	return nil
}

// Run starts the sessions and serializes their outputs into the RIB.
func (s *Speaker) Run(shutdownSignal chan time.Duration) error {
	go s.acceptLoop()
	for _, sess := range s.sessions {
		if err := sess.Start(); err != nil {
			return stacktrace.Propagate(err, "fail to start session <%s>", sess.GetServiceName())
		}
	}
	for {
		select {
		case <-shutdownSignal:
			s.stopSessions()
			return nil
		case out := <-s.outputs:
			s.handleOutput(out)
		}
	}
}

// Release closes the listener and unblocks any session still posting.
func (s *Speaker) Release() error {
	close(s.stopped)
	if s.listener != nil {
		s.listener.Close()
	}
	return nil
}

// handleOutput applies one session event to the RIB and fans the resulting
// deltas back out to the sessions they concern.
func (s *Speaker) handleOutput(out session.Output) {
	switch out.Kind {
	case session.KindEstablished:
		s.mutex.Lock()
		delta := s.rib.PeerUp(out.Peer, out.RouterID)
		s.established[out.Peer] = true
		s.mutex.Unlock()
		loggo.GetLogger("").Infof("[%s] peer %s established (AS %d, router ID %s)",
			s.GetServiceName(), out.Peer, out.RemoteAS, out.RouterID)
		s.forward([]rib.Delta{delta})
	case session.KindUpdate:
		s.mutex.Lock()
		deltas := s.rib.ProcessUpdate(out.Peer, out.Update)
		s.mutex.Unlock()
		s.forward(deltas)
	case session.KindDown:
		s.mutex.Lock()
		wasEstablished := s.established[out.Peer]
		var deltas []rib.Delta
		if wasEstablished {
			delete(s.established, out.Peer)
			deltas = s.rib.PeerDown(out.Peer)
		}
		s.mutex.Unlock()
		if wasEstablished {
			loggo.GetLogger("").Infof("[%s] peer %s down, routes withdrawn", s.GetServiceName(), out.Peer)
			s.forward(deltas)
		}
	}
}

// forward turns RIB deltas into UPDATE messages and queues them on the
// matching sessions.
func (s *Speaker) forward(deltas []rib.Delta) {
	for i := range deltas {
		delta := &deltas[i]
		if delta.Empty() {
			continue
		}
		sess, ok := s.sessions[delta.Peer]
		if !ok {
			continue
		}
		loggo.GetLogger("").Debugf("[%s] %s", s.GetServiceName(), delta)
		sess.SendUpdates(delta.Updates())
	}
}

// acceptLoop routes inbound connections to the session configured for the
// remote address. Unconfigured sources are dropped on the floor.
func (s *Speaker) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopped:
			default:
				loggo.GetLogger("").Errorf("[%s] accept failure: %s", s.GetServiceName(), err)
			}
			return
		}
		remote, err := netip.ParseAddrPort(conn.RemoteAddr().String())
		if err != nil {
			conn.Close()
			continue
		}
		sess, ok := s.sessions[remote.Addr().Unmap()]
		if !ok {
			loggo.GetLogger("").Warningf("[%s] rejecting connection from unconfigured peer %s",
				s.GetServiceName(), remote.Addr())
			conn.Close()
			continue
		}
		loggo.GetLogger("").Debugf("[%s] inbound connection from %s", s.GetServiceName(), remote)
		sess.DeliverInbound(conn)
	}
}

// stopSessions shuts every session down; each one sends a Cease notification
// to its peer on the way out.
func (s *Speaker) stopSessions() {
	var wg sync.WaitGroup
	for _, sess := range s.sessions {
		wg.Add(1)
		go func(sess *session.Session) {
			defer wg.Done()
			if err := sess.Shutdown(sessionShutdownGrace, sessionShutdownGrace); err != nil {
				loggo.GetLogger("").Warningf("[%s] fail to shutdown %s: %s",
					s.GetServiceName(), sess.GetServiceName(), err)
			}
		}(sess)
	}
	wg.Wait()
}

// Neighbors returns a control-plane snapshot of every session, sorted by
// neighbor address.
func (s *Speaker) Neighbors() []session.Info {
	infos := make([]session.Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.Snapshot())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Address.Compare(infos[j].Address) < 0
	})
	return infos
}

// RoutesReceived returns the Adj-RIB-In entries, optionally for one peer.
func (s *Speaker) RoutesReceived(peer *netip.Addr) []*rib.Route {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.rib.RoutesIn(peer)
}

// RoutesAdvertised returns the Adj-RIB-Out entries, optionally for one peer.
func (s *Speaker) RoutesAdvertised(peer *netip.Addr) []rib.OutEntry {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.rib.RoutesOut(peer)
}

// HasPeer reports whether addr is a configured neighbor.
func (s *Speaker) HasPeer(addr netip.Addr) bool {
	_, ok := s.sessions[addr]
	return ok
}
