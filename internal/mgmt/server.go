package mgmt

import (
	"encoding/json"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"

	"github.com/stiltzkin10/bgp-ai-agent/internal/errorcode"
	"github.com/stiltzkin10/bgp-ai-agent/internal/rib"
	"github.com/stiltzkin10/bgp-ai-agent/internal/service"
	"github.com/stiltzkin10/bgp-ai-agent/internal/session"
)

const requestTimeout = 10 * time.Second

// Backend is what the server needs from the speaker.
type Backend interface {
	Neighbors() []session.Info
	RoutesReceived(peer *netip.Addr) []*rib.Route
	RoutesAdvertised(peer *netip.Addr) []rib.OutEntry
	HasPeer(addr netip.Addr) bool
}

// Server answers control-plane requests on a unix domain socket.
type Server struct {
	service.Service

	socketPath string
	backend    Backend
	listener   net.Listener
	stopped    chan struct{}
}

// NewServer builds the control-plane server. The socket is not opened until
// Initialize.
func NewServer(socketPath string, backend Backend) (*Server, error) {
	if socketPath == "" {
		return nil, stacktrace.NewError("invalid empty socket path")
	}
	if backend == nil {
		return nil, stacktrace.NewError("invalid <nil> backend")
	}
	s := &Server{
		socketPath: socketPath,
		backend:    backend,
		stopped:    make(chan struct{}),
	}
	if err := s.InitializeService("mgmt", s); err != nil {
		return nil, stacktrace.Propagate(err, "fail to initialize mgmt service")
	}
	return s, nil
}

// Initialize binds the unix socket, clearing a stale file from a previous
// run first.
func (s *Server) Initialize() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return stacktrace.Propagate(err, "fail to remove stale socket <%s>", s.socketPath)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return stacktrace.Propagate(err, "fail to listen on <%s>", s.socketPath)
	}
	s.listener = listener
	loggo.GetLogger("").Infof("[%s] listening on %s", s.GetServiceName(), s.socketPath)
	return nil
}

// Run serves until shutdown.
func (s *Server) Run(shutdownSignal chan time.Duration) error {
	go s.acceptLoop()
	<-shutdownSignal
	return nil
}

// Release closes the socket and removes its file.
func (s *Server) Release() error {
	close(s.stopped)
	if s.listener != nil {
		s.listener.Close()
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		loggo.GetLogger("").Warningf("[%s] fail to remove socket <%s>: %s", s.GetServiceName(), s.socketPath, err)
	}
	return nil
}

func (s *Server) acceptLoop() {
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
		go s.serveConn(conn)
	}
}

// serveConn handles one request/response exchange.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(requestTimeout))
	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		loggo.GetLogger("").Warningf("[%s] malformed request: %s", s.GetServiceName(), err)
		json.NewEncoder(conn).Encode(&Response{Status: StatusError, Message: "malformed request"})
		return
	}
	resp := s.handle(&req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		loggo.GetLogger("").Warningf("[%s] fail to send response: %s", s.GetServiceName(), err)
	}
}

func (s *Server) handle(req *Request) *Response {
	resp := &Response{ID: req.ID, Status: StatusOK}
	peer, err := s.peerFilter(req)
	if err != nil {
		resp.Status = StatusError
		resp.Message = err.Error()
		return resp
	}
	switch req.Command {
	case CmdShowNeighbors:
		for _, info := range s.backend.Neighbors() {
			if peer != nil && info.Address != *peer {
				continue
			}
			resp.Neighbors = append(resp.Neighbors, neighborFromInfo(info))
		}
	case CmdShowRoutesReceived:
		for _, route := range s.backend.RoutesReceived(peer) {
			resp.Routes = append(resp.Routes, routeEntry(route.Peer, route))
		}
	case CmdShowRoutesAdvertised:
		for _, entry := range s.backend.RoutesAdvertised(peer) {
			resp.Routes = append(resp.Routes, routeEntry(entry.Peer, entry.Route))
		}
	default:
		resp.Status = StatusError
		resp.Message = stacktrace.NewErrorWithCode(errorcode.EcodeBadControlRequest,
			"unknown command <%s>", req.Command).Error()
	}
	return resp
}

// peerFilter validates the optional peer field against the configured
// neighbors, so a typo comes back as an error instead of an empty list.
func (s *Server) peerFilter(req *Request) (*netip.Addr, error) {
	if req.Peer == "" {
		return nil, nil
	}
	addr, err := netip.ParseAddr(req.Peer)
	if err != nil {
		return nil, stacktrace.NewErrorWithCode(errorcode.EcodeBadControlRequest,
			"invalid peer address <%s>", req.Peer)
	}
	if !s.backend.HasPeer(addr) {
		return nil, stacktrace.NewErrorWithCode(errorcode.EcodeUnknownPeer,
			"unknown peer <%s>", req.Peer)
	}
	return &addr, nil
}
