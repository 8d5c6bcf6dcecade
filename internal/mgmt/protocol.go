/*
Package mgmt is the local control plane: a line-oriented JSON protocol served
over a unix domain socket. One connection carries one request and one
response; the response echoes the request id so callers can correlate.
*/
package mgmt

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/stiltzkin10/bgp-ai-agent/internal/rib"
	"github.com/stiltzkin10/bgp-ai-agent/internal/session"
)

// Commands understood by the server.
const (
	CmdShowNeighbors        = "show_neighbors"
	CmdShowRoutesReceived   = "show_routes_received"
	CmdShowRoutesAdvertised = "show_routes_advertised"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is one control-plane query. Peer optionally restricts route
// commands to a single neighbor address.
type Request struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Peer    string `json:"peer,omitempty"`
}

// Neighbor is the wire form of one session snapshot.
type Neighbor struct {
	Address       string `json:"address"`
	RemoteAS      uint16 `json:"remote_as"`
	State         string `json:"state"`
	TimeInStateMS int64  `json:"time_in_state_ms"`
	HoldTimeS     int64  `json:"hold_time_s"`
	MsgsSent      uint64 `json:"msgs_sent"`
	MsgsReceived  uint64 `json:"msgs_received"`
	MsgErrors     uint64 `json:"msg_errors"`
}

// RouteEntry is the wire form of one RIB entry. For received routes Peer is
// the neighbor the route was learned from; for advertised routes it is the
// neighbor the route is sent to.
type RouteEntry struct {
	Peer      string   `json:"peer"`
	Prefix    string   `json:"prefix"`
	NextHop   string   `json:"next_hop"`
	ASPath    []uint16 `json:"as_path"`
	Origin    string   `json:"origin"`
	LocalPref uint32   `json:"local_pref"`
	MED       uint32   `json:"med"`
}

// Response is the answer to one Request.
type Response struct {
	ID        string       `json:"id"`
	Status    string       `json:"status"`
	Message   string       `json:"message,omitempty"`
	Neighbors []Neighbor   `json:"neighbors,omitempty"`
	Routes    []RouteEntry `json:"routes,omitempty"`
}

// Err reports whether the response carries an error, as a Go error.
func (r *Response) Err() error {
	if r.Status != StatusError {
		return nil
	}
	return fmt.Errorf("control plane error: %s", r.Message)
}

func neighborFromInfo(info session.Info) Neighbor {
	return Neighbor{
		Address:       info.Address.String(),
		RemoteAS:      info.RemoteAS,
		State:         info.State.String(),
		TimeInStateMS: info.TimeInState.Milliseconds(),
		HoldTimeS:     int64(info.HoldTime / time.Second),
		MsgsSent:      info.MsgsSent,
		MsgsReceived:  info.MsgsReceived,
		MsgErrors:     info.MsgErrors,
	}
}

func routeEntry(peer netip.Addr, route *rib.Route) RouteEntry {
	return RouteEntry{
		Peer:      peer.String(),
		Prefix:    route.Prefix.String(),
		NextHop:   route.NextHop.String(),
		ASPath:    append([]uint16(nil), route.ASPath...),
		Origin:    route.Origin.String(),
		LocalPref: route.LocalPref,
		MED:       route.MED,
	}
}
