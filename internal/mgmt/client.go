package mgmt

import (
	"encoding/json"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/palantir/stacktrace"
)

// Client talks to a running daemon over its control socket. Each call opens
// a fresh connection, so a Client is safe for concurrent use.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient builds a client for the daemon listening on socketPath.
func NewClient(socketPath string) (*Client, error) {
	if socketPath == "" {
		return nil, stacktrace.NewError("invalid empty socket path")
	}
	return &Client{socketPath: socketPath, timeout: requestTimeout}, nil
}

// ShowNeighbors returns the session snapshots, optionally for one peer.
func (c *Client) ShowNeighbors(peer string) ([]Neighbor, error) {
	resp, err := c.do(&Request{Command: CmdShowNeighbors, Peer: peer})
	if err != nil {
		return nil, err
	}
	return resp.Neighbors, nil
}

// ShowRoutesReceived returns the Adj-RIB-In entries, optionally for one peer.
func (c *Client) ShowRoutesReceived(peer string) ([]RouteEntry, error) {
	resp, err := c.do(&Request{Command: CmdShowRoutesReceived, Peer: peer})
	if err != nil {
		return nil, err
	}
	return resp.Routes, nil
}

// ShowRoutesAdvertised returns the Adj-RIB-Out entries, optionally for one
// peer.
func (c *Client) ShowRoutesAdvertised(peer string) ([]RouteEntry, error) {
	resp, err := c.do(&Request{Command: CmdShowRoutesAdvertised, Peer: peer})
	if err != nil {
		return nil, err
	}
	return resp.Routes, nil
}

func (c *Client) do(req *Request) (*Response, error) {
	req.ID = uuid.NewString()
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to connect to <%s>, is the daemon running?", c.socketPath)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, stacktrace.Propagate(err, "fail to send request")
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, stacktrace.Propagate(err, "fail to read response")
	}
	if resp.ID != "" && resp.ID != req.ID {
		return nil, stacktrace.NewError("response id <%s> does not match request id <%s>", resp.ID, req.ID)
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return &resp, nil
}
