// Command bgpctl inspects a running bgpd through its control socket.
package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cosiner/flag"

	"github.com/stiltzkin10/bgp-ai-agent/internal/mgmt"
)

// defaultSocket matches the config.example.yaml shipped with the daemon.
const defaultSocket = "/tmp/bgpd.sock"

type neighborsCmd struct {
	Enable bool
	Peer   string `names:"-p, --peer" usage:"restrict to one neighbor address"`
}

type receivedCmd struct {
	Enable bool
	Peer   string `names:"-p, --peer" usage:"restrict to one neighbor address"`
}

type advertisedCmd struct {
	Enable bool
	Peer   string `names:"-p, --peer" usage:"restrict to one neighbor address"`
}

type arguments struct {
	Socket     string        `names:"-s, --socket" usage:"path to the daemon control socket" default:"/tmp/bgpd.sock"`
	Neighbors  neighborsCmd  `usage:"show the configured neighbors and their session states"`
	Received   receivedCmd   `usage:"show the routes received from neighbors (Adj-RIB-In)"`
	Advertised advertisedCmd `usage:"show the routes advertised to neighbors (Adj-RIB-Out)"`
}

func main() {
	var args arguments
	set := flag.NewFlagSet(flag.Flag{})
	if err := set.ParseStruct(&args, os.Args...); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if args.Socket == "" {
		args.Socket = defaultSocket
	}
	client, err := mgmt.NewClient(args.Socket)
	if err != nil {
		fatal(err)
	}
	switch {
	case args.Neighbors.Enable:
		err = showNeighbors(client, args.Neighbors.Peer)
	case args.Received.Enable:
		err = showReceived(client, args.Received.Peer)
	case args.Advertised.Enable:
		err = showAdvertised(client, args.Advertised.Peer)
	default:
		fmt.Fprintln(os.Stderr, "usage: bgpctl [-s socket] neighbors|received|advertised [-p peer]")
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "bgpctl: %s\n", err)
	os.Exit(1)
}

func showNeighbors(client *mgmt.Client, peer string) error {
	neighbors, err := client.ShowNeighbors(peer)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Neighbor\tAS\tState\tTimeInState\tHold\tSent\tRcvd\tErrs")
	for _, n := range neighbors {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%ds\t%d\t%d\t%d\n",
			n.Address, n.RemoteAS, n.State,
			(time.Duration(n.TimeInStateMS) * time.Millisecond).Round(time.Second),
			n.HoldTimeS, n.MsgsSent, n.MsgsReceived, n.MsgErrors)
	}
	return w.Flush()
}

func showReceived(client *mgmt.Client, peer string) error {
	routes, err := client.ShowRoutesReceived(peer)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Prefix\tNextHop\tASPath\tOrigin\tLocalPref\tMED\tFrom")
	for _, r := range routes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.Prefix, r.NextHop, asPath(r.ASPath), r.Origin, r.LocalPref, r.MED, r.Peer)
	}
	return w.Flush()
}

func showAdvertised(client *mgmt.Client, peer string) error {
	routes, err := client.ShowRoutesAdvertised(peer)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Peer\tPrefix\tNextHop\tASPath\tOrigin")
	for _, r := range routes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.Peer, r.Prefix, r.NextHop, asPath(r.ASPath), r.Origin)
	}
	return w.Flush()
}

func asPath(path []uint16) string {
	if len(path) == 0 {
		return "-"
	}
	parts := make([]string, len(path))
	for i, as := range path {
		parts[i] = fmt.Sprintf("%d", as)
	}
	return strings.Join(parts, " ")
}
