// Command cloudnode runs one peer of the encryption cluster: it binds a
// UDP socket, joins the fixed peer set given on the command line, and
// serves the image-encryption RPC until interrupted.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"cloudnode/internal/cluster"
	"cloudnode/internal/config"
	"cloudnode/internal/control"
	"cloudnode/internal/debuglog"
	"cloudnode/internal/directory"
	"cloudnode/internal/metrics"
	"cloudnode/internal/pipeline"
	"cloudnode/internal/router"
	"cloudnode/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run is the testable entrypoint: main only wires it to the process
// argv/exit status, matching the teacher's cmd/web4-node/main.go shape.
func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Parse(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		printUsage(stderr)
		return 1
	}

	m := metrics.New()
	c := cluster.New(cfg.SelfID, cfg.SelfEndpoint, cfg.Peers, control.CacheTTL, control.FailureTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// tr.New needs the dispatch callback before the router exists to
	// dispatch to; rtr is filled in once every component that depends on
	// tr as a Sender has been built, then the closure below picks it up.
	var rtr *router.Router
	onMessage := func(from *net.UDPAddr, payload []byte) {
		if rtr != nil {
			rtr.Route(ctx, from, payload)
		}
	}

	tr, err := transport.New(cfg.SelfEndpoint, m, onMessage)
	if err != nil {
		fmt.Fprintf(stderr, "cloudnode: bind failed: %v\n", err)
		return 1
	}
	defer tr.Close()

	balancer := control.NewBalancer(c, m)
	pl := pipeline.New(m, tr)
	ctrl := control.New(c, tr, m)
	dir := directory.New(tr)
	rtr = router.New(c, tr, pl, balancer, ctrl, dir, m)

	go tr.Run(ctx)
	go ctrl.RunHeartbeatLoop(ctx)
	go ctrl.RunElectionTickLoop(ctx)
	go ctrl.TriggerElection(ctx) // converge on a coordinator without waiting for the first tick

	fmt.Fprintf(stdout, "cloudnode: node %d listening on %s, peers=%v\n", cfg.SelfID, tr.LocalAddr(), cfg.Peers)
	debuglog.Logf("cloudnode: node %d started", cfg.SelfID)

	<-ctx.Done()
	fmt.Fprintln(stdout, "cloudnode: shutting down")
	if path := os.Getenv("METRICS_SNAPSHOT_PATH"); path != "" {
		if err := m.WriteSnapshot(path); err != nil {
			debuglog.Logf("cloudnode: failed to write metrics snapshot to %s: %v", path, err)
		}
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: cloudnode <node_id> <bind_host:port> <peer_host:port,peer_host:port,...>")
	fmt.Fprintln(w, "  node_id must be a positive integer unique within the cluster")
	fmt.Fprintln(w, "  the peer list is ordered by ascending id, skipping node_id")
	fmt.Fprintln(w, "  LOG=debug|trace enables verbose diagnostics")
	fmt.Fprintln(w, "  METRICS_SNAPSHOT_PATH, if set, receives a JSON counter snapshot on shutdown")
}
