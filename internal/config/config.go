// Package config parses the three positional CLI arguments a cloudnode
// process takes into a ClusterConfig (spec.md §6 "Process invocation").
// There is no flags library and no config file, mirroring the teacher's
// small hand-rolled argument parsing in cmd/web4-node/main.go.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"cloudnode/internal/proto"
)

// ClusterConfig is everything a node needs to start: its own identity and
// bind endpoint, plus the fixed peer table (spec.md §3's PeerTable).
type ClusterConfig struct {
	SelfID       proto.NodeID
	SelfEndpoint *net.UDPAddr
	Peers        map[proto.NodeID]*net.UDPAddr
}

// Parse reads exactly three positional arguments:
//  1. NodeId — a small positive integer, unique within the cluster.
//  2. Local bind endpoint, host:port.
//  3. Comma-separated peer endpoints, paired with ids by ascending order
//     with the local id skipped (id 1 is first, etc.).
func Parse(args []string) (ClusterConfig, error) {
	if len(args) != 3 {
		return ClusterConfig{}, fmt.Errorf("config: expected 3 arguments (node_id bind_endpoint peer_endpoints), got %d", len(args))
	}

	rawID, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil || rawID == 0 {
		return ClusterConfig{}, fmt.Errorf("config: invalid node id %q: must be a positive integer", args[0])
	}
	selfID := proto.NodeID(rawID)

	selfEndpoint, err := net.ResolveUDPAddr("udp", args[1])
	if err != nil {
		return ClusterConfig{}, fmt.Errorf("config: invalid bind endpoint %q: %w", args[1], err)
	}

	peers, err := parsePeerList(selfID, args[2])
	if err != nil {
		return ClusterConfig{}, err
	}

	return ClusterConfig{SelfID: selfID, SelfEndpoint: selfEndpoint, Peers: peers}, nil
}

// parsePeerList assigns ascending ids (skipping selfID) to the given
// comma-separated endpoint list, in order.
func parsePeerList(selfID proto.NodeID, raw string) (map[proto.NodeID]*net.UDPAddr, error) {
	peers := make(map[proto.NodeID]*net.UDPAddr)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return peers, nil
	}

	endpoints := strings.Split(raw, ",")
	ids := candidateIDs(selfID, len(endpoints))
	for i, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		addr, err := net.ResolveUDPAddr("udp", ep)
		if err != nil {
			return nil, fmt.Errorf("config: invalid peer endpoint %q: %w", ep, err)
		}
		peers[ids[i]] = addr
	}
	return peers, nil
}

// candidateIDs returns the first n positive integers, skipping selfID, in
// ascending order.
func candidateIDs(selfID proto.NodeID, n int) []proto.NodeID {
	ids := make([]proto.NodeID, 0, n)
	for next := proto.NodeID(1); len(ids) < n; next++ {
		if next == selfID {
			continue
		}
		ids = append(ids, next)
	}
	return ids
}
