package consensus

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultElectionTimeout  = 5 * time.Second
	DefaultSnapshotInterval = 30 * time.Second
	DefaultRetainSnapshots  = 2
)

// Peer is one voting member of the cluster.
type Peer struct {
	ID      string
	Address string
}

// ParsePeers reads "id=host:port,id=host:port". A bare "host:port" uses the
// address as its id.
func ParsePeers(s string) ([]Peer, error) {
	var peers []Peer
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, addr, found := strings.Cut(part, "=")
		if !found {
			id, addr = part, part
		}
		if id == "" || addr == "" {
			return nil, fmt.Errorf("consensus: malformed peer %q", part)
		}
		peers = append(peers, Peer{ID: id, Address: addr})
	}
	return peers, nil
}

// AddressBook maps a raft transport address to another address of the same
// node, looked up through the node id. Missing ids are left out.
func AddressBook(raftPeers, otherPeers []Peer) map[string]string {
	byID := make(map[string]string, len(otherPeers))
	for _, p := range otherPeers {
		byID[p.ID] = p.Address
	}
	book := make(map[string]string, len(raftPeers))
	for _, p := range raftPeers {
		if addr, ok := byID[p.ID]; ok {
			book[p.Address] = addr
		}
	}
	return book
}

// Config describes one raft node.
type Config struct {
	NodeID   string
	BindAddr string
	// AdvertiseAddr defaults to BindAddr.
	AdvertiseAddr string

	// DataDir holds the log/, meta/ and snapshot/ directories.
	DataDir string

	// Peers is the initial voter set used when Bootstrap is set and the
	// node has no existing state. It may include this node.
	Peers     []Peer
	Bootstrap bool

	ElectionTimeout   time.Duration
	HeartbeatTimeout  time.Duration
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64
	RetainSnapshots   int
}

func (c *Config) setDefaults() {
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.BindAddr
	}
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = DefaultElectionTimeout
	}
	if c.HeartbeatTimeout <= 0 || c.HeartbeatTimeout > c.ElectionTimeout {
		c.HeartbeatTimeout = min(time.Second, c.ElectionTimeout)
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.RetainSnapshots <= 0 {
		c.RetainSnapshots = DefaultRetainSnapshots
	}
}

func (c Config) servers() []Peer {
	servers := []Peer{{ID: c.NodeID, Address: c.AdvertiseAddr}}
	for _, p := range c.Peers {
		if p.ID == c.NodeID {
			continue
		}
		servers = append(servers, p)
	}
	return servers
}
