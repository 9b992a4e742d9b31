// Package trackerserver implements the companion tracker: per-torrent
// swarm bookkeeping and a bencoded HTTP announce endpoint.
package trackerserver

import (
	"net"
	"sync"
	"time"
)

const (
	ANNOUNCE_INTERVAL = 30 * time.Minute
	// A peer missing this many intervals is considered gone
	PRUNE_MULTIPLE  = 2
	MAX_NUMWANT     = 50
	DEFAULT_NUMWANT = 30
)

// Peer is one swarm member as last announced.
type Peer struct {
	ID           string
	IP           net.IP
	Port         int
	Left         int
	LastAnnounce time.Time
}

type AnnounceRequest struct {
	InfoHash   string
	PeerID     string
	IP         net.IP
	Port       int
	Uploaded   int
	Downloaded int
	Left       int
	Event      string
	NumWant    int
}

type AnnounceResponse struct {
	Interval   time.Duration
	Complete   int
	Incomplete int
	Peers      []*Peer
}

type SwarmStats struct {
	Seeders  int
	Leechers int
}

type swarm struct {
	peers map[string]*Peer
}

// Registry tracks every swarm this tracker coordinates, keyed by
// info-hash. One lock is plenty: announces are rare per peer.
type Registry struct {
	sync.Mutex
	swarms   map[string]*swarm
	interval time.Duration
}

func NewRegistry() *Registry {
	return &Registry{
		swarms:   make(map[string]*swarm),
		interval: ANNOUNCE_INTERVAL,
	}
}

// Announce records the peer's state and returns up to NumWant other
// swarm members. A stopped event removes the peer instead.
func (r *Registry) Announce(req *AnnounceRequest) *AnnounceResponse {
	r.Lock()
	defer r.Unlock()

	sw, ok := r.swarms[req.InfoHash]
	if !ok {
		sw = &swarm{peers: make(map[string]*Peer)}
		r.swarms[req.InfoHash] = sw
	}

	if req.Event == "stopped" {
		delete(sw.peers, req.PeerID)
	} else {
		sw.peers[req.PeerID] = &Peer{
			ID:           req.PeerID,
			IP:           req.IP,
			Port:         req.Port,
			Left:         req.Left,
			LastAnnounce: time.Now(),
		}
	}

	numwant := req.NumWant
	if numwant <= 0 {
		numwant = DEFAULT_NUMWANT
	}
	if numwant > MAX_NUMWANT {
		numwant = MAX_NUMWANT
	}

	resp := &AnnounceResponse{Interval: r.interval}
	for id, peer := range sw.peers {
		if peer.Left == 0 {
			resp.Complete++
		} else {
			resp.Incomplete++
		}
		if id == req.PeerID {
			continue
		}
		if len(resp.Peers) < numwant {
			resp.Peers = append(resp.Peers, peer)
		}
	}
	return resp
}

// Prune drops peers that stopped announcing without a stopped event and
// swarms that emptied out.
func (r *Registry) Prune() {
	r.Lock()
	defer r.Unlock()

	cutoff := time.Now().Add(-time.Duration(PRUNE_MULTIPLE) * r.interval)
	for infoHash, sw := range r.swarms {
		for id, peer := range sw.peers {
			if peer.LastAnnounce.Before(cutoff) {
				delete(sw.peers, id)
			}
		}
		if len(sw.peers) == 0 {
			delete(r.swarms, infoHash)
		}
	}
}

// Stats reports seeder/leecher counts per swarm, keyed by info-hash.
func (r *Registry) Stats() map[string]SwarmStats {
	r.Lock()
	defer r.Unlock()

	stats := make(map[string]SwarmStats)
	for infoHash, sw := range r.swarms {
		s := SwarmStats{}
		for _, peer := range sw.peers {
			if peer.Left == 0 {
				s.Seeders++
			} else {
				s.Leechers++
			}
		}
		stats[infoHash] = s
	}
	return stats
}
