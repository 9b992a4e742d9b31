package peer

import (
	"net"
	"sync"

	mapset "github.com/deckarep/golang-set"
	"go.uber.org/zap"

	"github.com/PradaJoaquin/bittorrent-client-tracker/config"
	"github.com/PradaJoaquin/bittorrent-client-tracker/piece"
	"github.com/PradaJoaquin/bittorrent-client-tracker/stats"
	"github.com/PradaJoaquin/bittorrent-client-tracker/storage"
	"github.com/PradaJoaquin/bittorrent-client-tracker/torrent"
	"github.com/PradaJoaquin/bittorrent-client-tracker/wire"
)

// PeerManager is the registry of live connections, keyed by "ip:port".
// Connections reference it instead of the engine directly.
type PeerManager interface {
	AddPeer(id string, conn net.Conn)
	RemovePeer(id string)
	DropPeer(id string)
	GetPeerList() []Peer
	NumPeers() int
	StopPeers()
	BroadcastHave(pieceIndex int)
	BanPeers(peers mapset.Set)
	SendCancels(cancels []piece.PendingRequest)
}

type peerManager struct {
	sync.RWMutex
	torrent     *torrent.Torrent
	store       piece.Store
	scheduler   piece.Scheduler
	storage     storage.Storage
	stats       stats.Stats
	engine      Engine
	cfg         *config.Config
	peers       map[string]Peer
	bannedPeers mapset.Set
}

func NewPeerManager(
	tor *torrent.Torrent,
	store piece.Store,
	scheduler piece.Scheduler,
	storage storage.Storage,
	stats stats.Stats,
	engine Engine,
	cfg *config.Config) PeerManager {

	return &peerManager{
		torrent:     tor,
		store:       store,
		scheduler:   scheduler,
		storage:     storage,
		stats:       stats,
		engine:      engine,
		cfg:         cfg,
		peers:       make(map[string]Peer),
		bannedPeers: mapset.NewSet(),
	}
}

func (pm *peerManager) AddPeer(id string, conn net.Conn) {
	pm.Lock()

	if pm.bannedPeers.Contains(id) {
		pm.Unlock()
		return
	}
	if len(pm.peers) >= pm.cfg.MaxPeers {
		pm.Unlock()
		return
	}
	if _, ok := pm.peers[id]; ok {
		// Already connected
		pm.Unlock()
		return
	}

	w := (wire.Wire)(nil)
	if conn != nil {
		w = newWire(conn, pm.cfg.HandshakeTimeout)
	}
	peer := NewPeer(
		id,
		w,
		pm.torrent,
		pm.store,
		pm.scheduler,
		pm.storage,
		pm,
		pm.stats,
		pm.engine,
		pm.cfg,
	)
	pm.peers[id] = peer
	pm.Unlock()

	go peer.Start()
}

func (pm *peerManager) RemovePeer(id string) {
	pm.Lock()
	defer pm.Unlock()

	delete(pm.peers, id)
}

// DropPeer closes a peer's connection and removes it, unlike RemovePeer
// which only clears the registry entry after a peer stopped itself.
func (pm *peerManager) DropPeer(id string) {
	pm.RLock()
	peer, ok := pm.peers[id]
	pm.RUnlock()

	if ok {
		peer.Stop()
	}
}

func (pm *peerManager) NumPeers() int {
	pm.RLock()
	defer pm.RUnlock()

	return len(pm.peers)
}

func (pm *peerManager) GetPeerList() []Peer {
	pm.RLock()
	defer pm.RUnlock()

	peers := []Peer{}
	for _, peer := range pm.peers {
		peers = append(peers, peer)
	}
	return peers
}

func (pm *peerManager) StopPeers() {
	for _, peer := range pm.GetPeerList() {
		peer.Stop()
	}
}

func (pm *peerManager) BroadcastHave(pieceIndex int) {
	for _, peer := range pm.GetPeerList() {
		if err := peer.SendHave(pieceIndex); err != nil {
			zap.L().Debug("broadcast have failed", zap.Error(err))
		}
	}
}

// BanPeers records peers that contributed to a corrupt piece and drops
// their connections; they will not be re-admitted.
func (pm *peerManager) BanPeers(peers mapset.Set) {
	if peers == nil {
		return
	}
	toStop := []Peer{}
	pm.Lock()
	for _, id := range peers.ToSlice() {
		pm.bannedPeers.Add(id)
		if peer, ok := pm.peers[id.(string)]; ok {
			toStop = append(toStop, peer)
		}
	}
	pm.Unlock()

	for _, peer := range toStop {
		peer.Stop()
	}
}

// SendCancels routes endgame cancels to the peers still holding a
// duplicate outstanding request for an already-received block.
func (pm *peerManager) SendCancels(cancels []piece.PendingRequest) {
	if len(cancels) == 0 {
		return
	}
	pm.RLock()
	defer pm.RUnlock()

	for _, cancel := range cancels {
		if peer, ok := pm.peers[cancel.PeerID]; ok {
			if err := peer.SendCancel(cancel); err != nil {
				zap.L().Debug("send cancel failed",
					zap.String("peer", cancel.PeerID), zap.Error(err))
			}
		}
	}
}
