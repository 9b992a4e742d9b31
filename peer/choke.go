package peer

import (
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/PradaJoaquin/bittorrent-client-tracker/config"
	"github.com/PradaJoaquin/bittorrent-client-tracker/stats"
)

// peerInfo is the per-round scratch view the choke algorithm ranks.
type peerInfo struct {
	id            string
	peer          Peer
	state         connState
	lastBlock     int64
	speed         int
	shouldUnchoke bool
	snubbedClient bool
}

type Choke interface {
	Start()
	SetSeeding()
}

type choke struct {
	peerMgr    PeerManager
	stats      stats.Stats
	cfg        *config.Config
	seeding    int32
	round      int
	optimistic string
	quit       chan int
}

func NewChoke(
	peerMgr PeerManager,
	stats stats.Stats,
	cfg *config.Config,
	quit chan int) Choke {

	return &choke{
		peerMgr: peerMgr,
		stats:   stats,
		cfg:     cfg,
		quit:    quit,
	}
}

// SetSeeding switches ranking from download reciprocity to upload rate
// once the torrent completes.
func (c *choke) SetSeeding() {
	atomic.StoreInt32(&c.seeding, 1)
}

func sortBySpeed(peers []*peerInfo) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].speed != peers[j].speed {
			return peers[i].speed > peers[j].speed
		}
		return peers[i].id < peers[j].id
	})
}

// choke recomputes upload slots: the fastest interested peers keep the
// client unchoked reciprocally, everyone else is choked except one
// optimistic unchoke rotated every few rounds to probe for new fast
// peers.
func (c *choke) choke() {
	peers := c.peerMgr.GetPeerList()
	seeding := atomic.LoadInt32(&c.seeding) == 1

	peerInfos := []*peerInfo{}
	for _, peer := range peers {
		id, state, lastBlock := peer.GetPeerInfo()
		peerInfos = append(peerInfos, &peerInfo{
			id:        id,
			peer:      peer,
			state:     state,
			lastBlock: lastBlock,
		})
	}
	peerStats := c.stats.GetPeerStats()

	// Partition interested and uninterested peers
	interested := make([]*peerInfo, 0)
	notInterested := make([]*peerInfo, 0)
	for _, pi := range peerInfos {
		if peerStat, ok := peerStats[pi.id]; ok {
			if seeding {
				pi.speed = peerStat.UploadRate
			} else {
				pi.speed = peerStat.DownloadRate
			}
		}
		if pi.state.clientInterested && !pi.state.peerChoking {
			if time.Now().Unix()-pi.lastBlock > int64(c.cfg.SnubPeriod/time.Second) {
				pi.snubbedClient = true
			}
		}
		if pi.state.peerInterested && !pi.snubbedClient {
			interested = append(interested, pi)
		} else {
			notInterested = append(notInterested, pi)
		}
	}

	// Sort in descending order of transfer speed
	sortBySpeed(interested)
	sortBySpeed(notInterested)

	// Unchoke the fastest uploaders so they keep the client as one of
	// their active downloaders.
	speedThreshold := 0
	regularSlots := c.cfg.Downloaders - 1
	for i := 0; i < len(interested) && i < regularSlots; i++ {
		interested[i].shouldUnchoke = true
		speedThreshold = interested[i].speed
	}
	// Unchoke uninterested peers with better rates: when they become
	// interested they may reciprocate immediately.
	for i := 0; i < len(notInterested) && notInterested[i].speed > speedThreshold; i++ {
		notInterested[i].shouldUnchoke = true
	}

	// Optimistic unchoke: rotate to a random interested peer outside
	// the regular slots every OptimisticRounds rounds, keep the current
	// one unchoked in between.
	if c.round%c.cfg.OptimisticRounds == 0 {
		c.optimistic = ""
		if len(interested) > regularSlots {
			rest := append([]*peerInfo{}, interested[regularSlots:]...)
			rand.Shuffle(len(rest), func(i, j int) {
				rest[i], rest[j] = rest[j], rest[i]
			})
			c.optimistic = rest[0].id
		}
	}
	c.round++
	if c.optimistic != "" {
		for _, pi := range peerInfos {
			if pi.id == c.optimistic {
				pi.shouldUnchoke = true
			}
		}
	}

	// Apply unchoke/choke transitions only
	for _, pi := range peerInfos {
		if pi.shouldUnchoke && pi.state.clientChoking {
			if err := pi.peer.SendUnchoke(); err != nil {
				zap.L().Debug("unchoke failed", zap.String("peer", pi.id), zap.Error(err))
			}
		}
		if !pi.shouldUnchoke && !pi.state.clientChoking {
			if err := pi.peer.SendChoke(); err != nil {
				zap.L().Debug("choke failed", zap.String("peer", pi.id), zap.Error(err))
			}
		}
	}
}

func (c *choke) Start() {
	for {
		select {
		case <-c.quit:
			return
		case <-time.After(c.cfg.ChokeInterval):
			c.choke()
		}
	}
}
