// Package tracker announces the client to the torrent's trackers over
// HTTP or UDP and feeds discovered peer addresses into the peer
// registry.
package tracker

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PradaJoaquin/bittorrent-client-tracker/peer"
	"github.com/PradaJoaquin/bittorrent-client-tracker/stats"
	"github.com/PradaJoaquin/bittorrent-client-tracker/torrent"
)

const (
	NONE      = 0
	COMPLETED = 1
	STARTED   = 2
	STOPPED   = 3
)

const DEFAULT_ANNOUNCE_INTERVAL = 30 * time.Minute

type Tracker interface {
	Start()
	// Completed triggers an out-of-cycle announce with the completed
	// event once the download finishes.
	Completed()
}

type tracker struct {
	torrent      *torrent.Torrent
	stats        stats.Stats
	peerMgr      peer.PeerManager
	quit         chan int
	completed    chan int
	serverPort   int
	key          int32
	numwant      int32
	logger       *zap.Logger
	announceResp struct {
		FailureReason string `bencode:"failure reason"`
		Interval      int32  `bencode:"interval"`
		Leechers      int32  `bencode:"incomplete"`
		Seeders       int32  `bencode:"complete"`
		Peers         string `bencode:"peers"`
	}
}

func NewTracker(
	tor *torrent.Torrent,
	stats stats.Stats,
	peerMgr peer.PeerManager,
	quit chan int,
	serverPort int) Tracker {

	return &tracker{
		torrent:    tor,
		stats:      stats,
		peerMgr:    peerMgr,
		quit:       quit,
		completed:  make(chan int, 1),
		serverPort: serverPort,
		key:        rand.Int31(),
		numwant:    50,
		logger:     zap.L().With(zap.String("announce", tor.MetaInfo.Announce)),
	}
}

func (tr *tracker) Completed() {
	select {
	case tr.completed <- 1:
	default:
	}
}

func (tr *tracker) queryTrackerFunc(trackerURL string) (func(string, int) error, error) {
	switch {
	case strings.HasPrefix(trackerURL, "udp://"):
		return tr.queryUDPTracker, nil
	case strings.HasPrefix(trackerURL, "http://"), strings.HasPrefix(trackerURL, "https://"):
		return tr.queryHTTPTracker, nil
	default:
		return nil, fmt.Errorf("unsupported tracker scheme in %q", trackerURL)
	}
}

// announceTracker runs the announce cycle against one tracker until the
// client shuts down or the tracker stops responding.
func (tr *tracker) announceTracker(trackerURL string) error {
	queryTracker, err := tr.queryTrackerFunc(trackerURL)
	if err != nil {
		return err
	}

	if err := queryTracker(trackerURL, STARTED); err != nil {
		return err
	}
	for {
		interval := time.Duration(tr.announceResp.Interval) * time.Second
		if interval <= 0 {
			interval = DEFAULT_ANNOUNCE_INTERVAL
		}
		select {
		case <-tr.quit:
			tr.logger.Info("announcing stopped")
			queryTracker(trackerURL, STOPPED)
			return nil
		case <-tr.completed:
			if err := queryTracker(trackerURL, COMPLETED); err != nil {
				return err
			}
		case <-time.After(interval):
			if err := queryTracker(trackerURL, NONE); err != nil {
				return err
			}
		}
	}
}

// connectTracker walks the announce-list tiers, demoting trackers that
// fail within their tier, falling back to the single announce URL.
func (tr *tracker) connectTracker() {
	if len(tr.torrent.MetaInfo.AnnounceList) > 0 {
		for _, trackerURLs := range tr.torrent.MetaInfo.AnnounceList {
			for _, trackerURL := range trackerURLs {
				err := tr.announceTracker(trackerURL)
				if err == nil {
					// Connected and cleanly disconnected
					return
				}
				tr.logger.Warn("tracker failed", zap.String("url", trackerURL), zap.Error(err))
			}
		}
	} else {
		if err := tr.announceTracker(tr.torrent.MetaInfo.Announce); err != nil {
			tr.logger.Warn("tracker failed", zap.Error(err))
		}
	}
}

func (tr *tracker) Start() {
	for {
		select {
		case <-tr.quit:
			return
		default:
			tr.connectTracker()
			// All trackers failed; back off before retrying the tiers
			select {
			case <-tr.quit:
				return
			case <-time.After(30 * time.Second):
			}
		}
	}
}

// addPeers registers each 6-byte compact (ip, port) entry.
func (tr *tracker) addPeers(peerAddrs []byte) {
	for i := 0; i+6 <= len(peerAddrs); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", peerAddrs[i], peerAddrs[i+1], peerAddrs[i+2], peerAddrs[i+3])
		port := int(peerAddrs[i+4])<<8 | int(peerAddrs[i+5])
		tr.peerMgr.AddPeer(fmt.Sprintf("%s:%d", ip, port), nil)
	}
}
