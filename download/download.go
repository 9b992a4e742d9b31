// Package download orchestrates one torrent: it owns the piece store,
// the peer registry, the choke loop, the listener and the tracker, and
// is the single writer of verified pieces to storage.
package download

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/PradaJoaquin/bittorrent-client-tracker/config"
	"github.com/PradaJoaquin/bittorrent-client-tracker/peer"
	"github.com/PradaJoaquin/bittorrent-client-tracker/piece"
	"github.com/PradaJoaquin/bittorrent-client-tracker/server"
	"github.com/PradaJoaquin/bittorrent-client-tracker/stats"
	"github.com/PradaJoaquin/bittorrent-client-tracker/storage"
	"github.com/PradaJoaquin/bittorrent-client-tracker/torrent"
	"github.com/PradaJoaquin/bittorrent-client-tracker/tracker"
)

const (
	SCHEDULER_INTERVAL   = 5 * time.Second
	WRITE_RETRIES        = 3
	WRITE_RETRY_BACKOFF  = time.Second
	VERIFIED_QUEUE_DEPTH = 16
)

type Download interface {
	Start() error
	Stop()
	AddPeer(address string)
	RemovePeer(id string)
	Progress() (verifiedPieces, totalPieces, downloadRate, uploadRate int)
	IsComplete() bool
}

type verifiedPiece struct {
	index int
	data  []byte
}

type download struct {
	tor     *torrent.Torrent
	cfg     *config.Config
	fs      afero.Fs
	logger  *zap.Logger
	quit    chan int
	stopped sync.Once

	store     piece.Store
	scheduler piece.Scheduler
	storage   storage.Storage
	stats     stats.Stats
	peerMgr   peer.PeerManager
	choke     peer.Choke
	tracker   tracker.Tracker

	verifiedCh   chan verifiedPiece
	completeOnce sync.Once
}

func NewDownload(tor *torrent.Torrent, cfg *config.Config, fs afero.Fs) Download {
	return &download{
		tor:        tor,
		cfg:        cfg,
		fs:         fs,
		logger:     zap.L().With(zap.String("torrent", tor.MetaInfo.Info.Name)),
		quit:       make(chan int),
		verifiedCh: make(chan verifiedPiece, VERIFIED_QUEUE_DEPTH),
	}
}

// Start wires the subsystems together and begins announcing, accepting
// and downloading. It fails only on terminal conditions, like storage
// being unusable.
func (d *download) Start() error {
	st, err := storage.NewRandomAccessStorage(d.fs, d.tor, d.cfg.DownloadDirectory)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	d.storage = st

	clientBitfield, left, err := st.CurrentState()
	if err != nil {
		return fmt.Errorf("scan storage: %w", err)
	}
	d.store = piece.NewStore(d.tor, clientBitfield)
	d.scheduler = piece.NewRarestFirstScheduler(d.store, d.cfg.PipelineDepth)
	d.stats = stats.NewStats(0, d.tor.Length-left, left)
	d.peerMgr = peer.NewPeerManager(d.tor, d.store, d.scheduler, st, d.stats, d, d.cfg)
	d.choke = peer.NewChoke(d.peerMgr, d.stats, d.cfg, d.quit)

	sv, err := server.NewServer(d.peerMgr, d.cfg.TCPPort, d.quit)
	if err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	d.tracker = tracker.NewTracker(d.tor, d.stats, d.peerMgr, d.quit, sv.GetServerPort())

	if d.store.IsComplete() {
		d.becomeSeed()
	}

	go d.writeLoop()
	go d.schedulerLoop()
	go d.choke.Start()
	sv.Serve()
	go d.tracker.Start()

	d.logger.Info("download started",
		zap.Int("pieces", d.tor.NumPieces),
		zap.Int("verified", d.store.NumVerified()),
		zap.Int("port", sv.GetServerPort()))
	return nil
}

func (d *download) Stop() {
	d.stopped.Do(func() {
		close(d.quit)
		d.peerMgr.StopPeers()
		if err := d.storage.Close(); err != nil {
			d.logger.Warn("closing storage", zap.Error(err))
		}
	})
}

func (d *download) AddPeer(address string) {
	d.peerMgr.AddPeer(address, nil)
}

func (d *download) RemovePeer(id string) {
	d.peerMgr.DropPeer(id)
}

func (d *download) Progress() (int, int, int, int) {
	uploadRate, downloadRate := d.stats.GetClientRates()
	return d.store.NumVerified(), d.store.NumPieces(), downloadRate, uploadRate
}

func (d *download) IsComplete() bool {
	return d.store.IsComplete()
}

// PieceVerified implements peer.Engine: connections hand verified piece
// bytes here and the write loop persists them, keeping disk writes on a
// single goroutine.
func (d *download) PieceVerified(pieceIndex int, data []byte) {
	select {
	case d.verifiedCh <- verifiedPiece{index: pieceIndex, data: data}:
	case <-d.quit:
	}
}

func (d *download) writeLoop() {
	for {
		select {
		case <-d.quit:
			return
		case vp := <-d.verifiedCh:
			d.persist(vp)
		}
	}
}

func (d *download) persist(vp verifiedPiece) {
	var err error
	for attempt := 0; attempt < WRITE_RETRIES; attempt++ {
		if err = d.storage.WritePiece(vp.index, vp.data); err == nil {
			break
		}
		time.Sleep(WRITE_RETRY_BACKOFF << attempt)
	}
	if err != nil {
		// Non-fatal: the piece stays verified in memory; upload requests
		// for it will fail their reads until the disk recovers.
		d.logger.Error("piece write failed", zap.Int("piece", vp.index), zap.Error(err))
		return
	}
	d.stats.SubLeft(len(vp.data))
	d.peerMgr.BroadcastHave(vp.index)

	if d.store.IsComplete() {
		d.becomeSeed()
	}
}

// becomeSeed flips the engine to seed-only behavior: the scheduler has
// nothing left to request, the choke policy ranks by upload rate, and
// the tracker hears completed.
func (d *download) becomeSeed() {
	d.completeOnce.Do(func() {
		d.choke.SetSeeding()
		if d.tracker != nil {
			d.tracker.Completed()
		}
		d.logger.Info("download complete, seeding")
	})
}

func (d *download) schedulerLoop() {
	for {
		select {
		case <-d.quit:
			return
		case <-time.After(SCHEDULER_INTERVAL):
			expired := d.store.ExpireRequests(d.cfg.RequestTimeout)
			if len(expired) > 0 {
				d.logger.Debug("expired block requests", zap.Int("count", len(expired)))
			}
			for _, p := range d.peerMgr.GetPeerList() {
				p.RequestMore()
			}
		}
	}
}
