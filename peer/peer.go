// Package peer owns one goroutine-per-connection peer sessions, the
// registry of live connections and the periodic choke policy.
package peer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"go.uber.org/zap"

	"github.com/PradaJoaquin/bittorrent-client-tracker/config"
	"github.com/PradaJoaquin/bittorrent-client-tracker/piece"
	"github.com/PradaJoaquin/bittorrent-client-tracker/stats"
	"github.com/PradaJoaquin/bittorrent-client-tracker/storage"
	"github.com/PradaJoaquin/bittorrent-client-tracker/torrent"
	"github.com/PradaJoaquin/bittorrent-client-tracker/wire"
)

var (
	// Upload reads are delayed briefly so a Cancel arriving right after
	// a Request can still abort the disk read.
	BLOCK_READ_REQUEST_DELAY = 2 * time.Second
)

// Engine is the narrow callback surface a connection uses to hand a
// verified piece upward. The engine persists it and broadcasts Have;
// connections never touch storage for writes themselves.
type Engine interface {
	PieceVerified(pieceIndex int, data []byte)
}

type connPhase int

const (
	connecting connPhase = iota
	handshaking
	active
	closed
)

type connState struct {
	peerInterested   bool
	clientInterested bool
	peerChoking      bool
	clientChoking    bool
}

type Peer interface {
	Start()
	Stop()
	GetPeerInfo() (id string, state connState, lastBlock int64)
	SendHave(pieceIndex int) error
	SendChoke() error
	SendUnchoke() error
	SendCancel(req piece.PendingRequest) error
	RequestMore()
}

var newWire = wire.NewWire

type peer struct {
	sync.Mutex
	id           string
	phase        connPhase
	state        connState
	wire         wire.Wire
	torrent      *torrent.Torrent
	store        piece.Store
	scheduler    piece.Scheduler
	storage      storage.Storage
	peerMgr      PeerManager
	stats        stats.Stats
	engine       Engine
	cfg          *config.Config
	logger       *zap.Logger
	peerBitfield *bitmap.Bitmap
	lastBlock    int64
	quit         chan int

	pendingReads map[string]chan int
}

func NewPeer(
	id string,
	w wire.Wire,
	tor *torrent.Torrent,
	store piece.Store,
	scheduler piece.Scheduler,
	storage storage.Storage,
	peerMgr PeerManager,
	stats stats.Stats,
	engine Engine,
	cfg *config.Config) Peer {

	return &peer{
		id:        id,
		wire:      w,
		torrent:   tor,
		store:     store,
		scheduler: scheduler,
		storage:   storage,
		peerMgr:   peerMgr,
		stats:     stats,
		engine:    engine,
		cfg:       cfg,
		logger:    zap.L().With(zap.String("peer", id)),
		state: connState{
			peerChoking:      true,
			clientChoking:    true,
			peerInterested:   false,
			clientInterested: false,
		},
		quit:         make(chan int),
		pendingReads: make(map[string]chan int),
	}
}

func (p *peer) GetPeerInfo() (string, connState, int64) {
	p.Lock()
	defer p.Unlock()

	return p.id, p.state, p.lastBlock
}

// Stop tears the connection down: the socket is closed, the peer leaves
// the registry, and every outstanding request it held is withdrawn so
// those blocks become requestable again.
func (p *peer) Stop() {
	p.Lock()
	if p.phase == closed {
		p.Unlock()
		return
	}
	p.phase = closed
	p.Unlock()

	close(p.quit)
	p.abandonPendingReads()
	if p.wire != nil {
		p.wire.Close()
	}
	p.peerMgr.RemovePeer(p.id)
	p.store.PeerStopped(p.id)
	p.stats.RemovePeer(p.id)
	p.logger.Debug("connection closed")
}

func (p *peer) closeWith(err error) {
	if err != nil {
		p.logger.Debug("closing connection", zap.Error(err))
	}
	p.Stop()
}

func (p *peer) isClosed() bool {
	p.Lock()
	defer p.Unlock()

	return p.phase == closed
}

func (p *peer) Start() {
	p.Lock()
	p.phase = connecting
	p.Unlock()

	if p.wire == nil {
		conn, err := net.DialTimeout("tcp4", p.id, p.cfg.HandshakeTimeout)
		if err != nil {
			p.closeWith(fmt.Errorf("dial: %w", err))
			return
		}
		p.wire = newWire(conn, p.cfg.HandshakeTimeout)
	}

	p.Lock()
	p.phase = handshaking
	p.Unlock()

	if err := p.handshake(); err != nil {
		p.closeWith(err)
		return
	}

	p.Lock()
	p.phase = active
	p.Unlock()
	p.wire.SetTimeout(p.cfg.IdleTimeout)
	p.logger.Debug("handshake complete")

	go p.keepAliveLoop()

	if err := p.wire.SendBitField(p.store.GetBitField()); err != nil {
		p.closeWith(err)
		return
	}

	for {
		length, messageID, payload, err := p.wire.ReadMessage()
		if p.isClosed() {
			return
		}
		if err != nil {
			p.closeWith(err)
			return
		}
		if length == 0 {
			// keep-alive
			continue
		}
		if err := p.decodeMessage(messageID, bytes.NewBuffer(payload)); err != nil {
			p.closeWith(err)
			return
		}
	}
}

// handshake exchanges and validates the 68-byte handshake. A protocol
// or info-hash mismatch closes the connection before the peer is ever
// visible to the choke or scheduling logic.
func (p *peer) handshake() error {
	err := p.wire.SendHandshake(p.torrent.InfoHash, torrent.PEER_ID)
	if err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	length, protocol, infoHash, _, err := p.wire.ReadHandshake()
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	if length != uint8(len(wire.PROTOCOL)) || protocol != wire.PROTOCOL {
		return fmt.Errorf("handshake: unknown protocol %q", protocol)
	}
	if !bytes.Equal(infoHash, p.torrent.InfoHash) {
		return fmt.Errorf("handshake: info hash mismatch")
	}
	return nil
}

func (p *peer) keepAliveLoop() {
	for {
		select {
		case <-p.quit:
			return
		case now := <-time.After(p.cfg.KeepAliveInterval):
			if p.wire.GetLastMessageSent().Before(now.Add(-p.cfg.KeepAliveInterval)) {
				if err := p.wire.SendKeepAlive(); err != nil {
					return
				}
			}
		}
	}
}

func (p *peer) decodeMessage(messageID uint8, payload *bytes.Buffer) error {
	switch messageID {
	case wire.CHOKE:
		p.Lock()
		wasChoking := p.state.peerChoking
		p.state.peerChoking = true
		p.Unlock()
		if !wasChoking {
			p.store.PeerChoked(p.id)
		}
	case wire.UNCHOKE:
		p.Lock()
		p.state.peerChoking = false
		p.Unlock()
		p.store.PeerUnchoked(p.id)
		p.RequestMore()
	case wire.INTERESTED:
		p.Lock()
		p.state.peerInterested = true
		p.Unlock()
	case wire.NOT_INTERESTED:
		p.Lock()
		p.state.peerInterested = false
		p.Unlock()
	case wire.HAVE:
		return p.handleHave(payload)
	case wire.BITFIELD:
		return p.handleBitfield(payload)
	case wire.REQUEST:
		return p.handleRequest(payload)
	case wire.BLOCK:
		return p.handleBlock(payload)
	case wire.CANCEL:
		return p.handleCancel(payload)
	case wire.PORT:
		// DHT port announcement (BEP 5), not supported
	default:
		return fmt.Errorf("unknown message id %d", messageID)
	}
	return nil
}

func (p *peer) handleHave(payload *bytes.Buffer) error {
	var pieceIndex int32
	if err := binary.Read(payload, binary.BigEndian, &pieceIndex); err != nil {
		return fmt.Errorf("malformed have: %w", err)
	}
	clientHas, err := p.store.PeerHave(p.id, int(pieceIndex))
	if err != nil {
		// Out-of-range index is a protocol violation
		return err
	}

	p.Lock()
	if p.peerBitfield == nil {
		bf := bitmap.New(p.torrent.NumPieces)
		p.peerBitfield = &bf
	}
	p.peerBitfield.Set(int(pieceIndex), true)
	choked := p.state.peerChoking
	p.Unlock()

	if !clientHas {
		if err := p.becomeInterested(); err != nil {
			return err
		}
		if !choked {
			p.RequestMore()
		}
	}
	return nil
}

func (p *peer) handleBitfield(payload *bytes.Buffer) error {
	p.Lock()
	if p.peerBitfield != nil {
		p.Unlock()
		return fmt.Errorf("bitfield after peer state already established")
	}
	raw := payload.Bytes()
	if len(raw) < (p.torrent.NumPieces+7)/8 {
		p.Unlock()
		return fmt.Errorf("bitfield too short: %d bytes for %d pieces",
			len(raw), p.torrent.NumPieces)
	}
	bf := bitmap.New(p.torrent.NumPieces)
	for pieceIndex := 0; pieceIndex < p.torrent.NumPieces; pieceIndex++ {
		if bitmap.Get(raw, pieceIndex) {
			bf.Set(pieceIndex, true)
		}
	}
	p.peerBitfield = &bf
	p.Unlock()

	p.store.PeerBitfield(p.id, &bf)
	if p.store.Needs(&bf) {
		return p.becomeInterested()
	}
	return nil
}

func (p *peer) becomeInterested() error {
	p.Lock()
	already := p.state.clientInterested
	p.state.clientInterested = true
	p.Unlock()

	if already {
		return nil
	}
	return p.wire.SendInterested()
}

func (p *peer) handleRequest(payload *bytes.Buffer) error {
	p.Lock()
	choking := p.state.clientChoking
	interested := p.state.peerInterested
	known := p.peerBitfield != nil
	p.Unlock()

	if choking || !interested || !known {
		return fmt.Errorf("request while choked, not interested or before bitfield")
	}

	var pieceIndex, blockByteOffset, length int32
	binary.Read(payload, binary.BigEndian, &pieceIndex)
	binary.Read(payload, binary.BigEndian, &blockByteOffset)
	if err := binary.Read(payload, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("malformed request: %w", err)
	}
	if pieceIndex < 0 || int(pieceIndex) >= p.torrent.NumPieces ||
		blockByteOffset < 0 || length <= 0 || int(length) > 2*piece.BLOCK_SIZE ||
		int(blockByteOffset+length) > p.torrent.PieceSize(int(pieceIndex)) {
		return fmt.Errorf("request out of bounds: piece %d offset %d length %d",
			pieceIndex, blockByteOffset, length)
	}

	requestID := fmt.Sprintf("%d/%d/%d", pieceIndex, blockByteOffset, length)
	cancel := make(chan int)
	p.Lock()
	p.pendingReads[requestID] = cancel
	p.Unlock()

	go func() {
		select {
		case <-cancel:
			return
		case <-time.After(BLOCK_READ_REQUEST_DELAY):
		}
		p.Lock()
		delete(p.pendingReads, requestID)
		p.Unlock()

		block, err := p.storage.ReadBlock(int(pieceIndex), int(blockByteOffset), int(length))
		if err != nil {
			p.logger.Warn("block read failed", zap.Error(err))
			return
		}
		if err := p.wire.SendBlock(int(pieceIndex), int(blockByteOffset), block); err != nil {
			p.closeWith(err)
			return
		}
		p.stats.UpdatePeer(p.id, 0, int(length))
	}()
	return nil
}

func (p *peer) handleCancel(payload *bytes.Buffer) error {
	var pieceIndex, blockByteOffset, length int32
	binary.Read(payload, binary.BigEndian, &pieceIndex)
	binary.Read(payload, binary.BigEndian, &blockByteOffset)
	if err := binary.Read(payload, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("malformed cancel: %w", err)
	}
	requestID := fmt.Sprintf("%d/%d/%d", pieceIndex, blockByteOffset, length)
	p.Lock()
	if cancel, ok := p.pendingReads[requestID]; ok {
		close(cancel)
		delete(p.pendingReads, requestID)
	}
	p.Unlock()
	return nil
}

func (p *peer) handleBlock(payload *bytes.Buffer) error {
	var pieceIndex, blockByteOffset int32
	binary.Read(payload, binary.BigEndian, &pieceIndex)
	if err := binary.Read(payload, binary.BigEndian, &blockByteOffset); err != nil {
		return fmt.Errorf("malformed piece message: %w", err)
	}
	blockData, _ := io.ReadAll(payload)

	receipt, err := p.store.MarkBlockReceived(p.id, int(pieceIndex), int(blockByteOffset), blockData)
	if err != nil {
		return err
	}

	p.Lock()
	p.lastBlock = time.Now().Unix()
	p.Unlock()

	// First copy wins in endgame: withdraw the duplicates elsewhere
	p.peerMgr.SendCancels(receipt.Cancels)

	switch receipt.Status {
	case piece.BlockDuplicate:
		// Late, unsolicited or post-verification arrival, ignored
		return nil
	case piece.BlockAccepted:
		p.stats.UpdatePeer(p.id, len(blockData), 0)
	case piece.PieceVerified:
		p.stats.UpdatePeer(p.id, len(blockData), 0)
		p.logger.Debug("piece verified", zap.Int32("piece", pieceIndex))
		p.engine.PieceVerified(int(pieceIndex), receipt.Piece)
	case piece.PieceCorrupt:
		p.logger.Warn("piece failed verification, banning contributors",
			zap.Int32("piece", pieceIndex))
		p.peerMgr.BanPeers(receipt.Peers)
		if receipt.Peers.Contains(p.id) {
			return fmt.Errorf("contributed to corrupt piece %d", pieceIndex)
		}
	}
	p.RequestMore()
	return nil
}

// RequestMore tops up this peer's request pipeline from the scheduler.
// No-op while the peer is choking us, which keeps the no-requests-while-
// choked invariant in one place.
func (p *peer) RequestMore() {
	p.Lock()
	choked := p.state.peerChoking
	bf := p.peerBitfield
	interested := p.state.clientInterested
	p.Unlock()

	if choked || bf == nil {
		return
	}
	requested, err := p.scheduler.FillRequests(p.id, p.wire, bf)
	if err != nil {
		p.closeWith(err)
		return
	}
	if requested == 0 && interested && !p.store.Needs(bf) {
		p.Lock()
		p.state.clientInterested = false
		p.Unlock()
		if err := p.wire.SendUnInterested(); err != nil {
			p.closeWith(err)
		}
	}
}

func (p *peer) SendHave(pieceIndex int) error {
	if p.wire == nil {
		return nil
	}
	return p.wire.SendHave(pieceIndex)
}

func (p *peer) SendCancel(req piece.PendingRequest) error {
	if p.wire == nil {
		return nil
	}
	return p.wire.SendCancel(req.Index, req.Offset, req.Length)
}

// SendChoke abandons any upload reads still pending for the peer; no
// further Piece messages are sent for its queued Requests.
func (p *peer) SendChoke() error {
	p.Lock()
	p.state.clientChoking = true
	p.Unlock()
	p.abandonPendingReads()
	return p.wire.SendChoke()
}

func (p *peer) SendUnchoke() error {
	p.Lock()
	p.state.clientChoking = false
	p.Unlock()
	return p.wire.SendUnchoke()
}

func (p *peer) abandonPendingReads() {
	p.Lock()
	defer p.Unlock()

	for id, cancel := range p.pendingReads {
		close(cancel)
		delete(p.pendingReads, id)
	}
}
