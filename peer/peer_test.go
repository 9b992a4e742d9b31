package peer

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"

	"github.com/PradaJoaquin/bittorrent-client-tracker/config"
	"github.com/PradaJoaquin/bittorrent-client-tracker/piece"
	"github.com/PradaJoaquin/bittorrent-client-tracker/stats"
	"github.com/PradaJoaquin/bittorrent-client-tracker/storage"
	"github.com/PradaJoaquin/bittorrent-client-tracker/torrent"
	"github.com/PradaJoaquin/bittorrent-client-tracker/wire"
)

// testTorrent builds a descriptor whose piece hashes match content.
func testTorrent(t *testing.T, pieceLength int, content []byte) *torrent.Torrent {
	t.Helper()

	numPieces := (len(content) + pieceLength - 1) / pieceLength
	hashes := &bytes.Buffer{}
	for i := 0; i < numPieces; i++ {
		end := (i + 1) * pieceLength
		if end > len(content) {
			end = len(content)
		}
		h := sha1.Sum(content[i*pieceLength : end])
		hashes.Write(h[:])
	}
	infoHash := sha1.Sum([]byte("test info dictionary " + hashes.String()))
	return &torrent.Torrent{
		Length:    len(content),
		NumPieces: numPieces,
		InfoHash:  infoHash[:],
		MetaInfo: torrent.MetaInfo{
			Info: torrent.Info{
				PieceLength: pieceLength,
				Pieces:      hashes.String(),
				Name:        "test.bin",
				Length:      len(content),
			},
		},
	}
}

func patternContent(size int) []byte {
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i % 251)
	}
	return content
}

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	assert.NoError(t, err)
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn, err}
	}()
	client, err := net.Dial("tcp4", ln.Addr().String())
	assert.NoError(t, err)
	a := <-ch
	assert.NoError(t, a.err)
	return client, a.conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recordingEngine persists verified pieces like the download engine and
// remembers which ones it saw.
type recordingEngine struct {
	sync.Mutex
	storage storage.Storage
	pieces  map[int][]byte
}

func (e *recordingEngine) PieceVerified(pieceIndex int, data []byte) {
	e.Lock()
	defer e.Unlock()

	if e.storage != nil {
		e.storage.WritePiece(pieceIndex, data)
	}
	if e.pieces == nil {
		e.pieces = make(map[int][]byte)
	}
	e.pieces[pieceIndex] = data
}

var seedID = []byte("-SD0001-abcdefghijkl")

func TestHandshakeInfoHashMismatchDropsPeer(t *testing.T) {
	content := patternContent(2 * piece.BLOCK_SIZE)
	tor := testTorrent(t, 2*piece.BLOCK_SIZE, content)
	store := piece.NewStore(tor, bitmap.New(tor.NumPieces))
	cfg := config.Default()
	scheduler := piece.NewRarestFirstScheduler(store, cfg.PipelineDepth)
	pm := NewPeerManager(tor, store, scheduler, nil, stats.NewStats(0, 0, tor.Length), nil, cfg)

	clientConn, remoteConn := tcpPair(t)
	pm.AddPeer("1.2.3.4:6881", clientConn)

	rw := wire.NewWire(remoteConn, 2*time.Second)
	_, protocol, _, _, err := rw.ReadHandshake()
	assert.NoError(t, err)
	assert.Equal(t, wire.PROTOCOL, protocol)

	wrongHash := make([]byte, 20)
	copy(wrongHash, "not the right torrent")
	assert.NoError(t, rw.SendHandshake(wrongHash, seedID))

	// The connection is dropped before any peer state is established:
	// no bitfield arrives and the registry ends up empty
	_, _, _, err = rw.ReadMessage()
	assert.Error(t, err)
	waitFor(t, "peer removal", func() bool { return pm.NumPeers() == 0 })
}

func TestRequestWhileChokedDropsPeer(t *testing.T) {
	content := patternContent(2 * piece.BLOCK_SIZE)
	tor := testTorrent(t, 2*piece.BLOCK_SIZE, content)
	store := piece.NewStore(tor, bitmap.New(tor.NumPieces))
	cfg := config.Default()
	scheduler := piece.NewRarestFirstScheduler(store, cfg.PipelineDepth)
	pm := NewPeerManager(tor, store, scheduler, nil, stats.NewStats(0, 0, tor.Length), nil, cfg)

	clientConn, remoteConn := tcpPair(t)
	pm.AddPeer("1.2.3.4:6881", clientConn)

	rw := wire.NewWire(remoteConn, 2*time.Second)
	_, _, _, _, err := rw.ReadHandshake()
	assert.NoError(t, err)
	assert.NoError(t, rw.SendHandshake(tor.InfoHash, seedID))

	_, messageID, _, err := rw.ReadMessage()
	assert.NoError(t, err)
	assert.Equal(t, byte(wire.BITFIELD), messageID)

	// Never sent Interested, never got Unchoke: this Request is a
	// protocol violation
	assert.NoError(t, rw.SendRequest(0, 0, piece.BLOCK_SIZE))
	waitFor(t, "peer removal", func() bool { return pm.NumPeers() == 0 })
}

func TestTruncatedBitfieldDropsPeer(t *testing.T) {
	// 9 pieces need 2 bitfield bytes; the remote sends only one
	content := patternContent(9 * piece.BLOCK_SIZE)
	tor := testTorrent(t, piece.BLOCK_SIZE, content)
	store := piece.NewStore(tor, bitmap.New(tor.NumPieces))
	cfg := config.Default()
	scheduler := piece.NewRarestFirstScheduler(store, cfg.PipelineDepth)
	pm := NewPeerManager(tor, store, scheduler, nil, stats.NewStats(0, 0, tor.Length), nil, cfg)

	clientConn, remoteConn := tcpPair(t)
	pm.AddPeer("1.2.3.4:6881", clientConn)

	rw := wire.NewWire(remoteConn, 2*time.Second)
	_, _, _, _, err := rw.ReadHandshake()
	assert.NoError(t, err)
	assert.NoError(t, rw.SendHandshake(tor.InfoHash, seedID))

	_, messageID, _, err := rw.ReadMessage()
	assert.NoError(t, err)
	assert.Equal(t, byte(wire.BITFIELD), messageID)

	// A bitfield shorter than the torrent requires is a protocol
	// violation: the connection is dropped, not crashed into
	assert.NoError(t, rw.SendBitField([]byte{0xff}))
	waitFor(t, "peer removal", func() bool { return pm.NumPeers() == 0 })
}

// runSeed scripts the remote side of a download: it owns every piece,
// unchokes on Interested and serves Requests until the client reports
// NotInterested.
func runSeed(w wire.Wire, tor *torrent.Torrent, content []byte, requests chan<- piece.Block) error {
	_, protocol, infoHash, _, err := w.ReadHandshake()
	if err != nil {
		return err
	}
	if protocol != wire.PROTOCOL || !bytes.Equal(infoHash, tor.InfoHash) {
		return fmt.Errorf("unexpected handshake")
	}
	if err := w.SendHandshake(tor.InfoHash, seedID); err != nil {
		return err
	}

	full := bitmap.New(tor.NumPieces)
	for i := 0; i < tor.NumPieces; i++ {
		full.Set(i, true)
	}
	if err := w.SendBitField(full.Data(true)); err != nil {
		return err
	}

	for {
		length, messageID, payload, err := w.ReadMessage()
		if err != nil {
			return err
		}
		if length == 0 {
			continue
		}
		switch messageID {
		case wire.BITFIELD:
			// The client starts empty
		case wire.INTERESTED:
			if err := w.SendUnchoke(); err != nil {
				return err
			}
		case wire.REQUEST:
			pieceIndex := int(binary.BigEndian.Uint32(payload[0:4]))
			offset := int(binary.BigEndian.Uint32(payload[4:8]))
			blockLength := int(binary.BigEndian.Uint32(payload[8:12]))
			requests <- piece.Block{Offset: offset, Length: blockLength}
			start := pieceIndex*tor.MetaInfo.Info.PieceLength + offset
			if err := w.SendBlock(pieceIndex, offset, content[start:start+blockLength]); err != nil {
				return err
			}
		case wire.NOT_INTERESTED:
			return nil
		default:
			return fmt.Errorf("unexpected message id %d", messageID)
		}
	}
}

func TestDownloadCompletesThenSeeds(t *testing.T) {
	oldDelay := BLOCK_READ_REQUEST_DELAY
	BLOCK_READ_REQUEST_DELAY = 20 * time.Millisecond
	defer func() { BLOCK_READ_REQUEST_DELAY = oldDelay }()

	content := patternContent(4 * piece.BLOCK_SIZE)
	tor := testTorrent(t, 2*piece.BLOCK_SIZE, content)
	store := piece.NewStore(tor, bitmap.New(tor.NumPieces))
	cfg := config.Default()
	scheduler := piece.NewRarestFirstScheduler(store, cfg.PipelineDepth)
	st := stats.NewStats(0, 0, tor.Length)

	stor, err := storage.NewRandomAccessStorage(afero.NewMemMapFs(), tor, "/downloads")
	assert.NoError(t, err)
	defer stor.Close()
	engine := &recordingEngine{storage: stor}
	pm := NewPeerManager(tor, store, scheduler, stor, st, engine, cfg)

	clientConn, seedConn := tcpPair(t)
	sw := wire.NewWire(seedConn, 5*time.Second)

	requests := make(chan piece.Block, 16)
	seedDone := make(chan error, 1)
	go func() {
		seedDone <- runSeed(sw, tor, content, requests)
	}()

	pm.AddPeer("127.0.0.1:6881", clientConn)

	// The seed returns once the client signals NotInterested, which only
	// happens after every piece verified
	select {
	case err := <-seedDone:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("download did not complete")
	}
	assert.True(t, store.IsComplete())
	assert.Equal(t, tor.NumPieces, store.NumVerified())
	assert.Equal(t, 4, len(requests))

	engine.Lock()
	assert.Equal(t, content[:2*piece.BLOCK_SIZE], engine.pieces[0])
	assert.Equal(t, content[2*piece.BLOCK_SIZE:], engine.pieces[1])
	engine.Unlock()

	// Now the roles flip: the former seed asks us for a block
	assert.NoError(t, sw.SendInterested())
	waitFor(t, "peer interested", func() bool {
		peers := pm.GetPeerList()
		if len(peers) != 1 {
			return false
		}
		_, state, _ := peers[0].GetPeerInfo()
		return state.peerInterested
	})

	assert.NoError(t, pm.GetPeerList()[0].SendUnchoke())
	_, messageID, _, err := sw.ReadMessage()
	assert.NoError(t, err)
	assert.Equal(t, byte(wire.UNCHOKE), messageID)

	assert.NoError(t, sw.SendRequest(1, piece.BLOCK_SIZE, piece.BLOCK_SIZE))
	_, messageID, payload, err := sw.ReadMessage()
	assert.NoError(t, err)
	assert.Equal(t, byte(wire.BLOCK), messageID)
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(payload[0:4]))
	assert.Equal(t, uint32(piece.BLOCK_SIZE), binary.BigEndian.Uint32(payload[4:8]))
	assert.Equal(t, content[3*piece.BLOCK_SIZE:], payload[8:])

	pm.StopPeers()
	waitFor(t, "shutdown", func() bool { return pm.NumPeers() == 0 })
}
