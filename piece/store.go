// Package piece tracks per-piece and per-block download state for a
// torrent and decides which blocks to request from which peers. The
// Store owns all mutable piece state; the Scheduler reads it to issue
// block requests rarest-first.
package piece

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"

	"github.com/PradaJoaquin/bittorrent-client-tracker/torrent"
)

var (
	BLOCK_SIZE = 16384 // 2^14
)

var (
	ErrInvalidIndex = errors.New("piece index out of range")
	ErrInvalidRange = errors.New("block offset/length out of piece bounds")
)

type pieceState int

const (
	missing pieceState = iota
	inProgress
	verified
)

// Status reports what a received block did to its piece.
type Status int

const (
	BlockAccepted Status = iota
	BlockDuplicate
	PieceVerified
	PieceCorrupt
)

// Block is a sub-range of a piece, the unit of request/transfer.
type Block struct {
	Offset int
	Length int
}

// PendingRequest identifies an outstanding block request sent to a peer.
type PendingRequest struct {
	PeerID string
	Index  int
	Offset int
	Length int
}

// Receipt is the outcome of MarkBlockReceived. Piece and Peers are only
// set for PieceVerified/PieceCorrupt. Cancels lists duplicate requests
// for the same block still outstanding at other peers; the caller sends
// a Cancel for each.
type Receipt struct {
	Status  Status
	Piece   []byte
	Peers   mapset.Set
	Cancels []PendingRequest
}

type Store interface {
	GetBitField() (clientBitfield []byte)
	NumVerified() (piecesVerified int)
	NumPieces() int
	IsComplete() bool
	Left() (bytesLeft int)
	Needs(peerBitfield *bitmap.Bitmap) bool
	PeerHave(id string, pieceIndex int) (clientHas bool, err error)
	PeerBitfield(id string, peerBitfield *bitmap.Bitmap)
	PeerChoked(id string)
	PeerUnchoked(id string)
	PeerStopped(id string)
	MarkBlockReceived(id string, pieceIndex, blockByteOffset int, data []byte) (*Receipt, error)
	MissingBlocks(pieceIndex int) []Block
	ExpireRequests(maxAge time.Duration) (expired []PendingRequest)
}

type blockInfo struct {
	received    bool
	length      int
	data        []byte
	requestedBy map[string]time.Time
}

type pieceInfo struct {
	state        pieceState
	blocks       []*blockInfo
	availability int
	contributors mapset.Set
}

type store struct {
	sync.RWMutex
	tor            *torrent.Torrent
	clientBitfield bitmap.Bitmap
	pieces         []*pieceInfo
	verified       int
	outstanding    map[string]int
	// Pieces each peer has advertised, so repeated Haves do not inflate
	// availability, and what to decrement when the peer leaves
	peerPieces map[string]bitmap.Bitmap
	choked     map[string]bool
}

// NewStore builds the per-piece state for a torrent. Pieces already set
// in clientBitfield (resumed from disk) start out Verified.
func NewStore(tor *torrent.Torrent, clientBitfield bitmap.Bitmap) Store {
	s := &store{
		tor:            tor,
		clientBitfield: clientBitfield,
		outstanding:    make(map[string]int),
		peerPieces:     make(map[string]bitmap.Bitmap),
		choked:         make(map[string]bool),
	}
	for i := 0; i < tor.NumPieces; i++ {
		pi := &pieceInfo{
			contributors: mapset.NewSet(),
		}
		pieceSize := tor.PieceSize(i)
		for off := 0; off < pieceSize; off += BLOCK_SIZE {
			length := BLOCK_SIZE
			if pieceSize-off < length {
				length = pieceSize - off
			}
			pi.blocks = append(pi.blocks, &blockInfo{
				length:      length,
				requestedBy: make(map[string]time.Time),
			})
		}
		if clientBitfield.Get(i) {
			pi.state = verified
			for _, b := range pi.blocks {
				b.received = true
			}
			s.verified++
		}
		s.pieces = append(s.pieces, pi)
	}
	return s
}

func (s *store) GetBitField() []byte {
	s.RLock()
	defer s.RUnlock()

	return s.clientBitfield.Data(true)
}

func (s *store) NumVerified() int {
	s.RLock()
	defer s.RUnlock()

	return s.verified
}

func (s *store) NumPieces() int {
	return s.tor.NumPieces
}

func (s *store) IsComplete() bool {
	s.RLock()
	defer s.RUnlock()

	return s.verified == s.tor.NumPieces
}

func (s *store) Left() int {
	s.RLock()
	defer s.RUnlock()

	left := 0
	for i, pi := range s.pieces {
		if pi.state != verified {
			left += s.tor.PieceSize(i)
		}
	}
	return left
}

// Needs reports whether the peer advertising this bitfield has any
// piece the client is still missing.
func (s *store) Needs(peerBitfield *bitmap.Bitmap) bool {
	s.RLock()
	defer s.RUnlock()

	for pieceIndex := 0; pieceIndex < s.tor.NumPieces; pieceIndex++ {
		if peerBitfield.Get(pieceIndex) && s.pieces[pieceIndex].state != verified {
			return true
		}
	}
	return false
}

// recordPeerPiece marks a piece as advertised by a peer and bumps its
// availability, once per (peer, piece). Caller holds the lock.
func (s *store) recordPeerPiece(id string, pieceIndex int) {
	pp, ok := s.peerPieces[id]
	if !ok {
		pp = bitmap.New(s.tor.NumPieces)
		s.peerPieces[id] = pp
	}
	if !pp.Get(pieceIndex) {
		pp.Set(pieceIndex, true)
		s.pieces[pieceIndex].availability++
	}
}

func (s *store) PeerHave(id string, pieceIndex int) (bool, error) {
	s.Lock()
	defer s.Unlock()

	if pieceIndex < 0 || pieceIndex >= s.tor.NumPieces {
		return false, fmt.Errorf("have %d: %w", pieceIndex, ErrInvalidIndex)
	}
	s.recordPeerPiece(id, pieceIndex)
	return s.clientBitfield.Get(pieceIndex), nil
}

func (s *store) PeerBitfield(id string, peerBitfield *bitmap.Bitmap) {
	s.Lock()
	defer s.Unlock()

	for pieceIndex := 0; pieceIndex < s.tor.NumPieces; pieceIndex++ {
		if peerBitfield.Get(pieceIndex) {
			s.recordPeerPiece(id, pieceIndex)
		}
	}
}

func (s *store) PeerChoked(id string) {
	s.Lock()
	defer s.Unlock()

	s.choked[id] = true
	s.withdrawPeerRequests(id)
}

func (s *store) PeerUnchoked(id string) {
	s.Lock()
	defer s.Unlock()

	delete(s.choked, id)
}

func (s *store) PeerStopped(id string) {
	s.Lock()
	defer s.Unlock()

	if pp, ok := s.peerPieces[id]; ok {
		for pieceIndex := 0; pieceIndex < s.tor.NumPieces; pieceIndex++ {
			if pp.Get(pieceIndex) {
				s.pieces[pieceIndex].availability--
			}
		}
		delete(s.peerPieces, id)
	}
	delete(s.choked, id)
	s.withdrawPeerRequests(id)
	delete(s.outstanding, id)
}

// withdrawPeerRequests removes every outstanding request sent to a peer,
// so its blocks become requestable again. A piece left with no received
// blocks and no outstanding requests drops back to missing. Caller holds
// the lock.
func (s *store) withdrawPeerRequests(id string) {
	for _, pi := range s.pieces {
		if pi.state != inProgress {
			continue
		}
		anything := false
		for _, b := range pi.blocks {
			if _, ok := b.requestedBy[id]; ok {
				delete(b.requestedBy, id)
			}
			if b.received || len(b.requestedBy) > 0 {
				anything = true
			}
		}
		if !anything {
			pi.state = missing
		}
	}
	s.outstanding[id] = 0
}

func (s *store) MarkBlockReceived(id string, pieceIndex, blockByteOffset int, data []byte) (*Receipt, error) {
	s.Lock()
	defer s.Unlock()

	if pieceIndex < 0 || pieceIndex >= s.tor.NumPieces {
		return nil, fmt.Errorf("piece %d: %w", pieceIndex, ErrInvalidIndex)
	}
	pieceSize := s.tor.PieceSize(pieceIndex)
	if blockByteOffset < 0 || blockByteOffset%BLOCK_SIZE != 0 ||
		blockByteOffset+len(data) > pieceSize {
		return nil, fmt.Errorf("piece %d offset %d length %d: %w",
			pieceIndex, blockByteOffset, len(data), ErrInvalidRange)
	}

	pi := s.pieces[pieceIndex]
	if pi.state == verified {
		// Late or duplicate arrival after verification, harmless
		return &Receipt{Status: BlockDuplicate}, nil
	}
	block := pi.blocks[blockByteOffset/BLOCK_SIZE]
	if len(data) != block.length {
		return nil, fmt.Errorf("piece %d offset %d length %d: %w",
			pieceIndex, blockByteOffset, len(data), ErrInvalidRange)
	}

	receipt := &Receipt{}
	for peerID := range block.requestedBy {
		s.outstanding[peerID]--
		if peerID != id {
			receipt.Cancels = append(receipt.Cancels, PendingRequest{
				PeerID: peerID,
				Index:  pieceIndex,
				Offset: blockByteOffset,
				Length: block.length,
			})
		}
		delete(block.requestedBy, peerID)
	}
	if block.received {
		receipt.Status = BlockDuplicate
		return receipt, nil
	}
	block.received = true
	block.data = data
	if pi.state == missing {
		pi.state = inProgress
	}
	pi.contributors.Add(id)

	for _, b := range pi.blocks {
		if !b.received {
			receipt.Status = BlockAccepted
			return receipt, nil
		}
	}
	return s.verify(pieceIndex, receipt), nil
}

// verify hashes a fully received piece against the torrent's recorded
// digest and transitions it to verified or resets it to missing. Runs
// under the store lock, so no two verification attempts for the same
// piece ever race.
func (s *store) verify(pieceIndex int, receipt *Receipt) *Receipt {
	pi := s.pieces[pieceIndex]

	pieceData := &bytes.Buffer{}
	for _, b := range pi.blocks {
		pieceData.Write(b.data)
	}
	assembled := pieceData.Bytes()

	receipt.Peers = pi.contributors
	checksum := sha1.Sum(assembled)
	if !bytes.Equal(checksum[:], s.tor.PieceHash(pieceIndex)) {
		receipt.Status = PieceCorrupt
		pi.state = missing
		pi.contributors = mapset.NewSet()
		for _, b := range pi.blocks {
			b.received = false
			b.data = nil
			for peerID := range b.requestedBy {
				s.outstanding[peerID]--
				delete(b.requestedBy, peerID)
			}
		}
		return receipt
	}

	receipt.Status = PieceVerified
	receipt.Piece = assembled
	pi.state = verified
	s.verified++
	s.clientBitfield.Set(pieceIndex, true)
	for _, b := range pi.blocks {
		b.data = nil
	}
	return receipt
}

func (s *store) MissingBlocks(pieceIndex int) []Block {
	s.RLock()
	defer s.RUnlock()

	if pieceIndex < 0 || pieceIndex >= s.tor.NumPieces {
		return nil
	}
	blocks := []Block{}
	for i, b := range s.pieces[pieceIndex].blocks {
		if !b.received {
			blocks = append(blocks, Block{Offset: i * BLOCK_SIZE, Length: b.length})
		}
	}
	return blocks
}

func (s *store) ExpireRequests(maxAge time.Duration) []PendingRequest {
	s.Lock()
	defer s.Unlock()

	cutoff := time.Now().Add(-maxAge)
	expired := []PendingRequest{}
	for pieceIndex, pi := range s.pieces {
		if pi.state != inProgress {
			continue
		}
		for i, b := range pi.blocks {
			for peerID, requestedAt := range b.requestedBy {
				if requestedAt.Before(cutoff) {
					delete(b.requestedBy, peerID)
					s.outstanding[peerID]--
					expired = append(expired, PendingRequest{
						PeerID: peerID,
						Index:  pieceIndex,
						Offset: i * BLOCK_SIZE,
						Length: b.length,
					})
				}
			}
		}
	}
	return expired
}
