package piece

import (
	"sort"
	"time"

	bitmap "github.com/boljen/go-bitmap"

	"github.com/PradaJoaquin/bittorrent-client-tracker/wire"
)

var (
	MAX_OUTSTANDING_REQUESTS = 5
)

// Scheduler decides which blocks to request next from a peer. It keeps
// no state of its own; everything it needs is read from (and written
// back into) the Store each call.
type Scheduler interface {
	FillRequests(id string, w wire.Wire, peerBitfield *bitmap.Bitmap) (requested int, err error)
}

type rarestFirst struct {
	store          *store
	maxOutstanding int
}

// NewRarestFirstScheduler selects pieces rarest-first with ties broken
// by ascending piece index, and pipelines up to maxOutstanding block
// requests per peer. Once no never-requested block remains it enters
// endgame and duplicates still-missing blocks across peers.
func NewRarestFirstScheduler(s Store, maxOutstanding int) Scheduler {
	if maxOutstanding <= 0 {
		maxOutstanding = MAX_OUTSTANDING_REQUESTS
	}
	return &rarestFirst{
		store:          s.(*store),
		maxOutstanding: maxOutstanding,
	}
}

func (rf *rarestFirst) FillRequests(id string, w wire.Wire, peerBitfield *bitmap.Bitmap) (int, error) {
	s := rf.store
	s.Lock()
	defer s.Unlock()

	if peerBitfield == nil || s.verified == s.tor.NumPieces {
		return 0, nil
	}
	// Checked under the store lock so a Choke processed concurrently with
	// a fill cannot leave fresh requests on a choking peer.
	if s.choked[id] {
		return 0, nil
	}
	budget := rf.maxOutstanding - s.outstanding[id]
	if budget <= 0 {
		return 0, nil
	}

	// Pieces this peer can serve and the client still needs, sorted by
	// rarity, ties by ascending index for determinism.
	candidates := []int{}
	for pieceIndex := 0; pieceIndex < s.tor.NumPieces; pieceIndex++ {
		if peerBitfield.Get(pieceIndex) && s.pieces[pieceIndex].state != verified {
			candidates = append(candidates, pieceIndex)
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := candidates[i], candidates[j]
		if s.pieces[pi].availability != s.pieces[pj].availability {
			return s.pieces[pi].availability < s.pieces[pj].availability
		}
		return pi < pj
	})

	requested := 0
	for _, pieceIndex := range candidates {
		n, err := rf.requestBlocks(id, w, pieceIndex, budget, false)
		requested += n
		budget -= n
		if err != nil {
			return requested, err
		}
		if budget == 0 {
			return requested, nil
		}
	}

	if !s.hasUnrequestedBlock() {
		// Endgame: every missing block is already on the wire somewhere.
		// Duplicate requests to this peer so a slow or dead peer cannot
		// stall completion; the first copy received wins.
		for _, pieceIndex := range candidates {
			n, err := rf.requestBlocks(id, w, pieceIndex, budget, true)
			requested += n
			budget -= n
			if err != nil {
				return requested, err
			}
			if budget == 0 {
				return requested, nil
			}
		}
	}
	return requested, nil
}

// requestBlocks issues up to budget requests for one piece, ascending
// offset order. In endgame mode blocks already requested from other
// peers are eligible again, as long as this peer has no outstanding
// request for them. Caller holds the store lock.
func (rf *rarestFirst) requestBlocks(id string, w wire.Wire, pieceIndex, budget int, endgame bool) (int, error) {
	s := rf.store
	pi := s.pieces[pieceIndex]

	requested := 0
	for i, block := range pi.blocks {
		if block.received {
			continue
		}
		if _, ok := block.requestedBy[id]; ok {
			continue
		}
		if !endgame && len(block.requestedBy) > 0 {
			continue
		}
		err := w.SendRequest(pieceIndex, i*BLOCK_SIZE, block.length)
		if err != nil {
			return requested, err
		}
		block.requestedBy[id] = time.Now()
		s.outstanding[id]++
		if pi.state == missing {
			pi.state = inProgress
		}
		requested++
		budget--
		if budget == 0 {
			return requested, nil
		}
	}
	return requested, nil
}

// hasUnrequestedBlock reports whether any still-missing block has never
// been requested (or had its requests withdrawn). Caller holds the lock.
func (s *store) hasUnrequestedBlock() bool {
	for _, pi := range s.pieces {
		if pi.state == verified {
			continue
		}
		for _, b := range pi.blocks {
			if !b.received && len(b.requestedBy) == 0 {
				return true
			}
		}
	}
	return false
}
