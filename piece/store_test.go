package piece

import (
	"bytes"
	"crypto/sha1"
	"testing"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/stretchr/testify/assert"

	"github.com/PradaJoaquin/bittorrent-client-tracker/torrent"
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
	return &torrent.Torrent{
		Length:    len(content),
		NumPieces: numPieces,
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

func TestPieceVerifiedOnMatchingHash(t *testing.T) {
	content := patternContent(4 * BLOCK_SIZE)
	tor := testTorrent(t, 2*BLOCK_SIZE, content)
	s := NewStore(tor, bitmap.New(tor.NumPieces))

	r, err := s.MarkBlockReceived("peer1", 0, 0, content[:BLOCK_SIZE])
	assert.NoError(t, err)
	assert.Equal(t, BlockAccepted, r.Status)

	r, err = s.MarkBlockReceived("peer1", 0, BLOCK_SIZE, content[BLOCK_SIZE:2*BLOCK_SIZE])
	assert.NoError(t, err)
	assert.Equal(t, PieceVerified, r.Status)
	assert.Equal(t, content[:2*BLOCK_SIZE], r.Piece)
	assert.True(t, r.Peers.Contains("peer1"))

	assert.Equal(t, 1, s.NumVerified())
	assert.True(t, bitmap.Get(s.GetBitField(), 0))
	assert.False(t, bitmap.Get(s.GetBitField(), 1))
	assert.Equal(t, 2*BLOCK_SIZE, s.Left())
}

func TestCorruptPieceResetsToMissing(t *testing.T) {
	content := patternContent(2 * BLOCK_SIZE)
	tor := testTorrent(t, 2*BLOCK_SIZE, content)
	s := NewStore(tor, bitmap.New(tor.NumPieces))

	garbage := make([]byte, BLOCK_SIZE)
	s.MarkBlockReceived("peer1", 0, 0, content[:BLOCK_SIZE])
	r, err := s.MarkBlockReceived("peer2", 0, BLOCK_SIZE, garbage)
	assert.NoError(t, err)
	assert.Equal(t, PieceCorrupt, r.Status)
	assert.True(t, r.Peers.Contains("peer1"))
	assert.True(t, r.Peers.Contains("peer2"))

	// No partial data is retained: every block is requestable again
	assert.Equal(t, 0, s.NumVerified())
	assert.Equal(t, []Block{
		{Offset: 0, Length: BLOCK_SIZE},
		{Offset: BLOCK_SIZE, Length: BLOCK_SIZE},
	}, s.MissingBlocks(0))

	// The piece can still verify afterwards with good data
	s.MarkBlockReceived("peer3", 0, 0, content[:BLOCK_SIZE])
	r, err = s.MarkBlockReceived("peer3", 0, BLOCK_SIZE, content[BLOCK_SIZE:])
	assert.NoError(t, err)
	assert.Equal(t, PieceVerified, r.Status)
	assert.False(t, r.Peers.Contains("peer1"))
}

func TestDuplicateBlockIsIdempotent(t *testing.T) {
	content := patternContent(2 * BLOCK_SIZE)
	tor := testTorrent(t, 2*BLOCK_SIZE, content)
	s := NewStore(tor, bitmap.New(tor.NumPieces))

	s.MarkBlockReceived("peer1", 0, 0, content[:BLOCK_SIZE])
	r, err := s.MarkBlockReceived("peer2", 0, 0, content[:BLOCK_SIZE])
	assert.NoError(t, err)
	assert.Equal(t, BlockDuplicate, r.Status)

	s.MarkBlockReceived("peer1", 0, BLOCK_SIZE, content[BLOCK_SIZE:])
	assert.Equal(t, 1, s.NumVerified())

	// A block for an already verified piece is ignored without error
	r, err = s.MarkBlockReceived("peer1", 0, 0, content[:BLOCK_SIZE])
	assert.NoError(t, err)
	assert.Equal(t, BlockDuplicate, r.Status)
	assert.Equal(t, 1, s.NumVerified())
}

func TestInvalidRanges(t *testing.T) {
	content := patternContent(2*BLOCK_SIZE + 100)
	tor := testTorrent(t, 2*BLOCK_SIZE, content)
	s := NewStore(tor, bitmap.New(tor.NumPieces))

	_, err := s.MarkBlockReceived("peer1", 5, 0, content[:BLOCK_SIZE])
	assert.ErrorIs(t, err, ErrInvalidIndex)

	_, err = s.MarkBlockReceived("peer1", 0, 7, content[:BLOCK_SIZE])
	assert.ErrorIs(t, err, ErrInvalidRange)

	// Final block of final piece is 100 bytes; a full block overflows
	_, err = s.MarkBlockReceived("peer1", 1, 0, content[:BLOCK_SIZE])
	assert.ErrorIs(t, err, ErrInvalidRange)

	r, err := s.MarkBlockReceived("peer1", 1, 0, content[2*BLOCK_SIZE:])
	assert.NoError(t, err)
	assert.Equal(t, PieceVerified, r.Status)

	_, err = s.PeerHave("peer1", tor.NumPieces)
	assert.ErrorIs(t, err, ErrInvalidIndex)
}

func TestMissingBlocksAscending(t *testing.T) {
	content := patternContent(3 * BLOCK_SIZE)
	tor := testTorrent(t, 3*BLOCK_SIZE, content)
	s := NewStore(tor, bitmap.New(tor.NumPieces))

	s.MarkBlockReceived("peer1", 0, BLOCK_SIZE, content[BLOCK_SIZE:2*BLOCK_SIZE])
	assert.Equal(t, []Block{
		{Offset: 0, Length: BLOCK_SIZE},
		{Offset: 2 * BLOCK_SIZE, Length: BLOCK_SIZE},
	}, s.MissingBlocks(0))
}

func TestResumeFromBitfield(t *testing.T) {
	content := patternContent(4 * BLOCK_SIZE)
	tor := testTorrent(t, 2*BLOCK_SIZE, content)

	resumed := bitmap.New(tor.NumPieces)
	resumed.Set(1, true)
	s := NewStore(tor, resumed)

	assert.Equal(t, 1, s.NumVerified())
	assert.Equal(t, 2*BLOCK_SIZE, s.Left())
	assert.Empty(t, s.MissingBlocks(1))
	assert.False(t, s.IsComplete())
}

func TestExpireRequestsFreesBlocks(t *testing.T) {
	content := patternContent(BLOCK_SIZE)
	tor := testTorrent(t, BLOCK_SIZE, content)
	s := NewStore(tor, bitmap.New(tor.NumPieces))

	peerBitfield := bitmap.New(1)
	peerBitfield.Set(0, true)
	w := &mockWire{}
	w.On("SendRequest", 0, 0, BLOCK_SIZE).Return(nil).Once()

	sched := NewRarestFirstScheduler(s, 5)
	n, err := sched.FillRequests("peer1", w, &peerBitfield)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	expired := s.ExpireRequests(0 * time.Second)
	assert.Equal(t, []PendingRequest{
		{PeerID: "peer1", Index: 0, Offset: 0, Length: BLOCK_SIZE},
	}, expired)

	// The block is requestable again after expiry
	w.On("SendRequest", 0, 0, BLOCK_SIZE).Return(nil).Once()
	n, err = sched.FillRequests("peer1", w, &peerBitfield)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	w.AssertExpectations(t)
}
