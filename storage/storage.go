// Package storage persists verified pieces and serves block reads for
// uploads. Files are laid out exactly as the torrent's info dictionary
// describes, single- or multi-file mode, behind an afero filesystem so
// tests can run in memory.
package storage

import (
	"github.com/boljen/go-bitmap"
)

type Storage interface {
	WritePiece(pieceIndex int, data []byte) (err error)
	ReadBlock(pieceIndex, blockByteOffset, length int) (blockData []byte, err error)
	CurrentState() (clientBitfield bitmap.Bitmap, left int, err error)
	Close() error
}
