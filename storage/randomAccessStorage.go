package storage

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/spf13/afero"

	"github.com/PradaJoaquin/bittorrent-client-tracker/torrent"
)

type fileSpan struct {
	file   afero.File
	lock   sync.Mutex
	offset int // global byte offset of the file's first byte
	length int
}

type randomAccessStorage struct {
	fs      afero.Fs
	torrent *torrent.Torrent
	files   []*fileSpan
}

// NewRandomAccessStorage opens (creating if needed) every file of the
// torrent under downloadDir and maps global byte offsets onto them.
func NewRandomAccessStorage(fs afero.Fs, tor *torrent.Torrent, downloadDir string) (Storage, error) {
	s := &randomAccessStorage{
		fs:      fs,
		torrent: tor,
	}
	if err := s.init(downloadDir); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *randomAccessStorage) openOrCreate(path string) (afero.File, error) {
	if err := s.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return s.fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
}

func (s *randomAccessStorage) init(downloadDir string) error {
	info := s.torrent.MetaInfo.Info
	if len(info.Files) > 0 {
		// Multiple file mode: a root directory named after the torrent
		offset := 0
		for _, f := range info.Files {
			parts := append([]string{downloadDir, info.Name}, f.Path...)
			file, err := s.openOrCreate(filepath.Join(parts...))
			if err != nil {
				return err
			}
			s.files = append(s.files, &fileSpan{
				file:   file,
				offset: offset,
				length: f.Length,
			})
			offset += f.Length
		}
	} else {
		// Single file mode
		file, err := s.openOrCreate(filepath.Join(downloadDir, info.Name))
		if err != nil {
			return err
		}
		s.files = append(s.files, &fileSpan{
			file:   file,
			length: info.Length,
		})
	}
	return nil
}

func (s *randomAccessStorage) Close() error {
	var firstErr error
	for _, span := range s.files {
		if err := span.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// spansFor returns the files covering [offset, offset+length) in order.
func (s *randomAccessStorage) spansFor(offset, length int) ([]*fileSpan, error) {
	if offset < 0 || offset+length > s.torrent.Length {
		return nil, fmt.Errorf("byte range [%d, %d) outside torrent bounds", offset, offset+length)
	}
	spans := []*fileSpan{}
	for _, span := range s.files {
		if span.offset+span.length <= offset {
			continue
		}
		if span.offset >= offset+length {
			break
		}
		spans = append(spans, span)
	}
	return spans, nil
}

func (s *randomAccessStorage) readAt(offset, length int) ([]byte, error) {
	spans, err := s.spansFor(offset, length)
	if err != nil {
		return nil, err
	}
	out := &bytes.Buffer{}
	for _, span := range spans {
		start := offset + out.Len() - span.offset
		n := length - out.Len()
		if start+n > span.length {
			n = span.length - start
		}
		data := make([]byte, n)
		span.lock.Lock()
		_, err := span.file.ReadAt(data, int64(start))
		span.lock.Unlock()
		if err != nil {
			return nil, err
		}
		out.Write(data)
	}
	return out.Bytes(), nil
}

func (s *randomAccessStorage) writeAt(offset int, data []byte) error {
	spans, err := s.spansFor(offset, len(data))
	if err != nil {
		return err
	}
	written := 0
	for _, span := range spans {
		start := offset + written - span.offset
		n := len(data) - written
		if start+n > span.length {
			n = span.length - start
		}
		span.lock.Lock()
		_, err := span.file.WriteAt(data[written:written+n], int64(start))
		span.lock.Unlock()
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

func (s *randomAccessStorage) WritePiece(pieceIndex int, data []byte) error {
	return s.writeAt(pieceIndex*s.torrent.MetaInfo.Info.PieceLength, data)
}

func (s *randomAccessStorage) ReadBlock(pieceIndex, blockByteOffset, length int) ([]byte, error) {
	return s.readAt(pieceIndex*s.torrent.MetaInfo.Info.PieceLength+blockByteOffset, length)
}

// CurrentState rebuilds the verified-piece bitfield by hashing whatever
// is already on disk, so an interrupted download resumes instead of
// starting over.
func (s *randomAccessStorage) CurrentState() (bitmap.Bitmap, int, error) {
	clientBitfield := bitmap.New(s.torrent.NumPieces)
	left := 0
	for pieceIndex := 0; pieceIndex < s.torrent.NumPieces; pieceIndex++ {
		pieceSize := s.torrent.PieceSize(pieceIndex)
		data, err := s.readAt(pieceIndex*s.torrent.MetaInfo.Info.PieceLength, pieceSize)
		if err != nil {
			// Unwritten regions read short on a fresh file; the piece is
			// simply not there yet.
			left += pieceSize
			continue
		}
		checksum := sha1.Sum(data)
		if bytes.Equal(checksum[:], s.torrent.PieceHash(pieceIndex)) {
			clientBitfield.Set(pieceIndex, true)
		} else {
			left += pieceSize
		}
	}
	return clientBitfield, left, nil
}
