package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	CHOKE          = 0
	UNCHOKE        = 1
	INTERESTED     = 2
	NOT_INTERESTED = 3
	HAVE           = 4
	BITFIELD       = 5
	REQUEST        = 6
	BLOCK          = 7
	CANCEL         = 8
	PORT           = 9
)

const (
	PROTOCOL         = "BitTorrent protocol"
	HANDSHAKE_LENGTH = 68

	// MAX_MESSAGE_LENGTH bounds the length prefix we accept. The largest
	// legitimate frames are a Piece (9 + 16 KiB block) and a Bitfield
	// (1 + numPieces/8 bytes); 128 KiB covers bitfields of torrents with
	// up to a million pieces while refusing allocation-sized garbage.
	MAX_MESSAGE_LENGTH = 1 << 17
)

// ErrMalformedMessage reports framing the remote side got wrong, e.g. a
// negative length prefix. The connection is not usable afterwards.
var ErrMalformedMessage = fmt.Errorf("malformed wire message")

// Wire frames and parses peer wire protocol messages over a single
// connection. All sends are length-prefixed per the protocol: a 4-byte
// big-endian length, a 1-byte message ID and the payload. The keep-alive
// is a bare zero length prefix.
type Wire interface {
	// Reading
	ReadHandshake() (length uint8, protocol string, infoHash []byte, peerID []byte, err error)
	ReadMessage() (length int32, messageID byte, payload []byte, err error)

	// Writing
	SendHandshake(infoHash []byte, peerID []byte) error
	SendKeepAlive() error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendUnInterested() error
	SendHave(pieceIndex int) error
	SendBitField(bitfield []byte) error
	SendRequest(pieceIndex, begin, length int) error
	SendBlock(pieceIndex, begin int, block []byte) error
	SendCancel(pieceIndex, begin, length int) error

	// Other
	SetTimeout(d time.Duration)
	GetLastMessageSent() (lastMessageSent time.Time)
	Close()
}

type wire struct {
	sync.Mutex
	conn            net.Conn
	timeoutDuration time.Duration
	lastMessageSent time.Time
}

func NewWire(
	conn net.Conn,
	timeoutDuration time.Duration) Wire {

	return &wire{
		conn:            conn,
		timeoutDuration: timeoutDuration,
	}
}

// 1 + 19 + 8 + 20 + 20
type handshake struct {
	Len      uint8
	Protocol [19]byte
	Reserved [8]uint8
	InfoHash [20]byte
	PeerID   [20]byte
}

// SetTimeout changes the per-operation read/write deadline, e.g. from
// the short handshake timeout to the long idle timeout once active.
func (w *wire) SetTimeout(d time.Duration) {
	w.Lock()
	defer w.Unlock()

	w.timeoutDuration = d
}

func (w *wire) timeout() time.Duration {
	w.Lock()
	defer w.Unlock()

	return w.timeoutDuration
}

func (w *wire) GetLastMessageSent() time.Time {
	w.Lock()
	defer w.Unlock()

	return w.lastMessageSent
}

func (w *wire) Close() {
	w.conn.Close()
}

func (w *wire) SendHandshake(infoHash []byte, peerID []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, uint8(len(PROTOCOL)))
	binary.Write(b, binary.BigEndian, []byte(PROTOCOL))
	binary.Write(b, binary.BigEndian, make([]byte, 8))
	binary.Write(b, binary.BigEndian, infoHash)
	binary.Write(b, binary.BigEndian, peerID)
	return w.sendMessage(b.Bytes())
}

func (w *wire) ReadHandshake() (uint8, string, []byte, []byte, error) {
	h := &handshake{}
	w.conn.SetReadDeadline(time.Now().Add(w.timeout()))
	data := make([]byte, HANDSHAKE_LENGTH)
	_, err := io.ReadFull(w.conn, data)
	if err != nil {
		return 0, "", nil, nil, err
	}
	err = binary.Read(bytes.NewBuffer(data), binary.BigEndian, h)
	if err != nil {
		return 0, "", nil, nil, err
	}
	return h.Len, string(h.Protocol[:]), h.InfoHash[:], h.PeerID[:], nil
}

func (w *wire) ReadMessage() (int32, byte, []byte, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeout()))

	var length int32
	err := binary.Read(w.conn, binary.BigEndian, &length)
	if err != nil {
		return 0, 0, nil, err
	}
	if length == 0 {
		// keep-alive
		return 0, 0, nil, nil
	}
	if length < 0 || length > MAX_MESSAGE_LENGTH {
		return 0, 0, nil, ErrMalformedMessage
	}
	var ID uint8
	err = binary.Read(w.conn, binary.BigEndian, &ID)
	if err != nil {
		return 0, 0, nil, err
	}

	payload := make([]byte, length-1)
	_, err = io.ReadFull(w.conn, payload)
	if err != nil {
		return 0, 0, nil, err
	}
	return length, ID, payload, nil
}

func (w *wire) SendKeepAlive() error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(0))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendChoke() error {
	return w.sendStateMessage(CHOKE)
}

func (w *wire) SendUnchoke() error {
	return w.sendStateMessage(UNCHOKE)
}

func (w *wire) SendInterested() error {
	return w.sendStateMessage(INTERESTED)
}

func (w *wire) SendUnInterested() error {
	return w.sendStateMessage(NOT_INTERESTED)
}

func (w *wire) sendStateMessage(messageID uint8) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1))
	binary.Write(b, binary.BigEndian, messageID)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendHave(pieceIndex int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(5))
	binary.Write(b, binary.BigEndian, uint8(HAVE))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendBitField(bitfield []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1+len(bitfield)))
	binary.Write(b, binary.BigEndian, uint8(BITFIELD))
	binary.Write(b, binary.BigEndian, bitfield)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendRequest(pieceIndex, begin, length int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(13))
	binary.Write(b, binary.BigEndian, uint8(REQUEST))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, int32(length))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendBlock(pieceIndex, begin int, block []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(9+len(block)))
	binary.Write(b, binary.BigEndian, uint8(BLOCK))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, block)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendCancel(pieceIndex, begin, length int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(13))
	binary.Write(b, binary.BigEndian, uint8(CANCEL))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, int32(length))
	return w.sendMessage(b.Bytes())
}

// sendMessage holds the lock across the write so concurrent senders
// cannot interleave frame bytes on the connection.
func (w *wire) sendMessage(msg []byte) error {
	w.Lock()
	defer w.Unlock()

	w.lastMessageSent = time.Now()
	w.conn.SetWriteDeadline(time.Now().Add(w.timeoutDuration))
	_, err := w.conn.Write(msg)
	return err
}
