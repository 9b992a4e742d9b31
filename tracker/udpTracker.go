package tracker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/PradaJoaquin/bittorrent-client-tracker/torrent"
)

// BEP 15 - UDP Tracker Protocol for BitTorrent
const (
	udpProtocolID     = 0x41727101980
	udpActionConnect  = 0
	udpActionAnnounce = 1
	udpActionError    = 3

	udpBaseTimeout = 15 * time.Second
	udpMaxRetries  = 3
)

// udpRoundTrip sends a request datagram and waits for the response,
// retransmitting with a 15 * 2^n timeout as BEP 15 prescribes.
func udpRoundTrip(conn *net.UDPConn, request []byte, response []byte) (int, error) {
	var n int
	var err error
	for attempt := 0; attempt <= udpMaxRetries; attempt++ {
		conn.SetDeadline(time.Now().Add(udpBaseTimeout << attempt))
		if _, err = conn.Write(request); err != nil {
			return 0, err
		}
		n, err = conn.Read(response)
		if err == nil {
			return n, nil
		}
		if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
			return 0, err
		}
	}
	return 0, err
}

func (tr *tracker) queryUDPTracker(trackerURL string, event int) error {
	udpAddress := strings.TrimPrefix(trackerURL, "udp://")
	udpAddress = strings.TrimSuffix(udpAddress, "/announce")
	trackerAddr, err := net.ResolveUDPAddr("udp", udpAddress)
	if err != nil {
		return err
	}
	trackerConn, err := net.DialUDP("udp", nil, trackerAddr)
	if err != nil {
		return err
	}
	defer trackerConn.Close()

	connectionID, err := tr.connectUDP(trackerConn)
	if err != nil {
		return err
	}
	return tr.announceUDP(trackerConn, event, connectionID)
}

func (tr *tracker) connectUDP(trackerConn *net.UDPConn) (int64, error) {
	connectRequest := &bytes.Buffer{}
	binary.Write(connectRequest, binary.BigEndian, int64(udpProtocolID))
	binary.Write(connectRequest, binary.BigEndian, int32(udpActionConnect))
	transactionID := rand.Int31()
	binary.Write(connectRequest, binary.BigEndian, transactionID)

	data := make([]byte, 16)
	n, err := udpRoundTrip(trackerConn, connectRequest.Bytes(), data)
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, fmt.Errorf("connect response too short: %d bytes", n)
	}
	connectResponse := bytes.NewBuffer(data[:n])

	var actionResp int32
	binary.Read(connectResponse, binary.BigEndian, &actionResp)
	if actionResp != udpActionConnect {
		return 0, fmt.Errorf("connect response action %d", actionResp)
	}
	var transactionIDResp int32
	binary.Read(connectResponse, binary.BigEndian, &transactionIDResp)
	if transactionID != transactionIDResp {
		return 0, fmt.Errorf("connect response transaction id mismatch")
	}
	var connectionID int64
	binary.Read(connectResponse, binary.BigEndian, &connectionID)
	return connectionID, nil
}

func (tr *tracker) announceUDP(trackerConn *net.UDPConn, event int, connectionID int64) error {
	announceRequest := &bytes.Buffer{}
	binary.Write(announceRequest, binary.BigEndian, connectionID)
	binary.Write(announceRequest, binary.BigEndian, int32(udpActionAnnounce))
	transactionID := rand.Int31()
	binary.Write(announceRequest, binary.BigEndian, transactionID)
	binary.Write(announceRequest, binary.BigEndian, tr.torrent.InfoHash)
	binary.Write(announceRequest, binary.BigEndian, torrent.PEER_ID)
	uploaded, downloaded, left := tr.stats.GetTrackerStats()
	binary.Write(announceRequest, binary.BigEndian, int64(downloaded))
	binary.Write(announceRequest, binary.BigEndian, int64(left))
	binary.Write(announceRequest, binary.BigEndian, int64(uploaded))
	binary.Write(announceRequest, binary.BigEndian, int32(event))
	binary.Write(announceRequest, binary.BigEndian, int32(0)) // IP, default
	binary.Write(announceRequest, binary.BigEndian, tr.key)
	binary.Write(announceRequest, binary.BigEndian, tr.numwant)
	binary.Write(announceRequest, binary.BigEndian, uint16(tr.serverPort))

	data := make([]byte, 20+6*tr.numwant)
	n, err := udpRoundTrip(trackerConn, announceRequest.Bytes(), data)
	if err != nil {
		return err
	}
	if n < 20 {
		return fmt.Errorf("announce response too short: %d bytes", n)
	}
	announceResponse := bytes.NewBuffer(data[:n])

	var actionResp int32
	binary.Read(announceResponse, binary.BigEndian, &actionResp)
	if actionResp != udpActionAnnounce {
		return fmt.Errorf("announce response action %d", actionResp)
	}
	var transactionIDResp int32
	binary.Read(announceResponse, binary.BigEndian, &transactionIDResp)
	if transactionID != transactionIDResp {
		return fmt.Errorf("announce response transaction id mismatch")
	}
	binary.Read(announceResponse, binary.BigEndian, &tr.announceResp.Interval)
	binary.Read(announceResponse, binary.BigEndian, &tr.announceResp.Leechers)
	binary.Read(announceResponse, binary.BigEndian, &tr.announceResp.Seeders)

	if event != STOPPED {
		tr.addPeers(announceResponse.Bytes())
	}
	return nil
}
