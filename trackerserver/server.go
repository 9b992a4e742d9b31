package trackerserver

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/marksamman/bencode"
	"go.uber.org/zap"
)

type Server struct {
	registry *Registry
	srv      *http.Server
	quit     chan int
}

func NewServer(port int, quit chan int) *Server {
	s := &Server{
		registry: NewRegistry(),
		quit:     quit,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/announce", s.handleAnnounce)
	mux.HandleFunc("/stats", s.handleStats)
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the quit channel closes.
func (s *Server) ListenAndServe() error {
	go func() {
		<-s.quit
		s.srv.Close()
	}()
	go s.pruneLoop()

	zap.L().Info("tracker listening", zap.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) pruneLoop() {
	for {
		select {
		case <-s.quit:
			return
		case <-time.After(s.registry.interval):
			s.registry.Prune()
		}
	}
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func failureResponse(w http.ResponseWriter, reason string) {
	w.Write(bencode.Encode(map[string]interface{}{
		"failure reason": reason,
	}))
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	infoHash := q.Get("info_hash")
	peerID := q.Get("peer_id")
	if len(infoHash) != 20 || len(peerID) != 20 {
		failureResponse(w, "malformed info_hash or peer_id")
		return
	}
	port, err := strconv.Atoi(q.Get("port"))
	if err != nil || port <= 0 || port > 65535 {
		failureResponse(w, "malformed port")
		return
	}
	left, err := strconv.Atoi(q.Get("left"))
	if err != nil {
		failureResponse(w, "malformed left")
		return
	}
	uploaded, _ := strconv.Atoi(q.Get("uploaded"))
	downloaded, _ := strconv.Atoi(q.Get("downloaded"))
	numwant, _ := strconv.Atoi(q.Get("numwant"))

	// The peer's routable address is where the announce came from,
	// unless it explicitly claims one.
	ip := net.ParseIP(q.Get("ip"))
	if ip == nil {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			failureResponse(w, "unroutable peer address")
			return
		}
		ip = net.ParseIP(host)
	}

	resp := s.registry.Announce(&AnnounceRequest{
		InfoHash:   infoHash,
		PeerID:     peerID,
		IP:         ip,
		Port:       port,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      q.Get("event"),
		NumWant:    numwant,
	})

	w.Write(bencode.Encode(map[string]interface{}{
		"interval":   int64(resp.Interval / time.Second),
		"complete":   int64(resp.Complete),
		"incomplete": int64(resp.Incomplete),
		"peers":      string(compactPeers(resp.Peers)),
	}))
}

// compactPeers encodes peers as the 6-bytes-each binary format
// requested with compact=1: 4 IP bytes then a big-endian port.
func compactPeers(peers []*Peer) []byte {
	out := make([]byte, 0, 6*len(peers))
	for _, peer := range peers {
		ip4 := peer.IP.To4()
		if ip4 == nil {
			continue
		}
		out = append(out, ip4...)
		var port [2]byte
		binary.BigEndian.PutUint16(port[:], uint16(peer.Port))
		out = append(out, port[:]...)
	}
	return out
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	hexed := make(map[string]SwarmStats, len(stats))
	for infoHash, swarmStats := range stats {
		hexed[hex.EncodeToString([]byte(infoHash))] = swarmStats
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(hexed); err != nil {
		zap.L().Warn("stats encode failed", zap.Error(err))
	}
}
