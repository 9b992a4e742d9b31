// Package server accepts inbound peer connections and hands them to the
// peer registry; the remote side initiates the handshake.
package server

import (
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/PradaJoaquin/bittorrent-client-tracker/peer"
)

type Server interface {
	Serve()
	GetServerPort() int
}

type server struct {
	port     int
	listener net.Listener
	quit     chan int
	pm       peer.PeerManager
}

var listen = net.Listen

// NewServer listens on the given TCP port; port 0 picks an ephemeral
// one, reported by GetServerPort for tracker announces.
func NewServer(
	pm peer.PeerManager,
	port int,
	quit chan int) (Server, error) {

	sv := &server{
		pm:   pm,
		quit: quit,
	}
	listener, err := listen("tcp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	sv.listener = listener
	sv.port = listener.Addr().(*net.TCPAddr).Port
	return sv, nil
}

func (sv *server) Serve() {
	go func() {
		<-sv.quit
		sv.listener.Close()
	}()
	go func() {
		for {
			conn, err := sv.listener.Accept()
			if err != nil {
				select {
				case <-sv.quit:
					zap.L().Info("peer listener stopped")
				default:
					zap.L().Error("peer listener failed", zap.Error(err))
				}
				return
			}
			tcpAddr := conn.RemoteAddr().(*net.TCPAddr)
			sv.pm.AddPeer(fmt.Sprintf("%s:%d", tcpAddr.IP, tcpAddr.Port), conn)
		}
	}()
}

func (sv *server) GetServerPort() int {
	return sv.port
}
