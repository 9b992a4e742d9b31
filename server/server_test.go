package server

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/PradaJoaquin/bittorrent-client-tracker/peer"
)

type mockPeerManager struct {
	peer.PeerManager
	mock.Mock
}

func (m *mockPeerManager) AddPeer(id string, conn net.Conn) {
	m.Called(id, conn)
}

func TestInboundConnectionsReachTheRegistry(t *testing.T) {
	added := make(chan string, 1)
	pm := &mockPeerManager{}
	pm.On("AddPeer", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		added <- args.String(0)
	}).Once()

	quit := make(chan int)
	sv, err := NewServer(pm, 0, quit)
	assert.NoError(t, err)
	assert.Greater(t, sv.GetServerPort(), 0)
	sv.Serve()

	conn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", sv.GetServerPort()))
	assert.NoError(t, err)
	defer conn.Close()

	select {
	case id := <-added:
		assert.Equal(t, conn.LocalAddr().String(), id)
	case <-time.After(5 * time.Second):
		t.Fatal("connection never reached the registry")
	}
	pm.AssertExpectations(t)

	// Closing the quit channel stops accepting
	close(quit)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", sv.GetServerPort())); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("listener still accepting after quit")
}
