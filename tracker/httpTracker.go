package tracker

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"

	"github.com/PradaJoaquin/bittorrent-client-tracker/torrent"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

func (tr *tracker) queryHTTPTracker(trackerURL string, event int) error {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return err
	}
	if !u.IsAbs() {
		return fmt.Errorf("tracker URL %q not absolute", trackerURL)
	}

	q := u.Query()
	q.Set("info_hash", string(tr.torrent.InfoHash))
	q.Set("peer_id", string(torrent.PEER_ID))
	uploaded, downloaded, left := tr.stats.GetTrackerStats()
	q.Set("uploaded", strconv.Itoa(uploaded))
	q.Set("downloaded", strconv.Itoa(downloaded))
	q.Set("left", strconv.Itoa(left))
	q.Set("key", strconv.Itoa(int(tr.key)))
	switch event {
	case COMPLETED:
		q.Set("event", "completed")
	case STARTED:
		q.Set("event", "started")
	case STOPPED:
		q.Set("event", "stopped")
	}
	q.Set("numwant", strconv.Itoa(int(tr.numwant)))
	q.Set("port", strconv.Itoa(tr.serverPort))
	q.Set("compact", "1")
	u.RawQuery = q.Encode()

	resp, err := httpClient.Get(u.String())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tracker returned status %d", resp.StatusCode)
	}

	err = bencode.Unmarshal(resp.Body, &tr.announceResp)
	if err != nil {
		return err
	}
	if tr.announceResp.FailureReason != "" {
		return fmt.Errorf("tracker failure: %s", tr.announceResp.FailureReason)
	}

	if event != STOPPED {
		tr.addPeers([]byte(tr.announceResp.Peers))
	}
	return nil
}
