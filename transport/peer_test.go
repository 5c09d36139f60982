package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRankPeersOrdersByLoadThenURL(t *testing.T) {
	peers := []Peer{
		{URL: "b", FlowFileCount: 5},
		{URL: "a", FlowFileCount: 5},
		{URL: "c", FlowFileCount: 1},
	}
	rankPeers(peers)
	require.Equal(t, []string{"c", "a", "b"}, []string{peers[0].URL, peers[1].URL, peers[2].URL})
}
