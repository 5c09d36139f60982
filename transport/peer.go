package transport

import "sort"

// Peer is one reachable node of the remote cluster, load-biased by the
// number of FlowFiles it reports holding.
type Peer struct {
	URL           string
	FlowFileCount int
}

// rankPeers sorts peers ascending by FlowFileCount with a stable tie-break
// on URL, so the least loaded peer is always first.
func rankPeers(peers []Peer) {
	sort.SliceStable(peers, func(i, j int) bool {
		if peers[i].FlowFileCount != peers[j].FlowFileCount {
			return peers[i].FlowFileCount < peers[j].FlowFileCount
		}
		return peers[i].URL < peers[j].URL
	})
}

// Credentials carries HTTP basic-auth credentials applied to every request
// the connection manager issues.
type Credentials struct {
	Username string
	Password string
}

// ClusterConfig is the set of seed URLs for one remote cluster plus any
// proxy/credential overrides.
type ClusterConfig struct {
	URLs        []string
	ProxyURL    string
	Credentials *Credentials
}
