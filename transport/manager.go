// Package transport maintains the authenticated HTTP session with a
// NiFi-style Site-to-Site cluster: the current peer list, load-biased peer
// selection, and the streamable request/response connections the
// transaction engine drives.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
)

// ErrNoPeers is returned when the cluster has no reachable peers.
var ErrNoPeers = errors.New("transport: no peers available")

// Manager owns the peer list, the last-refresh timestamp, and the HTTP
// client used to reach the cluster. Peer list updates are serialized by a
// single-writer lock, matching the spec's shared-resource model.
type Manager struct {
	cluster ClusterConfig
	client  *http.Client
	timeout time.Duration

	peerUpdateInterval time.Duration

	mu          sync.Mutex
	peers       []Peer
	lastRefresh time.Time

	retry backoff.Backoff
}

// NewManager constructs a connection manager for the given cluster. The
// peer list is empty until RefreshPeers is called, which NewManager does once
// up front so the manager is usable immediately.
func NewManager(ctx context.Context, cluster ClusterConfig, timeout, peerUpdateInterval time.Duration) (*Manager, error) {
	transport := &http.Transport{}
	if cluster.ProxyURL != "" {
		pu, err := url.Parse(cluster.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("transport: parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(pu)
	}
	m := &Manager{
		cluster:             cluster,
		client:               &http.Client{Timeout: timeout, Transport: transport},
		timeout:              timeout,
		peerUpdateInterval:   peerUpdateInterval,
		retry:                backoff.Backoff{Min: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2},
	}
	if err := m.RefreshPeers(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

type peerDTO struct {
	Hostname      string `json:"hostname"`
	Port          int    `json:"port"`
	Secure        bool   `json:"secure"`
	FlowFileCount int    `json:"flowFileCount"`
}

// RefreshPeers fetches /site-to-site/peers from the first seed URL and
// replaces the ranked peer list. Peers already in the list are not asked.
func (m *Manager) RefreshPeers(ctx context.Context) error {
	base := m.seedURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/nifi-api/site-to-site/peers", nil)
	if err != nil {
		return fmt.Errorf("transport: build peers request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	m.applyAuth(req)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: refresh peers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("transport: refresh peers: responseCode=%d", resp.StatusCode)
	}

	var dtos []peerDTO
	if err := json.NewDecoder(resp.Body).Decode(&dtos); err != nil {
		return fmt.Errorf("transport: decode peers: %w", err)
	}

	peers := make([]Peer, 0, len(dtos))
	for _, d := range dtos {
		scheme := "http"
		if d.Secure {
			scheme = "https"
		}
		peers = append(peers, Peer{
			URL:           fmt.Sprintf("%s://%s:%d", scheme, d.Hostname, d.Port),
			FlowFileCount: d.FlowFileCount,
		})
	}
	rankPeers(peers)

	m.mu.Lock()
	m.peers = peers
	m.lastRefresh = time.Now()
	m.mu.Unlock()

	log.Debug().Int("count", len(peers)).Msg("refreshed s2s peer list")
	return nil
}

// seedURL returns the first configured seed URL, the host every peer-list
// fetch is sent to.
func (m *Manager) seedURL() string {
	if len(m.cluster.URLs) == 0 {
		return ""
	}
	return m.cluster.URLs[0]
}

// maybeRefresh refreshes the peer list if the configured interval has
// elapsed since the last refresh.
func (m *Manager) maybeRefresh(ctx context.Context) {
	m.mu.Lock()
	stale := time.Since(m.lastRefresh) > m.peerUpdateInterval
	m.mu.Unlock()
	if stale {
		if err := m.RefreshPeers(ctx); err != nil {
			log.Warn().Err(err).Msg("periodic peer refresh failed")
		}
	}
}

// peerAt returns the peer ranked at position idx (modulo the peer count),
// the least-loaded peer being index 0.
func (m *Manager) peerAt(idx int) (Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.peers) == 0 {
		return Peer{}, ErrNoPeers
	}
	return m.peers[idx%len(m.peers)], nil
}

func (m *Manager) applyAuth(req *http.Request) {
	if m.cluster.Credentials != nil {
		req.SetBasicAuth(m.cluster.Credentials.Username, m.cluster.Credentials.Password)
	}
}

// Connection is one outbound HTTP request/response pair whose body can be
// streamed incrementally — used for the flow-files upload — or written in
// one shot and closed immediately — used for transaction create/heartbeat/
// end.
type Connection struct {
	body   *io.PipeWriter
	respCh chan connResult
}

type connResult struct {
	resp *http.Response
	err  error
}

func (c *Connection) Write(p []byte) (int, error) { return c.body.Write(p) }

// CloseAndWait closes the request body, signalling EOF to the server, and
// blocks until the HTTP round trip completes.
func (c *Connection) CloseAndWait() (*http.Response, error) {
	c.body.Close()
	r := <-c.respCh
	return r.resp, r.err
}

// Abort aborts the in-flight request body with err and waits for the
// underlying HTTP call to unwind.
func (c *Connection) Abort(err error) {
	c.body.CloseWithError(err)
	<-c.respCh
}

// OpenConnection resolves the peer at rank peerIdx, builds method+path
// against it, applies the configured timeout and the given headers (plus
// auth), and returns a streamable Connection. path is appended verbatim to
// the peer's base URL.
func (m *Manager) OpenConnection(ctx context.Context, peerIdx int, method, path string, headers http.Header) (*Connection, error) {
	peer, err := m.peerAt(peerIdx)
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, method, peer.URL+path, pr)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	m.applyAuth(req)

	conn := &Connection{body: pw, respCh: make(chan connResult, 1)}
	go func() {
		resp, err := m.client.Do(req)
		conn.respCh <- connResult{resp: resp, err: err}
	}()
	return conn, nil
}

// RequestWithRetry is used for the single case the spec calls out explicitly:
// transaction creation retries once against the next-ranked peer when the
// first attempt fails with a connection error, after triggering a peer-list
// refresh. Unlike OpenConnection, it performs the full round trip itself —
// transaction creation has no streamed request body, so there is nothing to
// gain by handing the caller a live Connection, and a connection failure
// only actually surfaces once something reads the response. Opening the
// connection and immediately waiting for it here, instead of in the caller,
// is what makes the retry reachable at all.
//
// It also returns the rank of the peer the successful attempt landed on, so
// the caller can pin the rest of a multi-request session (e.g. a
// transaction's flow-files upload, heartbeats, and end call) to that same
// peer rather than assuming rank 0, which would be wrong whenever the retry
// fired.
func (m *Manager) RequestWithRetry(ctx context.Context, method, path string, headers http.Header) (*http.Response, int, error) {
	m.maybeRefresh(ctx)

	resp, err := m.roundTrip(ctx, 0, method, path, headers)
	if err == nil {
		return resp, 0, nil
	}

	log.Warn().Err(err).Msg("transaction creation failed on primary peer, refreshing and retrying once")
	if rerr := m.RefreshPeers(ctx); rerr != nil {
		log.Warn().Err(rerr).Msg("peer refresh before retry failed")
	}
	time.Sleep(m.retry.Duration())
	m.retry.Reset()

	resp, err = m.roundTrip(ctx, 1, method, path, headers)
	return resp, 1, err
}

// roundTrip opens a connection against the peer ranked at idx and blocks
// until the response arrives (or the connection fails to establish at all).
func (m *Manager) roundTrip(ctx context.Context, idx int, method, path string, headers http.Header) (*http.Response, error) {
	conn, err := m.OpenConnection(ctx, idx, method, path, headers)
	if err != nil {
		return nil, err
	}
	return conn.CloseAndWait()
}
