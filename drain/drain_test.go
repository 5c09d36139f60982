package drain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kevdoran/nifi-android-s2s/callback"
	"github.com/kevdoran/nifi-android-s2s/codec"
	"github.com/kevdoran/nifi-android-s2s/config"
	"github.com/kevdoran/nifi-android-s2s/packet"
	"github.com/kevdoran/nifi-android-s2s/queue"
	"github.com/kevdoran/nifi-android-s2s/transaction"
	"github.com/kevdoran/nifi-android-s2s/transport"
)

// testCluster runs a real S2S handshake against transactions created one at
// a time, counting how many it served and how many flow-files they carried
// in total.
type testCluster struct {
	srv          *httptest.Server
	transactions int32
	flowFiles    int32
}

func newTestCluster(t *testing.T) *testCluster {
	tc := &testCluster{}
	txnID := int32(0)
	mux := http.NewServeMux()

	mux.HandleFunc("/nifi-api/data-transfer/input-ports/port-1/transactions", func(w http.ResponseWriter, r *http.Request) {
		id := atomic.AddInt32(&txnID, 1)
		atomic.AddInt32(&tc.transactions, 1)
		w.Header().Set("x-location-uri-intent", "transaction-url")
		w.Header().Set("Location", fmt.Sprintf("http://%s/nifi-api/data-transfer/input-ports/port-1/transactions/txn-%d", r.Host, id))
		w.Header().Set("x-nifi-site-to-site-server-transaction-ttl", "30")
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/data-transfer/input-ports/port-1/transactions/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodDelete:
			code, _ := strconv.Atoi(r.URL.Query().Get("responseCode"))
			_ = json.NewEncoder(w).Encode(transaction.Result{ResponseCode: code})
		case r.Method == http.MethodPost:
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			count := countFramedPackets(t, body)
			atomic.AddInt32(&tc.flowFiles, int32(count))
			crc := crc32.ChecksumIEEE(body)
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "%d", crc)
		}
	})
	tc.srv = httptest.NewServer(mux)
	return tc
}

func countFramedPackets(t *testing.T, body []byte) int {
	t.Helper()
	r := bytes.NewReader(body)
	n := 0
	for {
		if _, err := codec.ReadPacket(r); err != nil {
			break
		}
		n++
	}
	return n
}

func newEngine(t *testing.T, tc *testCluster) *transaction.Engine {
	parsed, err := url.Parse(tc.srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/nifi-api/site-to-site/peers", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"hostname": parsed.Hostname(), "port": port, "secure": false, "flowFileCount": 0},
		})
	})
	peerSrv := httptest.NewServer(mux)
	t.Cleanup(peerSrv.Close)

	mgr, err := transport.NewManager(context.Background(), transport.ClusterConfig{URLs: []string{peerSrv.URL}}, 5*time.Second, time.Hour)
	require.NoError(t, err)

	return transaction.NewEngine(mgr, transaction.Config{PortIdentifier: "port-1", BatchCount: 100})
}

func TestDrainEmptyQueueInvokesCallbackOnce(t *testing.T) {
	tc := newTestCluster(t)
	defer tc.srv.Close()
	engine := newEngine(t, tc)

	q, err := queue.Open(filepath.Join(t.TempDir(), "q"))
	require.NoError(t, err)
	defer q.Close()

	var calls int
	var callErr error
	sink := callback.Func{Queued: func(err error) { calls++; callErr = err }}
	worker := NewWorker(engine, sink)

	worker.Drain(context.Background(), q, config.QueuedClientConfig{
		ClientConfig:       config.ClientConfig{PreferredBatchCount: 100, PreferredBatchSize: 1 << 20},
		MaxTransactionTime: time.Second,
	})

	require.Equal(t, 1, calls)
	require.NoError(t, callErr)
	require.Zero(t, atomic.LoadInt32(&tc.transactions))
}

func TestDrainSingleBatchEmptiesQueue(t *testing.T) {
	tc := newTestCluster(t)
	defer tc.srv.Close()
	engine := newEngine(t, tc)

	q, err := queue.Open(filepath.Join(t.TempDir(), "q"))
	require.NoError(t, err)
	defer q.Close()

	pkts := make([]packet.Packet, 10)
	for i := range pkts {
		pkts[i] = packet.FromBytes(nil, []byte{byte(i)})
	}
	require.NoError(t, q.Enqueue(pkts))

	var callErr error
	sink := callback.Func{Queued: func(err error) { callErr = err }}
	worker := NewWorker(engine, sink)

	worker.Drain(context.Background(), q, config.QueuedClientConfig{
		ClientConfig:       config.ClientConfig{PreferredBatchCount: 100, PreferredBatchSize: 1 << 20},
		MaxTransactionTime: 5 * time.Second,
	})

	require.NoError(t, callErr)
	require.EqualValues(t, 1, atomic.LoadInt32(&tc.transactions))
	require.EqualValues(t, 10, atomic.LoadInt32(&tc.flowFiles))

	remaining, err := q.GetNextBatch(100, 1<<20, 0)
	require.NoError(t, err)
	require.Empty(t, remaining.Rows)
}

func TestDrainMultipleBatchesByCount(t *testing.T) {
	tc := newTestCluster(t)
	defer tc.srv.Close()
	engine := newEngine(t, tc)

	q, err := queue.Open(filepath.Join(t.TempDir(), "q"))
	require.NoError(t, err)
	defer q.Close()

	pkts := make([]packet.Packet, 250)
	for i := range pkts {
		pkts[i] = packet.FromBytes(nil, []byte{byte(i)})
	}
	require.NoError(t, q.Enqueue(pkts))

	var callErr error
	sink := callback.Func{Queued: func(err error) { callErr = err }}
	worker := NewWorker(engine, sink)

	worker.Drain(context.Background(), q, config.QueuedClientConfig{
		ClientConfig:       config.ClientConfig{PreferredBatchCount: 100, PreferredBatchSize: 1 << 20},
		MaxTransactionTime: 10 * time.Second,
	})

	require.NoError(t, callErr)
	require.EqualValues(t, 3, atomic.LoadInt32(&tc.transactions))
	require.EqualValues(t, 250, atomic.LoadInt32(&tc.flowFiles))
}

func TestSendDirectPathInvokesTransactionCallback(t *testing.T) {
	tc := newTestCluster(t)
	defer tc.srv.Close()
	engine := newEngine(t, tc)

	var result *transaction.Result
	var callErr error
	sink := callback.Func{Transaction: func(r *transaction.Result, err error) { result = r; callErr = err }}
	worker := NewWorker(engine, sink)

	worker.Send(context.Background(), []packet.Packet{packet.FromBytes(nil, []byte("x"))})

	require.NoError(t, callErr)
	require.NotNil(t, result)
}
