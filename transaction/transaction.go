// Package transaction drives the bidirectional S2S HTTP state machine: a
// Transaction object represents one in-flight transfer from creation
// through streaming, CRC confirmation, TTL heartbeats, and commit/cancel.
package transaction

import (
	"compress/flate"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kevdoran/nifi-android-s2s/codec"
	"github.com/kevdoran/nifi-android-s2s/packet"
	"github.com/kevdoran/nifi-android-s2s/transport"
)

// State is one of the Transaction lifecycle states from the spec's state
// machine diagram.
type State int

const (
	StateOpen State = iota
	StateSending
	StateConfirmed
	StateCommitted
	StateCanceled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateSending:
		return "sending"
	case StateConfirmed:
		return "confirmed"
	case StateCommitted:
		return "committed"
	case StateCanceled:
		return "canceled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the structured response body a DELETE ...?responseCode=N call
// yields once the server has ended the transaction.
type Result struct {
	ResponseCode  int    `json:"responseCode"`
	Message       string `json:"message"`
	FlowFilesSent int    `json:"flowFileSent"`
	BytesSent     int64  `json:"bytesSent"`
	DurationMS    int64  `json:"duration"`
}

// Engine opens transactions against a cluster reached through mgr.
type Engine struct {
	mgr *transport.Manager
	cfg Config
}

// NewEngine constructs a transaction engine bound to a connection manager
// and a fixed handshake configuration.
func NewEngine(mgr *transport.Manager, cfg Config) *Engine {
	return &Engine{mgr: mgr, cfg: cfg}
}

// Transaction is one in-flight S2S transfer.
type Transaction struct {
	id      string
	engine  *Engine
	url     string
	headers http.Header
	ttl     time.Duration
	peerIdx int

	mu    sync.Mutex
	state State

	flowFiles    *transport.Connection
	flowFilesEnd bool
	flate        *flate.Writer
	frame        *codec.Writer

	hbDone chan struct{}
	hbWG   sync.WaitGroup
}

// Begin creates a new transaction: POST .../transactions with handshake
// headers, validates the response contract, then opens the flow-files
// upload connection and starts the TTL heartbeat.
func (e *Engine) Begin(ctx context.Context) (*Transaction, error) {
	headers := handshakeHeaders(e.cfg)
	path := fmt.Sprintf("/nifi-api/data-transfer/input-ports/%s/transactions", e.cfg.PortIdentifier)

	resp, peerIdx, err := e.mgr.RequestWithRetry(ctx, http.MethodPost, path, headers)
	if err != nil {
		return nil, &TransportError{Op: "create transaction", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, &ProtocolError{Msg: fmt.Sprintf("responseCode=%d", resp.StatusCode)}
	}
	if intent := resp.Header.Get("x-location-uri-intent"); intent != "transaction-url" {
		return nil, &ProtocolError{Msg: fmt.Sprintf("unexpected x-location-uri-intent=%q", intent)}
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, &ProtocolError{Msg: "missing Location header"}
	}
	ttlStr := resp.Header.Get("x-nifi-site-to-site-server-transaction-ttl")
	ttlSec, err := strconv.Atoi(ttlStr)
	if err != nil || ttlSec <= 0 {
		return nil, &ProtocolError{Msg: fmt.Sprintf("invalid transaction ttl %q", ttlStr)}
	}

	txURL, err := transactionPath(loc)
	if err != nil {
		return nil, &ProtocolError{Msg: fmt.Sprintf("unparseable Location %q: %v", loc, err)}
	}

	tx := &Transaction{
		id:      uuid.NewString(),
		engine:  e,
		url:     txURL,
		headers: headers,
		ttl:     time.Duration(ttlSec) * time.Second,
		peerIdx: peerIdx,
		state:   StateOpen,
	}

	ffHeaders := headers.Clone()
	ffHeaders.Set("Content-Type", "application/octet-stream")
	ffHeaders.Set("Accept", "text/plain")
	ffConn, err := e.mgr.OpenConnection(ctx, tx.peerIdx, http.MethodPost, tx.url+"/flow-files", ffHeaders)
	if err != nil {
		return nil, &TransportError{Op: "open flow-files connection", Err: err}
	}
	tx.flowFiles = ffConn

	var w io.Writer = ffConn
	if e.cfg.UseCompression {
		tx.flate = flate.NewWriter(ffConn, flate.DefaultCompression)
		w = tx.flate
	}
	tx.frame = codec.NewWriter(w)

	tx.startHeartbeat()

	log.Debug().Str("txn", tx.id).Str("url", tx.url).Dur("ttl", tx.ttl).Msg("transaction opened")
	return tx, nil
}

// transactionPath extracts the path+query the server's Location header
// addresses, relative to whichever peer serves it next: the host component
// of Location is discarded, since heartbeat/end requests are always issued
// through the connection manager's own peer selection rather than by
// dialing the host the server happened to report. The first occurrence of
// /nifi-api is stripped, as the reference client does; deployments that
// nest the prefix are undefined behavior, preserved as-is.
func transactionPath(loc string) (string, error) {
	u, err := url.Parse(loc)
	if err != nil {
		return "", err
	}
	p := u.Path
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return strings.Replace(p, "/nifi-api", "", 1), nil
}

// startHeartbeat launches the periodic PUT keep-alive. Non-2xx responses
// and network errors are logged, never propagated — the heartbeat task
// simply continues at its next tick.
func (tx *Transaction) startHeartbeat() {
	tx.hbDone = make(chan struct{})
	tx.hbWG.Add(1)
	go func() {
		defer tx.hbWG.Done()
		ticker := time.NewTicker(tx.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				tx.heartbeat()
			case <-tx.hbDone:
				return
			}
		}
	}()
}

func (tx *Transaction) heartbeat() {
	conn, err := tx.engine.mgr.OpenConnection(context.Background(), tx.peerIdx, http.MethodPut, tx.url, tx.headers)
	if err != nil {
		log.Warn().Str("txn", tx.id).Err(err).Msg("heartbeat connection failed")
		return
	}
	resp, err := conn.CloseAndWait()
	if err != nil {
		log.Warn().Str("txn", tx.id).Err(err).Msg("heartbeat request failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		log.Warn().Str("txn", tx.id).Int("status", resp.StatusCode).Msg("heartbeat non-2xx response")
	}
}

// stopHeartbeat cancels the heartbeat task and waits for it to finish. It
// is safe to call more than once.
func (tx *Transaction) stopHeartbeat() {
	if tx.hbDone == nil {
		return
	}
	close(tx.hbDone)
	tx.hbWG.Wait()
	tx.hbDone = nil
}

// Send streams one packet's frame into the transaction. A DataFetchError
// from the packet's own data source is returned unchanged so the caller
// (the drain worker) can skip just this packet; any other error fails the
// transaction.
func (tx *Transaction) Send(p packet.Packet) error {
	tx.mu.Lock()
	if tx.state != StateOpen && tx.state != StateSending {
		tx.mu.Unlock()
		return &ProtocolError{Msg: fmt.Sprintf("send called in state %s", tx.state)}
	}
	tx.state = StateSending
	tx.mu.Unlock()

	if err := tx.frame.WritePacket(p); err != nil {
		if errors.Is(err, packet.ErrDataFetch) {
			return err
		}
		tx.fail()
		return &TransportError{Op: "send packet", Err: err}
	}
	return nil
}

// Confirm closes the frame writer (and compressor, if any), reads the
// server's ASCII-decimal CRC from the flow-files response, and compares it
// to the locally computed CRC. A mismatch ends the transaction with
// BAD_CHECKSUM and returns ChecksumMismatch.
func (tx *Transaction) Confirm(ctx context.Context) error {
	if tx.flate != nil {
		if err := tx.flate.Close(); err != nil {
			tx.fail()
			return &TransportError{Op: "close compressor", Err: err}
		}
	}
	localCRC, err := tx.frame.Close()
	if err != nil {
		tx.fail()
		return &TransportError{Op: "close frame writer", Err: err}
	}

	resp, err := tx.flowFiles.CloseAndWait()
	tx.flowFilesEnd = true
	if err != nil {
		tx.fail()
		return &TransportError{Op: "confirm flow-files", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		tx.fail()
		return &ProtocolError{Msg: fmt.Sprintf("responseCode=%d", resp.StatusCode)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		tx.fail()
		return &TransportError{Op: "read crc body", Err: err}
	}
	remote, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 32)
	if err != nil {
		tx.fail()
		return &ProtocolError{Msg: fmt.Sprintf("unparseable crc %q", string(body))}
	}

	if uint32(remote) != localCRC {
		tx.mu.Lock()
		tx.state = StateFailed
		tx.mu.Unlock()
		if _, endErr := tx.end(ctx, ResponseBadChecksum); endErr != nil {
			log.Warn().Str("txn", tx.id).Err(endErr).Msg("failed to end transaction after checksum mismatch")
		}
		return &ChecksumMismatch{Local: localCRC, Remote: uint32(remote)}
	}

	tx.mu.Lock()
	tx.state = StateConfirmed
	tx.mu.Unlock()
	return nil
}

// Complete commits a confirmed transaction with CONFIRM_TRANSACTION.
func (tx *Transaction) Complete(ctx context.Context) (*Result, error) {
	return tx.end(ctx, ResponseConfirmTransaction)
}

// Cancel ends the transaction with CANCEL_TRANSACTION on a best-effort
// basis; callers typically ignore its error.
func (tx *Transaction) Cancel(ctx context.Context) (*Result, error) {
	return tx.end(ctx, ResponseCancelTransaction)
}

func (tx *Transaction) fail() {
	tx.stopHeartbeat()
	tx.mu.Lock()
	tx.state = StateFailed
	tx.mu.Unlock()
}

// end cancels the heartbeat task and awaits its completion, disconnects the
// flow-files channel if it is still open, then issues the DELETE that ends
// the transaction with the given response code, parsing the result.
func (tx *Transaction) end(ctx context.Context, code int) (*Result, error) {
	tx.stopHeartbeat()

	if !tx.flowFilesEnd {
		tx.flowFiles.Abort(errors.New("transaction ended before flow-files confirmed"))
		tx.flowFilesEnd = true
	}

	headers := tx.headers.Clone()
	headers.Set("Content-Type", "application/json")
	path := fmt.Sprintf("%s?responseCode=%d", tx.url, code)
	conn, err := tx.engine.mgr.OpenConnection(ctx, tx.peerIdx, http.MethodDelete, path, headers)
	if err != nil {
		return nil, &TransportError{Op: "open end-transaction connection", Err: err}
	}
	resp, err := conn.CloseAndWait()
	if err != nil {
		return nil, &TransportError{Op: "end transaction", Err: err}
	}
	defer resp.Body.Close()

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ProtocolError{Msg: "undecodable transaction result"}
	}

	tx.mu.Lock()
	switch code {
	case ResponseConfirmTransaction:
		tx.state = StateCommitted
	case ResponseCancelTransaction:
		tx.state = StateCanceled
	case ResponseBadChecksum:
		tx.state = StateFailed
	}
	tx.mu.Unlock()

	return &result, nil
}

// State returns the transaction's current lifecycle state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// ID returns the process-local correlation id assigned to this transaction
// at creation, used for log correlation only — it has no wire meaning.
func (tx *Transaction) ID() string { return tx.id }
