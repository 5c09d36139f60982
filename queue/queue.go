// Package queue implements the durable on-device packet queue: a
// key-ordered row store (ipfs/go-datastore over ipfs/go-ds-badger) holding
// enqueued packets until a drain worker checks a batch out, streams it, and
// either commits (deletes) or rolls back (un-checks-out) it.
package queue

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	datastore "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	badger "github.com/ipfs/go-ds-badger"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kevdoran/nifi-android-s2s/packet"
)

func readAllClose(r io.ReadCloser) ([]byte, error) {
	defer r.Close()
	return io.ReadAll(r)
}

const rowsPrefix = "/rows"

// Queue is a durable, badger-backed packet queue. All row mutations are
// serialized through mu, matching the spec's single-writer model for the
// row store — go-ds-badger's Batching interface at this version has no
// read-modify-write transaction, so checkout stamping and eviction rely on
// this in-process lock rather than a database-level transaction.
type Queue struct {
	ds datastore.Batching

	mu     sync.Mutex
	nextID int64
}

// Open opens (or creates) the badger-backed queue rooted at path and runs
// the open recovery procedure: any row left checked out by a process that
// crashed mid-drain is rolled back so it is visible again.
func Open(path string) (*Queue, error) {
	opts := badger.DefaultOptions
	opts.SyncWrites = false

	ds, err := badger.NewDatastore(path, &opts)
	if err != nil {
		return nil, &Error{Op: "open datastore", Err: err}
	}

	q := &Queue{ds: ds}
	if err := q.recoverCheckouts(); err != nil {
		return nil, err
	}
	if err := q.loadNextID(); err != nil {
		return nil, err
	}
	return q, nil
}

// Close releases the underlying datastore.
func (q *Queue) Close() error {
	if closer, ok := q.ds.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func rowKey(id int64) datastore.Key {
	return datastore.NewKey(fmt.Sprintf("%s/%020d", rowsPrefix, id))
}

func idFromKey(k string) (int64, error) {
	parts := strings.Split(k, "/")
	return strconv.ParseInt(parts[len(parts)-1], 10, 64)
}

func (q *Queue) recoverCheckouts() error {
	results, err := q.ds.Query(dsq.Query{Prefix: rowsPrefix})
	if err != nil {
		return &Error{Op: "scan for recovery", Err: err}
	}
	defer results.Close()

	batch, err := q.ds.Batch()
	if err != nil {
		return &Error{Op: "open recovery batch", Err: err}
	}
	changed := 0
	for e := range results.Next() {
		if e.Error != nil {
			return &Error{Op: "scan for recovery", Err: e.Error}
		}
		id, err := idFromKey(e.Key)
		if err != nil {
			continue
		}
		row, err := decodeRow(id, e.Value)
		if err != nil {
			return &Error{Op: "decode row during recovery", Err: err}
		}
		if row.TransactionID == "" {
			continue
		}
		row.TransactionID = ""
		blob, err := encodeRow(row)
		if err != nil {
			return &Error{Op: "re-encode row during recovery", Err: err}
		}
		if err := batch.Put(datastore.NewKey(e.Key), blob); err != nil {
			return &Error{Op: "stage recovery put", Err: err}
		}
		changed++
	}
	if changed == 0 {
		return nil
	}
	if err := batch.Commit(); err != nil {
		return &Error{Op: "commit recovery batch", Err: err}
	}
	log.Info().Int("rows", changed).Msg("rolled back checked-out rows on open")
	return nil
}

func (q *Queue) loadNextID() error {
	results, err := q.ds.Query(dsq.Query{
		Prefix:   rowsPrefix,
		Orders:   []dsq.Order{dsq.OrderByKeyDescending{}},
		KeysOnly: true,
		Limit:    1,
	})
	if err != nil {
		return &Error{Op: "scan for next id", Err: err}
	}
	defer results.Close()

	for e := range results.Next() {
		if e.Error != nil {
			return &Error{Op: "scan for next id", Err: e.Error}
		}
		id, err := idFromKey(e.Key)
		if err != nil {
			continue
		}
		q.nextID = id + 1
		return nil
	}
	return nil
}

// Enqueue persists packets as new rows in a single atomic batch, in
// insertion order, assigned monotonically increasing ids.
func (q *Queue) Enqueue(packets []packet.Packet) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch, err := q.ds.Batch()
	if err != nil {
		return &Error{Op: "open enqueue batch", Err: err}
	}

	now := time.Now()
	for _, p := range packets {
		r, err := p.Data()
		if err != nil {
			return &Error{Op: "read packet data", Err: err}
		}
		payload, err := readAllClose(r)
		if err != nil {
			return &Error{Op: "buffer packet payload", Err: err}
		}

		id := q.nextID
		q.nextID++

		row := &Row{ID: id, CreatedAt: now, Attributes: p.Attributes(), Payload: payload}
		blob, err := encodeRow(row)
		if err != nil {
			return &Error{Op: "encode row", Err: err}
		}
		if err := batch.Put(rowKey(id), blob); err != nil {
			return &Error{Op: "stage enqueue put", Err: err}
		}
	}

	if err := batch.Commit(); err != nil {
		return &Error{Op: "commit enqueue batch", Err: err}
	}
	return nil
}

// Batch is a set of rows checked out by one drain attempt.
type Batch struct {
	TransactionID string
	Rows          []*Row
}

// Packets presents the batch's rows as Packets, most-recent-first, exactly
// as they were selected.
func (b *Batch) Packets() []packet.Packet {
	out := make([]packet.Packet, len(b.Rows))
	for i, r := range b.Rows {
		out[i] = packet.FromBytes(r.Attributes, r.Payload)
	}
	return out
}

// GetNextBatch selects up to maxCount rows with the highest ids (most
// recent first), stopping before cumulative payload size would exceed
// maxSize, excluding any currently checked-out rows, and atomically stamps
// the selection with a fresh transaction id. maxAge is accepted for
// interface symmetry with the spec's signature but does not affect
// selection — age-based eviction is cleanup's responsibility alone (see
// DESIGN.md).
func (q *Queue) GetNextBatch(maxCount int, maxSize int64, maxAge time.Duration) (*Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	results, err := q.ds.Query(dsq.Query{
		Prefix: rowsPrefix,
		Orders: []dsq.Order{dsq.OrderByKeyDescending{}},
	})
	if err != nil {
		return nil, &Error{Op: "scan for batch", Err: err}
	}
	defer results.Close()

	var selected []*Row
	var total int64
	for e := range results.Next() {
		if e.Error != nil {
			return nil, &Error{Op: "scan for batch", Err: e.Error}
		}
		id, err := idFromKey(e.Key)
		if err != nil {
			continue
		}
		row, err := decodeRow(id, e.Value)
		if err != nil {
			return nil, &Error{Op: "decode row", Err: err}
		}
		if row.TransactionID != "" {
			continue
		}
		size := row.PayloadSize()
		if len(selected) > 0 && total+size > maxSize {
			break
		}
		selected = append(selected, row)
		total += size
		if len(selected) >= maxCount {
			break
		}
	}

	if len(selected) == 0 {
		return &Batch{}, nil
	}

	txnID := uuid.NewString()
	batch, err := q.ds.Batch()
	if err != nil {
		return nil, &Error{Op: "open checkout batch", Err: err}
	}
	for _, row := range selected {
		row.TransactionID = txnID
		blob, err := encodeRow(row)
		if err != nil {
			return nil, &Error{Op: "encode checkout row", Err: err}
		}
		if err := batch.Put(rowKey(row.ID), blob); err != nil {
			return nil, &Error{Op: "stage checkout put", Err: err}
		}
	}
	if err := batch.Commit(); err != nil {
		return nil, &Error{Op: "commit checkout batch", Err: err}
	}

	return &Batch{TransactionID: txnID, Rows: selected}, nil
}

// Commit atomically deletes the rows in b. No other drain can ever have
// seen these rows since they were checked out.
func (q *Queue) Commit(b *Batch) error {
	if len(b.Rows) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	batch, err := q.ds.Batch()
	if err != nil {
		return &Error{Op: "open commit batch", Err: err}
	}
	for _, row := range b.Rows {
		if err := batch.Delete(rowKey(row.ID)); err != nil {
			return &Error{Op: "stage commit delete", Err: err}
		}
	}
	if err := batch.Commit(); err != nil {
		return &Error{Op: "commit delete batch", Err: err}
	}
	return nil
}

// Rollback clears the transaction-id stamp on b's rows, making them visible
// to the next drain in the same reverse-insertion order.
func (q *Queue) Rollback(b *Batch) error {
	if len(b.Rows) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	batch, err := q.ds.Batch()
	if err != nil {
		return &Error{Op: "open rollback batch", Err: err}
	}
	for _, row := range b.Rows {
		row.TransactionID = ""
		blob, err := encodeRow(row)
		if err != nil {
			return &Error{Op: "encode rollback row", Err: err}
		}
		if err := batch.Put(rowKey(row.ID), blob); err != nil {
			return &Error{Op: "stage rollback put", Err: err}
		}
	}
	if err := batch.Commit(); err != nil {
		return &Error{Op: "commit rollback batch", Err: err}
	}
	return nil
}

// Cleanup evicts rows, oldest (lowest id) first, until count<=maxRows,
// totalBytes<=maxSizeBytes, and no remaining row exceeds maxAge. It is
// idempotent and skips checked-out rows entirely — they are neither
// counted against the limits nor evicted.
func (q *Queue) Cleanup(maxRows int, maxSize int64, maxAge time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	results, err := q.ds.Query(dsq.Query{
		Prefix: rowsPrefix,
		Orders: []dsq.Order{dsq.OrderByKey{}},
	})
	if err != nil {
		return &Error{Op: "scan for cleanup", Err: err}
	}
	defer results.Close()

	var rows []*Row
	var total int64
	for e := range results.Next() {
		if e.Error != nil {
			return &Error{Op: "scan for cleanup", Err: e.Error}
		}
		id, err := idFromKey(e.Key)
		if err != nil {
			continue
		}
		row, err := decodeRow(id, e.Value)
		if err != nil {
			return &Error{Op: "decode row during cleanup", Err: err}
		}
		if row.TransactionID != "" {
			continue
		}
		rows = append(rows, row)
		total += row.PayloadSize()
	}

	now := time.Now()
	var toDelete []*Row
	i := 0
	for i < len(rows) {
		r := rows[i]
		tooOld := maxAge > 0 && now.Sub(r.CreatedAt) > maxAge
		tooMany := maxRows > 0 && len(rows)-i > maxRows
		tooBig := maxSize > 0 && total > maxSize
		if !tooOld && !tooMany && !tooBig {
			break
		}
		toDelete = append(toDelete, r)
		total -= r.PayloadSize()
		i++
	}

	if len(toDelete) == 0 {
		return nil
	}

	batch, err := q.ds.Batch()
	if err != nil {
		return &Error{Op: "open cleanup batch", Err: err}
	}
	for _, r := range toDelete {
		if err := batch.Delete(rowKey(r.ID)); err != nil {
			return &Error{Op: "stage cleanup delete", Err: err}
		}
	}
	if err := batch.Commit(); err != nil {
		return &Error{Op: "commit cleanup batch", Err: err}
	}
	log.Debug().Int("evicted", len(toDelete)).Msg("cleanup evicted rows")
	return nil
}
