package queue

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/kevdoran/nifi-android-s2s/codec"
)

// Row is one persisted queue entry. Rows with a non-empty TransactionID are
// checked out by an in-flight drain and invisible to other drains.
type Row struct {
	ID            int64
	CreatedAt     time.Time
	Attributes    map[string]string
	Payload       []byte
	TransactionID string
}

// PayloadSize returns the row's payload length, mirroring the
// content_size column from the persistence layout.
func (r *Row) PayloadSize() int64 { return int64(len(r.Payload)) }

// encodeRow serializes a row into the BLOB stored under its key. The
// attribute section reuses codec.WriteAttributes/ReadAttributes verbatim —
// the same length-prefixed framing the wire protocol uses for packet
// attributes — rather than introducing a second serialization format for
// storage alone.
func encodeRow(r *Row) ([]byte, error) {
	buf := &bytes.Buffer{}

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(r.CreatedAt.UnixNano()))
	buf.Write(ts[:])

	if err := codec.WriteAttributes(buf, r.Attributes); err != nil {
		return nil, fmt.Errorf("queue: encode attributes: %w", err)
	}

	tid := []byte(r.TransactionID)
	var tl [4]byte
	binary.BigEndian.PutUint32(tl[:], uint32(len(tid)))
	buf.Write(tl[:])
	buf.Write(tid)

	var sz [8]byte
	binary.BigEndian.PutUint64(sz[:], uint64(len(r.Payload)))
	buf.Write(sz[:])
	buf.Write(r.Payload)

	return buf.Bytes(), nil
}

func decodeRow(id int64, data []byte) (*Row, error) {
	r := bytes.NewReader(data)

	var ts [8]byte
	if _, err := io.ReadFull(r, ts[:]); err != nil {
		return nil, fmt.Errorf("queue: decode created_at: %w", err)
	}
	createdAt := time.Unix(0, int64(binary.BigEndian.Uint64(ts[:])))

	attrs, err := codec.ReadAttributes(r)
	if err != nil {
		return nil, fmt.Errorf("queue: decode attributes: %w", err)
	}

	var tl [4]byte
	if _, err := io.ReadFull(r, tl[:]); err != nil {
		return nil, fmt.Errorf("queue: decode transaction id length: %w", err)
	}
	tidBuf := make([]byte, binary.BigEndian.Uint32(tl[:]))
	if _, err := io.ReadFull(r, tidBuf); err != nil {
		return nil, fmt.Errorf("queue: decode transaction id: %w", err)
	}

	var sz [8]byte
	if _, err := io.ReadFull(r, sz[:]); err != nil {
		return nil, fmt.Errorf("queue: decode payload size: %w", err)
	}
	payload := make([]byte, binary.BigEndian.Uint64(sz[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("queue: decode payload: %w", err)
	}

	return &Row{
		ID:            id,
		CreatedAt:     createdAt,
		Attributes:    attrs,
		Payload:       payload,
		TransactionID: string(tidBuf),
	}, nil
}
