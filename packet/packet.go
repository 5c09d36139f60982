// Package packet defines the uniform view over the payloads a client streams
// to a remote Site-to-Site cluster: in-memory byte arrays, lazily opened
// files, and the empty packet used by keep-alive style transfers.
package packet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

// ErrDataFetch is returned when a packet's underlying data cannot be opened
// at read time. Callers must treat this as a per-packet skip, never as a
// reason to abort the enclosing transaction (see transaction.Transaction.Send).
var ErrDataFetch = errors.New("packet: data fetch failed")

// Packet is the abstract DataPacket from the spec: an attribute map plus a
// finite byte stream plus its size. Data must be safe to call more than
// once; each call returns a fresh reader positioned at the start.
type Packet interface {
	Attributes() map[string]string
	Data() (io.ReadCloser, error)
	Size() int64
}

type bytesPacket struct {
	attrs map[string]string
	data  []byte
}

// FromBytes builds a Packet backed entirely by an in-memory byte slice.
func FromBytes(attrs map[string]string, data []byte) Packet {
	return &bytesPacket{attrs: cloneAttrs(attrs), data: data}
}

func (p *bytesPacket) Attributes() map[string]string { return p.attrs }
func (p *bytesPacket) Size() int64                   { return int64(len(p.data)) }
func (p *bytesPacket) Data() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(p.data)), nil
}

type filePacket struct {
	attrs    map[string]string
	path     string
	mimeOnce sync.Once
}

// FromFile builds a Packet whose data is lazily read from path on every
// Data() call. Attributes gain filename, path and absolute.path entries;
// a best-effort mime.type entry is added once the file has actually been
// sniffed, deferred until the first call to Attributes() rather than done
// here at construction — a caller may build a packet before the file is
// written, or replace the file's contents before sending, and sniffing up
// front would capture whatever (or nothing) was at path at FromFile time.
func FromFile(attrs map[string]string, path string) (Packet, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("packet: resolve absolute path: %w", err)
	}
	merged := cloneAttrs(attrs)
	merged["filename"] = filepath.Base(path)
	merged["path"] = path
	merged["absolute.path"] = abs
	return &filePacket{attrs: merged, path: path}, nil
}

// Attributes sniffs the file's mime type on its first call, memoized for
// the life of the packet. This runs here rather than in Data() because the
// frame codec reads Attributes() before Data() when writing a packet; a
// mime.type attribute discovered only in Data() would already be too late
// to appear on the wire.
func (p *filePacket) Attributes() map[string]string {
	p.mimeOnce.Do(func() {
		if mt, err := mimetype.DetectFile(p.path); err == nil {
			p.attrs["mime.type"] = mt.String()
		}
	})
	return p.attrs
}

func (p *filePacket) Size() int64 {
	fi, err := os.Stat(p.path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (p *filePacket) Data() (io.ReadCloser, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataFetch, err)
	}
	return f, nil
}

type emptyPacket struct {
	attrs map[string]string
}

// Empty builds a zero-length Packet whose data stream yields EOF immediately.
func Empty(attrs map[string]string) Packet {
	return &emptyPacket{attrs: cloneAttrs(attrs)}
}

func (p *emptyPacket) Attributes() map[string]string { return p.attrs }
func (p *emptyPacket) Size() int64                   { return 0 }
func (p *emptyPacket) Data() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func cloneAttrs(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
