package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kevdoran/nifi-android-s2s/packet"
)

func TestWritePacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	p := packet.FromBytes(map[string]string{"filename": "a.txt"}, []byte("payload-bytes"))
	require.NoError(t, w.WritePacket(p))

	crc, err := w.Close()
	require.NoError(t, err)
	require.NotZero(t, crc)

	decoded, err := ReadPacket(&buf)
	require.NoError(t, err)
	require.Equal(t, "a.txt", decoded.Attributes["filename"])
	require.Equal(t, "payload-bytes", string(decoded.Payload))
}

func TestWritePacketMultiplePacketsAccumulateCRC(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.WritePacket(packet.FromBytes(nil, []byte("one"))))
	crcAfterOne, err := peekCRC(w)
	require.NoError(t, err)

	require.NoError(t, w.WritePacket(packet.FromBytes(nil, []byte("two"))))
	require.NotEqual(t, crcAfterOne, w.crc)
}

func peekCRC(w *Writer) (uint32, error) {
	return w.crc, nil
}

func TestWritePacketPropagatesDataFetchError(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	p, err := packet.FromFile(nil, "/does/not/exist/at/all")
	require.NoError(t, err)

	err = w.WritePacket(p)
	require.ErrorIs(t, err, packet.ErrDataFetch)
}

func TestCloseAfterFailureReturnsTransportError(t *testing.T) {
	w := NewWriter(&failingWriter{})
	err := w.WritePacket(packet.FromBytes(nil, []byte("x")))
	require.Error(t, err)

	_, err = w.Close()
	require.Error(t, err)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, bytes.ErrTooLarge }

func TestReadAttributesRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	attrs := map[string]string{"k1": "v1", "k2": "v2"}
	require.NoError(t, WriteAttributes(&buf, attrs))

	got, err := ReadAttributes(&buf)
	require.NoError(t, err)
	require.Equal(t, attrs, got)
}
