package packet

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromBytes(t *testing.T) {
	p := FromBytes(map[string]string{"a": "1"}, []byte("hello"))
	require.EqualValues(t, 5, p.Size())
	require.Equal(t, "1", p.Attributes()["a"])

	r, err := p.Data()
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestFromBytesAttributesAreCloned(t *testing.T) {
	attrs := map[string]string{"a": "1"}
	p := FromBytes(attrs, nil)
	attrs["a"] = "mutated"
	require.Equal(t, "1", p.Attributes()["a"])
}

func TestEmpty(t *testing.T) {
	p := Empty(nil)
	require.Zero(t, p.Size())
	r, err := p.Data()
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.txt")
	require.NoError(t, os.WriteFile(path, []byte("file contents"), 0o644))

	p, err := FromFile(map[string]string{"custom": "x"}, path)
	require.NoError(t, err)
	require.Equal(t, "payload.txt", p.Attributes()["filename"])
	require.Equal(t, path, p.Attributes()["path"])
	require.Equal(t, "x", p.Attributes()["custom"])
	require.EqualValues(t, len("file contents"), p.Size())

	r, err := p.Data()
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "file contents", string(got))
}

func TestFromFileMissingYieldsDataFetchError(t *testing.T) {
	p, err := FromFile(nil, filepath.Join(t.TempDir(), "missing.txt"))
	require.NoError(t, err)

	_, err = p.Data()
	require.ErrorIs(t, err, ErrDataFetch)
}

func TestFromFileSniffsMimeTypeAgainstFileAtAttributesTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "late.txt")

	// Built before the file exists — construction must not touch the file.
	p, err := FromFile(nil, path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	require.NotEmpty(t, p.Attributes()["mime.type"])
}

func TestFromFileAttributesMemoizesMimeSniff(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(path, []byte{0, 1, 2, 3}, 0o644))

	p, err := FromFile(nil, path)
	require.NoError(t, err)

	first := p.Attributes()["mime.type"]
	require.NotEmpty(t, first)
	require.Equal(t, first, p.Attributes()["mime.type"])
}
