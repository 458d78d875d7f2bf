package hasher

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func TestHashFile_KnownDigests(t *testing.T) {
	dir := t.TempDir()
	h, err := New(SHA256, 0)
	require.NoError(t, err)

	res, err := h.HashFile(context.Background(), writeFile(t, dir, "hello.txt", []byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", res.Digest)
	assert.Equal(t, int64(5), res.Size)
	assert.Equal(t, "text/plain", res.MimeHint)

	empty, err := h.HashFile(context.Background(), writeFile(t, dir, "empty", nil))
	require.NoError(t, err)
	assert.Equal(t, "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", empty.Digest)
	assert.Equal(t, int64(0), empty.Size)
}

func TestHashFile_ChunkSizeDoesNotChangeDigest(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte("evidence-"), 100_000)
	p := writeFile(t, dir, "big.bin", data)

	small, err := New(SHA256, MinChunkSize)
	require.NoError(t, err)
	large, err := New(SHA256, MaxChunkSize)
	require.NoError(t, err)

	a, err := small.HashFile(context.Background(), p)
	require.NoError(t, err)
	b, err := large.HashFile(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, a.Digest, b.Digest)
	assert.Equal(t, int64(len(data)), a.Size)
	assert.Equal(t, small.HashBytes(data), a.Digest)
}

func TestHashFile_SameContentDifferentNames(t *testing.T) {
	dir := t.TempDir()
	h, _ := New(SHA256, 0)

	a, err := h.HashFile(context.Background(), writeFile(t, dir, "a.pdf", []byte("%PDF-1.4 same")))
	require.NoError(t, err)
	b, err := h.HashFile(context.Background(), writeFile(t, dir, "copy of a.pdf", []byte("%PDF-1.4 same")))
	require.NoError(t, err)

	assert.Equal(t, a.Digest, b.Digest)
}

func TestHashFile_Blake3(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "x", []byte("hello"))

	b3, err := New(BLAKE3, 0)
	require.NoError(t, err)
	s2, _ := New(SHA256, 0)

	r1, err := b3.HashFile(context.Background(), p)
	require.NoError(t, err)
	r2, err := s2.HashFile(context.Background(), p)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(r1.Digest, "blake3:"))
	assert.NotEqual(t, r1.Digest, r2.Digest)
	_, _, err = ParseDigest(r1.Digest)
	assert.NoError(t, err)
}

func TestHashFile_Errors(t *testing.T) {
	dir := t.TempDir()
	h, _ := New(SHA256, 0)

	_, err := h.HashFile(context.Background(), filepath.Join(dir, "missing"))
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "stat", ioErr.Op)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = h.HashFile(context.Background(), dir)
	require.ErrorAs(t, err, &ioErr)
	assert.ErrorIs(t, err, ErrNotRegular)
}

func TestHashFile_ContextCanceled(t *testing.T) {
	dir := t.TempDir()
	h, _ := New(SHA256, 0)
	p := writeFile(t, dir, "f", []byte("data"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.HashFile(ctx, p)
	assert.ErrorIs(t, err, context.Canceled)
	var ioErr *IOError
	assert.False(t, errors.As(err, &ioErr))
}

func TestNew_Validation(t *testing.T) {
	_, err := New("md5", 0)
	assert.Error(t, err)
	_, err = New(SHA256, 10)
	assert.Error(t, err)

	h, err := New("", 0)
	require.NoError(t, err)
	assert.Equal(t, SHA256, h.Algorithm())
}

func TestHashReader(t *testing.T) {
	h, _ := New(SHA256, 0)
	d, n, err := h.HashReader(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", d)
}

func TestParseDigest(t *testing.T) {
	algo, hexPart, err := ParseDigest("sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824")
	require.NoError(t, err)
	assert.Equal(t, SHA256, algo)
	assert.Len(t, hexPart, 64)

	for _, bad := range []string{
		"",
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		"md5:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		"sha256:abc",
		"sha256:2CF24DBA5FB0A30E26E83B2AC5B9E29E1B161E5C1FA7425E73043362938B9824",
		"sha256:zzf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
	} {
		_, _, err := ParseDigest(bad)
		assert.Error(t, err, bad)
	}
}

func TestDetectMime(t *testing.T) {
	assert.Equal(t, "application/pdf", DetectMime("/x/REPORT.PDF", nil))
	assert.Equal(t, "image/png", DetectMime("/x/noext", []byte("\x89PNG\r\n\x1a\n")))
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.wordprocessingml.document", DetectMime("a.docx", []byte("PK\x03\x04")))
}

func TestForDigest(t *testing.T) {
	s2, err := New(SHA256, 8<<10)
	require.NoError(t, err)

	same, err := s2.ForDigest(s2.HashBytes([]byte("x")))
	require.NoError(t, err)
	assert.Same(t, s2, same)

	b3, err := New(BLAKE3, 0)
	require.NoError(t, err)
	digest := b3.HashBytes([]byte("x"))

	other, err := s2.ForDigest(digest)
	require.NoError(t, err)
	assert.Equal(t, BLAKE3, other.Algorithm())
	assert.Equal(t, digest, other.HashBytes([]byte("x")))

	_, err = s2.ForDigest("md5:abc")
	assert.Error(t, err)
}
