package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"msgbak-go/internal/config"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, chunk int) *Store {
	t.Helper()
	s, err := NewStore(config.MediaConfig{
		Root:          t.TempDir(),
		ChunkSize:     chunk,
		MoveRetries:   3,
		MoveRetryWait: time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return s
}

func sha(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func countBlobs(t *testing.T, s *Store) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(s.Root(), blobsDir))
	require.NoError(t, err)
	return len(entries)
}

func tempEmpty(t *testing.T, s *Store) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(s.Root(), tempDir))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestIngestDeduplicatesIdenticalBytes(t *testing.T) {
	s := newTestStore(t, 8192)
	payload := bytes.Repeat([]byte("attachment-bytes"), 1000)
	encoded := base64.StdEncoding.EncodeToString(payload)

	a, err := s.Ingest(context.Background(), strings.NewReader(encoded), "image/jpeg")
	require.NoError(t, err)
	b, err := s.Ingest(context.Background(), strings.NewReader(encoded), "image/jpeg; name=x.jpg")
	require.NoError(t, err)

	require.Equal(t, sha(payload), a.Hash)
	require.Equal(t, a.Hash, b.Hash)
	require.Equal(t, int64(len(payload)), a.Size)
	require.Equal(t, "blobs/"+a.Hash, a.RelativePath)
	require.Equal(t, ".jpg", a.Extension)
	require.Equal(t, "image/jpeg", b.MimeType)
	require.Equal(t, 1, countBlobs(t, s))
	require.True(t, s.Exists(a.Hash))
	tempEmpty(t, s)
}

func TestIngestDistinctBytesSameMime(t *testing.T) {
	s := newTestStore(t, 8192)
	a, err := s.Ingest(context.Background(), strings.NewReader(base64.StdEncoding.EncodeToString([]byte("first"))), "image/png")
	require.NoError(t, err)
	b, err := s.Ingest(context.Background(), strings.NewReader(base64.StdEncoding.EncodeToString([]byte("second"))), "image/png")
	require.NoError(t, err)
	require.NotEqual(t, a.Hash, b.Hash)
	require.Equal(t, 2, countBlobs(t, s))
}

func TestIngestChunkBoundariesAndWhitespace(t *testing.T) {
	payload := make([]byte, 10007)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	encoded := base64.StdEncoding.EncodeToString(payload)

	// Wrap lines at an odd width so quads straddle every read.
	var wrapped strings.Builder
	for i := 0; i < len(encoded); i += 57 {
		end := i + 57
		if end > len(encoded) {
			end = len(encoded)
		}
		wrapped.WriteString(encoded[i:end])
		wrapped.WriteString("\r\n ")
	}

	for _, chunk := range []int{4, 8, 12, 1024, 8192} {
		s := newTestStore(t, chunk)
		ref, err := s.Ingest(context.Background(), &oneByteReader{r: strings.NewReader(wrapped.String())}, "video/mp4")
		require.NoError(t, err, "chunk %d", chunk)
		require.Equal(t, sha(payload), ref.Hash, "chunk %d", chunk)

		f, err := s.Open(ref.RelativePath)
		require.NoError(t, err)
		got, err := io.ReadAll(f)
		f.Close()
		require.NoError(t, err)
		require.Equal(t, payload, got)
	}
}

func TestIngestUnpaddedPayload(t *testing.T) {
	s := newTestStore(t, 8192)
	payload := []byte("ab")
	ref, err := s.Ingest(context.Background(), strings.NewReader(base64.RawStdEncoding.EncodeToString(payload)), "audio/amr")
	require.NoError(t, err)
	require.Equal(t, sha(payload), ref.Hash)
}

func TestIngestMalformedBase64(t *testing.T) {
	s := newTestStore(t, 8192)
	_, err := s.Ingest(context.Background(), strings.NewReader("not*valid*base64!"), "image/gif")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMalformedBase64))
	require.Equal(t, 0, countBlobs(t, s))
	tempEmpty(t, s)

	_, err = s.Ingest(context.Background(), strings.NewReader("YQ==YWJj"), "image/gif")
	require.True(t, errors.Is(err, ErrMalformedBase64))
	tempEmpty(t, s)
}

func TestIngestCancelledRemovesTemp(t *testing.T) {
	s := newTestStore(t, 8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	encoded := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 1000))
	_, err := s.Ingest(ctx, strings.NewReader(encoded), "image/png")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, countBlobs(t, s))
	tempEmpty(t, s)
}

func TestIngestSniffsUnknownMime(t *testing.T) {
	s := newTestStore(t, 8192)
	pdf := []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<<>>\nendobj\n")
	ref, err := s.Ingest(context.Background(), strings.NewReader(base64.StdEncoding.EncodeToString(pdf)), "application/octet-stream")
	require.NoError(t, err)
	require.Equal(t, ".pdf", ref.Extension)
	require.Equal(t, "application/pdf", ref.MimeType)
}

func TestOpenRejectsEscapingPaths(t *testing.T) {
	s := newTestStore(t, 8192)
	_, err := s.Open("../db/messages.sqlite")
	require.Error(t, err)
	require.False(t, s.Exists("../x"))
}

func TestNewStoreClearsStaleTemp(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, tempDir), 0755))
	stale := filepath.Join(root, tempDir, "leftover.jpg")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0644))

	_, err := NewStore(config.MediaConfig{Root: root, ChunkSize: 8192, MoveRetries: 3}, zap.NewNop())
	require.NoError(t, err)
	_, err = os.Stat(stale)
	require.True(t, os.IsNotExist(err))
}

func TestExtensionFor(t *testing.T) {
	require.Equal(t, ".jpg", ExtensionFor("image/jpeg"))
	require.Equal(t, ".jpg", ExtensionFor("IMAGE/JPG"))
	require.Equal(t, ".3gp", ExtensionFor("video/3gpp; codecs=x"))
	require.Equal(t, ".m4a", ExtensionFor("audio/mp4"))
	require.Equal(t, ".txt", ExtensionFor("text/plain;charset=utf-8"))
	require.Equal(t, ".bin", ExtensionFor(""))
	require.Equal(t, ".bin", ExtensionFor("application/x-made-up"))
}

// oneByteReader returns at most one byte per Read to exercise carry-over.
type oneByteReader struct {
	r io.Reader
}

func (o *oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}
