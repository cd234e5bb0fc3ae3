// Package media stores MMS attachment payloads by the SHA-256 of their bytes.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"msgbak-go/internal/config"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	blobsDir = "blobs"
	tempDir  = "temp"

	// sniffLen is how much decoded data is kept for content sniffing.
	sniffLen = 3072
)

// ErrMalformedBase64 is returned when an attachment payload is not valid base64.
var ErrMalformedBase64 = errors.New("malformed base64 payload")

// ErrBlobPlacement is returned when a decoded blob could not be moved into
// the blob directory.
var ErrBlobPlacement = errors.New("failed to place blob")

// BlobRef describes a stored blob. RelativePath is slash-separated and
// relative to the media root.
type BlobRef struct {
	Hash         string
	Size         int64
	MimeType     string
	Extension    string
	RelativePath string
}

// Store is a content-addressed blob directory with a scratch area for
// in-flight writes.
type Store struct {
	root          string
	chunkSize     int
	moveRetries   int
	moveRetryWait time.Duration
	log           *zap.Logger
}

// NewStore creates the blob and temp directories under cfg.Root and clears
// temp files left behind by interrupted runs.
func NewStore(cfg config.MediaConfig, log *zap.Logger) (*Store, error) {
	s := &Store{
		root:          cfg.Root,
		chunkSize:     cfg.ChunkSize,
		moveRetries:   cfg.MoveRetries,
		moveRetryWait: cfg.MoveRetryWait,
		log:           log,
	}
	if s.chunkSize < 4 {
		s.chunkSize = 8192
	}
	s.chunkSize -= s.chunkSize % 4
	if s.moveRetries <= 0 {
		s.moveRetries = 1
	}

	for _, dir := range []string{s.blobsPath(), s.tempPath()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create media directory %s: %w", dir, err)
		}
	}

	// Verify directory is writable
	check := filepath.Join(s.tempPath(), ".write_test")
	if err := os.WriteFile(check, []byte("test"), 0644); err != nil {
		return nil, fmt.Errorf("media directory %s is not writable: %w", s.tempPath(), err)
	}
	os.Remove(check)

	if err := s.cleanTemp(); err != nil {
		log.Warn("Failed to clean media temp directory", zap.Error(err))
	}

	return s, nil
}

// Root returns the absolute media root.
func (s *Store) Root() string {
	return s.root
}

// Ingest decodes base64 text from r into a blob. The payload is consumed in
// bounded chunks; decoded bytes go straight to a temp file while being
// hashed. ctx is checked between chunks. On any error the temp file is
// removed and nothing is placed under blobs/.
func (s *Store) Ingest(ctx context.Context, r io.Reader, mime string) (*BlobRef, error) {
	mime = baseMime(mime)
	ext := ExtensionFor(mime)
	tempPath := filepath.Join(s.tempPath(), uuid.New().String()+ext)

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	// Clean up temp file on error
	placed := false
	defer func() {
		f.Close()
		if !placed {
			os.Remove(tempPath)
		}
	}()

	hash := sha256.New()
	head := &headBuffer{limit: sniffLen}
	out := io.MultiWriter(f, hash, head)

	size, err := s.decode(ctx, r, out)
	if err != nil {
		return nil, err
	}

	// Close temp file before rename
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	if err := s.place(ctx, tempPath, sum); err != nil {
		return nil, err
	}
	placed = true

	if ext == defaultExtension && len(head.buf) > 0 {
		detected := mimetype.Detect(head.buf)
		if detected.Extension() != "" {
			ext = detected.Extension()
		}
		if mime == "" || mime == "application/octet-stream" {
			mime = baseMime(detected.String())
		}
	}

	s.log.Debug("Blob ingested",
		zap.String("sha256", sum),
		zap.Int64("size", size),
		zap.String("mime", mime),
	)

	return &BlobRef{
		Hash:         sum,
		Size:         size,
		MimeType:     mime,
		Extension:    ext,
		RelativePath: path.Join(blobsDir, sum),
	}, nil
}

// decode streams base64 from r to w. Whitespace is ignored. Only runs whose
// length is a multiple of 4 are decoded; the remainder is carried into the
// next chunk.
func (s *Store) decode(ctx context.Context, r io.Reader, w io.Writer) (int64, error) {
	in := make([]byte, s.chunkSize)
	pending := make([]byte, 0, s.chunkSize+4)
	out := make([]byte, base64.StdEncoding.DecodedLen(s.chunkSize+4))
	var total int64
	padded := false

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, readErr := r.Read(in)
		for _, c := range in[:n] {
			switch c {
			case ' ', '\t', '\r', '\n':
				continue
			}
			if padded && c != '=' {
				return total, fmt.Errorf("%w: data after padding", ErrMalformedBase64)
			}
			pending = append(pending, c)
		}

		usable := len(pending) - len(pending)%4
		if usable > 0 {
			chunk := pending[:usable]
			if chunk[usable-1] == '=' {
				padded = true
			}
			dn, err := base64.StdEncoding.Decode(out, chunk)
			if err != nil {
				return total, fmt.Errorf("%w: %v", ErrMalformedBase64, err)
			}
			if _, err := w.Write(out[:dn]); err != nil {
				return total, fmt.Errorf("failed to write blob data: %w", err)
			}
			total += int64(dn)
			pending = append(pending[:0], pending[usable:]...)
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return total, fmt.Errorf("failed to read blob data: %w", readErr)
		}
	}

	// Some encoders omit the trailing padding.
	if len(pending) > 0 {
		dn, err := base64.RawStdEncoding.Decode(out, pending)
		if err != nil {
			return total, fmt.Errorf("%w: %v", ErrMalformedBase64, err)
		}
		if _, err := w.Write(out[:dn]); err != nil {
			return total, fmt.Errorf("failed to write blob data: %w", err)
		}
		total += int64(dn)
	}

	return total, nil
}

// place moves the temp file to blobs/<hash>. An existing blob wins and the
// temp copy is discarded.
func (s *Store) place(ctx context.Context, tempPath, sum string) error {
	finalPath := filepath.Join(s.blobsPath(), sum)

	var err error
	for attempt := 0; attempt < s.moveRetries; attempt++ {
		if _, statErr := os.Stat(finalPath); statErr == nil {
			if rmErr := os.Remove(tempPath); rmErr != nil && !os.IsNotExist(rmErr) {
				s.log.Warn("Failed to remove duplicate temp blob", zap.String("path", tempPath), zap.Error(rmErr))
			}
			return nil
		}

		err = os.Rename(tempPath, finalPath)
		if err == nil {
			return nil
		}

		if attempt < s.moveRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.moveRetryWait):
			}
		}
	}

	return fmt.Errorf("%w %s: %v", ErrBlobPlacement, sum, err)
}

// Open opens a stored blob by its relative path.
func (s *Store) Open(rel string) (*os.File, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

// AbsPath converts a relative blob path into an absolute filesystem path.
func (s *Store) AbsPath(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// Exists reports whether a blob with the given hash is on disk.
func (s *Store) Exists(hash string) bool {
	if hash == "" || strings.ContainsAny(hash, `/\.`) {
		return false
	}
	_, err := os.Stat(filepath.Join(s.blobsPath(), hash))
	return err == nil
}

func (s *Store) resolve(rel string) (string, error) {
	cleaned := path.Clean("/" + rel)
	if strings.Contains(rel, "..") || cleaned == "/" {
		return "", fmt.Errorf("invalid blob path: %q", rel)
	}
	return s.AbsPath(strings.TrimPrefix(cleaned, "/")), nil
}

func (s *Store) cleanTemp() error {
	entries, err := os.ReadDir(s.tempPath())
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.tempPath(), e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) blobsPath() string { return filepath.Join(s.root, blobsDir) }
func (s *Store) tempPath() string  { return filepath.Join(s.root, tempDir) }

// headBuffer keeps the first limit bytes written to it.
type headBuffer struct {
	buf   []byte
	limit int
}

func (h *headBuffer) Write(p []byte) (int, error) {
	if room := h.limit - len(h.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		h.buf = append(h.buf, p[:room]...)
	}
	return len(p), nil
}
