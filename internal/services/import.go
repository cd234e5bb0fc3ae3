package services

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"msgbak-go/internal/backup"
	"msgbak-go/internal/config"
	"msgbak-go/internal/media"
	"msgbak-go/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxWarnings bounds the warnings kept on an ImportResult. All warnings are
// logged.
const maxWarnings = 100

// ImportService imports backup files into the store
type ImportService struct {
	cfg           *config.Config
	db            *gorm.DB
	media         *media.Store
	conversations *ConversationService
	log           *zap.Logger
}

// NewImportService creates a new import service
func NewImportService(cfg *config.Config, db *gorm.DB, store *media.Store, conversations *ConversationService, log *zap.Logger) *ImportService {
	return &ImportService{
		cfg:           cfg,
		db:            db,
		media:         store,
		conversations: conversations,
		log:           log,
	}
}

// ImportResult summarizes one imported source
type ImportResult struct {
	SourceID      uint
	Path          string
	SHA256        string
	Bytes         int64
	SMS           int64
	MMS           int64
	Skipped       int64
	MediaFailures int64
	Warnings      []string
	Backfill      *BackfillResult
	Duration      time.Duration
}

func (r *ImportResult) addWarning(format string, args ...interface{}) {
	if len(r.Warnings) < maxWarnings {
		r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
	}
}

// ImportPath imports an XML backup, or every XML entry of a .zip archive.
// Each source is committed on its own.
func (s *ImportService) ImportPath(ctx context.Context, filePath string, progress ProgressFunc) ([]*ImportResult, error) {
	if strings.EqualFold(filepath.Ext(filePath), ".zip") {
		return s.ImportArchive(ctx, filePath, progress)
	}
	res, err := s.ImportFile(ctx, filePath, progress)
	if err != nil {
		return nil, err
	}
	return []*ImportResult{res}, nil
}

// ImportFile imports one XML backup file in a single transaction. Either all
// of its messages are committed or none are.
func (s *ImportService) ImportFile(ctx context.Context, filePath string, progress ProgressFunc) (*ImportResult, error) {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat import file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidInput, abs)
	}

	open := func() (io.ReadCloser, error) {
		return os.Open(abs)
	}
	return s.importSource(ctx, abs, info.Name(), info.Size(), open, progress)
}

// ImportArchive imports every *.xml entry of a zip archive as its own source.
func (s *ImportService) ImportArchive(ctx context.Context, archivePath string, progress ProgressFunc) ([]*ImportResult, error) {
	abs, err := filepath.Abs(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	// Open ZIP file
	zipReader, err := zip.OpenReader(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to open ZIP file: %w", err)
	}
	defer zipReader.Close()

	entries, err := s.archiveEntries(zipReader.File)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no XML backups in %s", ErrInvalidInput, abs)
	}

	var results []*ImportResult
	for _, entry := range entries {
		file := entry.file
		open := func() (io.ReadCloser, error) {
			return file.Open()
		}
		display := abs + "!" + entry.name
		res, err := s.importSource(ctx, display, entry.name, int64(file.UncompressedSize64), open, progress)
		if err != nil {
			return results, fmt.Errorf("failed to import %s: %w", display, err)
		}
		results = append(results, res)
	}

	return results, nil
}

type archiveEntry struct {
	name string
	file *zip.File
}

// archiveEntries selects the XML entries of an archive, enforcing the entry
// count and total size limits.
func (s *ImportService) archiveEntries(files []*zip.File) ([]archiveEntry, error) {
	var entries []archiveEntry
	var totalSize uint64

	for _, file := range files {
		if file.FileInfo().IsDir() || !strings.EqualFold(path.Ext(file.Name), ".xml") {
			continue
		}

		if len(entries) >= s.cfg.Import.MaxArchiveEntries {
			return nil, fmt.Errorf("%w: exceeded max archive entries: %d", ErrInvalidInput, s.cfg.Import.MaxArchiveEntries)
		}

		name, err := sanitizeEntryName(file.Name)
		if err != nil {
			s.log.Warn("Skipping archive entry with invalid path",
				zap.String("entry", file.Name),
				zap.Error(err),
			)
			continue
		}

		if totalSize+file.UncompressedSize64 > uint64(s.cfg.Import.MaxArchiveSize) {
			return nil, fmt.Errorf("%w: exceeded max archive size: %d", ErrInvalidInput, s.cfg.Import.MaxArchiveSize)
		}
		totalSize += file.UncompressedSize64

		entries = append(entries, archiveEntry{name: name, file: file})
	}

	return entries, nil
}

// sanitizeEntryName rejects entry names that escape the archive root.
func sanitizeEntryName(name string) (string, error) {
	cleaned := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(cleaned, "/") || filepath.IsAbs(name) || (len(cleaned) > 1 && cleaned[1] == ':') {
		return "", fmt.Errorf("absolute path not allowed: %s", name)
	}
	for _, seg := range strings.Split(cleaned, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path contains '..': %s", name)
		}
	}
	cleaned = path.Clean(cleaned)
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("empty path: %s", name)
	}
	return cleaned, nil
}

// importSource streams one source inside one transaction: create the source
// row, upsert every element, record the content hash, backfill
// conversations, commit. open is called inside the transaction so a retried
// transaction starts from the first byte again.
func (s *ImportService) importSource(ctx context.Context, sourcePath, label string, size int64, open func() (io.ReadCloser, error), progress ProgressFunc) (*ImportResult, error) {
	var result *ImportResult

	err := runOperation(ctx, s.log, "import", func(ctx context.Context, log *zap.Logger) error {
		log = log.With(zap.String("path", sourcePath))
		reporter := newProgressReporter(progress, s.cfg.Import.ProgressInterval)
		reporter.Always(fmt.Sprintf("Importing %s...", label))

		return transaction(ctx, s.db, s.cfg, func(tx *gorm.DB) error {
			res := &ImportResult{Path: sourcePath}
			start := time.Now()

			source := models.Source{
				Path:       sourcePath,
				FileSize:   size,
				ImportedAt: time.Now().UTC(),
			}
			if err := tx.Create(&source).Error; err != nil {
				return fmt.Errorf("failed to create source: %w", err)
			}
			res.SourceID = source.ID

			rc, err := open()
			if err != nil {
				return fmt.Errorf("failed to open import file: %w", err)
			}
			defer rc.Close()

			counter := &countingReader{r: rc}
			hash := sha256.New()
			tee := io.TeeReader(counter, hash)
			reader := backup.NewReader(tee, s.media)

			for {
				el, err := reader.Next(ctx)
				if errors.Is(err, io.EOF) {
					break
				}
				var elErr *backup.ElementError
				if errors.As(err, &elErr) {
					res.Skipped++
					log.Warn("Skipping malformed element",
						zap.String("element", elErr.Name),
						zap.Int64("offset", elErr.Offset),
						zap.Error(elErr.Err),
					)
					res.addWarning("skipped %v", elErr)
					continue
				}
				if err != nil {
					return err
				}

				switch rec := el.(type) {
				case *backup.SmsRecord:
					if _, err := upsertSMS(tx, source.ID, rec); err != nil {
						return err
					}
					res.SMS++
				case *backup.MmsRecord:
					if err := s.checkParts(rec, res, log); err != nil {
						return err
					}
					if _, err := upsertMMS(tx, source.ID, rec); err != nil {
						return err
					}
					res.MMS++
				}

				reporter.Maybe(func() string {
					return importProgress(label, res, counter.n, size, time.Since(start))
				})
			}

			// Hash every byte of the source, including anything after the root element.
			if _, err := io.Copy(io.Discard, tee); err != nil {
				return fmt.Errorf("failed to read import file: %w", err)
			}
			res.Bytes = counter.n
			res.SHA256 = hex.EncodeToString(hash.Sum(nil))

			if err := tx.Model(&models.Source{}).
				Where("source_id = ?", source.ID).
				Update("file_sha256", res.SHA256).Error; err != nil {
				return fmt.Errorf("failed to update source hash: %w", err)
			}

			backfill, err := s.conversations.Backfill(tx)
			if err != nil {
				return err
			}
			res.Backfill = backfill
			res.Duration = time.Since(start)

			log.Info("Import completed",
				zap.Uint("source_id", res.SourceID),
				zap.Int64("sms", res.SMS),
				zap.Int64("mms", res.MMS),
				zap.Int64("skipped", res.Skipped),
				zap.Int64("media_failures", res.MediaFailures),
				zap.String("sha256", res.SHA256),
			)

			result = res
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	reporter := newProgressReporter(progress, 0)
	reporter.Always(fmt.Sprintf("Imported %s: %d SMS, %d MMS, %d skipped",
		label, result.SMS, result.MMS, result.Skipped))
	return result, nil
}

// checkParts turns per-part ingestion failures into warnings. Cancellation
// and blob placement failures abort the import.
func (s *ImportService) checkParts(rec *backup.MmsRecord, res *ImportResult, log *zap.Logger) error {
	for i := range rec.Parts {
		p := &rec.Parts[i]
		if p.BlobErr == nil {
			continue
		}
		if errors.Is(p.BlobErr, context.Canceled) || errors.Is(p.BlobErr, context.DeadlineExceeded) {
			return p.BlobErr
		}
		if errors.Is(p.BlobErr, media.ErrBlobPlacement) {
			return p.BlobErr
		}
		res.MediaFailures++
		log.Warn("Failed to store MMS part payload",
			zap.Int64("date", rec.Date),
			zap.Stringp("content_type", p.ContentType),
			zap.Error(p.BlobErr),
		)
		res.addWarning("mms part at date %d kept without payload: %v", rec.Date, p.BlobErr)
	}
	return nil
}

func importProgress(label string, res *ImportResult, read, size int64, elapsed time.Duration) string {
	total := res.SMS + res.MMS
	rate := 0.0
	if elapsed > 0 {
		rate = float64(total) / elapsed.Seconds()
	}
	msg := fmt.Sprintf("Importing %s... %d msgs (%d SMS, %d MMS) - %.0f msg/s",
		label, total, res.SMS, res.MMS, rate)
	if size > 0 {
		pct := float64(read) / float64(size) * 100
		if pct > 100 {
			pct = 100
		}
		msg += fmt.Sprintf(" - %.0f%%", pct)
	}
	return msg
}

// countingReader counts bytes read from the source for progress reporting.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
