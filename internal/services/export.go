package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"msgbak-go/internal/backup"
	"msgbak-go/internal/config"
	"msgbak-go/internal/media"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// exportBatchSize is the number of messages read per keyset page.
const exportBatchSize = 500

// ExportService writes the store back out as a backup file
type ExportService struct {
	cfg   *config.Config
	db    *gorm.DB
	media *media.Store
	log   *zap.Logger
}

// NewExportService creates a new export service
func NewExportService(cfg *config.Config, db *gorm.DB, store *media.Store, log *zap.Logger) *ExportService {
	return &ExportService{
		cfg:   cfg,
		db:    db,
		media: store,
		log:   log,
	}
}

// ExportResult summarizes one export
type ExportResult struct {
	Path         string
	SMS          int64
	MMS          int64
	MissingMedia int64
	Bytes        int64
	Duration     time.Duration
}

type smsRow struct {
	MessageID     uint    `gorm:"column:message_id"`
	Box           int     `gorm:"column:box"`
	DateMs        int64   `gorm:"column:date_ms"`
	DateSentMs    *int64  `gorm:"column:date_sent_ms"`
	AddressRaw    *string `gorm:"column:address_raw"`
	Protocol      *int    `gorm:"column:protocol"`
	Subject       *string `gorm:"column:subject"`
	Body          *string `gorm:"column:body"`
	ServiceCenter *string `gorm:"column:service_center"`
	Read          *int    `gorm:"column:read"`
	Status        *int    `gorm:"column:status"`
	Locked        *int    `gorm:"column:locked"`
	RawAttrsJSON  *string `gorm:"column:raw_attrs_json"`
}

type mmsRow struct {
	MessageID    uint    `gorm:"column:message_id"`
	Box          int     `gorm:"column:box"`
	DateMs       int64   `gorm:"column:date_ms"`
	DateSentMs   *int64  `gorm:"column:date_sent_ms"`
	Read         *int    `gorm:"column:read"`
	Seen         *int    `gorm:"column:seen"`
	AddressRaw   *string `gorm:"column:address_raw"`
	MID          *string `gorm:"column:m_id"`
	CtT          *string `gorm:"column:ct_t"`
	Sub          *string `gorm:"column:sub"`
	TextOnly     *int    `gorm:"column:text_only"`
	Locked       *int    `gorm:"column:locked"`
	RawAttrsJSON *string `gorm:"column:raw_attrs_json"`
}

type addrRow struct {
	MessageID    uint    `gorm:"column:message_id"`
	Type         *int    `gorm:"column:type"`
	AddressRaw   *string `gorm:"column:address_raw"`
	Charset      *int    `gorm:"column:charset"`
	RawAttrsJSON *string `gorm:"column:raw_attrs_json"`
}

type partRow struct {
	MessageID          uint    `gorm:"column:message_id"`
	Seq                *int    `gorm:"column:seq"`
	ContentType        *string `gorm:"column:content_type"`
	Name               *string `gorm:"column:name"`
	Chset              *string `gorm:"column:chset"`
	ContentDisposition *string `gorm:"column:cd"`
	FileName           *string `gorm:"column:fn"`
	ContentID          *string `gorm:"column:cid"`
	ContentLocation    *string `gorm:"column:cl"`
	Text               *string `gorm:"column:text"`
	DataSHA256         *string `gorm:"column:data_sha256"`
	DataSize           *int64  `gorm:"column:data_size"`
	RawAttrsJSON       *string `gorm:"column:raw_attrs_json"`
	RelPath            *string `gorm:"column:rel_path"`
	MimeType           *string `gorm:"column:mime_type"`
	Extension          *string `gorm:"column:extension"`
}

const exportSmsSQL = `
SELECT m.message_id, m.box, m.date_ms, m.date_sent_ms,
       s.address_raw, s.protocol, s.subject, s.body, s.service_center,
       COALESCE(s.read, m.read) AS read, s.status, s.locked, s.raw_attrs_json
FROM messages m
JOIN sms s ON s.message_id = m.message_id
WHERE m.transport = 'sms' AND (m.date_ms > ? OR (m.date_ms = ? AND m.message_id > ?))
ORDER BY m.date_ms, m.message_id
LIMIT ?`

const exportMmsSQL = `
SELECT m.message_id, m.box, m.date_ms, m.date_sent_ms, m.read, m.seen,
       d.address_raw, d.m_id, d.ct_t, d.sub, d.text_only, d.locked, d.raw_attrs_json
FROM messages m
JOIN mms d ON d.message_id = m.message_id
WHERE m.transport = 'mms' AND (m.date_ms > ? OR (m.date_ms = ? AND m.message_id > ?))
ORDER BY m.date_ms, m.message_id
LIMIT ?`

const exportAddrsSQL = `
SELECT message_id, type, address_raw, charset, raw_attrs_json
FROM mms_addrs
WHERE message_id IN ?
ORDER BY message_id, mms_addr_id`

const exportPartsSQL = `
SELECT p.message_id, p.seq, p.content_type, p.name, p.chset, p.cd, p.fn, p.cid, p.cl,
       p.text, p.data_sha256, p.data_size, p.raw_attrs_json,
       b.rel_path, b.mime_type, b.extension
FROM mms_parts p
LEFT JOIN media_blobs b ON b.sha256 = p.data_sha256
WHERE p.message_id IN ?
ORDER BY p.message_id, p.seq IS NULL, p.seq, p.mms_part_id`

// ExportFile writes every stored message to filePath: all SMS, then all MMS,
// each ordered by date. The file is written under a temporary name and
// renamed into place once complete, so a failed or cancelled export leaves
// any existing file untouched.
func (s *ExportService) ExportFile(ctx context.Context, filePath string, progress ProgressFunc) (*ExportResult, error) {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	var result *ExportResult
	err = runOperation(ctx, s.log, "export", func(ctx context.Context, log *zap.Logger) error {
		log = log.With(zap.String("path", abs))
		reporter := newProgressReporter(progress, s.cfg.Import.ProgressInterval)
		reporter.Always(fmt.Sprintf("Exporting to %s...", filepath.Base(abs)))

		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}

		tmpPath := abs + ".tmp"
		f, err := os.Create(tmpPath)
		if err != nil {
			return fmt.Errorf("failed to create export file: %w", err)
		}
		done := false
		defer func() {
			if !done {
				f.Close()
				os.Remove(tmpPath)
			}
		}()

		res := &ExportResult{Path: abs}
		start := time.Now()
		counter := &countingWriter{w: f}

		// One read transaction gives the export a consistent snapshot.
		err = transaction(ctx, s.db, s.cfg, func(tx *gorm.DB) error {
			// A retried transaction rewrites the file from the start.
			if err := resetFile(f); err != nil {
				return err
			}
			*res = ExportResult{Path: abs}
			counter.n = 0

			var total int64
			if err := tx.Raw(`SELECT COUNT(*) FROM messages WHERE transport IN ('sms', 'mms')`).Row().Scan(&total); err != nil {
				return fmt.Errorf("failed to count messages: %w", err)
			}

			w := backup.NewWriter(counter, s.media, s.cfg.Media.ChunkSize)
			if err := w.Begin(total); err != nil {
				return err
			}

			step := func() {
				reporter.Maybe(func() string {
					return fmt.Sprintf("Exporting... %d/%d msgs (%d SMS, %d MMS)",
						res.SMS+res.MMS, total, res.SMS, res.MMS)
				})
			}

			if err := s.exportSMS(ctx, tx, w, res, step); err != nil {
				return err
			}
			if err := s.exportMMS(ctx, tx, w, res, log, step); err != nil {
				return err
			}

			return w.End()
		})
		if err != nil {
			return err
		}

		if err := f.Sync(); err != nil {
			return fmt.Errorf("failed to sync export file: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close export file: %w", err)
		}
		done = true
		if err := os.Rename(tmpPath, abs); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to move export into place: %w", err)
		}

		res.Bytes = counter.n
		res.Duration = time.Since(start)
		log.Info("Export completed",
			zap.Int64("sms", res.SMS),
			zap.Int64("mms", res.MMS),
			zap.Int64("missing_media", res.MissingMedia),
			zap.Int64("bytes", res.Bytes),
		)
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	reporter := newProgressReporter(progress, 0)
	reporter.Always(fmt.Sprintf("Exported %d SMS, %d MMS to %s", result.SMS, result.MMS, result.Path))
	return result, nil
}

func (s *ExportService) exportSMS(ctx context.Context, tx *gorm.DB, w *backup.Writer, res *ExportResult, step func()) error {
	var lastDate int64 = -1 << 63
	var lastID uint

	for {
		var rows []smsRow
		if err := tx.Raw(exportSmsSQL, lastDate, lastDate, lastID, exportBatchSize).Scan(&rows).Error; err != nil {
			return fmt.Errorf("failed to load sms: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		for i := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := smsRecord(&rows[i])
			if err != nil {
				return err
			}
			if err := w.WriteSMS(rec); err != nil {
				return err
			}
			res.SMS++
			step()
		}

		last := rows[len(rows)-1]
		lastDate, lastID = last.DateMs, last.MessageID
	}
}

func (s *ExportService) exportMMS(ctx context.Context, tx *gorm.DB, w *backup.Writer, res *ExportResult, log *zap.Logger, step func()) error {
	var lastDate int64 = -1 << 63
	var lastID uint

	for {
		var rows []mmsRow
		if err := tx.Raw(exportMmsSQL, lastDate, lastDate, lastID, exportBatchSize).Scan(&rows).Error; err != nil {
			return fmt.Errorf("failed to load mms: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]uint, len(rows))
		for i, r := range rows {
			ids[i] = r.MessageID
		}

		var addrs []addrRow
		if err := tx.Raw(exportAddrsSQL, ids).Scan(&addrs).Error; err != nil {
			return fmt.Errorf("failed to load mms addresses: %w", err)
		}
		var parts []partRow
		if err := tx.Raw(exportPartsSQL, ids).Scan(&parts).Error; err != nil {
			return fmt.Errorf("failed to load mms parts: %w", err)
		}

		addrsByID := make(map[uint][]addrRow, len(rows))
		for _, a := range addrs {
			addrsByID[a.MessageID] = append(addrsByID[a.MessageID], a)
		}
		partsByID := make(map[uint][]partRow, len(rows))
		for _, p := range parts {
			partsByID[p.MessageID] = append(partsByID[p.MessageID], p)
		}

		for i := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			row := &rows[i]
			rec, err := s.mmsRecord(row, addrsByID[row.MessageID], partsByID[row.MessageID], res, log)
			if err != nil {
				return err
			}
			if err := w.WriteMMS(rec); err != nil {
				return err
			}
			res.MMS++
			step()
		}

		last := rows[len(rows)-1]
		lastDate, lastID = last.DateMs, last.MessageID
	}
}

func smsRecord(row *smsRow) (*backup.SmsRecord, error) {
	attrs, err := backup.ParseAttrs(row.RawAttrsJSON)
	if err != nil {
		return nil, fmt.Errorf("message %d: %w", row.MessageID, err)
	}
	return &backup.SmsRecord{
		Date:          row.DateMs,
		DateSent:      row.DateSentMs,
		Type:          row.Box,
		Address:       row.AddressRaw,
		Body:          row.Body,
		Protocol:      row.Protocol,
		Subject:       row.Subject,
		ServiceCenter: row.ServiceCenter,
		Read:          row.Read,
		Status:        row.Status,
		Locked:        row.Locked,
		Attrs:         attrs,
	}, nil
}

func (s *ExportService) mmsRecord(row *mmsRow, addrs []addrRow, parts []partRow, res *ExportResult, log *zap.Logger) (*backup.MmsRecord, error) {
	attrs, err := backup.ParseAttrs(row.RawAttrsJSON)
	if err != nil {
		return nil, fmt.Errorf("message %d: %w", row.MessageID, err)
	}
	rec := &backup.MmsRecord{
		Date:     row.DateMs,
		DateSent: row.DateSentMs,
		MsgBox:   row.Box,
		Address:  row.AddressRaw,
		MID:      row.MID,
		CtT:      row.CtT,
		Sub:      row.Sub,
		TextOnly: row.TextOnly,
		Locked:   row.Locked,
		Read:     row.Read,
		Seen:     row.Seen,
		Attrs:    attrs,
	}

	for _, a := range addrs {
		aAttrs, err := backup.ParseAttrs(a.RawAttrsJSON)
		if err != nil {
			return nil, fmt.Errorf("message %d address: %w", row.MessageID, err)
		}
		rec.Addrs = append(rec.Addrs, backup.AddrRecord{
			Address: a.AddressRaw,
			Type:    a.Type,
			Charset: a.Charset,
			Attrs:   aAttrs,
		})
	}

	for _, p := range parts {
		pAttrs, err := backup.ParseAttrs(p.RawAttrsJSON)
		if err != nil {
			return nil, fmt.Errorf("message %d part: %w", row.MessageID, err)
		}
		part := backup.PartRecord{
			Seq:                p.Seq,
			ContentType:        p.ContentType,
			Name:               p.Name,
			Chset:              p.Chset,
			ContentDisposition: p.ContentDisposition,
			FileName:           p.FileName,
			ContentID:          p.ContentID,
			ContentLocation:    p.ContentLocation,
			Text:               p.Text,
			Attrs:              pAttrs,
		}
		if p.DataSHA256 != nil {
			if p.RelPath == nil || !s.media.Exists(*p.DataSHA256) {
				res.MissingMedia++
				log.Warn("Blob missing from media store, exporting part without data",
					zap.Uint("message_id", row.MessageID),
					zap.String("sha256", *p.DataSHA256),
				)
			} else {
				part.Blob = &media.BlobRef{
					Hash:         *p.DataSHA256,
					Size:         derefInt64(p.DataSize),
					MimeType:     derefString(p.MimeType),
					Extension:    derefString(p.Extension),
					RelativePath: *p.RelPath,
				}
			}
		}
		rec.Parts = append(rec.Parts, part)
	}

	return rec, nil
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func resetFile(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate export file: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind export file: %w", err)
	}
	return nil
}

// countingWriter counts bytes written to the export file.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
