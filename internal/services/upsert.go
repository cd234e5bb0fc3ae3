package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"msgbak-go/internal/backup"
	"msgbak-go/internal/fingerprint"
	"msgbak-go/internal/media"
	"msgbak-go/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Scalar columns keep their existing value unless it is NULL, so a later,
// more complete backup fills gaps without losing anything already known.
// Attribute bags are merged key by key with the same rule: json_patch
// applies the stored bag over the incoming one, so stored keys win and new
// keys are added.

const upsertSmsMessageSQL = `
INSERT INTO messages(transport, box, date_ms, date_sent_ms, read, seen, source_id, fingerprint_version, fingerprint)
VALUES ('sms', ?, ?, ?, ?, NULL, ?, ?, ?)
ON CONFLICT(transport, fingerprint_version, fingerprint) DO UPDATE SET
  date_sent_ms = COALESCE(messages.date_sent_ms, excluded.date_sent_ms),
  read = COALESCE(messages.read, excluded.read)
RETURNING message_id`

const upsertSmsDetailSQL = `
INSERT INTO sms(message_id, address_raw, address_norm, protocol, subject, body, service_center, read, status, locked, raw_attrs_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(message_id) DO UPDATE SET
  address_raw = COALESCE(sms.address_raw, excluded.address_raw),
  address_norm = COALESCE(sms.address_norm, excluded.address_norm),
  protocol = COALESCE(sms.protocol, excluded.protocol),
  subject = COALESCE(sms.subject, excluded.subject),
  body = COALESCE(sms.body, excluded.body),
  service_center = COALESCE(sms.service_center, excluded.service_center),
  read = COALESCE(sms.read, excluded.read),
  status = COALESCE(sms.status, excluded.status),
  locked = COALESCE(sms.locked, excluded.locked),
  raw_attrs_json = CASE
    WHEN sms.raw_attrs_json IS NULL THEN excluded.raw_attrs_json
    ELSE json_patch(excluded.raw_attrs_json, sms.raw_attrs_json)
  END`

const upsertMmsMessageSQL = `
INSERT INTO messages(transport, box, date_ms, date_sent_ms, read, seen, source_id, fingerprint_version, fingerprint)
VALUES ('mms', ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(transport, fingerprint_version, fingerprint) DO UPDATE SET
  date_sent_ms = COALESCE(messages.date_sent_ms, excluded.date_sent_ms),
  read = COALESCE(messages.read, excluded.read),
  seen = COALESCE(messages.seen, excluded.seen)
RETURNING message_id`

const upsertMmsDetailSQL = `
INSERT INTO mms(message_id, address_raw, address_norm, m_id, ct_t, sub, text_only, locked, raw_attrs_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(message_id) DO UPDATE SET
  address_raw = COALESCE(mms.address_raw, excluded.address_raw),
  address_norm = COALESCE(mms.address_norm, excluded.address_norm),
  m_id = COALESCE(mms.m_id, excluded.m_id),
  ct_t = COALESCE(mms.ct_t, excluded.ct_t),
  sub = COALESCE(mms.sub, excluded.sub),
  text_only = COALESCE(mms.text_only, excluded.text_only),
  locked = COALESCE(mms.locked, excluded.locked),
  raw_attrs_json = CASE
    WHEN mms.raw_attrs_json IS NULL THEN excluded.raw_attrs_json
    ELSE json_patch(excluded.raw_attrs_json, mms.raw_attrs_json)
  END`

// upsertSMS stores one SMS and returns its message id.
func upsertSMS(tx *gorm.DB, sourceID uint, rec *backup.SmsRecord) (uint, error) {
	fp := fingerprint.SMS(rec)

	var messageID uint
	if err := tx.Raw(upsertSmsMessageSQL,
		rec.Type, rec.Date, rec.DateSent, rec.Read, sourceID, fingerprint.Version, fp,
	).Row().Scan(&messageID); err != nil {
		return 0, fmt.Errorf("failed to upsert sms message: %w", err)
	}

	if err := tx.Exec(upsertSmsDetailSQL,
		messageID, rec.Address, rec.AddressNorm, rec.Protocol, rec.Subject, rec.Body,
		rec.ServiceCenter, rec.Read, rec.Status, rec.Locked, rec.Attrs.JSON(),
	).Error; err != nil {
		return 0, fmt.Errorf("failed to upsert sms detail: %w", err)
	}

	return messageID, nil
}

// upsertMMS stores one MMS with its addresses, parts and blobs. Part blobs
// must already be ingested.
func upsertMMS(tx *gorm.DB, sourceID uint, rec *backup.MmsRecord) (uint, error) {
	fp := fingerprint.MMS(rec)

	var messageID uint
	if err := tx.Raw(upsertMmsMessageSQL,
		rec.MsgBox, rec.Date, rec.DateSent, rec.Read, rec.Seen, sourceID, fingerprint.Version, fp,
	).Row().Scan(&messageID); err != nil {
		return 0, fmt.Errorf("failed to upsert mms message: %w", err)
	}

	if err := tx.Exec(upsertMmsDetailSQL,
		messageID, rec.Address, rec.AddressNorm, rec.MID, rec.CtT, rec.Sub,
		rec.TextOnly, rec.Locked, rec.Attrs.JSON(),
	).Error; err != nil {
		return 0, fmt.Errorf("failed to upsert mms detail: %w", err)
	}

	for i := range rec.Addrs {
		a := &rec.Addrs[i]
		row := models.MmsAddress{
			MessageID:    messageID,
			AddrKey:      addrKey(a),
			Type:         a.Type,
			AddressRaw:   a.Address,
			AddressNorm:  a.AddressNorm,
			Charset:      a.Charset,
			RawAttrsJSON: strPtr(a.Attrs.JSON()),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "addr_key"}},
			DoNothing: true,
		}).Create(&row).Error; err != nil {
			return 0, fmt.Errorf("failed to insert mms address: %w", err)
		}
	}

	for i := range rec.Parts {
		p := &rec.Parts[i]
		if p.Blob != nil {
			if err := insertBlob(tx, p.Blob); err != nil {
				return 0, err
			}
		}

		row := models.MmsPart{
			MessageID:          messageID,
			PartFingerprint:    fingerprint.Part(p),
			Seq:                p.Seq,
			ContentType:        p.ContentType,
			Name:               p.Name,
			Chset:              p.Chset,
			ContentDisposition: p.ContentDisposition,
			FileName:           p.FileName,
			ContentID:          p.ContentID,
			ContentLocation:    p.ContentLocation,
			Text:               p.Text,
			RawAttrsJSON:       strPtr(p.Attrs.JSON()),
		}
		if p.Blob != nil {
			row.DataSHA256 = strPtr(p.Blob.Hash)
			size := p.Blob.Size
			row.DataSize = &size
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "part_fingerprint"}},
			DoNothing: true,
		}).Create(&row).Error; err != nil {
			return 0, fmt.Errorf("failed to insert mms part: %w", err)
		}
	}

	return messageID, nil
}

func insertBlob(tx *gorm.DB, ref *media.BlobRef) error {
	blob := models.MediaBlob{
		SHA256:    ref.Hash,
		SizeBytes: ref.Size,
		MimeType:  optString(ref.MimeType),
		Extension: optString(ref.Extension),
		RelPath:   ref.RelativePath,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sha256"}},
		DoNothing: true,
	}).Create(&blob).Error; err != nil {
		return fmt.Errorf("failed to insert media blob: %w", err)
	}
	return nil
}

// addrKey identifies an address row within its message.
func addrKey(a *backup.AddrRecord) string {
	typ := ""
	if a.Type != nil {
		typ = strconv.Itoa(*a.Type)
	}
	charset := ""
	if a.Charset != nil {
		charset = strconv.Itoa(*a.Charset)
	}
	raw := ""
	if a.Address != nil {
		raw = *a.Address
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{typ, raw, charset, a.Attrs.JSON()}, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func strPtr(s string) *string {
	return &s
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
