// Package fingerprint derives the deduplication identity of messages and MMS
// parts. The recipe is versioned: rows keep the Version they were hashed with.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"msgbak-go/internal/backup"
	"msgbak-go/internal/normalize"
)

// Version identifies the current hashing recipe.
const Version = 2

// DefaultBucketMs is the timestamp granularity used for fingerprints.
const DefaultBucketMs int64 = 2000

const (
	unitSep   = "\x1f"
	recordSep = "\x1e"
)

// BucketTime truncates ms toward zero to a multiple of bucket, so pre-1970
// timestamps bucket upward. Stored fingerprints depend on this. A
// non-positive bucket returns ms unchanged.
func BucketTime(ms, bucket int64) int64 {
	if bucket <= 0 {
		return ms
	}
	return ms - ms%bucket
}

// SMS returns the fingerprint of an SMS record.
func SMS(rec *backup.SmsRecord) string {
	sent := ""
	if rec.DateSent != nil {
		sent = strconv.FormatInt(BucketTime(*rec.DateSent, DefaultBucketMs), 10)
	}

	payload := strings.Join([]string{
		"sms",
		strconv.Itoa(rec.Type),
		strconv.FormatInt(BucketTime(rec.Date, DefaultBucketMs), 10),
		sent,
		addressOf(rec.AddressNorm, rec.Address),
		normalize.BodyPtr(rec.Body),
	}, unitSep)

	return hashHex(payload)
}

// MMS returns the fingerprint of an MMS record. Addresses and parts are
// sorted so that their order in the source file does not matter. Part blobs
// must already be resolved because the blob hash is part of each part token.
func MMS(rec *backup.MmsRecord) string {
	var b strings.Builder
	b.WriteString("mms")
	b.WriteString(unitSep)
	b.WriteString(strconv.Itoa(rec.MsgBox))
	b.WriteString(unitSep)
	b.WriteString(strconv.FormatInt(BucketTime(rec.Date, DefaultBucketMs), 10))
	b.WriteString(unitSep)
	b.WriteString(addressOf(rec.AddressNorm, rec.Address))
	b.WriteString(unitSep)
	b.WriteString(normalize.NullableOrEmpty(rec.MID))
	b.WriteString(unitSep)
	b.WriteString(normalize.NullableOrEmpty(rec.CtT))
	b.WriteString(unitSep)
	b.WriteString(normalize.BodyPtr(rec.Sub))
	b.WriteString(unitSep)

	for _, token := range addressTokens(rec.Addrs) {
		b.WriteString(token)
		b.WriteString(recordSep)
	}
	b.WriteString(unitSep)

	parts := make([]string, 0, len(rec.Parts))
	for i := range rec.Parts {
		parts = append(parts, partToken(&rec.Parts[i]))
	}
	sort.Strings(parts)
	for _, token := range parts {
		b.WriteString(token)
		b.WriteString(recordSep)
	}

	return hashHex(b.String())
}

// Part returns the fingerprint of one MMS part.
func Part(p *backup.PartRecord) string {
	return hashHex(partToken(p))
}

func addressTokens(addrs []backup.AddrRecord) []string {
	seen := make(map[string]struct{}, len(addrs))
	tokens := make([]string, 0, len(addrs))
	for i := range addrs {
		norm := addressOf(addrs[i].AddressNorm, addrs[i].Address)
		if norm == "" {
			continue
		}
		typ := 0
		if addrs[i].Type != nil {
			typ = *addrs[i].Type
		}
		token := strconv.Itoa(typ) + ":" + norm
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

func partToken(p *backup.PartRecord) string {
	blob := ""
	if p.Blob != nil {
		blob = p.Blob.Hash
	}
	seq := ""
	if p.Seq != nil {
		seq = strconv.Itoa(*p.Seq)
	}
	return strings.Join([]string{
		normalize.NullableOrEmpty(p.ContentType),
		blob,
		normalize.BodyPtr(p.Text),
		normalize.NullableOrEmpty(p.Name),
		normalize.NullableOrEmpty(p.FileName),
		seq,
	}, unitSep)
}

// addressOf prefers the stored normalized form and falls back to
// normalizing the raw value.
func addressOf(norm, raw *string) string {
	if norm != nil {
		return *norm
	}
	if n := normalize.AddressPtr(raw); n != nil {
		return *n
	}
	return ""
}

func hashHex(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
