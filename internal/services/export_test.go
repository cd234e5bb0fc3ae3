package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"msgbak-go/internal/models"

	"github.com/stretchr/testify/require"
)

func TestExportRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dir := t.TempDir()

	imported, err := h.imports.ImportFile(ctx, writeBackup(t, dir, "backup.xml", fixtureBody()), nil)
	require.NoError(t, err)
	require.Equal(t, int64(4), imported.SMS+imported.MMS)
	require.Equal(t, int64(1), h.count(t, `SELECT COUNT(*) FROM media_blobs`))

	var progress []string
	out := filepath.Join(dir, "out", "export.xml")
	res, err := h.exports.ExportFile(ctx, out, func(msg string) { progress = append(progress, msg) })
	require.NoError(t, err)
	require.Equal(t, int64(3), res.SMS)
	require.Equal(t, int64(1), res.MMS)
	require.Zero(t, res.MissingMedia)
	require.NotEmpty(t, progress)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), res.Bytes)
	doc := string(data)
	require.True(t, strings.HasPrefix(doc, `<?xml version="1.0"`))
	require.Contains(t, doc, `<smses count="4">`)
	require.Contains(t, doc, `contact_name="Alice"`)
	require.Less(t, strings.Index(doc, "<sms "), strings.Index(doc, "<mms "))
	_, err = os.Stat(out + ".tmp")
	require.True(t, os.IsNotExist(err))

	// Re-importing the export into the same store adds nothing.
	again, err := h.imports.ImportFile(ctx, out, nil)
	require.NoError(t, err)
	require.Equal(t, int64(3), again.SMS)
	require.Equal(t, int64(1), again.MMS)
	require.Zero(t, again.Skipped)
	require.Equal(t, int64(4), h.count(t, `SELECT COUNT(*) FROM messages`))
	require.Equal(t, int64(1), h.count(t, `SELECT COUNT(*) FROM media_blobs`))
	require.Equal(t, int64(2), h.count(t, `SELECT COUNT(*) FROM mms_parts`))
	require.Equal(t, int64(2), h.count(t, `SELECT COUNT(*) FROM mms_addrs`))
	require.Equal(t, int64(3), h.count(t, `SELECT COUNT(*) FROM conversations`))

	// A fresh store rebuilt from the export holds identical media.
	fresh := newHarness(t)
	rebuilt, err := fresh.imports.ImportFile(ctx, out, nil)
	require.NoError(t, err)
	require.Equal(t, int64(4), rebuilt.SMS+rebuilt.MMS)
	require.Equal(t, int64(4), fresh.count(t, `SELECT COUNT(*) FROM messages`))

	sum := sha256.Sum256(testImage)
	want := hex.EncodeToString(sum[:])
	var blob models.MediaBlob
	require.NoError(t, fresh.db.First(&blob).Error)
	require.Equal(t, want, blob.SHA256)
	require.Equal(t, int64(len(testImage)), blob.SizeBytes)

	stored, err := os.ReadFile(fresh.store.AbsPath(blob.RelPath))
	require.NoError(t, err)
	require.Equal(t, testImage, stored)

	var fps, freshFps []string
	require.NoError(t, h.db.Raw(`SELECT fingerprint FROM messages ORDER BY fingerprint`).Scan(&fps).Error)
	require.NoError(t, fresh.db.Raw(`SELECT fingerprint FROM messages ORDER BY fingerprint`).Scan(&freshFps).Error)
	require.Equal(t, fps, freshFps)
}

func TestExportMissingBlob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dir := t.TempDir()

	_, err := h.imports.ImportFile(ctx, writeBackup(t, dir, "backup.xml", fixtureBody()), nil)
	require.NoError(t, err)

	var blob models.MediaBlob
	require.NoError(t, h.db.First(&blob).Error)
	require.NoError(t, os.Remove(h.store.AbsPath(blob.RelPath)))

	res, err := h.exports.ExportFile(ctx, filepath.Join(dir, "export.xml"), nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.MissingMedia)
	require.Equal(t, int64(1), res.MMS)
}

func TestExportEmptyStore(t *testing.T) {
	h := newHarness(t)
	out := filepath.Join(t.TempDir(), "export.xml")

	res, err := h.exports.ExportFile(context.Background(), out, nil)
	require.NoError(t, err)
	require.Zero(t, res.SMS+res.MMS)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Contains(t, string(data), `<smses count="0">`)
}

func TestExportCancelledLeavesNoFile(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	_, err := h.imports.ImportFile(context.Background(), writeBackup(t, dir, "backup.xml", fixtureBody()), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := filepath.Join(dir, "export.xml")
	_, err = h.exports.ExportFile(ctx, out, nil)
	require.ErrorIs(t, err, context.Canceled)

	_, err = os.Stat(out)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(out + ".tmp")
	require.True(t, os.IsNotExist(err))
}
