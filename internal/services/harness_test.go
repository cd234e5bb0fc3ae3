package services

import (
	"archive/zip"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"msgbak-go/internal/config"
	"msgbak-go/internal/database"
	"msgbak-go/internal/media"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// testImage is a payload with a PNG signature.
var testImage = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01fake-image-bytes")

type harness struct {
	cfg           *config.Config
	db            *gorm.DB
	store         *media.Store
	conversations *ConversationService
	imports       *ImportService
	merges        *MergeService
	maintenance   *MaintenanceService
	exports       *ExportService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg, err := config.ForProject(t.TempDir())
	require.NoError(t, err)

	log := zap.NewNop()
	db, err := database.Open(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	store, err := media.NewStore(cfg.Media, log)
	require.NoError(t, err)

	conversations := NewConversationService(cfg, db, log)
	return &harness{
		cfg:           cfg,
		db:            db,
		store:         store,
		conversations: conversations,
		imports:       NewImportService(cfg, db, store, conversations, log),
		merges:        NewMergeService(cfg, db, conversations, log),
		maintenance:   NewMaintenanceService(cfg, db, conversations, log),
		exports:       NewExportService(cfg, db, store, log),
	}
}

func (h *harness) count(t *testing.T, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Raw(query, args...).Row().Scan(&n))
	return n
}

func (h *harness) conversationID(t *testing.T, key string) uint {
	t.Helper()
	var id uint
	require.NoError(t, h.db.Raw(`SELECT conversation_id FROM conversations WHERE conversation_key = ?`, key).Row().Scan(&id))
	return id
}

func (h *harness) keys(t *testing.T) []string {
	t.Helper()
	var keys []string
	require.NoError(t, h.db.Raw(`SELECT conversation_key FROM conversations ORDER BY conversation_key`).Scan(&keys).Error)
	return keys
}

func writeBackup(t *testing.T, dir, name, body string) string {
	t.Helper()
	doc := `<?xml version='1.0' encoding='UTF-8' standalone='yes' ?>` + "\n" +
		`<smses count="0">` + "\n" + body + "\n</smses>\n"
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(doc), 0644))
	return p
}

func smsElement(address string, date int64, box int, body string) string {
	return fmt.Sprintf(`  <sms protocol="0" address="%s" date="%d" type="%d" subject="null" body="%s" read="1" status="-1" locked="0" />`,
		address, date, box, body)
}

// fixtureBody is three SMS across two counterparts and one MMS with an image.
func fixtureBody() string {
	return `  <sms protocol="0" address="0412345678" date="1700000000000" type="1" subject="null" body="Hi there" read="1" status="-1" locked="0" contact_name="Alice" />
  <sms protocol="0" address="0412 345 678" date="1700000060000" type="2" subject="null" body="Hello back&#10;second line" read="1" status="-1" locked="0" />
  <sms address="+61400000001" date="1700000120000" type="1" body="Other" read="0" />
  <mms date="1700000180000" msg_box="1" address="+61400000002" m_id="mid-1" ct_t="application/vnd.wap.multipart.related" sub="null" read="1" seen="1" text_only="0">
    <parts>
      <part seq="0" ct="image/png" name="pic.png" cl="pic.png" data="` + base64.StdEncoding.EncodeToString(testImage) + `" />
      <part seq="1" ct="text/plain" chset="106" text="A caption" />
    </parts>
    <addrs>
      <addr address="+61400000002" type="137" charset="106" />
      <addr address="+61400000003" type="151" charset="106" />
    </addrs>
  </mms>`
}

func writeArchive(t *testing.T, dir, name string, entries map[string]string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for entry, content := range entries {
		w, err := zw.Create(entry)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return p
}
