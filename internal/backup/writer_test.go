package backup

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"msgbak-go/internal/media"

	"github.com/stretchr/testify/require"
)

type dirBlobs string

func (d dirBlobs) Open(rel string) (*os.File, error) {
	return os.Open(filepath.Join(string(d), filepath.FromSlash(rel)))
}

func strp(s string) *string { return &s }
func intp(i int) *int       { return &i }

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte{0, 1, 2, 250, 251}, 5000)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "blobs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blobs", "abc"), payload, 0644))

	sent := int64(1700000000000)
	sms := &SmsRecord{
		Date:     1700000000123,
		DateSent: &sent,
		Type:     2,
		Address:  strp("+61412345678"),
		Body:     strp("line one\nline \"two\" & <three>"),
		Read:     intp(1),
		Attrs:    Attrs{"contact_name": "Bob", "toa": "145", "read": "1"},
	}
	mms := &MmsRecord{
		Date:    1700000005000,
		MsgBox:  1,
		Address: strp("+61412345678"),
		MID:     strp("mid"),
		Attrs:   Attrs{"ct_l": "http://x"},
		Parts: []PartRecord{
			{Seq: intp(0), ContentType: strp("image/png"), Name: strp("a.png"), Blob: &media.BlobRef{Hash: "abc", RelativePath: "blobs/abc"}, Attrs: Attrs{"data": "stale"}},
			{Seq: intp(1), ContentType: strp("text/plain"), Text: strp("caption"), Attrs: Attrs{"data": "kept"}},
		},
		Addrs: []AddrRecord{
			{Address: strp("+61412345678"), Type: intp(137), Attrs: Attrs{"charset": "106"}},
		},
	}

	var out bytes.Buffer
	w := NewWriter(&out, dirBlobs(dir), 8)
	require.NoError(t, w.Begin(2))
	require.NoError(t, w.WriteSMS(sms))
	require.NoError(t, w.WriteMMS(mms))
	require.NoError(t, w.End())

	text := out.String()
	require.True(t, strings.HasPrefix(text, `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`))
	require.Contains(t, text, `<?xml-stylesheet type="text/xsl" href="sms.xsl"?>`)
	require.Contains(t, text, `<smses count="2">`)
	require.Contains(t, text, `data="`+base64.StdEncoding.EncodeToString(payload)+`"`)
	require.NotContains(t, text, "stale")
	require.Contains(t, text, `status="-1"`)
	require.Contains(t, text, `toa="145"`)

	r := NewReader(&out, nil)
	el, err := r.Next(context.Background())
	require.NoError(t, err)
	gotSMS := el.(*SmsRecord)
	require.Equal(t, *sms.Body, *gotSMS.Body)
	require.Equal(t, "Bob", gotSMS.Attrs["contact_name"])
	require.Equal(t, sent, *gotSMS.DateSent)
	require.Equal(t, 2, gotSMS.Type)

	el, err = r.Next(context.Background())
	require.NoError(t, err)
	gotMMS := el.(*MmsRecord)
	require.Equal(t, "http://x", gotMMS.Attrs["ct_l"])
	require.Len(t, gotMMS.Parts, 2)
	require.Equal(t, base64.StdEncoding.EncodeToString(payload), gotMMS.Parts[0].Attrs["data"])
	require.Equal(t, "kept", gotMMS.Parts[1].Attrs["data"])
	require.Equal(t, 106, *gotMMS.Addrs[0].Charset)
}
