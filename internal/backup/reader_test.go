package backup

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"runtime"
	"strings"
	"testing"

	"msgbak-go/internal/media"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	payloads []string
	mimes    []string
	fail     error
}

func (f *fakeSink) Ingest(ctx context.Context, r io.Reader, mime string) (*media.BlobRef, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.payloads = append(f.payloads, string(b))
	f.mimes = append(f.mimes, mime)
	return &media.BlobRef{Hash: "h" + string(rune('0'+len(f.payloads))), Size: int64(len(b)), MimeType: mime}, nil
}

const sampleXML = `<?xml version='1.0' encoding='UTF-8' standalone='yes' ?>
<?xml-stylesheet type="text/xsl" href="sms.xsl"?>
<smses count="4" backup_set="abc">
  <sms protocol="0" address="+61 412 345 678" date="1700000000123" type="1" subject="null" body="Hi &#55357;&#56832;" toa="null" sc_toa="null" service_center="null" read="1" status="-1" locked="0" date_sent="1700000000000" sub_id="2" readable_date="x" contact_name="Bob" />
  <sms address="0412345678" date="not-a-number" type="2" body="broken" />
  <mms date="1700000005000" msg_box="2" address="+61412345678" m_id="mid-1" ct_t="application/vnd.wap.multipart.related" sub="null" read="1" seen="1" text_only="0" locked="0" extra_attr="keep">
    <parts>
      <part seq="-1" ct="application/smil" name="null" chset="null" cd="null" fn="null" cid="&lt;smil&gt;" cl="smil.xml" text="&lt;smil/&gt;" />
      <part seq="0" ct="image/jpeg" name="a.jpg" chset="null" cd="null" fn="null" cid="&lt;a&gt;" cl="a.jpg" data="QUJDREVG" />
      <part seq="1" ct="text/plain" chset="106" text="caption" data="ignored" />
    </parts>
    <addrs>
      <addr address="+61412345678" type="151" charset="106" />
      <addr address="me" type="137" charset="abc" />
    </addrs>
  </mms>
  <sms address="555" date="1700000009000" type="1" body="last" read="junk" />
</smses>`

func TestReaderParsesRecords(t *testing.T) {
	sink := &fakeSink{}
	r := NewReader(strings.NewReader(sampleXML), sink)
	ctx := context.Background()

	el, err := r.Next(ctx)
	require.NoError(t, err)
	sms, ok := el.(*SmsRecord)
	require.True(t, ok)
	require.Equal(t, int64(1700000000123), sms.Date)
	require.Equal(t, int64(1700000000000), *sms.DateSent)
	require.Equal(t, 1, sms.Type)
	require.Equal(t, "+61412345678", *sms.AddressNorm)
	require.Equal(t, "Hi \U0001F600", *sms.Body)
	require.Equal(t, -1, *sms.Status)
	require.Equal(t, "Bob", sms.Attrs["contact_name"])
	require.Nil(t, sms.Subject)
	require.Equal(t, "null", sms.Attrs["subject"])

	_, err = r.Next(ctx)
	var elErr *ElementError
	require.True(t, errors.As(err, &elErr))
	require.Equal(t, "sms", elErr.Name)

	el, err = r.Next(ctx)
	require.NoError(t, err)
	mms, ok := el.(*MmsRecord)
	require.True(t, ok)
	require.Equal(t, 2, mms.MsgBox)
	require.Equal(t, "keep", mms.Attrs["extra_attr"])
	require.Len(t, mms.Parts, 3)
	require.Len(t, mms.Addrs, 2)

	require.Nil(t, mms.Parts[0].Blob)
	require.Equal(t, "<smil/>", *mms.Parts[0].Text)

	img := mms.Parts[1]
	require.NotNil(t, img.Blob)
	require.NoError(t, img.BlobErr)
	_, hasData := img.Attrs["data"]
	require.False(t, hasData)
	require.Equal(t, []string{"QUJDREVG"}, sink.payloads)
	require.Equal(t, []string{"image/jpeg"}, sink.mimes)

	// text parts keep their data attribute and never reach the sink
	require.Nil(t, mms.Parts[2].Blob)
	require.Equal(t, "ignored", mms.Parts[2].Attrs["data"])

	require.Nil(t, mms.Addrs[1].Charset)
	require.Equal(t, "abc", mms.Addrs[1].Attrs["charset"])
	require.Nil(t, mms.Addrs[1].AddressNorm)

	el, err = r.Next(ctx)
	require.NoError(t, err)
	last := el.(*SmsRecord)
	require.Equal(t, "last", *last.Body)
	require.Nil(t, last.Read)
	require.Equal(t, "junk", last.Attrs["read"])

	_, err = r.Next(ctx)
	require.Equal(t, io.EOF, err)
}

func TestReaderKeepsPayloadOnSinkFailure(t *testing.T) {
	sink := &fakeSink{fail: media.ErrMalformedBase64}
	r := NewReader(strings.NewReader(sampleXML), sink)
	ctx := context.Background()

	var mms *MmsRecord
	for mms == nil {
		el, err := r.Next(ctx)
		var elErr *ElementError
		if errors.As(err, &elErr) {
			continue
		}
		require.NoError(t, err)
		mms, _ = el.(*MmsRecord)
	}

	img := mms.Parts[1]
	require.Nil(t, img.Blob)
	require.ErrorIs(t, img.BlobErr, media.ErrMalformedBase64)
	require.Equal(t, "QUJDREVG", img.Attrs["data"])
}

// measuringSink drains a payload and records the live heap while doing so.
type measuringSink struct {
	n    int64
	peak uint64
}

func (m *measuringSink) Ingest(ctx context.Context, r io.Reader, mime string) (*media.BlobRef, error) {
	buf := make([]byte, 32*1024)
	next := int64(0)
	for {
		n, err := r.Read(buf)
		m.n += int64(n)
		if m.n >= next {
			m.sample()
			next += 8 << 20
		}
		if err == io.EOF {
			m.sample()
			return &media.BlobRef{Hash: "big", Size: m.n / 4 * 3, MimeType: mime}, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (m *measuringSink) sample() {
	runtime.GC()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc > m.peak {
		m.peak = ms.HeapAlloc
	}
}

// repeatReader yields n bytes of 'A' without holding them.
type repeatReader struct {
	n int64
}

func (r *repeatReader) Read(p []byte) (int, error) {
	if r.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.n {
		p = p[:r.n]
	}
	for i := range p {
		p[i] = 'A'
	}
	r.n -= int64(len(p))
	return len(p), nil
}

func TestReaderStreamsLargePayload(t *testing.T) {
	const size = 48 << 20
	src := io.MultiReader(
		strings.NewReader(`<smses><mms date="1700000005000" msg_box="1" address="1"><parts><part seq="0" ct="image/png" data="`),
		&repeatReader{n: size},
		strings.NewReader(`" /></parts></mms></smses>`),
	)

	runtime.GC()
	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	sink := &measuringSink{}
	r := NewReader(src, sink)
	el, err := r.Next(context.Background())
	require.NoError(t, err)

	mms := el.(*MmsRecord)
	require.Len(t, mms.Parts, 1)
	require.NotNil(t, mms.Parts[0].Blob)
	_, hasData := mms.Parts[0].Attrs["data"]
	require.False(t, hasData)
	require.Equal(t, int64(size), sink.n)

	var growth uint64
	if sink.peak > before.HeapAlloc {
		growth = sink.peak - before.HeapAlloc
	}
	require.Less(t, growth, uint64(8<<20), "heap grew by %d bytes for a %d byte payload", growth, size)
}

const payloadEdgeXML = `<smses>
  <!-- <part ct="image/png" data="SElERQ=="/> -->
  <mms date="1700000005000" msg_box="1" address="1">
    <parts>
      <part seq='0' ct='image/png' data='QUJD&#10;REVG' />
      <part seq="1" data="R0hJ" ct="image/gif" />
      <part seq="2" ct="image/jpeg" data="null" />
      <PART seq="3" ct="video/mp4" data="TU5P"></PART>
    </parts>
  </mms>
</smses>`

func TestReaderPayloadPlacement(t *testing.T) {
	sources := map[string]func() io.Reader{
		"whole":    func() io.Reader { return strings.NewReader(payloadEdgeXML) },
		"one byte": func() io.Reader { return &oneByte{r: strings.NewReader(payloadEdgeXML)} },
	}
	for name, src := range sources {
		t.Run(name, func(t *testing.T) {
			sink := &fakeSink{}
			r := NewReader(src(), sink)

			el, err := r.Next(context.Background())
			require.NoError(t, err)
			mms := el.(*MmsRecord)
			require.Len(t, mms.Parts, 4)

			// The filter may run ahead of the tokenizer, so call order varies.
			require.ElementsMatch(t, []string{"QUJD     REVG", "R0hJ", "TU5P"}, sink.payloads)
			require.ElementsMatch(t, []string{"image/png", "image/gif", "video/mp4"}, sink.mimes)

			for _, i := range []int{0, 1, 3} {
				require.NotNil(t, mms.Parts[i].Blob, "part %d", i)
				_, hasData := mms.Parts[i].Attrs["data"]
				require.False(t, hasData, "part %d", i)
			}
			require.Equal(t, "0", mms.Parts[0].Attrs["seq"])

			require.Nil(t, mms.Parts[2].Blob)
			require.NoError(t, mms.Parts[2].BlobErr)
			require.Equal(t, "null", mms.Parts[2].Attrs["data"])

			_, err = r.Next(context.Background())
			require.Equal(t, io.EOF, err)
		})
	}
}

func TestReaderDropsLargeRejectedPayload(t *testing.T) {
	payload := strings.Repeat("@", maxKeptPayload+1)
	doc := `<smses><mms date="1" msg_box="1"><parts><part ct="image/png" data="` + payload + `"/></parts></mms></smses>`
	sink := &fakeSink{fail: media.ErrMalformedBase64}

	el, err := NewReader(strings.NewReader(doc), sink).Next(context.Background())
	require.NoError(t, err)
	part := el.(*MmsRecord).Parts[0]
	require.ErrorIs(t, part.BlobErr, media.ErrMalformedBase64)
	_, hasData := part.Attrs["data"]
	require.False(t, hasData)
}

func TestReaderSyntaxErrorIsFatal(t *testing.T) {
	r := NewReader(strings.NewReader(`<smses><sms date="1" type="1" body="a"/><mms date="2" msg_box="1"><parts>`), nil)
	ctx := context.Background()

	_, err := r.Next(ctx)
	require.NoError(t, err)

	_, err = r.Next(ctx)
	require.Error(t, err)
	var elErr *ElementError
	require.False(t, errors.As(err, &elErr))
}

func TestReaderHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewReader(strings.NewReader(sampleXML), nil)
	_, err := r.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSurrogateReader(t *testing.T) {
	cases := map[string]string{
		"a&#55357;&#56832;b":    "a&#128512;b",
		"&#xD83D;&#xDE00;":      "&#128512;",
		"&#55357;x":             "&#55357;x",
		"&amp;&#65;":            "&amp;&#65;",
		"tail &#553":            "tail &#553",
		"&#56832;&#55357;":      "&#56832;&#55357;",
		"plain text, no refs &": "plain text, no refs &",
	}
	for in, want := range cases {
		got, err := io.ReadAll(&oneByte{r: newSurrogateReader(strings.NewReader(in))})
		require.NoError(t, err)
		require.Equal(t, want, string(got), "input %q", in)

		// Same result when the source delivers one byte at a time.
		got, err = io.ReadAll(newSurrogateReader(&oneByte{r: strings.NewReader(in)}))
		require.NoError(t, err)
		require.Equal(t, want, string(got), "input %q", in)
	}
}

func TestAttrsJSONRoundTrip(t *testing.T) {
	attrs := Attrs{"b": "2", "a": "1", "data": base64.StdEncoding.EncodeToString([]byte("x"))}
	raw := attrs.JSON()
	require.Equal(t, `{"a":"1","b":"2","data":"eA=="}`, raw)

	back, err := ParseAttrs(&raw)
	require.NoError(t, err)
	require.Equal(t, attrs, back)

	withNull := `{"a":null,"b":"x"}`
	back, err = ParseAttrs(&withNull)
	require.NoError(t, err)
	require.Equal(t, Attrs{"b": "x"}, back)

	require.Equal(t, []string{"a", "b", "data"}, attrs.Keys())
}

type oneByte struct {
	r io.Reader
}

func (o *oneByte) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}
