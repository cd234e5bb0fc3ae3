package backup

import (
	"bufio"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
)

// BlobOpener resolves a stored blob for re-encoding. *media.Store implements it.
type BlobOpener interface {
	Open(rel string) (*os.File, error)
}

// Writer streams a backup file. Typed fields are written first, falling back
// to the attribute bag and then to the format's defaults; remaining bag
// entries follow in sorted key order.
type Writer struct {
	w     *bufio.Writer
	blobs BlobOpener
	chunk int
}

// NewWriter returns a Writer that re-encodes part payloads read through blobs
// in chunks of chunkSize bytes.
func NewWriter(w io.Writer, blobs BlobOpener, chunkSize int) *Writer {
	if chunkSize <= 0 {
		chunkSize = 8192
	}
	return &Writer{w: bufio.NewWriterSize(w, 64*1024), blobs: blobs, chunk: chunkSize}
}

// Begin writes the prolog and opens the root element.
func (w *Writer) Begin(count int64) error {
	w.w.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n")
	w.w.WriteString(`<?xml-stylesheet type="text/xsl" href="sms.xsl"?>` + "\n")
	w.w.WriteString(`<smses count="` + strconv.FormatInt(count, 10) + `">` + "\n")
	return nil
}

// End closes the root element and flushes.
func (w *Writer) End() error {
	w.w.WriteString("</smses>\n")
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush export: %w", err)
	}
	return nil
}

// WriteSMS writes one <sms> element.
func (w *Writer) WriteSMS(rec *SmsRecord) error {
	e := w.open("  ", "sms", rec.Attrs)
	e.attr("protocol", intOr(rec.Protocol, rec.Attrs, "protocol", "0"))
	e.attr("address", strOr(rec.Address, rec.Attrs, "address", ""))
	e.attr("date", strconv.FormatInt(rec.Date, 10))
	e.attr("type", strconv.Itoa(rec.Type))
	e.attr("subject", strOr(rec.Subject, rec.Attrs, "subject", "null"))
	e.attr("body", strOr(rec.Body, rec.Attrs, "body", ""))
	e.attr("toa", strOr(nil, rec.Attrs, "toa", "null"))
	e.attr("sc_toa", strOr(nil, rec.Attrs, "sc_toa", "null"))
	e.attr("service_center", strOr(rec.ServiceCenter, rec.Attrs, "service_center", "null"))
	e.attr("read", intOr(rec.Read, rec.Attrs, "read", "0"))
	e.attr("status", intOr(rec.Status, rec.Attrs, "status", "-1"))
	e.attr("locked", intOr(rec.Locked, rec.Attrs, "locked", "0"))
	if rec.DateSent != nil {
		e.attr("date_sent", strconv.FormatInt(*rec.DateSent, 10))
	}
	e.extras()
	w.w.WriteString(" />\n")
	return w.err()
}

// WriteMMS writes one <mms> element with its parts and addresses. Part
// payloads are streamed from the blob store as base64.
func (w *Writer) WriteMMS(rec *MmsRecord) error {
	e := w.open("  ", "mms", rec.Attrs)
	e.attr("date", strconv.FormatInt(rec.Date, 10))
	e.attr("msg_box", strconv.Itoa(rec.MsgBox))
	e.attr("address", strOr(rec.Address, rec.Attrs, "address", ""))
	if rec.DateSent != nil {
		e.attr("date_sent", strconv.FormatInt(*rec.DateSent, 10))
	}
	e.optStr("ct_t", rec.CtT)
	e.optStr("m_id", rec.MID)
	e.optStr("sub", rec.Sub)
	e.optInt("text_only", rec.TextOnly)
	e.optInt("locked", rec.Locked)
	e.optInt("read", rec.Read)
	e.optInt("seen", rec.Seen)
	e.extras()
	w.w.WriteString(">\n")

	w.w.WriteString("    <parts>\n")
	for i := range rec.Parts {
		if err := w.writePart(&rec.Parts[i]); err != nil {
			return err
		}
	}
	w.w.WriteString("    </parts>\n")

	w.w.WriteString("    <addrs>\n")
	for i := range rec.Addrs {
		a := &rec.Addrs[i]
		ae := w.open("      ", "addr", a.Attrs)
		ae.optStrOrBag("address", a.Address)
		ae.optIntOrBag("type", a.Type)
		ae.optIntOrBag("charset", a.Charset)
		ae.extras()
		w.w.WriteString(" />\n")
	}
	w.w.WriteString("    </addrs>\n")

	w.w.WriteString("  </mms>\n")
	return w.err()
}

func (w *Writer) writePart(p *PartRecord) error {
	e := w.open("      ", "part", p.Attrs)
	e.optIntOrBag("seq", p.Seq)
	e.optStrOrBag("ct", p.ContentType)
	e.optStr("name", p.Name)
	e.optStr("chset", p.Chset)
	e.optStr("cd", p.ContentDisposition)
	e.optStr("fn", p.FileName)
	e.optStr("cid", p.ContentID)
	e.optStr("cl", p.ContentLocation)
	e.optStr("text", p.Text)

	if p.Blob != nil && w.blobs != nil {
		if err := w.writeData(p.Blob.RelativePath); err != nil {
			return err
		}
		e.written["data"] = struct{}{}
	}

	e.extras()
	w.w.WriteString(" />\n")
	return w.err()
}

// writeData streams a blob as a base64 data attribute.
func (w *Writer) writeData(rel string) error {
	f, err := w.blobs.Open(rel)
	if err != nil {
		return fmt.Errorf("failed to open blob %s: %w", rel, err)
	}
	defer f.Close()

	w.w.WriteString(` data="`)
	enc := base64.NewEncoder(base64.StdEncoding, w.w)
	buf := make([]byte, w.chunk)
	if _, err := io.CopyBuffer(enc, onlyReader{f}, buf); err != nil {
		return fmt.Errorf("failed to encode blob %s: %w", rel, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode blob %s: %w", rel, err)
	}
	w.w.WriteByte('"')
	return nil
}

func (w *Writer) err() error {
	// bufio.Writer keeps the first write error and reports it on every call.
	if _, err := w.w.Write(nil); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return nil
}

// elementWriter tracks which attributes of one element have been written.
type elementWriter struct {
	w       *bufio.Writer
	attrs   Attrs
	written map[string]struct{}
}

func (w *Writer) open(indent, name string, attrs Attrs) *elementWriter {
	w.w.WriteString(indent)
	w.w.WriteByte('<')
	w.w.WriteString(name)
	return &elementWriter{w: w.w, attrs: attrs, written: make(map[string]struct{}, len(attrs)+8)}
}

func (e *elementWriter) attr(name, value string) {
	if _, done := e.written[name]; done {
		return
	}
	e.written[name] = struct{}{}
	e.w.WriteByte(' ')
	e.w.WriteString(name)
	e.w.WriteString(`="`)
	xml.EscapeText(e.w, []byte(value))
	e.w.WriteByte('"')
}

func (e *elementWriter) optStr(name string, v *string) {
	if v != nil && *v != "" {
		e.attr(name, *v)
	}
}

func (e *elementWriter) optInt(name string, v *int) {
	if v != nil {
		e.attr(name, strconv.Itoa(*v))
	}
}

func (e *elementWriter) optStrOrBag(name string, v *string) {
	if v != nil && *v != "" {
		e.attr(name, *v)
		return
	}
	if raw, ok := e.attrs[name]; ok {
		e.attr(name, raw)
	}
}

func (e *elementWriter) optIntOrBag(name string, v *int) {
	if v != nil {
		e.attr(name, strconv.Itoa(*v))
		return
	}
	if raw, ok := e.attrs[name]; ok {
		e.attr(name, raw)
	}
}

// extras writes bag entries not already emitted. A data entry is kept only
// when no blob was streamed for it.
func (e *elementWriter) extras() {
	for _, k := range e.attrs.Keys() {
		if k == "" {
			continue
		}
		e.attr(k, e.attrs[k])
	}
}

func strOr(v *string, attrs Attrs, key, def string) string {
	if v != nil {
		return *v
	}
	if raw, ok := attrs[key]; ok {
		return raw
	}
	return def
}

func intOr(v *int, attrs Attrs, key, def string) string {
	if v != nil {
		return strconv.Itoa(*v)
	}
	if raw, ok := attrs[key]; ok && raw != "" {
		return raw
	}
	return def
}

// onlyReader hides *os.File's ReaderFrom/WriterTo so CopyBuffer uses buf.
type onlyReader struct {
	io.Reader
}
