package backup

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"msgbak-go/internal/media"
	"msgbak-go/internal/normalize"
)

// BlobSink receives base64 part payloads. *media.Store implements it.
type BlobSink interface {
	Ingest(ctx context.Context, r io.Reader, mime string) (*media.BlobRef, error)
}

// Reader is a forward-only scanner over a backup file.
type Reader struct {
	dec      *xml.Decoder
	sink     BlobSink
	payloads *payloadFilter
}

// NewReader returns a Reader over r. Binary part payloads are streamed to
// sink without passing through the tokenizer; with a nil sink they stay in
// the part's attribute bag.
func NewReader(r io.Reader, sink BlobSink) *Reader {
	src := io.Reader(newSurrogateReader(r))
	var payloads *payloadFilter
	if sink != nil {
		payloads = newPayloadFilter(src, sink)
		src = payloads
	}
	dec := xml.NewDecoder(src)
	// Backups in the wild contain invalid character references.
	dec.Strict = false
	return &Reader{dec: dec, sink: sink, payloads: payloads}
}

// Offset returns the decoder's position in the (filtered) input stream.
func (r *Reader) Offset() int64 {
	return r.dec.InputOffset()
}

// Next returns the next *SmsRecord or *MmsRecord, or io.EOF when the input is
// exhausted. A malformed element yields an *ElementError and the reader stays
// usable. Any other error is fatal for the stream.
func (r *Reader) Next(ctx context.Context) (Element, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.payloads != nil {
			r.payloads.ctx = ctx
		}

		tok, err := r.dec.Token()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("failed to read XML: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch strings.ToLower(start.Name.Local) {
		case "sms":
			return r.readSms(start)
		case "mms":
			return r.readMms(ctx, start)
		}
	}
}

func (r *Reader) readSms(start xml.StartElement) (Element, error) {
	offset := r.dec.InputOffset()
	attrs := captureAttrs(start)

	rec, err := smsFromAttrs(attrs)
	if skipErr := r.dec.Skip(); skipErr != nil {
		return nil, fmt.Errorf("failed to read XML: %w", skipErr)
	}
	if err != nil {
		return nil, &ElementError{Name: start.Name.Local, Offset: offset, Err: err}
	}
	return rec, nil
}

func smsFromAttrs(attrs Attrs) (*SmsRecord, error) {
	date, err := requiredInt64(attrs, "date")
	if err != nil {
		return nil, err
	}
	typ, err := attrs.Int("type")
	if err != nil {
		return nil, err
	}

	rec := &SmsRecord{
		Date:          date,
		DateSent:      optInt64(attrs, "date_sent"),
		Type:          derefInt(typ),
		Address:       attrs.Str("address"),
		Body:          attrs.Str("body"),
		Protocol:      optInt(attrs, "protocol"),
		Subject:       attrs.Opt("subject"),
		ServiceCenter: attrs.Opt("service_center"),
		Read:          optInt(attrs, "read"),
		Status:        optInt(attrs, "status"),
		Locked:        optInt(attrs, "locked"),
		Attrs:         attrs,
	}
	rec.AddressNorm = normalize.AddressPtr(rec.Address)
	return rec, nil
}

func (r *Reader) readMms(ctx context.Context, start xml.StartElement) (Element, error) {
	offset := r.dec.InputOffset()
	attrs := captureAttrs(start)

	rec, err := mmsFromAttrs(attrs)
	if err != nil {
		if skipErr := r.dec.Skip(); skipErr != nil {
			return nil, fmt.Errorf("failed to read XML: %w", skipErr)
		}
		return nil, &ElementError{Name: start.Name.Local, Offset: offset, Err: err}
	}

	depth := 1
	for depth > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tok, err := r.dec.Token()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("failed to read XML: unexpected end of input inside <%s>", start.Name.Local)
			}
			return nil, fmt.Errorf("failed to read XML: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch strings.ToLower(t.Name.Local) {
			case "addr":
				rec.Addrs = append(rec.Addrs, addrFromAttrs(captureAttrs(t)))
			case "part":
				rec.Parts = append(rec.Parts, r.partFromAttrs(ctx, captureAttrs(t)))
			}
		case xml.EndElement:
			depth--
		}
	}

	return rec, nil
}

func mmsFromAttrs(attrs Attrs) (*MmsRecord, error) {
	date, err := requiredInt64(attrs, "date")
	if err != nil {
		return nil, err
	}
	box, err := attrs.Int("msg_box")
	if err != nil {
		return nil, err
	}

	rec := &MmsRecord{
		Date:     date,
		DateSent: optInt64(attrs, "date_sent"),
		MsgBox:   derefInt(box),
		Address:  attrs.Str("address"),
		MID:      attrs.Opt("m_id"),
		CtT:      attrs.Opt("ct_t"),
		Sub:      attrs.Opt("sub"),
		TextOnly: optInt(attrs, "text_only"),
		Locked:   optInt(attrs, "locked"),
		Read:     optInt(attrs, "read"),
		Seen:     optInt(attrs, "seen"),
		Attrs:    attrs,
	}
	rec.AddressNorm = normalize.AddressPtr(rec.Address)
	return rec, nil
}

func addrFromAttrs(attrs Attrs) AddrRecord {
	rec := AddrRecord{
		Address: attrs.Str("address"),
		Type:    optInt(attrs, "type"),
		Charset: optInt(attrs, "charset"),
		Attrs:   attrs,
	}
	rec.AddressNorm = normalize.AddressPtr(rec.Address)
	return rec
}

// partFromAttrs builds a part and, for binary content types, moves the data
// attribute into the blob sink. Payloads already streamed by the filter are
// picked up by their placeholder. A failed ingestion leaves a small payload
// in the bag; larger ones are dropped.
func (r *Reader) partFromAttrs(ctx context.Context, attrs Attrs) PartRecord {
	part := PartRecord{
		Seq:                optInt(attrs, "seq"),
		ContentType:        attrs.Opt("ct"),
		Name:               attrs.Opt("name"),
		Chset:              attrs.Opt("chset"),
		ContentDisposition: attrs.Opt("cd"),
		FileName:           attrs.Opt("fn"),
		ContentID:          attrs.Opt("cid"),
		ContentLocation:    attrs.Opt("cl"),
		Text:               attrs.Str("text"),
		Attrs:              attrs,
	}

	if raw, ok := attrs["data"]; ok && r.payloads != nil && strings.HasPrefix(raw, payloadMarker) {
		delete(attrs, "data")
		res, found := r.takePayload(raw)
		if !found {
			part.BlobErr = errMissingPayload
			return part
		}
		part.Blob, part.BlobErr = res.blob, res.err
		if res.kept != nil {
			attrs["data"] = *res.kept
		}
		return part
	}

	if r.sink == nil || !part.IsBinary() {
		return part
	}

	// ct came after data, so the payload reached the tokenizer.
	data, ok := attrs.present("data")
	if !ok {
		return part
	}

	blob, err := r.sink.Ingest(ctx, strings.NewReader(data), *part.ContentType)
	if err != nil {
		part.BlobErr = err
		return part
	}
	part.Blob = blob
	delete(attrs, "data")
	return part
}

var errMissingPayload = errors.New("streamed payload not found")

func (r *Reader) takePayload(placeholder string) (divertedPart, bool) {
	idx, err := strconv.Atoi(strings.TrimPrefix(placeholder, payloadMarker))
	if err != nil {
		return divertedPart{}, false
	}
	return r.payloads.take(idx)
}

func captureAttrs(start xml.StartElement) Attrs {
	attrs := make(Attrs, len(start.Attr))
	for _, a := range start.Attr {
		name := a.Name.Local
		if a.Name.Space != "" {
			name = a.Name.Space + ":" + name
		}
		attrs[name] = a.Value
	}
	return attrs
}

func requiredInt64(attrs Attrs, name string) (int64, error) {
	v, err := attrs.Int64(name)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, fmt.Errorf("attribute %q is missing", name)
	}
	return *v, nil
}

// optInt and optInt64 read lenient optional fields: an unparsable value is
// treated as absent and survives only in the attribute bag.
func optInt(attrs Attrs, name string) *int {
	v, err := attrs.Int(name)
	if err != nil {
		return nil
	}
	return v
}

func optInt64(attrs Attrs, name string) *int64 {
	v, err := attrs.Int64(name)
	if err != nil {
		return nil
	}
	return v
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
