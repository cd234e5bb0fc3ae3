package backup

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"

	"msgbak-go/internal/media"
)

// payloadMarker prefixes the placeholder left in place of a diverted data
// attribute. U+E000 is a private-use character that base64 never contains.
const payloadMarker = "\uE000"

// maxKeptPayload bounds how much of a payload is retained for the attribute
// bag when the sink rejects it.
const maxKeptPayload = 64 << 10

// payloadFilter sits between the raw input and the XML tokenizer. On <part>
// start tags whose ct attribute is binary and precedes data, it streams the
// data value straight into the sink and hands the tokenizer a short
// placeholder instead. Everything else passes through unchanged.
type payloadFilter struct {
	r    *bufio.Reader
	sink BlobSink
	ctx  context.Context

	out []byte
	off int
	err error

	results []divertedPart
	base    int
	next    int
}

type divertedPart struct {
	blob *media.BlobRef
	err  error
	kept *string
}

func newPayloadFilter(src io.Reader, sink BlobSink) *payloadFilter {
	return &payloadFilter{
		r:    bufio.NewReaderSize(src, 64*1024),
		sink: sink,
		ctx:  context.Background(),
	}
}

func (f *payloadFilter) Read(p []byte) (int, error) {
	for f.off == len(f.out) {
		if f.err != nil {
			return 0, f.err
		}
		f.out, f.off = f.out[:0], 0
		f.err = f.step()
	}
	n := copy(p, f.out[f.off:])
	f.off += n
	return n, nil
}

// take returns the outcome of the diverted payload idx. Outcomes of earlier
// payloads that were never claimed are dropped.
func (f *payloadFilter) take(idx int) (divertedPart, bool) {
	if idx < f.base || idx >= f.base+len(f.results) {
		return divertedPart{}, false
	}
	pos := idx - f.base
	res := f.results[pos]
	for i := 0; i <= pos; i++ {
		f.results[i] = divertedPart{}
	}
	f.results = f.results[pos+1:]
	f.base = idx + 1
	return res, true
}

func (f *payloadFilter) step() error {
	chunk, err := f.r.ReadSlice('<')
	f.out = append(f.out, chunk...)
	if errors.Is(err, bufio.ErrBufferFull) {
		return nil
	}
	if err != nil {
		return err
	}
	return f.markup()
}

// markup runs right after a '<'. Attribute values cannot contain a literal
// '<', so outside comments and CDATA every '<' opens a tag.
func (f *payloadFilter) markup() error {
	head, err := f.r.Peek(len("![CDATA["))
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	switch {
	case bytes.HasPrefix(head, []byte("!--")):
		return f.copyThrough("-->")
	case bytes.HasPrefix(head, []byte("![CDATA[")):
		return f.copyThrough("]]>")
	case isPartTag(head):
		return f.partTag()
	}
	return nil
}

func isPartTag(head []byte) bool {
	if len(head) < 5 || !bytes.EqualFold(head[:4], []byte("part")) {
		return false
	}
	c := head[4]
	return isSpace(c) || c == '/' || c == '>'
}

func (f *payloadFilter) copyThrough(end string) error {
	for {
		chunk, err := f.r.ReadSlice(end[len(end)-1])
		f.out = append(f.out, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return err
		}
		if bytes.HasSuffix(f.out, []byte(end)) {
			return nil
		}
	}
}

// partTag copies a <part> start tag attribute by attribute. Malformed markup
// is handed to the tokenizer as-is so it can report it.
func (f *payloadFilter) partTag() error {
	name := make([]byte, 4)
	if _, err := io.ReadFull(f.r, name); err != nil {
		return err
	}
	f.out = append(f.out, name...)

	var ct *string
	for {
		c, err := f.r.ReadByte()
		if err != nil {
			return err
		}
		if c == '>' {
			f.out = append(f.out, c)
			return nil
		}
		if isSpace(c) || c == '/' {
			f.out = append(f.out, c)
			continue
		}
		if err := f.r.UnreadByte(); err != nil {
			return err
		}

		attr, err := f.readName()
		if err != nil {
			return err
		}
		if len(attr) == 0 || !f.skipEquals() {
			return nil
		}
		quote, ok := f.openQuote()
		if !ok {
			return nil
		}

		if attr == "data" && IsBinaryContentType(ct) && !f.blankValue(quote) {
			if err := f.divert(quote, *ct); err != nil {
				return err
			}
			continue
		}

		f.out = append(f.out, quote)
		start := len(f.out)
		if err := f.copyValue(quote); err != nil {
			return err
		}
		if attr == "ct" {
			v := string(f.out[start : len(f.out)-1])
			ct = &v
		}
	}
}

// blankValue reports whether the upcoming value is empty or "null".
func (f *payloadFilter) blankValue(quote byte) bool {
	head, _ := f.r.Peek(16)
	end := bytes.IndexByte(head, quote)
	if end < 0 {
		return false
	}
	v := bytes.TrimSpace(head[:end])
	return len(v) == 0 || bytes.EqualFold(v, []byte("null"))
}

func (f *payloadFilter) readName() (string, error) {
	start := len(f.out)
	for {
		c, err := f.r.ReadByte()
		if err != nil {
			return "", err
		}
		if c == '=' || c == '/' || c == '>' || isSpace(c) {
			if err := f.r.UnreadByte(); err != nil {
				return "", err
			}
			return string(f.out[start:]), nil
		}
		f.out = append(f.out, c)
	}
}

func (f *payloadFilter) skipEquals() bool {
	f.skipSpace()
	c, err := f.r.ReadByte()
	if err != nil {
		return false
	}
	if c != '=' {
		_ = f.r.UnreadByte()
		return false
	}
	f.out = append(f.out, c)
	return true
}

func (f *payloadFilter) openQuote() (byte, bool) {
	f.skipSpace()
	c, err := f.r.ReadByte()
	if err != nil {
		return 0, false
	}
	if c != '"' && c != '\'' {
		_ = f.r.UnreadByte()
		return 0, false
	}
	return c, true
}

func (f *payloadFilter) skipSpace() {
	for {
		c, err := f.r.ReadByte()
		if err != nil {
			return
		}
		if !isSpace(c) {
			_ = f.r.UnreadByte()
			return
		}
		f.out = append(f.out, c)
	}
}

func (f *payloadFilter) copyValue(quote byte) error {
	for {
		chunk, err := f.r.ReadSlice(quote)
		f.out = append(f.out, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return err
	}
}

// divert streams one data value into the sink and emits the placeholder.
// A sink error is recorded for the part; read errors and cancellation stop
// the stream.
func (f *payloadFilter) divert(quote byte, ct string) error {
	idx := f.next
	f.next++
	f.out = append(f.out, quote)
	f.out = append(f.out, payloadMarker...)
	f.out = strconv.AppendInt(f.out, int64(idx), 10)
	f.out = append(f.out, quote)

	v := &payloadValue{r: f.r, quote: quote}
	blob, err := f.sink.Ingest(f.ctx, v, ct)
	if ctxErr := f.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if _, drainErr := io.Copy(io.Discard, v); drainErr != nil {
		return drainErr
	}

	res := divertedPart{blob: blob, err: err}
	if err != nil {
		res.blob = nil
		if !v.overflow {
			kept := string(v.kept)
			res.kept = &kept
		}
	}
	f.results = append(f.results, res)
	return nil
}

// payloadValue reads one attribute value up to its closing quote. Character
// references cannot occur in base64 and are replaced by spaces, which the
// decoder skips.
type payloadValue struct {
	r     *bufio.Reader
	quote byte
	inRef bool
	done  bool
	err   error

	kept     []byte
	overflow bool
}

func (v *payloadValue) Read(p []byte) (int, error) {
	if v.err != nil {
		return 0, v.err
	}
	if v.done {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := v.r.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		v.err = err
		return 0, err
	}

	chunk, _ := v.r.Peek(v.r.Buffered())
	if len(chunk) > len(p) {
		chunk = chunk[:len(p)]
	}
	n := 0
	for n < len(chunk) {
		c := chunk[n]
		if v.inRef {
			if c == ';' {
				v.inRef = false
			}
			c = ' '
		} else if c == v.quote {
			v.done = true
			break
		} else if c == '&' {
			v.inRef = true
			c = ' '
		}
		p[n] = c
		n++
	}

	consumed := n
	if v.done {
		consumed++
	}
	if _, err := v.r.Discard(consumed); err != nil {
		v.err = err
		return 0, err
	}
	v.keep(p[:n])

	if n == 0 && v.done {
		return 0, io.EOF
	}
	return n, nil
}

func (v *payloadValue) keep(b []byte) {
	if v.overflow {
		return
	}
	if len(v.kept)+len(b) > maxKeptPayload {
		v.kept = nil
		v.overflow = true
		return
	}
	v.kept = append(v.kept, b...)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
