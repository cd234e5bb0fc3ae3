// Package backup reads and writes the attribute-based SMS/MMS backup XML
// format. Every attribute of an element is captured in an Attrs bag so that
// fields this package does not model survive a round trip.
package backup

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"msgbak-go/internal/media"
)

// Attrs is the raw attribute bag of one XML element.
type Attrs map[string]string

// Str returns the raw attribute value, or nil if the attribute is absent.
func (a Attrs) Str(name string) *string {
	v, ok := a[name]
	if !ok {
		return nil
	}
	return &v
}

// Opt returns the raw attribute value, or nil when it is absent, blank or the
// literal "null" that backup tools write for missing values.
func (a Attrs) Opt(name string) *string {
	if _, ok := a.present(name); !ok {
		return nil
	}
	v := a[name]
	return &v
}

// Int parses an optional integer attribute. Blank and "null" read as absent.
func (a Attrs) Int(name string) (*int, error) {
	s, ok := a.present(name)
	if !ok {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("attribute %q: %w", name, err)
	}
	return &v, nil
}

// Int64 parses an optional 64-bit integer attribute.
func (a Attrs) Int64(name string) (*int64, error) {
	s, ok := a.present(name)
	if !ok {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("attribute %q: %w", name, err)
	}
	return &v, nil
}

func (a Attrs) present(name string) (string, bool) {
	s, ok := a[name]
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") {
		return "", false
	}
	return s, true
}

// Keys returns the attribute names in byte-wise order.
func (a Attrs) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// JSON encodes the bag for storage. Keys are emitted in sorted order.
func (a Attrs) JSON() string {
	if len(a) == 0 {
		return "{}"
	}
	b, err := json.Marshal(map[string]string(a))
	if err != nil {
		// map[string]string always marshals
		return "{}"
	}
	return string(b)
}

// ParseAttrs decodes a stored bag. Empty input yields an empty bag.
func ParseAttrs(raw *string) (Attrs, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return Attrs{}, nil
	}
	// Values may be JSON null when written by other tools.
	var m map[string]*string
	if err := json.Unmarshal([]byte(*raw), &m); err != nil {
		return nil, fmt.Errorf("failed to decode attribute bag: %w", err)
	}
	attrs := make(Attrs, len(m))
	for k, v := range m {
		if v != nil {
			attrs[k] = *v
		}
	}
	return attrs, nil
}

// Element is a top-level record produced by Reader: *SmsRecord or *MmsRecord.
type Element interface {
	element()
}

// SmsRecord is one <sms> element.
type SmsRecord struct {
	Date          int64
	DateSent      *int64
	Type          int
	Address       *string
	AddressNorm   *string
	Body          *string
	Protocol      *int
	Subject       *string
	ServiceCenter *string
	Read          *int
	Status        *int
	Locked        *int
	Attrs         Attrs
}

// MmsRecord is one <mms> element with its nested addresses and parts.
type MmsRecord struct {
	Date        int64
	DateSent    *int64
	MsgBox      int
	Address     *string
	AddressNorm *string
	MID         *string
	CtT         *string
	Sub         *string
	TextOnly    *int
	Locked      *int
	Read        *int
	Seen        *int
	Attrs       Attrs
	Addrs       []AddrRecord
	Parts       []PartRecord
}

// AddrRecord is one <addr> child of an MMS.
type AddrRecord struct {
	Address     *string
	AddressNorm *string
	Type        *int
	Charset     *int
	Attrs       Attrs
}

// PartRecord is one <part> child of an MMS. Blob is set when the part's data
// was ingested into the media store; BlobErr records why ingestion failed.
type PartRecord struct {
	Seq                *int
	ContentType        *string
	Name               *string
	Chset              *string
	ContentDisposition *string
	FileName           *string
	ContentID          *string
	ContentLocation    *string
	Text               *string
	Blob               *media.BlobRef
	BlobErr            error
	Attrs              Attrs
}

func (*SmsRecord) element() {}
func (*MmsRecord) element() {}

// IsBinary reports whether the part carries a payload for the media store:
// a content type is present and it is not text/*.
func (p *PartRecord) IsBinary() bool {
	return IsBinaryContentType(p.ContentType)
}

// IsBinaryContentType applies the media rule to a raw content type.
func IsBinaryContentType(ct *string) bool {
	if ct == nil {
		return false
	}
	v := strings.TrimSpace(*ct)
	if v == "" {
		return false
	}
	return !strings.HasPrefix(strings.ToLower(v), "text/")
}

// ElementError reports an element that could not be extracted. The reader
// remains positioned after the element and can continue.
type ElementError struct {
	Name   string
	Offset int64
	Err    error
}

func (e *ElementError) Error() string {
	return fmt.Sprintf("malformed <%s> element at offset %d: %v", e.Name, e.Offset, e.Err)
}

func (e *ElementError) Unwrap() error {
	return e.Err
}
