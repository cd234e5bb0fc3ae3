package models

import (
	"time"
)

// Transport values stored on Message.
const (
	TransportSMS = "sms"
	TransportMMS = "mms"
)

// Source tracks one imported backup file
type Source struct {
	ID         uint      `gorm:"primaryKey;column:source_id" json:"id"`
	Path       string    `gorm:"not null" json:"path"`
	FileSize   int64     `gorm:"not null" json:"file_size"`
	FileSHA256 *string   `gorm:"column:file_sha256;index" json:"file_sha256,omitempty"` // backfilled after the streaming pass
	ImportedAt time.Time `gorm:"not null" json:"imported_at"`
}

// Message is the deduplicated identity shared by SMS and MMS rows
type Message struct {
	ID                 uint   `gorm:"primaryKey;column:message_id" json:"id"`
	Transport          string `gorm:"type:varchar(8);not null;uniqueIndex:idx_messages_identity,priority:1" json:"transport"`
	Box                int    `gorm:"not null" json:"box"`
	DateMs             int64  `gorm:"not null;index" json:"date_ms"`
	DateSentMs         *int64 `json:"date_sent_ms,omitempty"`
	Read               *int   `json:"read,omitempty"`
	Seen               *int   `json:"seen,omitempty"`
	SourceID           uint   `gorm:"not null;index" json:"source_id"`
	FingerprintVersion int    `gorm:"not null;uniqueIndex:idx_messages_identity,priority:2" json:"fingerprint_version"`
	Fingerprint        string `gorm:"type:varchar(64);not null;uniqueIndex:idx_messages_identity,priority:3" json:"fingerprint"`
	ConversationID     *uint  `gorm:"index" json:"conversation_id,omitempty"`
}

// SmsDetail holds SMS-specific fields, 1:1 with Message
type SmsDetail struct {
	MessageID     uint    `gorm:"primaryKey;autoIncrement:false" json:"message_id"`
	AddressRaw    *string `json:"address_raw,omitempty"`
	AddressNorm   *string `gorm:"index" json:"address_norm,omitempty"`
	Protocol      *int    `json:"protocol,omitempty"`
	Subject       *string `json:"subject,omitempty"`
	Body          *string `gorm:"type:text" json:"body,omitempty"`
	ServiceCenter *string `json:"service_center,omitempty"`
	Read          *int    `json:"read,omitempty"`
	Status        *int    `json:"status,omitempty"`
	Locked        *int    `json:"locked,omitempty"`
	RawAttrsJSON  *string `gorm:"column:raw_attrs_json;type:text" json:"-"`
}

// TableName keeps the detail table names short
func (SmsDetail) TableName() string { return "sms" }

// MmsDetail holds MMS-specific fields, 1:1 with Message
type MmsDetail struct {
	MessageID    uint    `gorm:"primaryKey;autoIncrement:false" json:"message_id"`
	AddressRaw   *string `json:"address_raw,omitempty"`
	AddressNorm  *string `gorm:"index" json:"address_norm,omitempty"`
	MID          *string `gorm:"column:m_id" json:"m_id,omitempty"`
	CtT          *string `gorm:"column:ct_t" json:"ct_t,omitempty"`
	Sub          *string `json:"sub,omitempty"`
	TextOnly     *int    `json:"text_only,omitempty"`
	Locked       *int    `json:"locked,omitempty"`
	RawAttrsJSON *string `gorm:"column:raw_attrs_json;type:text" json:"-"`
}

// TableName keeps the detail table names short
func (MmsDetail) TableName() string { return "mms" }

// MmsAddress is one sender/recipient entry of an MMS
type MmsAddress struct {
	ID           uint    `gorm:"primaryKey;column:mms_addr_id" json:"id"`
	MessageID    uint    `gorm:"not null;uniqueIndex:idx_mms_addrs_identity,priority:1" json:"message_id"`
	AddrKey      string  `gorm:"type:varchar(64);not null;uniqueIndex:idx_mms_addrs_identity,priority:2" json:"-"`
	Type         *int    `json:"type,omitempty"`
	AddressRaw   *string `json:"address_raw,omitempty"`
	AddressNorm  *string `gorm:"index" json:"address_norm,omitempty"`
	Charset      *int    `json:"charset,omitempty"`
	RawAttrsJSON *string `gorm:"column:raw_attrs_json;type:text" json:"-"`
}

// TableName keeps the detail table names short
func (MmsAddress) TableName() string { return "mms_addrs" }

// MmsPart is one attachment or text part of an MMS
type MmsPart struct {
	ID                 uint    `gorm:"primaryKey;column:mms_part_id" json:"id"`
	MessageID          uint    `gorm:"not null;uniqueIndex:idx_mms_parts_identity,priority:1" json:"message_id"`
	PartFingerprint    string  `gorm:"type:varchar(64);not null;uniqueIndex:idx_mms_parts_identity,priority:2" json:"part_fingerprint"`
	Seq                *int    `json:"seq,omitempty"`
	ContentType        *string `json:"content_type,omitempty"`
	Name               *string `json:"name,omitempty"`
	Chset              *string `json:"chset,omitempty"`
	ContentDisposition *string `gorm:"column:cd" json:"cd,omitempty"`
	FileName           *string `gorm:"column:fn" json:"fn,omitempty"`
	ContentID          *string `gorm:"column:cid" json:"cid,omitempty"`
	ContentLocation    *string `gorm:"column:cl" json:"cl,omitempty"`
	Text               *string `gorm:"type:text" json:"text,omitempty"`
	DataSHA256         *string `gorm:"column:data_sha256;index" json:"data_sha256,omitempty"`
	DataSize           *int64  `json:"data_size,omitempty"`
	RawAttrsJSON       *string `gorm:"column:raw_attrs_json;type:text" json:"-"`
}

// MediaBlob is a content-addressed attachment payload on disk
type MediaBlob struct {
	SHA256    string  `gorm:"primaryKey;column:sha256;type:varchar(64)" json:"sha256"`
	SizeBytes int64   `gorm:"not null" json:"size_bytes"`
	MimeType  *string `json:"mime_type,omitempty"`
	Extension *string `json:"extension,omitempty"`
	RelPath   string  `gorm:"not null" json:"rel_path"`
}

// Conversation groups messages by a derived key
type Conversation struct {
	ID              uint      `gorm:"primaryKey;column:conversation_id" json:"id"`
	ConversationKey string    `gorm:"not null;uniqueIndex" json:"conversation_key"`
	DisplayName     *string   `json:"display_name,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Recipient is a distinct normalized address
type Recipient struct {
	ID             uint    `gorm:"primaryKey;column:recipient_id" json:"id"`
	AddressNorm    string  `gorm:"not null;uniqueIndex" json:"address_norm"`
	AddressRawLast *string `json:"address_raw_last,omitempty"`
}

// ConversationRecipient links conversations and recipients
type ConversationRecipient struct {
	ConversationID uint `gorm:"primaryKey;autoIncrement:false" json:"conversation_id"`
	RecipientID    uint `gorm:"primaryKey;autoIncrement:false;index" json:"recipient_id"`
}

// All lists every model in migration order.
func All() []interface{} {
	return []interface{}{
		&Source{},
		&Conversation{},
		&Message{},
		&SmsDetail{},
		&MmsDetail{},
		&MmsAddress{},
		&MediaBlob{},
		&MmsPart{},
		&Recipient{},
		&ConversationRecipient{},
	}
}
