package services

import (
	"context"
	"fmt"
	"strings"

	"msgbak-go/internal/config"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultMessageLimit bounds ListMessages and SearchMessages when no limit is given.
const DefaultMessageLimit = 500

// ConversationService derives conversations from message addresses and
// serves the read-only queries over them
type ConversationService struct {
	cfg *config.Config
	db  *gorm.DB
	log *zap.Logger
}

// NewConversationService creates a new conversation service
func NewConversationService(cfg *config.Config, db *gorm.DB, log *zap.Logger) *ConversationService {
	return &ConversationService{
		cfg: cfg,
		db:  db,
		log: log,
	}
}

// BackfillResult counts the rows touched by one backfill pass
type BackfillResult struct {
	ConversationsCreated int64
	MessagesAssigned     int64
	RecipientsCreated    int64
	RecipientsRefreshed  int64
	LinksCreated         int64
	ConversationsDeleted int64
	LinksDeleted         int64
}

// mmsMembersCTE yields, per MMS message, its distinct normalized participant
// addresses sorted and joined with '|'.
const mmsMembersCTE = `
WITH addrset AS (
  SELECT a.message_id,
         (SELECT group_concat(address_norm, '|')
            FROM (
              SELECT DISTINCT a2.address_norm
              FROM mms_addrs a2
              WHERE a2.message_id = a.message_id AND a2.address_norm IS NOT NULL
              ORDER BY a2.address_norm
            )
         ) AS members
  FROM mms_addrs a
  GROUP BY a.message_id
)`

var backfillSteps = []struct {
	name  string
	sql   string
	count func(r *BackfillResult, n int64)
}{
	{
		name: "create sms conversations",
		sql: `
INSERT OR IGNORE INTO conversations(conversation_key, display_name, created_at)
SELECT 'sms:' || COALESCE(s.address_norm, s.address_raw, ''),
       COALESCE(s.address_raw, s.address_norm),
       CURRENT_TIMESTAMP
FROM messages m
JOIN sms s ON s.message_id = m.message_id
WHERE m.transport = 'sms' AND m.conversation_id IS NULL`,
		count: func(r *BackfillResult, n int64) { r.ConversationsCreated += n },
	},
	{
		name: "assign sms messages",
		sql: `
UPDATE messages
SET conversation_id = (
  SELECT c.conversation_id
  FROM sms s
  JOIN conversations c
    ON c.conversation_key = 'sms:' || COALESCE(s.address_norm, s.address_raw, '')
  WHERE s.message_id = messages.message_id
)
WHERE transport = 'sms' AND conversation_id IS NULL`,
		count: func(r *BackfillResult, n int64) { r.MessagesAssigned += n },
	},
	{
		name: "create mms conversations",
		sql: mmsMembersCTE + `
INSERT OR IGNORE INTO conversations(conversation_key, display_name, created_at)
SELECT 'mms:' || COALESCE(mm.address_norm, mm.address_raw, '') || '|' || COALESCE(addrset.members, ''),
       COALESCE(mm.address_raw, mm.address_norm),
       CURRENT_TIMESTAMP
FROM messages m
JOIN mms mm ON mm.message_id = m.message_id
LEFT JOIN addrset ON addrset.message_id = m.message_id
WHERE m.transport = 'mms' AND m.conversation_id IS NULL`,
		count: func(r *BackfillResult, n int64) { r.ConversationsCreated += n },
	},
	{
		name: "assign mms messages",
		sql: mmsMembersCTE + `
UPDATE messages
SET conversation_id = (
  SELECT c.conversation_id
  FROM mms mm
  LEFT JOIN addrset ON addrset.message_id = mm.message_id
  JOIN conversations c
    ON c.conversation_key = 'mms:' || COALESCE(mm.address_norm, mm.address_raw, '') || '|' || COALESCE(addrset.members, '')
  WHERE mm.message_id = messages.message_id
)
WHERE transport = 'mms' AND conversation_id IS NULL`,
		count: func(r *BackfillResult, n int64) { r.MessagesAssigned += n },
	},
	{
		name: "create sms recipients",
		sql: `
INSERT OR IGNORE INTO recipients(address_norm)
SELECT address_norm
FROM sms
WHERE address_norm IS NOT NULL
GROUP BY address_norm`,
		count: func(r *BackfillResult, n int64) { r.RecipientsCreated += n },
	},
	{
		name: "create mms recipients",
		sql: `
INSERT OR IGNORE INTO recipients(address_norm)
SELECT address_norm
FROM mms_addrs
WHERE address_norm IS NOT NULL
GROUP BY address_norm`,
		count: func(r *BackfillResult, n int64) { r.RecipientsCreated += n },
	},
	{
		name: "refresh recipient raw forms",
		sql: `
WITH seen AS (
  SELECT s.address_norm AS norm, s.address_raw AS raw, m.date_ms, m.message_id
  FROM sms s
  JOIN messages m ON m.message_id = s.message_id
  WHERE s.address_norm IS NOT NULL AND s.address_raw IS NOT NULL
  UNION ALL
  SELECT a.address_norm, a.address_raw, m.date_ms, m.message_id
  FROM mms_addrs a
  JOIN messages m ON m.message_id = a.message_id
  WHERE a.address_norm IS NOT NULL AND a.address_raw IS NOT NULL
),
latest AS (
  SELECT norm, raw
  FROM (
    SELECT norm, raw,
           ROW_NUMBER() OVER (PARTITION BY norm ORDER BY date_ms DESC, message_id DESC) AS rn
    FROM seen
  )
  WHERE rn = 1
)
UPDATE recipients
SET address_raw_last = (SELECT raw FROM latest WHERE latest.norm = recipients.address_norm)
WHERE address_norm IN (SELECT norm FROM latest)
  AND address_raw_last IS NOT (SELECT raw FROM latest WHERE latest.norm = recipients.address_norm)`,
		count: func(r *BackfillResult, n int64) { r.RecipientsRefreshed += n },
	},
	{
		name: "link sms recipients",
		sql: `
INSERT OR IGNORE INTO conversation_recipients(conversation_id, recipient_id)
SELECT DISTINCT m.conversation_id, r.recipient_id
FROM messages m
JOIN sms s ON s.message_id = m.message_id
JOIN recipients r ON r.address_norm = s.address_norm
WHERE m.conversation_id IS NOT NULL AND s.address_norm IS NOT NULL`,
		count: func(r *BackfillResult, n int64) { r.LinksCreated += n },
	},
	{
		name: "link mms recipients",
		sql: `
INSERT OR IGNORE INTO conversation_recipients(conversation_id, recipient_id)
SELECT DISTINCT m.conversation_id, r.recipient_id
FROM messages m
JOIN mms_addrs a ON a.message_id = m.message_id
JOIN recipients r ON r.address_norm = a.address_norm
WHERE m.conversation_id IS NOT NULL AND a.address_norm IS NOT NULL`,
		count: func(r *BackfillResult, n int64) { r.LinksCreated += n },
	},
	{
		name: "delete empty conversations",
		sql: `
DELETE FROM conversations
WHERE conversation_id NOT IN (
  SELECT DISTINCT conversation_id
  FROM messages
  WHERE conversation_id IS NOT NULL
)`,
		count: func(r *BackfillResult, n int64) { r.ConversationsDeleted += n },
	},
	{
		name: "delete dangling links",
		sql: `
DELETE FROM conversation_recipients
WHERE conversation_id NOT IN (
  SELECT conversation_id
  FROM conversations
)`,
		count: func(r *BackfillResult, n int64) { r.LinksDeleted += n },
	},
}

// Backfill assigns every message without a conversation, derives recipients
// and their links, then removes conversations left without messages. It runs
// in the caller's transaction and is idempotent.
func (s *ConversationService) Backfill(tx *gorm.DB) (*BackfillResult, error) {
	result := &BackfillResult{}
	for _, step := range backfillSteps {
		res := tx.Exec(step.sql)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to %s: %w", step.name, res.Error)
		}
		step.count(result, res.RowsAffected)
	}

	s.log.Debug("Conversation backfill completed",
		zap.Int64("conversations_created", result.ConversationsCreated),
		zap.Int64("messages_assigned", result.MessagesAssigned),
		zap.Int64("recipients_created", result.RecipientsCreated),
		zap.Int64("recipients_refreshed", result.RecipientsRefreshed),
		zap.Int64("links_created", result.LinksCreated),
		zap.Int64("conversations_deleted", result.ConversationsDeleted),
		zap.Int64("links_deleted", result.LinksDeleted),
	)
	return result, nil
}

// RunBackfill runs Backfill in its own transaction.
func (s *ConversationService) RunBackfill(ctx context.Context) (*BackfillResult, error) {
	var result *BackfillResult
	err := runOperation(ctx, s.log, "backfill", func(ctx context.Context, log *zap.Logger) error {
		return transaction(ctx, s.db, s.cfg, func(tx *gorm.DB) error {
			res, err := s.Backfill(tx)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ConversationSummary is one row of the conversation list
type ConversationSummary struct {
	ID           uint    `gorm:"column:conversation_id" json:"id"`
	Key          string  `gorm:"column:conversation_key" json:"key"`
	DisplayName  *string `gorm:"column:display_name" json:"display_name,omitempty"`
	MessageCount int64   `gorm:"column:message_count" json:"message_count"`
	LastDateMs   *int64  `gorm:"column:last_date_ms" json:"last_date_ms,omitempty"`
}

// Label returns the display name, falling back to the key.
func (c ConversationSummary) Label() string {
	if c.DisplayName != nil && *c.DisplayName != "" {
		return *c.DisplayName
	}
	return c.Key
}

const listConversationsSQL = `
SELECT c.conversation_id,
       c.conversation_key,
       c.display_name,
       COUNT(m.message_id) AS message_count,
       MAX(m.date_ms) AS last_date_ms
FROM conversations c
LEFT JOIN messages m ON m.conversation_id = c.conversation_id
WHERE (? = '')
   OR (c.display_name LIKE ? ESCAPE '\')
   OR (c.conversation_key LIKE ? ESCAPE '\')
GROUP BY c.conversation_id, c.conversation_key, c.display_name
ORDER BY last_date_ms IS NULL, last_date_ms DESC, message_count DESC, c.conversation_id`

// ListConversations lists conversations whose key or display name contains
// filter, most recently active first. An empty filter lists everything.
func (s *ConversationService) ListConversations(ctx context.Context, filter string) ([]ConversationSummary, error) {
	filter = strings.TrimSpace(filter)
	var rows []ConversationSummary
	pattern := containsPattern(filter)
	if err := s.db.WithContext(ctx).Raw(listConversationsSQL, filter, pattern, pattern).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return rows, nil
}

// RefreshConversations backfills and then lists conversations.
func (s *ConversationService) RefreshConversations(ctx context.Context, filter string) ([]ConversationSummary, error) {
	if _, err := s.RunBackfill(ctx); err != nil {
		return nil, err
	}
	return s.ListConversations(ctx, filter)
}

// MessageRow is one message as shown in a conversation or search result
type MessageRow struct {
	ID             uint    `gorm:"column:message_id" json:"id"`
	ConversationID *uint   `gorm:"column:conversation_id" json:"conversation_id,omitempty"`
	Transport      string  `gorm:"column:transport" json:"transport"`
	Box            int     `gorm:"column:box" json:"box"`
	DateMs         int64   `gorm:"column:date_ms" json:"date_ms"`
	AddressRaw     *string `gorm:"column:address_raw" json:"address_raw,omitempty"`
	SmsBody        *string `gorm:"column:sms_body" json:"sms_body,omitempty"`
	MmsSubject     *string `gorm:"column:mms_subject" json:"mms_subject,omitempty"`
	MmsText        *string `gorm:"column:mms_text" json:"mms_text,omitempty"`
}

// Text returns the message's displayable text.
func (m MessageRow) Text() string {
	switch {
	case m.SmsBody != nil:
		return *m.SmsBody
	case m.MmsText != nil && *m.MmsText != "":
		return *m.MmsText
	case m.MmsSubject != nil:
		return *m.MmsSubject
	}
	return ""
}

// BoxLabel names a message box value.
func BoxLabel(box int) string {
	switch box {
	case 1:
		return "Inbox"
	case 2:
		return "Sent"
	case 3:
		return "Draft"
	case 4:
		return "Outbox"
	case 5:
		return "Failed"
	case 6:
		return "Queued"
	}
	return fmt.Sprintf("Box %d", box)
}

const messageColumns = `
SELECT m.message_id,
       m.conversation_id,
       m.transport,
       m.box,
       m.date_ms,
       COALESCE(s.address_raw, mm.address_raw) AS address_raw,
       s.body AS sms_body,
       mm.sub AS mms_subject,
       (SELECT group_concat(p2.text, ' ')
          FROM mms_parts p2
         WHERE p2.message_id = m.message_id
           AND p2.content_type LIKE 'text/plain%') AS mms_text
FROM messages m
LEFT JOIN sms s ON s.message_id = m.message_id
LEFT JOIN mms mm ON mm.message_id = m.message_id`

// ListMessages returns the newest messages of a conversation.
func (s *ConversationService) ListMessages(ctx context.Context, conversationID uint, limit int) ([]MessageRow, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	var rows []MessageRow
	if err := s.db.WithContext(ctx).Raw(messageColumns+`
WHERE m.conversation_id = ?
ORDER BY m.date_ms DESC, m.message_id DESC
LIMIT ?`, conversationID, limit).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return rows, nil
}

// SearchMessages finds messages whose SMS body, MMS subject or MMS part
// text contains query. An empty query returns nothing.
func (s *ConversationService) SearchMessages(ctx context.Context, query string, limit int) ([]MessageRow, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	pattern := containsPattern(query)
	var rows []MessageRow
	if err := s.db.WithContext(ctx).Raw(messageColumns+`
WHERE s.body LIKE ? ESCAPE '\'
   OR mm.sub LIKE ? ESCAPE '\'
   OR EXISTS (
     SELECT 1 FROM mms_parts p
     WHERE p.message_id = m.message_id AND p.text LIKE ? ESCAPE '\'
   )
ORDER BY m.date_ms DESC, m.message_id DESC
LIMIT ?`, pattern, pattern, pattern, limit).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	return rows, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern builds a LIKE pattern matching text anywhere, with the
// wildcards in text taken literally. Use with ESCAPE '\'.
func containsPattern(text string) string {
	return "%" + likeEscaper.Replace(text) + "%"
}
