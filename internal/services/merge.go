package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"msgbak-go/internal/config"
	"msgbak-go/internal/models"
	"msgbak-go/internal/normalize"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MergeService merges conversations and detects merge candidates
type MergeService struct {
	cfg           *config.Config
	db            *gorm.DB
	conversations *ConversationService
	log           *zap.Logger
}

// NewMergeService creates a new merge service
func NewMergeService(cfg *config.Config, db *gorm.DB, conversations *ConversationService, log *zap.Logger) *MergeService {
	return &MergeService{
		cfg:           cfg,
		db:            db,
		conversations: conversations,
		log:           log,
	}
}

// MergeResult counts the rows touched by a merge
type MergeResult struct {
	TargetID             uint
	SourceIDs            []uint
	MessagesMoved        int64
	LinksCopied          int64
	ConversationsDeleted int64
	Backfill             *BackfillResult
}

// MergeConversations moves every message and recipient link of sources into
// target and deletes the sources, in one transaction. The target is ignored
// when listed among the sources; an empty source list is a no-op.
func (s *MergeService) MergeConversations(ctx context.Context, target uint, sources []uint) (*MergeResult, error) {
	ids := distinctExcept(sources, target)
	result := &MergeResult{TargetID: target, SourceIDs: ids}
	if len(ids) == 0 {
		return result, nil
	}

	err := runOperation(ctx, s.log, "merge", func(ctx context.Context, log *zap.Logger) error {
		return transaction(ctx, s.db, s.cfg, func(tx *gorm.DB) error {
			var conv models.Conversation
			if err := tx.Where("conversation_id = ?", target).First(&conv).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: conversation %d", ErrNotFound, target)
				}
				return fmt.Errorf("failed to get conversation: %w", err)
			}

			res := tx.Exec(`UPDATE messages SET conversation_id = ? WHERE conversation_id IN ?`, target, ids)
			if res.Error != nil {
				return fmt.Errorf("failed to move messages: %w", res.Error)
			}
			result.MessagesMoved = res.RowsAffected

			res = tx.Exec(`
INSERT OR IGNORE INTO conversation_recipients(conversation_id, recipient_id)
SELECT ?, cr.recipient_id
FROM conversation_recipients cr
WHERE cr.conversation_id IN ?`, target, ids)
			if res.Error != nil {
				return fmt.Errorf("failed to copy recipient links: %w", res.Error)
			}
			result.LinksCopied = res.RowsAffected

			res = tx.Exec(`DELETE FROM conversations WHERE conversation_id IN ?`, ids)
			if res.Error != nil {
				return fmt.Errorf("failed to delete merged conversations: %w", res.Error)
			}
			result.ConversationsDeleted = res.RowsAffected

			backfill, err := s.conversations.Backfill(tx)
			if err != nil {
				return err
			}
			result.Backfill = backfill

			log.Info("Conversations merged",
				zap.Uint("target", target),
				zap.Uints("sources", ids),
				zap.Int64("messages_moved", result.MessagesMoved),
			)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SuggestionCandidate is one conversation inside a merge suggestion
type SuggestionCandidate struct {
	ConversationID uint
	Key            string
	Address        string
	Style          normalize.Style
	MessageCount   int64
	LastDateMs     *int64
}

// MergeSuggestion groups conversations whose counterpart numbers are the
// same number written in local and country-code form
type MergeSuggestion struct {
	Canonical  string
	TargetID   uint
	SourceIDs  []uint
	Candidates []SuggestionCandidate
}

// FindMergeSuggestions groups conversations by the canonical form of their
// single counterpart address. A group is suggested only when it mixes
// country-code and local spellings; the target prefers the country-code
// conversation with the most messages, then the most recent activity.
func (s *MergeService) FindMergeSuggestions(ctx context.Context) ([]MergeSuggestion, error) {
	convs, err := s.conversations.ListConversations(ctx, "")
	if err != nil {
		return nil, err
	}

	var links []struct {
		ConversationID uint   `gorm:"column:conversation_id"`
		AddressNorm    string `gorm:"column:address_norm"`
	}
	if err := s.db.WithContext(ctx).Raw(`
SELECT cr.conversation_id, r.address_norm
FROM conversation_recipients cr
JOIN recipients r ON r.recipient_id = cr.recipient_id
ORDER BY cr.conversation_id, r.address_norm`).Scan(&links).Error; err != nil {
		return nil, fmt.Errorf("failed to load conversation recipients: %w", err)
	}
	recipients := make(map[uint][]string)
	for _, l := range links {
		recipients[l.ConversationID] = append(recipients[l.ConversationID], l.AddressNorm)
	}

	groups := make(map[string][]SuggestionCandidate)
	for _, c := range convs {
		addr, ok := counterpart(c.Key, recipients[c.ID])
		if !ok {
			continue
		}
		canonical, style := normalize.Canonicalize(normalize.CleanDigits(addr), s.cfg.Phone.CountryCode)
		if style == normalize.StyleOther || canonical == "" {
			continue
		}
		groups[canonical] = append(groups[canonical], SuggestionCandidate{
			ConversationID: c.ID,
			Key:            c.Key,
			Address:        addr,
			Style:          style,
			MessageCount:   c.MessageCount,
			LastDateMs:     c.LastDateMs,
		})
	}

	var suggestions []MergeSuggestion
	for canonical, candidates := range groups {
		if sg, ok := buildSuggestion(canonical, candidates); ok {
			suggestions = append(suggestions, sg)
		}
	}
	sort.Slice(suggestions, func(i, j int) bool {
		return suggestions[i].Canonical < suggestions[j].Canonical
	})

	s.log.Info("Merge suggestions computed",
		zap.Int("conversations", len(convs)),
		zap.Int("suggestions", len(suggestions)),
	)
	return suggestions, nil
}

func buildSuggestion(canonical string, candidates []SuggestionCandidate) (MergeSuggestion, bool) {
	distinct := make(map[uint]struct{}, len(candidates))
	hasCountry, hasLocal := false, false
	for _, c := range candidates {
		distinct[c.ConversationID] = struct{}{}
		switch c.Style {
		case normalize.StyleCountryCode:
			hasCountry = true
		case normalize.StyleLocal:
			hasLocal = true
		}
	}
	if len(distinct) < 2 || !hasCountry || !hasLocal {
		return MergeSuggestion{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		return betterTarget(candidates[i], candidates[j])
	})

	target := candidates[0]
	for _, c := range candidates {
		if c.Style == normalize.StyleCountryCode {
			target = c
			break
		}
	}

	sg := MergeSuggestion{Canonical: canonical, TargetID: target.ConversationID, Candidates: candidates}
	for _, c := range candidates {
		if c.ConversationID != target.ConversationID {
			sg.SourceIDs = append(sg.SourceIDs, c.ConversationID)
		}
	}
	return sg, true
}

// betterTarget orders by message count, then last activity, then id.
func betterTarget(a, b SuggestionCandidate) bool {
	if a.MessageCount != b.MessageCount {
		return a.MessageCount > b.MessageCount
	}
	la, lb := lastOrZero(a.LastDateMs), lastOrZero(b.LastDateMs)
	if la != lb {
		return la > lb
	}
	return a.ConversationID < b.ConversationID
}

func lastOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// counterpart returns the single address a conversation is with: its only
// recipient, or the address encoded in an "sms:" key.
func counterpart(key string, recipients []string) (string, bool) {
	if len(recipients) == 1 {
		if strings.Contains(recipients[0], "@") {
			return "", false
		}
		return recipients[0], true
	}
	if addr, ok := strings.CutPrefix(key, "sms:"); ok && addr != "" && !strings.Contains(addr, "@") {
		return addr, true
	}
	return "", false
}

func distinctExcept(ids []uint, except uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == except {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
