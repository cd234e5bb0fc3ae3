package services

import (
	"context"
	"fmt"
	"strings"

	"msgbak-go/internal/config"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaintenanceService rewrites stored addresses in bulk and rebuilds the
// conversation state derived from them
type MaintenanceService struct {
	cfg           *config.Config
	db            *gorm.DB
	conversations *ConversationService
	log           *zap.Logger
}

// NewMaintenanceService creates a new maintenance service
func NewMaintenanceService(cfg *config.Config, db *gorm.DB, conversations *ConversationService, log *zap.Logger) *MaintenanceService {
	return &MaintenanceService{
		cfg:           cfg,
		db:            db,
		conversations: conversations,
		log:           log,
	}
}

// RepairResult counts the rows touched by a repair
type RepairResult struct {
	SmsUpdated           int64
	MmsUpdated           int64
	MmsAddrsUpdated      int64
	RecipientsUpdated    int64
	RecipientsMerged     int64
	MessagesCleared      int64
	LinksDeleted         int64
	ConversationsDeleted int64
	ConversationsRebuilt int64
}

// addressRewrite is a bulk rewrite of address columns. match and replace are
// SQL templates in which %[1]s stands for the column; args bind the '?'
// placeholders of replace.
type addressRewrite struct {
	name       string
	match      string
	replace    string
	args       []interface{}
	rawColumns bool
}

// RepairLegacyNumbers fixes addresses an older normalizer stored as "+10..."
// (a trunk-prefixed local number given a NANP country code) back to "+0...".
func (s *MaintenanceService) RepairLegacyNumbers(ctx context.Context) (*RepairResult, error) {
	return s.repair(ctx, addressRewrite{
		name:    "repair-legacy",
		match:   "%[1]s LIKE '+10%%' AND length(%[1]s) = 12",
		replace: "'+0' || substr(%[1]s, 4)",
	})
}

// RemoveSpacesFromNumbers strips spaces from raw and normalized addresses.
func (s *MaintenanceService) RemoveSpacesFromNumbers(ctx context.Context) (*RepairResult, error) {
	return s.repair(ctx, addressRewrite{
		name:       "remove-spaces",
		match:      "%[1]s LIKE '%% %%'",
		replace:    "replace(%[1]s, ' ', '')",
		rawColumns: true,
	})
}

// AddCountryCodeRemoveLeadingZero rewrites "+0..." addresses into the
// configured country code form, e.g. "+0412345678" to "+61412345678".
func (s *MaintenanceService) AddCountryCodeRemoveLeadingZero(ctx context.Context) (*RepairResult, error) {
	return s.repair(ctx, addressRewrite{
		name:    "add-country-code",
		match:   "%[1]s LIKE '+0%%'",
		replace: "'+' || ? || substr(%[1]s, 3)",
		args:    []interface{}{s.cfg.Phone.CountryCode},
	})
}

// repair runs one rewrite as a single transaction: rewrite the address
// columns, merge recipients the rewrite makes collide, rewrite the remaining
// recipients, then drop all derived conversation state and rebuild it.
func (s *MaintenanceService) repair(ctx context.Context, rw addressRewrite) (*RepairResult, error) {
	result := &RepairResult{}

	err := runOperation(ctx, s.log, rw.name, func(ctx context.Context, log *zap.Logger) error {
		return transaction(ctx, s.db, s.cfg, func(tx *gorm.DB) error {
			*result = RepairResult{}

			targets := []struct {
				table   string
				counter *int64
			}{
				{"sms", &result.SmsUpdated},
				{"mms", &result.MmsUpdated},
				{"mms_addrs", &result.MmsAddrsUpdated},
			}
			for _, t := range targets {
				columns := []string{"address_norm"}
				if rw.rawColumns {
					columns = append(columns, "address_raw")
				}
				for _, col := range columns {
					n, err := rewriteColumn(tx, t.table, col, rw)
					if err != nil {
						return err
					}
					*t.counter += n
				}
			}

			if err := s.rewriteRecipients(tx, rw, result); err != nil {
				return err
			}

			if err := s.invalidate(tx, result); err != nil {
				return err
			}

			backfill, err := s.conversations.Backfill(tx)
			if err != nil {
				return err
			}
			result.ConversationsRebuilt = backfill.ConversationsCreated

			log.Info("Address repair completed",
				zap.Int64("sms_updated", result.SmsUpdated),
				zap.Int64("mms_updated", result.MmsUpdated),
				zap.Int64("mms_addrs_updated", result.MmsAddrsUpdated),
				zap.Int64("recipients_updated", result.RecipientsUpdated),
				zap.Int64("recipients_merged", result.RecipientsMerged),
				zap.Int64("conversations_rebuilt", result.ConversationsRebuilt),
			)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func rewriteColumn(tx *gorm.DB, table, column string, rw addressRewrite) (int64, error) {
	sql := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s",
		table, column, fmt.Sprintf(rw.replace, column), fmt.Sprintf(rw.match, column))
	res := tx.Exec(sql, rw.args...)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to rewrite %s.%s: %w", table, column, res.Error)
	}
	return res.RowsAffected, nil
}

// rewriteRecipients applies the rewrite to recipients one at a time. When
// the new value already belongs to another recipient, links are re-pointed
// to that recipient and the old row is deleted, keeping address_norm unique.
func (s *MaintenanceService) rewriteRecipients(tx *gorm.DB, rw addressRewrite, result *RepairResult) error {
	var rows []struct {
		RecipientID uint   `gorm:"column:recipient_id"`
		AddressNorm string `gorm:"column:address_norm"`
		NewNorm     string `gorm:"column:new_norm"`
	}
	query := fmt.Sprintf("SELECT recipient_id, address_norm, %s AS new_norm FROM recipients WHERE %s ORDER BY recipient_id",
		fmt.Sprintf(rw.replace, "address_norm"), fmt.Sprintf(rw.match, "address_norm"))
	if err := tx.Raw(query, rw.args...).Scan(&rows).Error; err != nil {
		return fmt.Errorf("failed to load recipients: %w", err)
	}

	for _, row := range rows {
		if row.NewNorm == row.AddressNorm || strings.TrimSpace(row.NewNorm) == "" {
			continue
		}

		var survivor []uint
		if err := tx.Raw(`SELECT recipient_id FROM recipients WHERE address_norm = ? AND recipient_id <> ?`,
			row.NewNorm, row.RecipientID).Scan(&survivor).Error; err != nil {
			return fmt.Errorf("failed to look up recipient: %w", err)
		}

		if len(survivor) == 0 {
			if err := tx.Exec(`UPDATE recipients SET address_norm = ? WHERE recipient_id = ?`,
				row.NewNorm, row.RecipientID).Error; err != nil {
				return fmt.Errorf("failed to update recipient: %w", err)
			}
			result.RecipientsUpdated++
			continue
		}

		keep := survivor[0]
		if err := tx.Exec(`UPDATE OR IGNORE conversation_recipients SET recipient_id = ? WHERE recipient_id = ?`,
			keep, row.RecipientID).Error; err != nil {
			return fmt.Errorf("failed to re-point recipient links: %w", err)
		}
		// Links the target already had are left behind by UPDATE OR IGNORE.
		if err := tx.Exec(`DELETE FROM conversation_recipients WHERE recipient_id = ?`, row.RecipientID).Error; err != nil {
			return fmt.Errorf("failed to delete recipient links: %w", err)
		}
		if err := tx.Exec(`DELETE FROM recipients WHERE recipient_id = ?`, row.RecipientID).Error; err != nil {
			return fmt.Errorf("failed to delete recipient: %w", err)
		}
		result.RecipientsMerged++
	}

	return nil
}

// invalidate drops every conversation assignment so the next backfill
// rebuilds them from the rewritten addresses.
func (s *MaintenanceService) invalidate(tx *gorm.DB, result *RepairResult) error {
	res := tx.Exec(`UPDATE messages SET conversation_id = NULL WHERE conversation_id IS NOT NULL`)
	if res.Error != nil {
		return fmt.Errorf("failed to clear conversation assignments: %w", res.Error)
	}
	result.MessagesCleared = res.RowsAffected

	res = tx.Exec(`DELETE FROM conversation_recipients`)
	if res.Error != nil {
		return fmt.Errorf("failed to delete recipient links: %w", res.Error)
	}
	result.LinksDeleted = res.RowsAffected

	res = tx.Exec(`DELETE FROM conversations`)
	if res.Error != nil {
		return fmt.Errorf("failed to delete conversations: %w", res.Error)
	}
	result.ConversationsDeleted = res.RowsAffected

	return nil
}
