package draftctrl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wholesync/src/core/wholesale"
)

// Draft is a stored wholesale tier proposal. VariationKey is the variation id,
// or 0 for an item-level draft, so the target can be a unique key.
type Draft struct {
	ID           int64          `gorm:"primaryKey;autoIncrement:false" json:"id"`
	AccountID    string         `gorm:"not null;type:varchar(64);uniqueIndex:idx_drafts_target,priority:1" json:"account_id"`
	ItemID       string         `gorm:"not null;type:varchar(64);uniqueIndex:idx_drafts_target,priority:2" json:"item_id"`
	VariationKey int64          `gorm:"not null;default:0;uniqueIndex:idx_drafts_target,priority:3" json:"-"`
	VariationID  *int64         `json:"variation_id"`
	Tiers        datatypes.JSON `gorm:"not null" json:"tiers"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (Draft) TableName() string { return "wholesale_drafts" }

// Domain decodes the stored tiers. Entries that fail validation are dropped
// and reported.
func (d Draft) Domain() (wholesale.Draft, []wholesale.Rejection) {
	tiers, rejected := wholesale.ParseTiers(d.Tiers)
	return wholesale.Draft{
		ItemID:      d.ItemID,
		VariationID: d.VariationID,
		Tiers:       tiers,
	}, rejected
}

type DraftService struct {
	db        *gorm.DB
	snowflake *snowflake.Node
}

func NewDraftService(db *gorm.DB) (*DraftService, error) {
	node, err := snowflake.NewNode(3) // Node number 3 for drafts
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}

	return &DraftService{
		db:        db,
		snowflake: node,
	}, nil
}

// Save stores tiers for the target, replacing an earlier draft for it.
func (s *DraftService) Save(ctx context.Context, accountID, itemID string, variationID *int64, tiers []wholesale.Tier) (*Draft, error) {
	data, err := json.Marshal(tiers)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tiers: %w", err)
	}
	return s.SaveRaw(ctx, accountID, itemID, variationID, data)
}

// SaveRaw stores tiers exactly as given. Invalid entries are filtered when
// the draft is read back through Domain.
func (s *DraftService) SaveRaw(ctx context.Context, accountID, itemID string, variationID *int64, raw json.RawMessage) (*Draft, error) {
	draft := &Draft{
		ID:          s.snowflake.Generate().Int64(),
		AccountID:   accountID,
		ItemID:      itemID,
		VariationID: variationID,
		Tiers:       datatypes.JSON(raw),
	}
	if variationID != nil {
		draft.VariationKey = *variationID
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "item_id"}, {Name: "variation_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"variation_id", "tiers", "updated_at"}),
	}).Create(draft)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to save draft: %w", result.Error)
	}
	return draft, nil
}

// ListByAccount returns drafts ordered by item, item-level draft first, then
// by variation id.
func (s *DraftService) ListByAccount(ctx context.Context, accountID string) ([]Draft, error) {
	var drafts []Draft
	result := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("item_id").
		Order("variation_key").
		Find(&drafts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", result.Error)
	}
	return drafts, nil
}

func (s *DraftService) Delete(ctx context.Context, accountID, itemID string, variationID *int64) error {
	var key int64
	if variationID != nil {
		key = *variationID
	}
	result := s.db.WithContext(ctx).
		Where("account_id = ? AND item_id = ? AND variation_key = ?", accountID, itemID, key).
		Delete(&Draft{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete draft: %w", result.Error)
	}
	return nil
}
