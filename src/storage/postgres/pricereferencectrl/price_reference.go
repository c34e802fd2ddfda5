package pricereferencectrl

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PriceReference is the latest benchmark classification of an item or one
// of its variations. VariationKey is 0 for item-level rows.
type PriceReference struct {
	AccountID            string              `gorm:"primaryKey;type:varchar(64)" json:"account_id"`
	ItemID               string              `gorm:"primaryKey;type:varchar(64)" json:"item_id"`
	VariationKey         int64               `gorm:"primaryKey;autoIncrement:false" json:"-"`
	VariationID          *int64              `json:"variation_id"`
	ReferenceType        string              `gorm:"type:varchar(16)" json:"reference_type"`
	SuggestedPrice       decimal.NullDecimal `gorm:"type:numeric(14,2)" json:"suggested_price"`
	MinReferencePrice    decimal.NullDecimal `gorm:"type:numeric(14,2)" json:"min_reference_price"`
	MaxReferencePrice    decimal.NullDecimal `gorm:"type:numeric(14,2)" json:"max_reference_price"`
	Status               string              `gorm:"type:varchar(16)" json:"status"`
	Explanation          string              `json:"explanation"`
	CurrentPriceSnapshot decimal.Decimal     `gorm:"type:numeric(14,2)" json:"current_price_snapshot"`
	Reference            datatypes.JSON      `json:"reference,omitempty"`
	ReferenceUpdatedAt   time.Time           `json:"reference_updated_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
}

func (PriceReference) TableName() string { return "price_references" }

type PriceReferenceService struct {
	db *gorm.DB
}

func NewPriceReferenceService(db *gorm.DB) *PriceReferenceService {
	return &PriceReferenceService{db: db}
}

func (s *PriceReferenceService) Upsert(ctx context.Context, ref *PriceReference) error {
	if ref.VariationID != nil {
		ref.VariationKey = *ref.VariationID
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "item_id"}, {Name: "variation_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"variation_id", "reference_type", "suggested_price", "min_reference_price", "max_reference_price",
			"status", "explanation", "current_price_snapshot", "reference", "reference_updated_at", "updated_at",
		}),
	}).Create(ref)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert price reference %s: %w", ref.ItemID, result.Error)
	}
	return nil
}

func (s *PriceReferenceService) ListByItem(ctx context.Context, accountID, itemID string) ([]PriceReference, error) {
	var refs []PriceReference
	result := s.db.WithContext(ctx).
		Where("account_id = ? AND item_id = ?", accountID, itemID).
		Order("variation_key").
		Find(&refs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list price references: %w", result.Error)
	}
	return refs, nil
}
