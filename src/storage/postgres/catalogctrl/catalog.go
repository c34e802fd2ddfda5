package catalogctrl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Item is the local snapshot of a marketplace listing.
type Item struct {
	AccountID         string          `gorm:"primaryKey;type:varchar(64)" json:"account_id"`
	ItemID            string          `gorm:"primaryKey;type:varchar(64)" json:"item_id"`
	Title             string          `json:"title"`
	Status            string          `gorm:"type:varchar(32)" json:"status"`
	Permalink         string          `json:"permalink"`
	Thumbnail         string          `json:"thumbnail"`
	CategoryID        string          `gorm:"type:varchar(32)" json:"category_id"`
	ListingTypeID     string          `gorm:"type:varchar(32)" json:"listing_type_id"`
	SiteID            string          `gorm:"type:varchar(8)" json:"site_id"`
	Price             decimal.Decimal `gorm:"type:numeric(14,2)" json:"price"`
	CurrencyID        string          `gorm:"type:varchar(8)" json:"currency_id"`
	AvailableQuantity int             `json:"available_quantity"`
	SoldQuantity      int             `json:"sold_quantity"`
	Condition         string          `gorm:"type:varchar(16)" json:"condition"`
	Shipping          datatypes.JSON  `json:"shipping,omitempty"`
	SellerCustomField *string         `json:"seller_custom_field,omitempty"`
	HasVariations     bool            `gorm:"not null;default:false" json:"has_variations"`
	UserProductID     *string         `json:"user_product_id,omitempty"`
	FamilyID          *string         `json:"family_id,omitempty"`
	FamilyName        *string         `json:"family_name,omitempty"`
	WholesaleTiers    datatypes.JSON  `json:"wholesale_tiers,omitempty"`
	Raw               datatypes.JSON  `json:"-"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (Item) TableName() string { return "catalog_items" }

// Variation is the local snapshot of one variation of a listing.
type Variation struct {
	AccountID         string              `gorm:"primaryKey;type:varchar(64)" json:"account_id"`
	ItemID            string              `gorm:"primaryKey;type:varchar(64)" json:"item_id"`
	VariationID       int64               `gorm:"primaryKey;autoIncrement:false" json:"variation_id"`
	SellerCustomField *string             `json:"seller_custom_field,omitempty"`
	Attributes        datatypes.JSON      `json:"attributes,omitempty"`
	Price             decimal.NullDecimal `gorm:"type:numeric(14,2)" json:"price"`
	AvailableQuantity *int                `json:"available_quantity,omitempty"`
	Raw               datatypes.JSON      `json:"-"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

func (Variation) TableName() string { return "catalog_variations" }

var itemColumns = []string{
	"title", "status", "permalink", "thumbnail", "category_id", "listing_type_id", "site_id",
	"price", "currency_id", "available_quantity", "sold_quantity", "condition", "shipping",
	"seller_custom_field", "has_variations", "user_product_id", "family_id", "family_name",
	"raw", "updated_at",
}

var variationColumns = []string{
	"seller_custom_field", "attributes", "price", "available_quantity", "raw", "updated_at",
}

type CatalogService struct {
	db *gorm.DB
}

func NewCatalogService(db *gorm.DB) *CatalogService {
	return &CatalogService{db: db}
}

// UpsertItem writes item over any previous snapshot of the same listing.
// Stored wholesale tiers are left alone.
func (s *CatalogService) UpsertItem(ctx context.Context, item *Item) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "item_id"}},
		DoUpdates: clause.AssignmentColumns(itemColumns),
	}).Create(item)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert item %s: %w", item.ItemID, result.Error)
	}
	return nil
}

// SetWholesaleTiers stores the quantity prices currently live on the marketplace.
func (s *CatalogService) SetWholesaleTiers(ctx context.Context, accountID, itemID string, tiers interface{}) error {
	data, err := json.Marshal(tiers)
	if err != nil {
		return fmt.Errorf("failed to marshal wholesale tiers: %w", err)
	}
	result := s.db.WithContext(ctx).Model(&Item{}).
		Where("account_id = ? AND item_id = ?", accountID, itemID).
		Update("wholesale_tiers", datatypes.JSON(data))
	if result.Error != nil {
		return fmt.Errorf("failed to update wholesale tiers: %w", result.Error)
	}
	return nil
}

func (s *CatalogService) UpsertVariation(ctx context.Context, v *Variation) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "item_id"}, {Name: "variation_id"}},
		DoUpdates: clause.AssignmentColumns(variationColumns),
	}).Create(v)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert variation %s/%d: %w", v.ItemID, v.VariationID, result.Error)
	}
	return nil
}

func (s *CatalogService) GetItem(ctx context.Context, accountID, itemID string) (*Item, error) {
	var item Item
	result := s.db.WithContext(ctx).Where("account_id = ? AND item_id = ?", accountID, itemID).First(&item)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get item: %w", result.Error)
	}
	return &item, nil
}

func (s *CatalogService) ListItems(ctx context.Context, accountID string) ([]Item, error) {
	var items []Item
	result := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("item_id").Find(&items)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list items: %w", result.Error)
	}
	return items, nil
}

func (s *CatalogService) ListVariations(ctx context.Context, accountID, itemID string) ([]Variation, error) {
	var vs []Variation
	result := s.db.WithContext(ctx).
		Where("account_id = ? AND item_id = ?", accountID, itemID).
		Order("variation_id").
		Find(&vs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list variations: %w", result.Error)
	}
	return vs, nil
}

// HasVariations reports, per known item id, whether the listing has variations.
// Unknown ids are absent from the result.
func (s *CatalogService) HasVariations(ctx context.Context, accountID string, itemIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}

	var rows []struct {
		ItemID        string
		HasVariations bool
	}
	result := s.db.WithContext(ctx).Model(&Item{}).
		Select("item_id", "has_variations").
		Where("account_id = ? AND item_id IN ?", accountID, itemIDs).
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to look up variations: %w", result.Error)
	}
	for _, r := range rows {
		out[r.ItemID] = r.HasVariations
	}
	return out, nil
}
