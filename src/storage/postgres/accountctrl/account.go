package accountctrl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const DefaultSiteID = "MLB"

// Account is a connected marketplace seller.
type Account struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	SellerID  string    `gorm:"not null;type:varchar(32)" json:"seller_id"` // marketplace user id
	SiteID    string    `gorm:"not null;type:varchar(8);default:MLB" json:"site_id"`
	Nickname  string    `json:"nickname"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }

// Token holds the OAuth pair of an account.
type Token struct {
	AccountID    string    `gorm:"primaryKey;type:varchar(64)" json:"account_id"`
	AccessToken  string    `gorm:"not null" json:"-"`
	RefreshToken string    `gorm:"not null" json:"-"`
	ExpiresAt    time.Time `gorm:"not null" json:"expires_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Token) TableName() string { return "account_tokens" }

type AccountService struct {
	db *gorm.DB
}

func NewAccountService(db *gorm.DB) *AccountService {
	return &AccountService{db: db}
}

func (s *AccountService) Get(ctx context.Context, id string) (*Account, error) {
	var account Account
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&account)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account: %w", result.Error)
	}
	if account.SiteID == "" {
		account.SiteID = DefaultSiteID
	}
	return &account, nil
}

func (s *AccountService) Save(ctx context.Context, account *Account) error {
	if account.SiteID == "" {
		account.SiteID = DefaultSiteID
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"seller_id", "site_id", "nickname", "updated_at"}),
	}).Create(account)
	if result.Error != nil {
		return fmt.Errorf("failed to save account: %w", result.Error)
	}
	return nil
}

func (s *AccountService) GetToken(ctx context.Context, accountID string) (*Token, error) {
	var token Token
	result := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&token)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", result.Error)
	}
	return &token, nil
}

// SaveToken stores a token pair, replacing any previous one.
func (s *AccountService) SaveToken(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time) error {
	token := &Token{
		AccountID:    accountID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "refresh_token", "expires_at", "updated_at"}),
	}).Create(token)
	if result.Error != nil {
		return fmt.Errorf("failed to save token: %w", result.Error)
	}
	return nil
}
