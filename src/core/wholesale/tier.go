// Package wholesale merges, validates and encodes tiered quantity prices.
package wholesale

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
)

const (
	// MaxTiers is the most quantity prices the marketplace accepts per item.
	MaxTiers = 5
	// MinQuantity is the smallest purchase quantity a tier may start at.
	MinQuantity = 2
)

var (
	ErrNoValidTiers        = errors.New("no valid tier")
	ErrTooManyTiers        = fmt.Errorf("at most %d tiers allowed", MaxTiers)
	ErrInvalidMinQty       = fmt.Errorf("min_qty must be an integer >= %d", MinQuantity)
	ErrInvalidPrice        = errors.New("price must be greater than zero")
	ErrDuplicateMinQty     = errors.New("duplicate min_qty")
	ErrVariationRequired   = errors.New("item has variations: variation_id is required")
	ErrVariationNotAllowed = errors.New("item has no variations: variation_id must be empty")
)

// Tier is one "buy at least MinQty, pay Price each" rule.
type Tier struct {
	MinQty int
	Price  decimal.Decimal
}

// Valid reports whether the tier could be sent to the marketplace.
func (t Tier) Valid() bool {
	return t.MinQty >= MinQuantity && t.Price.IsPositive()
}

func (t Tier) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"min_qty":%d,"price":%s}`, t.MinQty, t.Price.String())), nil
}

func (t *Tier) UnmarshalJSON(data []byte) error {
	parsed, err := parseTier(data)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Rejection records why a stored tier entry was dropped.
type Rejection struct {
	Index  int
	Reason string
}

// ParseTiers decodes a stored tier list, keeping the valid entries in order
// and reporting the rest. Numbers may be JSON numbers or numeric strings.
func ParseTiers(raw []byte) ([]Tier, []Rejection) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, []Rejection{{Index: -1, Reason: fmt.Sprintf("tiers are not a list: %v", err)}}
	}

	var (
		tiers    []Tier
		rejected []Rejection
	)
	for i, entry := range entries {
		t, err := parseTier(entry)
		if err != nil {
			rejected = append(rejected, Rejection{Index: i, Reason: err.Error()})
			continue
		}
		tiers = append(tiers, t)
	}
	return tiers, rejected
}

func parseTier(data []byte) (Tier, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Tier{}, fmt.Errorf("tier is not an object: %w", err)
	}

	qty, err := parseNumber(fields["min_qty"])
	if err != nil || !qty.IsInteger() || qty.LessThan(decimal.NewFromInt(MinQuantity)) || qty.GreaterThan(decimal.NewFromInt(1<<31-1)) {
		return Tier{}, ErrInvalidMinQty
	}
	price, err := parseNumber(fields["price"])
	if err != nil || !price.IsPositive() {
		return Tier{}, ErrInvalidPrice
	}

	return Tier{MinQty: int(qty.IntPart()), Price: price}, nil
}

func parseNumber(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Zero, errors.New("missing")
	}
	text := string(raw)
	if raw[0] == '"' {
		s, err := strconv.Unquote(text)
		if err != nil {
			return decimal.Zero, err
		}
		text = s
	}
	return decimal.NewFromString(text)
}

// Merge combines tier lists in the given order. The first tier seen for a
// min_qty wins, invalid tiers are skipped, and the result is sorted by
// min_qty and cut to MaxTiers.
func Merge(lists ...[]Tier) []Tier {
	seen := make(map[int]struct{})
	merged := make([]Tier, 0, MaxTiers)

	for _, list := range lists {
		for _, t := range list {
			if !t.Valid() {
				continue
			}
			if _, ok := seen[t.MinQty]; ok {
				continue
			}
			seen[t.MinQty] = struct{}{}
			merged = append(merged, t)
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].MinQty < merged[j].MinQty
	})
	if len(merged) > MaxTiers {
		merged = merged[:MaxTiers]
	}
	return merged
}

// Validate checks a tier list entered by a user before it is stored as a draft.
func Validate(tiers []Tier) error {
	if len(tiers) > MaxTiers {
		return ErrTooManyTiers
	}
	seen := make(map[int]struct{}, len(tiers))
	for i, t := range tiers {
		if t.MinQty < MinQuantity {
			return fmt.Errorf("tier %d: %w", i+1, ErrInvalidMinQty)
		}
		if !t.Price.IsPositive() {
			return fmt.Errorf("tier %d: %w", i+1, ErrInvalidPrice)
		}
		if _, ok := seen[t.MinQty]; ok {
			return fmt.Errorf("tier %d: %w %d", i+1, ErrDuplicateMinQty, t.MinQty)
		}
		seen[t.MinQty] = struct{}{}
	}
	return nil
}

// ValidateTarget checks that the draft's variation reference matches the
// item's shape.
func ValidateTarget(hasVariations bool, variationID *int64) error {
	if hasVariations && variationID == nil {
		return ErrVariationRequired
	}
	if !hasVariations && variationID != nil {
		return ErrVariationNotAllowed
	}
	return nil
}
