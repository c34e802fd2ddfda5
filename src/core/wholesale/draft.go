package wholesale

import "sort"

// Draft is a tier proposal for an item, or for one variation of it.
type Draft struct {
	ItemID      string
	VariationID *int64
	Tiers       []Tier
}

// ItemPlan is what gets pushed for one item: the merged tiers and the
// variation reference of the first draft, which decides validation.
type ItemPlan struct {
	ItemID      string
	VariationID *int64
	Tiers       []Tier
}

// SortDrafts orders drafts by item id, then variation id with item-level
// drafts first.
func SortDrafts(drafts []Draft) {
	sort.SliceStable(drafts, func(i, j int) bool {
		a, b := drafts[i], drafts[j]
		if a.ItemID != b.ItemID {
			return a.ItemID < b.ItemID
		}
		switch {
		case a.VariationID == nil:
			return b.VariationID != nil
		case b.VariationID == nil:
			return false
		default:
			return *a.VariationID < *b.VariationID
		}
	})
}

// PlanItems groups sorted drafts by item and merges each group. Items whose
// merged tiers come out empty are returned separately.
func PlanItems(drafts []Draft) (plans []ItemPlan, empty []string) {
	var (
		current *ItemPlan
		lists   [][]Tier
	)
	flush := func() {
		if current == nil {
			return
		}
		current.Tiers = Merge(lists...)
		if len(current.Tiers) == 0 {
			empty = append(empty, current.ItemID)
		} else {
			plans = append(plans, *current)
		}
	}

	for _, d := range drafts {
		if current == nil || current.ItemID != d.ItemID {
			flush()
			current = &ItemPlan{ItemID: d.ItemID, VariationID: d.VariationID}
			lists = nil
		}
		lists = append(lists, d.Tiers)
	}
	flush()

	return plans, empty
}
