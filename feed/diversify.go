package feed

import "strom/models"

// Diversify breaks up runs of consecutive same-author items by pulling the
// nearest differently-authored item forward, looking at most lookahead
// positions ahead. Relative order among the untouched items is preserved.
// This is a presentation-side transform: the stored list keeps strict
// timestamp order and Diversify operates on a copy at publish time.
func Diversify(items []models.ContentItem, lookahead int) []models.ContentItem {
	if lookahead <= 0 || len(items) < 3 {
		return items
	}

	for i := 1; i < len(items); i++ {
		if items[i].Author != items[i-1].Author {
			continue
		}
		limit := i + lookahead
		if limit >= len(items) {
			limit = len(items) - 1
		}
		for j := i + 1; j <= limit; j++ {
			if items[j].Author == items[i-1].Author {
				continue
			}
			// Rotate items[i:j+1] right by one so j lands at i.
			next := items[j]
			copy(items[i+1:j+1], items[i:j])
			items[i] = next
			break
		}
	}

	return items
}
