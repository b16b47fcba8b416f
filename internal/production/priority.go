package production

import (
	"cmp"
	"slices"
)

// ComparePriority is the single ordering used for capacity and for listings:
// premium first, then oldest first, then by id.
func ComparePriority(a, b QueueItem) int {
	if a.Premium != b.Premium {
		if a.Premium {
			return -1
		}
		return 1
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func SortByPriority(items []QueueItem) {
	slices.SortStableFunc(items, ComparePriority)
}

func SortListingByPriority(rows []QueueListing) {
	slices.SortStableFunc(rows, func(a, b QueueListing) int {
		return ComparePriority(a.QueueItem, b.QueueItem)
	})
}
