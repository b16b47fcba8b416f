package scheduler

import (
	"fmt"
	"slices"
	"time"

	"github.com/ariefcatur/go-production-scheduler/internal/capacity"
	"github.com/ariefcatur/go-production-scheduler/internal/production"
)

// Queue is the scheduling context of one recalculation: the active items,
// the capacity configuration they draw on and the horizon start.
type Queue struct {
	Today    time.Time
	Items    []production.QueueItem
	Products map[string]production.Product
}

// Plan simulates capacity consumption in priority order. Items of the same
// product are serialized: an item's molds stay reserved through its end date
// and the next item of that product starts the day after.
func (q Queue) Plan(cal capacity.Calendar) ([]production.Schedule, error) {
	items := slices.Clone(q.Items)
	production.SortByPriority(items)

	today := capacity.Date(q.Today)
	cursor := map[string]time.Time{}
	out := make([]production.Schedule, 0, len(items))

	for _, it := range items {
		if it.Status.Terminal() {
			continue
		}
		p, ok := q.Products[it.ProductID]
		if !ok {
			return nil, production.NotFound("product", it.ProductID)
		}

		start := today
		next, busy := cursor[it.ProductID]
		switch {
		case busy:
			start = capacity.Later(next, today)
		case it.Status == production.StatusInProgress && it.EtaStart != nil:
			start = capacity.Date(*it.EtaStart)
		}

		molds := min(it.AssignedMolds, p.MoldsAvailable)
		days, end, err := cal.Duration(it.QtyTotal, p.Capacity(), molds, start)
		if err != nil {
			return nil, fmt.Errorf("plan item %s: %w", it.ID, err)
		}
		cursor[it.ProductID] = capacity.NextDay(end)

		s, e := start, end
		out = append(out, production.Schedule{ItemID: it.ID, DurationDays: days, EtaStart: &s, EtaEnd: &e})
	}
	return out, nil
}

// changed keeps the schedules that differ from what the items already carry.
func changed(items []production.QueueItem, plans []production.Schedule) []production.Schedule {
	current := make(map[string]production.Schedule, len(items))
	for _, it := range items {
		current[it.ID] = it.Schedule()
	}
	var out []production.Schedule
	for _, p := range plans {
		if cur, ok := current[p.ItemID]; !ok || !cur.Equal(p) {
			out = append(out, p)
		}
	}
	return out
}
