// Package query aggregates slots and coverage into the read views the
// calendar and table UIs consume. Thin aggregation only; rules live in the
// mutator and coordinator.
package query

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"clinroster/internal/models"
)

// SlotSource provides the range read behind the views.
type SlotSource interface {
	GetSlotsByDateRange(ctx context.Context, from, to time.Time) ([]models.Slot, error)
}

// CoverageCalc computes the cells shown next to the slots.
type CoverageCalc interface {
	ComputeRange(ctx context.Context, siteIDs []uuid.UUID, from, to time.Time) ([]models.CoverageCell, error)
}

// Facade builds planning views.
type Facade struct {
	slots    SlotSource
	coverage CoverageCalc
}

func NewFacade(slots SlotSource, coverage CoverageCalc) *Facade {
	return &Facade{slots: slots, coverage: coverage}
}

// DayView is one site's slots and coverage for a single date.
type DayView struct {
	Date      string                `json:"date"`
	Morning   []models.Slot         `json:"morning"`
	Afternoon []models.Slot         `json:"afternoon"`
	Coverage  []models.CoverageCell `json:"coverage"`
}

// SiteView groups a site's days.
type SiteView struct {
	SiteID uuid.UUID `json:"siteId"`
	Days   []DayView `json:"days"`
}

// WeekView is the full planning grid for a date range.
type WeekView struct {
	From  string     `json:"from"`
	To    string     `json:"to"`
	Sites []SiteView `json:"sites"`
}

// WeekView aggregates every site that has slots in [from, to] with its
// coverage cells.
func (f *Facade) WeekView(ctx context.Context, from, to time.Time) (*WeekView, error) {
	slots, err := f.slots.GetSlotsByDateRange(ctx, from, to)
	if err != nil {
		return nil, err
	}

	siteSet := make(map[uuid.UUID]bool)
	for _, slot := range slots {
		siteSet[slot.SiteID] = true
	}
	siteIDs := make([]uuid.UUID, 0, len(siteSet))
	for id := range siteSet {
		siteIDs = append(siteIDs, id)
	}
	sort.Slice(siteIDs, func(i, j int) bool {
		return siteIDs[i].String() < siteIDs[j].String()
	})

	cells, err := f.coverage.ComputeRange(ctx, siteIDs, from, to)
	if err != nil {
		return nil, err
	}

	view := &WeekView{
		From: models.FormatDate(from),
		To:   models.FormatDate(to),
	}

	for _, siteID := range siteIDs {
		site := SiteView{SiteID: siteID}

		for d := models.DateOnly(from); !d.After(models.DateOnly(to)); d = d.AddDate(0, 0, 1) {
			day := DayView{Date: models.FormatDate(d)}

			for _, slot := range slots {
				if slot.SiteID != siteID || !models.DateOnly(slot.Date).Equal(d) {
					continue
				}
				if slot.HalfDay == models.Morning {
					day.Morning = append(day.Morning, slot)
				} else {
					day.Afternoon = append(day.Afternoon, slot)
				}
			}
			for _, cell := range cells {
				if cell.SiteID == siteID && cell.Date.Equal(d) {
					day.Coverage = append(day.Coverage, cell)
				}
			}
			site.Days = append(site.Days, day)
		}
		view.Sites = append(view.Sites, site)
	}
	return view, nil
}
