// Package coverage derives required vs assigned secretary headcount per
// site, date and half-day. Cells are recomputed from current slot state on
// demand; nothing is persisted, so manual edits and optimizer writes can
// never drift from the displayed balance.
package coverage

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"clinroster/internal/models"
)

// SlotSource provides the reads the calculator needs.
type SlotSource interface {
	GetSlotsBySiteDate(ctx context.Context, siteID uuid.UUID, date time.Time) ([]models.Slot, error)
	GetStaff(ctx context.Context, id uuid.UUID) (*models.StaffMember, error)
}

// Calculator computes coverage cells.
type Calculator struct {
	src SlotSource
}

func NewCalculator(src SlotSource) *Calculator {
	return &Calculator{src: src}
}

// Compute returns the coverage cell for one site/date/half-day.
func (c *Calculator) Compute(ctx context.Context, siteID uuid.UUID, date time.Time, half models.HalfDay) (models.CoverageCell, error) {
	cells, err := c.ComputeDay(ctx, siteID, date)
	if err != nil {
		return models.CoverageCell{}, err
	}
	for _, cell := range cells {
		if cell.HalfDay == half {
			return cell, nil
		}
	}
	return models.CoverageCell{}, models.ErrNotFound
}

// ComputeDay returns both half-day cells for a site on one date from a
// single slot fetch.
func (c *Calculator) ComputeDay(ctx context.Context, siteID uuid.UUID, date time.Time) ([]models.CoverageCell, error) {
	slots, err := c.src.GetSlotsBySiteDate(ctx, siteID, date)
	if err != nil {
		return nil, err
	}

	ratios := make(map[uuid.UUID]float64)
	cells := make([]models.CoverageCell, 0, len(models.Halves))

	for _, half := range models.Halves {
		var (
			required float64
			doctors  int
			assigned int
		)
		for _, slot := range slots {
			if slot.HalfDay != half || !slot.Active {
				continue
			}
			switch slot.Kind {
			case models.StaffDoctor:
				doctors++
				ratio, ok := ratios[slot.PersonID]
				if !ok {
					staff, err := c.src.GetStaff(ctx, slot.PersonID)
					if err != nil {
						return nil, err
					}
					ratio = staff.SecretaryRatio
					ratios[slot.PersonID] = ratio
				}
				required += ratio
			case models.StaffSecretary:
				assigned++
			}
		}

		// Saturday staffing policy: required is the raw doctor headcount,
		// the configured ratios are ignored.
		if date.Weekday() == time.Saturday {
			required = float64(doctors)
		}

		cells = append(cells, models.CoverageCell{
			SiteID:   siteID,
			Date:     models.DateOnly(date),
			HalfDay:  half,
			Required: required,
			Assigned: assigned,
			Status:   Status(required, assigned),
		})
	}
	return cells, nil
}

// ComputeRange computes cells for every (site, date) combination, fanning
// out across cells since each read is independent.
func (c *Calculator) ComputeRange(ctx context.Context, siteIDs []uuid.UUID, from, to time.Time) ([]models.CoverageCell, error) {
	type task struct {
		siteID uuid.UUID
		date   time.Time
	}

	var tasks []task
	for _, siteID := range siteIDs {
		for d := models.DateOnly(from); !d.After(models.DateOnly(to)); d = d.AddDate(0, 0, 1) {
			tasks = append(tasks, task{siteID: siteID, date: d})
		}
	}

	results := make([][]models.CoverageCell, len(tasks))
	sem := make(chan struct{}, 8)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i, t := range tasks {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, t task) {
			defer wg.Done()
			defer func() { <-sem }()

			cells, err := c.ComputeDay(ctx, t.siteID, t.date)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			results[i] = cells
		}(i, t)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	var cells []models.CoverageCell
	for _, r := range results {
		cells = append(cells, r...)
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].SiteID != cells[j].SiteID {
			return cells[i].SiteID.String() < cells[j].SiteID.String()
		}
		if !cells[i].Date.Equal(cells[j].Date) {
			return cells[i].Date.Before(cells[j].Date)
		}
		return cells[i].HalfDay < cells[j].HalfDay
	})
	return cells, nil
}

// Status classifies assigned against required headcount. Required is
// fractional (sum of doctor ratios), assigned is an integer headcount, so
// satisfaction compares against the ceiling.
func Status(required float64, assigned int) models.CoverageStatus {
	switch {
	case float64(assigned) >= math.Ceil(required):
		return models.CoverageSatisfied
	case assigned == 0 && required > 0:
		return models.CoverageUnsatisfied
	default:
		return models.CoveragePartial
	}
}
