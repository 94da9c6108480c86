// Package bulk is the optimizer write path: a whole proposed plan is
// validated closed, then committed in one transaction. A batch either
// lands completely or not at all, under the same invariants manual edits
// obey.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"clinroster/internal/absence"
	"clinroster/internal/metrics"
	"clinroster/internal/models"
	"clinroster/internal/store"
)

// SlotStore is the persistence surface the importer writes through.
type SlotStore interface {
	WithinTx(ctx context.Context, fn func(tx store.SlotTx) error) error
	GetStaff(ctx context.Context, id uuid.UUID) (*models.StaffMember, error)
	GetSite(ctx context.Context, id uuid.UUID) (*models.Site, error)
}

// AbsenceChecker filters out rows for people on approved leave.
type AbsenceChecker interface {
	IsAbsent(ctx context.Context, personID uuid.UUID, kind models.StaffKind, date time.Time, opts absence.Options) (bool, error)
}

// Violation ties a rejected batch row to its reason.
type Violation struct {
	Index int   `json:"index"`
	Err   error `json:"-"`
	Code  string `json:"code"`
}

// Importer validates and commits optimizer batches. The limiter bounds
// commit frequency so solver callbacks cannot flood the store.
type Importer struct {
	store    SlotStore
	absences AbsenceChecker
	limiter  *rate.Limiter
	logger   *zerolog.Logger
}

func NewImporter(st SlotStore, absences AbsenceChecker, commitsPerSecond float64, logger *zerolog.Logger) *Importer {
	if commitsPerSecond <= 0 {
		commitsPerSecond = 2
	}
	return &Importer{
		store:    st,
		absences: absences,
		limiter:  rate.NewLimiter(rate.Limit(commitsPerSecond), 1),
		logger:   logger,
	}
}

// Import validates the whole batch and commits it in one transaction.
// On validation failure it returns the violations and writes nothing.
func (i *Importer) Import(ctx context.Context, slots []models.Slot) (int, []Violation, error) {
	if len(slots) == 0 {
		return 0, nil, nil
	}

	violations, err := i.validate(ctx, slots)
	if err != nil {
		return 0, nil, err
	}
	if len(violations) > 0 {
		metrics.AddBulkRows("rejected", len(slots))
		return 0, violations, nil
	}

	if err := i.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	// Store conflicts are re-checked inside the transaction; the partial
	// unique index closes the remaining race.
	var conflicts []Violation
	err = i.store.WithinTx(ctx, func(tx store.SlotTx) error {
		for idx, slot := range slots {
			existing, err := tx.ActiveSlot(ctx, slot.PersonID, slot.Date, slot.HalfDay)
			if err != nil {
				return err
			}
			if existing != nil {
				conflicts = append(conflicts, violation(idx, models.ErrConflict))
				continue
			}
			if _, err := tx.UpsertSlot(ctx, slot); err != nil {
				return err
			}
		}
		if len(conflicts) > 0 {
			return models.ErrConflict
		}
		return nil
	})
	if errors.Is(err, models.ErrConflict) && len(conflicts) > 0 {
		metrics.AddBulkRows("rejected", len(slots))
		return 0, conflicts, nil
	}
	if err != nil {
		metrics.AddBulkRows("error", len(slots))
		return 0, nil, err
	}

	metrics.AddBulkRows("ok", len(slots))
	i.logger.Info().Int("rows", len(slots)).Msg("bulk import committed")
	return len(slots), nil, nil
}

func (i *Importer) validate(ctx context.Context, slots []models.Slot) ([]Violation, error) {
	var violations []Violation

	sites := make(map[uuid.UUID]*models.Site)
	siteOf := func(id uuid.UUID) (*models.Site, error) {
		if site, ok := sites[id]; ok {
			return site, nil
		}
		site, err := i.store.GetSite(ctx, id)
		if err != nil {
			return nil, err
		}
		sites[id] = site
		return site, nil
	}

	staffs := make(map[uuid.UUID]*models.StaffMember)
	staffOf := func(id uuid.UUID) (*models.StaffMember, error) {
		if staff, ok := staffs[id]; ok {
			return staff, nil
		}
		staff, err := i.store.GetStaff(ctx, id)
		if err != nil {
			return nil, err
		}
		staffs[id] = staff
		return staff, nil
	}

	type slotKey struct {
		person uuid.UUID
		date   time.Time
		half   models.HalfDay
	}
	seen := make(map[slotKey]bool)

	for idx, slot := range slots {
		key := slotKey{slot.PersonID, models.DateOnly(slot.Date), slot.HalfDay}
		if seen[key] {
			violations = append(violations, violation(idx, models.ErrConflict))
			continue
		}
		seen[key] = true

		// The solver echoes person kinds back; never trust them. The staff
		// record is authoritative for kind, activity and flag eligibility.
		staff, err := staffOf(slot.PersonID)
		if errors.Is(err, models.ErrNotFound) {
			violations = append(violations, violation(idx, models.ErrNotFound))
			continue
		}
		if err != nil {
			return nil, err
		}
		if !staff.Active {
			violations = append(violations, violation(idx, fmt.Errorf("inactive staff member")))
			continue
		}
		if slot.Kind != staff.Kind {
			violations = append(violations, violation(idx, fmt.Errorf("person kind mismatch: %s is a %s", slot.PersonID, staff.Kind)))
			continue
		}
		if slot.Flags.Any() && staff.Kind != models.StaffSecretary {
			violations = append(violations, violation(idx, fmt.Errorf("role flags apply to secretary slots only")))
			continue
		}

		site, err := siteOf(slot.SiteID)
		if errors.Is(err, models.ErrNotFound) {
			violations = append(violations, violation(idx, models.ErrNotFound))
			continue
		}
		if err != nil {
			return nil, err
		}
		if site.Closed {
			violations = append(violations, violation(idx, models.ErrClosedSite))
			continue
		}

		if slot.Flags.Any() {
			if site.Kind == models.SiteOperatingRoom || !batchHoldsFullDay(slots, slot) {
				violations = append(violations, violation(idx, models.ErrRequiresFullDay))
				continue
			}
		}

		absent, err := i.absences.IsAbsent(ctx, slot.PersonID, slot.Kind, slot.Date, absence.Options{})
		if err != nil {
			return nil, err
		}
		if absent {
			violations = append(violations, violation(idx, models.ErrAbsent))
		}
	}
	return violations, nil
}

// batchHoldsFullDay reports whether the batch books both halves of the
// slot's date at the same site, which flagged rows require.
func batchHoldsFullDay(slots []models.Slot, flagged models.Slot) bool {
	for _, half := range models.Halves {
		found := false
		for _, s := range slots {
			if s.PersonID == flagged.PersonID &&
				models.DateOnly(s.Date).Equal(models.DateOnly(flagged.Date)) &&
				s.HalfDay == half &&
				s.SiteID == flagged.SiteID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func violation(idx int, err error) Violation {
	return Violation{Index: idx, Err: err, Code: errCode(err)}
}

func errCode(err error) string {
	switch {
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	case errors.Is(err, models.ErrAbsent):
		return "absent"
	case errors.Is(err, models.ErrRequiresFullDay):
		return "requires_full_day"
	case errors.Is(err, models.ErrClosedSite):
		return "closed_site"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	default:
		return "invalid"
	}
}

// Error renders the violation for logs.
func (v Violation) Error() string {
	return fmt.Sprintf("row %d: %v", v.Index, v.Err)
}
