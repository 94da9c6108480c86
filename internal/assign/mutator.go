// Package assign is the single enforcement point for manual slot edits:
// create, reassign, role-flag toggles and deletion. All scheduling rules
// that the clinic UIs used to duplicate live here.
package assign

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"clinroster/internal/absence"
	"clinroster/internal/locks"
	"clinroster/internal/metrics"
	"clinroster/internal/models"
	"clinroster/internal/store"
)

// SlotStore is the persistence surface the mutator writes through.
type SlotStore interface {
	WithinTx(ctx context.Context, fn func(tx store.SlotTx) error) error
	GetStaff(ctx context.Context, id uuid.UUID) (*models.StaffMember, error)
	GetSite(ctx context.Context, id uuid.UUID) (*models.Site, error)
	GetAbsence(ctx context.Context, id int64) (*models.Absence, error)
}

// AbsenceChecker is the read-only overlay consulted before any change.
type AbsenceChecker interface {
	IsAbsent(ctx context.Context, personID uuid.UUID, kind models.StaffKind, date time.Time, opts absence.Options) (bool, error)
}

// Mutator validates and applies slot mutations for a single staff member.
// Mutations for the same (person, date) are serialized through the lock
// table; each operation commits atomically or not at all.
type Mutator struct {
	store    SlotStore
	absences AbsenceChecker
	locks    *locks.Table
	logger   *zerolog.Logger
}

func NewMutator(st SlotStore, absences AbsenceChecker, lt *locks.Table, logger *zerolog.Logger) *Mutator {
	return &Mutator{store: st, absences: absences, locks: lt, logger: logger}
}

// CreateRequest books a person for a scope on a date. Kind is an optional
// cross-check: the slot kind is always taken from the staff record, and a
// mismatching Kind rejects the request.
type CreateRequest struct {
	PersonID  uuid.UUID
	Kind      models.StaffKind
	Date      time.Time
	Scope     models.Scope
	Placement models.Placement

	// AfternoonPlacement books the afternoon half elsewhere on a full-day
	// create. Operating-room days use it: each half stays an independent
	// slot tied to its own operational need.
	AfternoonPlacement *models.Placement

	// Flags apply to secretary slots only and require a full-day scope at
	// a single non-operating-room site.
	Flags models.RoleFlags
}

// Result reports the slots an operation left in place. FlagsCleared is set
// when a rule forced role flags off so the caller can warn the user.
type Result struct {
	Slots        []models.Slot
	FlagsCleared bool
}

// Create books the person for the requested scope. A full day expands into
// two half-day writes committed as one unit; any conflict or absence fails
// the whole operation before anything is written.
func (m *Mutator) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	if !req.Scope.Valid() {
		return nil, fmt.Errorf("invalid scope %q", req.Scope)
	}
	if req.AfternoonPlacement != nil && req.Scope != models.ScopeFullDay {
		return nil, fmt.Errorf("afternoon placement only applies to full-day creates")
	}

	res, err := m.create(ctx, req)
	metrics.IncSlotMutation("create", resultLabel(err))
	return res, err
}

func (m *Mutator) create(ctx context.Context, req CreateRequest) (*Result, error) {
	staff, err := m.store.GetStaff(ctx, req.PersonID)
	if err != nil {
		return nil, err
	}
	if !staff.Active {
		return nil, fmt.Errorf("%w: staff member %s is inactive", models.ErrNotFound, req.PersonID)
	}
	if req.Kind != "" && req.Kind != staff.Kind {
		return nil, fmt.Errorf("person %s is a %s, not a %s", req.PersonID, staff.Kind, req.Kind)
	}

	site, err := m.store.GetSite(ctx, req.Placement.SiteID)
	if err != nil {
		return nil, err
	}
	if site.Closed {
		return nil, models.ErrClosedSite
	}

	afternoonSite := site
	if req.AfternoonPlacement != nil {
		if afternoonSite, err = m.store.GetSite(ctx, req.AfternoonPlacement.SiteID); err != nil {
			return nil, err
		}
		if afternoonSite.Closed {
			return nil, models.ErrClosedSite
		}
	}

	if req.Flags.Any() {
		if staff.Kind != models.StaffSecretary {
			return nil, fmt.Errorf("role flags apply to secretary slots only")
		}
		// Responsibility roles imply full-day presence at one site. The
		// operating room never hosts a full-day claim: its halves stay
		// independent slots.
		if req.Scope != models.ScopeFullDay || req.AfternoonPlacement != nil ||
			site.Kind == models.SiteOperatingRoom {
			return nil, models.ErrRequiresFullDay
		}
	}

	unlock := m.locks.Lock(locks.PersonDateKey(req.PersonID, req.Date))
	defer unlock()

	// Checked under the lock: an absence approval for this date either
	// committed before we got here, or waits behind us and cascades over
	// whatever we write.
	absent, err := m.absences.IsAbsent(ctx, req.PersonID, staff.Kind, req.Date, absence.Options{})
	if err != nil {
		return nil, err
	}
	if absent {
		return nil, models.ErrAbsent
	}

	var created []models.Slot
	err = m.store.WithinTx(ctx, func(tx store.SlotTx) error {
		halves := req.Scope.HalfDays()

		// Fail closed: detect every conflict before the first write.
		for _, half := range halves {
			existing, err := tx.ActiveSlot(ctx, req.PersonID, req.Date, half)
			if err != nil {
				return err
			}
			if existing != nil {
				return models.ErrConflict
			}
		}

		for _, half := range halves {
			placement := req.Placement
			if half == models.Afternoon && req.AfternoonPlacement != nil {
				placement = *req.AfternoonPlacement
			}

			slot := models.Slot{
				PersonID: req.PersonID,
				Kind:     staff.Kind,
				Date:     models.DateOnly(req.Date),
				HalfDay:  half,
				SiteID:   placement.SiteID,
				NeedID:   placement.NeedID,
				Flags:    req.Flags,
				Active:   true,
			}
			id, err := tx.UpsertSlot(ctx, slot)
			if err != nil {
				return err
			}
			slot.ID = id
			created = append(created, slot)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("person", req.PersonID.String()).
		Str("date", models.FormatDate(req.Date)).
		Str("scope", string(req.Scope)).
		Msg("slots created")
	return &Result{Slots: created}, nil
}

// ReassignRequest moves existing slot(s) to a new site/operation.
type ReassignRequest struct {
	PersonID           uuid.UUID
	Date               time.Time
	Scope              models.Scope
	Placement          models.Placement
	AfternoonPlacement *models.Placement
}

// Reassign deletes the slot(s) for the scope and re-books them at the new
// placement. Role flags survive only when the result is still a full day
// at one non-operating-room site; otherwise they are cleared everywhere
// and the result carries a warning.
func (m *Mutator) Reassign(ctx context.Context, req ReassignRequest) (*Result, error) {
	if !req.Scope.Valid() {
		return nil, fmt.Errorf("invalid scope %q", req.Scope)
	}
	if req.AfternoonPlacement != nil && req.Scope != models.ScopeFullDay {
		return nil, fmt.Errorf("afternoon placement only applies to full-day reassignments")
	}

	res, err := m.reassign(ctx, req)
	metrics.IncSlotMutation("reassign", resultLabel(err))
	return res, err
}

func (m *Mutator) reassign(ctx context.Context, req ReassignRequest) (*Result, error) {
	site, err := m.store.GetSite(ctx, req.Placement.SiteID)
	if err != nil {
		return nil, err
	}
	if site.Closed {
		return nil, models.ErrClosedSite
	}
	if req.AfternoonPlacement != nil {
		afternoonSite, err := m.store.GetSite(ctx, req.AfternoonPlacement.SiteID)
		if err != nil {
			return nil, err
		}
		if afternoonSite.Closed {
			return nil, models.ErrClosedSite
		}
	}

	unlock := m.locks.Lock(locks.PersonDateKey(req.PersonID, req.Date))
	defer unlock()

	result := &Result{}
	err = m.store.WithinTx(ctx, func(tx store.SlotTx) error {
		all, err := tx.SlotsFor(ctx, req.PersonID, req.Date)
		if err != nil {
			return err
		}
		byHalf := slotsByHalf(all)

		halves := req.Scope.HalfDays()
		for _, half := range halves {
			if _, ok := byHalf[half]; !ok {
				return models.ErrNotFound
			}
		}

		hadFlags := models.RoleFlags{}
		for _, slot := range all {
			if slot.Flags.Any() {
				hadFlags = slot.Flags
			}
		}

		// Flags survive only a full-day move to a single open site that is
		// not the operating room. Any demotion clears them, including on
		// the half this reassignment does not touch.
		keepFlags := hadFlags.Any() &&
			req.Scope == models.ScopeFullDay &&
			req.AfternoonPlacement == nil &&
			site.Kind != models.SiteOperatingRoom
		if hadFlags.Any() && !keepFlags {
			result.FlagsCleared = true
		}

		newFlags := models.RoleFlags{}
		if keepFlags {
			newFlags = hadFlags
		}

		for _, half := range halves {
			old := byHalf[half]
			placement := req.Placement
			if half == models.Afternoon && req.AfternoonPlacement != nil {
				placement = *req.AfternoonPlacement
			}

			if err := tx.DeactivateSlot(ctx, old); err != nil {
				return err
			}
			slot := models.Slot{
				PersonID: req.PersonID,
				Kind:     old.Kind,
				Date:     models.DateOnly(req.Date),
				HalfDay:  half,
				SiteID:   placement.SiteID,
				NeedID:   placement.NeedID,
				Flags:    newFlags,
				Active:   true,
			}
			id, err := tx.UpsertSlot(ctx, slot)
			if err != nil {
				return err
			}
			slot.ID = id
			result.Slots = append(result.Slots, slot)
		}

		// Clear flags on the untouched half when demoting out of a flagged
		// full day.
		if result.FlagsCleared && req.Scope != models.ScopeFullDay {
			for half, slot := range byHalf {
				if containsHalf(halves, half) || !slot.Flags.Any() {
					continue
				}
				if err := tx.UpdatePlacement(ctx, slot, slot.Placement(), models.RoleFlags{}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("person", req.PersonID.String()).
		Str("date", models.FormatDate(req.Date)).
		Str("scope", string(req.Scope)).
		Bool("flags_cleared", result.FlagsCleared).
		Msg("slots reassigned")
	return result, nil
}

// ToggleRoleFlag switches one responsibility role on or off. Setting a
// flag requires an existing full day at a single non-operating-room site;
// clearing never requires a scope change.
func (m *Mutator) ToggleRoleFlag(ctx context.Context, personID uuid.UUID, date time.Time, flag models.RoleFlag, on bool) (*Result, error) {
	if !flag.Valid() {
		return nil, fmt.Errorf("invalid role flag %q", flag)
	}

	res, err := m.toggleRoleFlag(ctx, personID, date, flag, on)
	metrics.IncSlotMutation("toggle_flag", resultLabel(err))
	return res, err
}

func (m *Mutator) toggleRoleFlag(ctx context.Context, personID uuid.UUID, date time.Time, flag models.RoleFlag, on bool) (*Result, error) {
	unlock := m.locks.Lock(locks.PersonDateKey(personID, date))
	defer unlock()

	result := &Result{}
	err := m.store.WithinTx(ctx, func(tx store.SlotTx) error {
		all, err := tx.SlotsFor(ctx, personID, date)
		if err != nil {
			return err
		}
		if len(all) == 0 {
			return models.ErrNotFound
		}
		byHalf := slotsByHalf(all)

		if on {
			morning, hasMorning := byHalf[models.Morning]
			afternoon, hasAfternoon := byHalf[models.Afternoon]
			if !hasMorning || !hasAfternoon || morning.SiteID != afternoon.SiteID {
				return models.ErrRequiresFullDay
			}
			site, err := m.store.GetSite(ctx, morning.SiteID)
			if err != nil {
				return err
			}
			if site.Kind == models.SiteOperatingRoom {
				return models.ErrRequiresFullDay
			}
		}

		for _, slot := range all {
			flags := slot.Flags.With(flag, on)
			if err := tx.UpdatePlacement(ctx, slot, slot.Placement(), flags); err != nil {
				return err
			}
			slot.Flags = flags
			result.Slots = append(result.Slots, slot)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes the slot(s) for the scope. A full-day delete removes both
// halves even when they were booked by two independent calls; deleting one
// half of a flagged full day clears the flags on the remaining half.
func (m *Mutator) Delete(ctx context.Context, personID uuid.UUID, date time.Time, scope models.Scope) (*Result, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("invalid scope %q", scope)
	}

	res, err := m.delete(ctx, personID, date, scope)
	metrics.IncSlotMutation("delete", resultLabel(err))
	return res, err
}

func (m *Mutator) delete(ctx context.Context, personID uuid.UUID, date time.Time, scope models.Scope) (*Result, error) {
	unlock := m.locks.Lock(locks.PersonDateKey(personID, date))
	defer unlock()

	result := &Result{}
	err := m.store.WithinTx(ctx, func(tx store.SlotTx) error {
		all, err := tx.SlotsFor(ctx, personID, date)
		if err != nil {
			return err
		}
		byHalf := slotsByHalf(all)

		halves := scope.HalfDays()
		removed := 0
		for _, half := range halves {
			slot, ok := byHalf[half]
			if !ok {
				continue
			}
			if err := tx.DeactivateSlot(ctx, slot); err != nil {
				return err
			}
			removed++
		}
		if removed == 0 {
			return models.ErrNotFound
		}

		if scope != models.ScopeFullDay {
			for half, slot := range byHalf {
				if containsHalf(halves, half) || !slot.Flags.Any() {
					continue
				}
				if err := tx.UpdatePlacement(ctx, slot, slot.Placement(), models.RoleFlags{}); err != nil {
					return err
				}
				slot.Flags = models.RoleFlags{}
				result.FlagsCleared = true
				result.Slots = append(result.Slots, slot)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("person", personID.String()).
		Str("date", models.FormatDate(date)).
		Str("scope", string(scope)).
		Msg("slots deleted")
	return result, nil
}

// ApproveAbsence marks an absence approved and cascades: every active slot
// of that person inside the interval is removed, one transaction for the
// whole range.
func (m *Mutator) ApproveAbsence(ctx context.Context, absenceID int64) (int, error) {
	ab, err := m.store.GetAbsence(ctx, absenceID)
	if err != nil {
		return 0, err
	}

	// Lock every date of the interval in ascending order before touching
	// the status, so a concurrent create for any of these dates serializes
	// against the approval; the exchange coordinator orders its pair the
	// same way, so the two cannot deadlock.
	var unlocks []func()
	for d := models.DateOnly(ab.DateStart); !d.After(models.DateOnly(ab.DateEnd)); d = d.AddDate(0, 0, 1) {
		unlocks = append(unlocks, m.locks.Lock(locks.PersonDateKey(ab.PersonID, d)))
	}
	defer func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}()

	// The status flip and the slot removals commit together; a failed
	// cascade must not leave an approved absence with live slots behind.
	removed := 0
	err = m.store.WithinTx(ctx, func(tx store.SlotTx) error {
		if err := tx.SetAbsenceStatus(ctx, absenceID, models.AbsenceApproved); err != nil {
			return err
		}
		from, to := models.DateOnly(ab.DateStart), models.DateOnly(ab.DateEnd)
		n, err := tx.DeleteSlots(ctx, store.SlotFilter{
			PersonID: &ab.PersonID,
			DateFrom: &from,
			DateTo:   &to,
		})
		if err != nil {
			return err
		}
		removed = n
		return nil
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		m.logger.Info().
			Str("person", ab.PersonID.String()).
			Int("removed", removed).
			Msg("slots removed for approved absence")
	}
	metrics.IncSlotMutation("absence_cascade", "ok")
	return removed, nil
}

func slotsByHalf(slots []models.Slot) map[models.HalfDay]models.Slot {
	byHalf := make(map[models.HalfDay]models.Slot, len(slots))
	for _, slot := range slots {
		byHalf[slot.HalfDay] = slot
	}
	return byHalf
}

func containsHalf(halves []models.HalfDay, half models.HalfDay) bool {
	for _, h := range halves {
		if h == half {
			return true
		}
	}
	return false
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
