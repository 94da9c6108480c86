// Package exchange swaps the assignments of two staff members of the same
// kind for a chosen scope on one date. The swap commits both parties'
// updates as a single transaction; a failed half-swap must never leave one
// party mutated.
package exchange

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

// SlotStore is the persistence surface the coordinator needs. It is an
// interface so tests can inject failures between the two parties' writes.
type SlotStore interface {
	WithinTx(ctx context.Context, fn func(tx store.SlotTx) error) error
	GetSlots(ctx context.Context, personID uuid.UUID, from, to time.Time) ([]models.Slot, error)
	GetStaff(ctx context.Context, id uuid.UUID) (*models.StaffMember, error)
	GetSite(ctx context.Context, id uuid.UUID) (*models.Site, error)
	ListActiveStaff(ctx context.Context, kind models.StaffKind) ([]models.StaffMember, error)
	IsEligible(ctx context.Context, staffID, needID uuid.UUID) (bool, error)
}

// AbsenceChecker re-checks absence at commit time; the candidate list the
// UI holds may be stale.
type AbsenceChecker interface {
	IsAbsent(ctx context.Context, personID uuid.UUID, kind models.StaffKind, date time.Time, opts absence.Options) (bool, error)
}

// Coordinator finds eligible swap partners and performs the swap.
type Coordinator struct {
	store    SlotStore
	absences AbsenceChecker
	locks    *locks.Table
	logger   *zerolog.Logger
}

func NewCoordinator(st SlotStore, absences AbsenceChecker, lt *locks.Table, logger *zerolog.Logger) *Coordinator {
	return &Coordinator{store: st, absences: absences, locks: lt, logger: logger}
}

// Candidate is a possible swap partner. Qualified is a soft marker: an
// unqualified candidate for an operating-room need is still selectable,
// the UI just warns.
type Candidate struct {
	Person    models.StaffMember
	Slots     []models.Slot
	Qualified bool
}

// FindExchangeCandidates lists staff of the same kind who could take over
// the person's assignment for the scope on the date. Candidates are sorted
// by name; no other ranking applies.
func (c *Coordinator) FindExchangeCandidates(ctx context.Context, personID uuid.UUID, date time.Time, scope models.Scope, needFilter *uuid.UUID) ([]Candidate, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("invalid scope %q", scope)
	}

	self, err := c.store.GetStaff(ctx, personID)
	if err != nil {
		return nil, err
	}

	staff, err := c.store.ListActiveStaff(ctx, self.Kind)
	if err != nil {
		return nil, err
	}

	halves := scope.HalfDays()
	var candidates []Candidate
	for _, person := range staff {
		if person.ID == personID {
			continue
		}

		absent, err := c.absences.IsAbsent(ctx, person.ID, person.Kind, date, absence.Options{})
		if err != nil {
			return nil, err
		}
		if absent {
			continue
		}

		slots, err := c.store.GetSlots(ctx, person.ID, date, date)
		if err != nil {
			return nil, err
		}
		scoped, ok := slotsForScope(slots, halves)
		if !ok {
			// Full-day exchange needs a partner covering the entire day;
			// half-day exchange needs that specific half.
			continue
		}

		qualified := true
		if needFilter != nil && person.Kind == models.StaffSecretary {
			qualified, err = c.store.IsEligible(ctx, person.ID, *needFilter)
			if err != nil {
				return nil, err
			}
		}

		candidates = append(candidates, Candidate{
			Person:    person,
			Slots:     scoped,
			Qualified: qualified,
		})
	}

	// ListActiveStaff already orders by name; keep that order.
	return candidates, nil
}

// ExchangeResult returns both parties' new slot sets so the UI can update
// optimistically. FlagsCleared warns that a role flag did not survive.
type ExchangeResult struct {
	A            []models.Slot
	B            []models.Slot
	FlagsCleared bool
}

// Exchange swaps site and operational need (and with it the room) between
// the two parties; role flags swap only on full-day scope. Both updates
// commit as one transaction; absence is re-checked at commit time.
func (c *Coordinator) Exchange(ctx context.Context, personA, personB uuid.UUID, date time.Time, scope models.Scope) (*ExchangeResult, error) {
	res, err := c.exchange(ctx, personA, personB, date, scope)
	metrics.IncExchange(resultLabel(err))
	return res, err
}

func (c *Coordinator) exchange(ctx context.Context, personA, personB uuid.UUID, date time.Time, scope models.Scope) (*ExchangeResult, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("invalid scope %q", scope)
	}
	if personA == personB {
		return nil, fmt.Errorf("cannot exchange a person with themselves")
	}

	staffA, err := c.store.GetStaff(ctx, personA)
	if err != nil {
		return nil, err
	}
	staffB, err := c.store.GetStaff(ctx, personB)
	if err != nil {
		return nil, err
	}
	if staffA.Kind != staffB.Kind {
		return nil, fmt.Errorf("exchange requires two %s or two %s", models.StaffDoctor, models.StaffSecretary)
	}

	// Both parties lock in ascending key order to avoid deadlock between
	// two exchanges racing on the same pair in opposite directions.
	unlock := c.locks.LockPair(
		locks.PersonDateKey(personA, date),
		locks.PersonDateKey(personB, date),
	)
	defer unlock()

	for _, p := range []*models.StaffMember{staffA, staffB} {
		absent, err := c.absences.IsAbsent(ctx, p.ID, p.Kind, date, absence.Options{})
		if err != nil {
			return nil, err
		}
		if absent {
			return nil, models.ErrAbsent
		}
	}

	halves := scope.HalfDays()
	result := &ExchangeResult{}

	err = c.store.WithinTx(ctx, func(tx store.SlotTx) error {
		slotsA, err := tx.SlotsFor(ctx, personA, date)
		if err != nil {
			return err
		}
		slotsB, err := tx.SlotsFor(ctx, personB, date)
		if err != nil {
			return err
		}

		scopedA, ok := slotsForScope(slotsA, halves)
		if !ok {
			return models.ErrNothingToExchange
		}
		scopedB, ok := slotsForScope(slotsB, halves)
		if !ok {
			return models.ErrNothingToExchange
		}

		// Cross-assignment keeps each party's own person/date/half, so the
		// destination can only be occupied by the slot being replaced.
		// Check defensively anyway.
		if len(scopedA) != len(halves) || len(scopedB) != len(halves) {
			return models.ErrConflict
		}

		byHalfA := slotsByHalf(slotsA)
		byHalfB := slotsByHalf(slotsB)

		newA, flagsClearedA, err := c.crossAssign(ctx, tx, byHalfA, byHalfB, scope, halves)
		if err != nil {
			return err
		}
		newB, flagsClearedB, err := c.crossAssign(ctx, tx, byHalfB, byHalfA, scope, halves)
		if err != nil {
			return err
		}

		result.A = newA
		result.B = newB
		result.FlagsCleared = flagsClearedA || flagsClearedB
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("person_a", personA.String()).
		Str("person_b", personB.String()).
		Str("date", models.FormatDate(date)).
		Str("scope", string(scope)).
		Msg("assignments exchanged")
	return result, nil
}

// crossAssign rewrites each of `mine` to the placement `theirs` holds for
// the same half. Role flags travel with the assignment on full-day scope
// and are cleared whenever the received placement sits at the operating
// room, which never hosts a full-day claim.
func (c *Coordinator) crossAssign(ctx context.Context, tx store.SlotTx, mine, theirs map[models.HalfDay]models.Slot, scope models.Scope, halves []models.HalfDay) ([]models.Slot, bool, error) {
	var (
		updated      []models.Slot
		flagsCleared bool
	)
	for _, half := range halves {
		slot := mine[half]
		other := theirs[half]

		flags := slot.Flags
		if scope == models.ScopeFullDay {
			flags = other.Flags
		} else if flags.Any() && !models.SamePlacement(slot.Placement(), other.Placement()) {
			// A half-day swap to a different placement breaks the flagged
			// full day; the flag cannot survive on either half.
			flags = models.RoleFlags{}
			flagsCleared = true
		}

		if flags.Any() {
			site, err := c.store.GetSite(ctx, other.SiteID)
			if err != nil {
				return nil, false, err
			}
			if site.Kind == models.SiteOperatingRoom {
				flags = models.RoleFlags{}
				flagsCleared = true
			}
		}

		if err := tx.UpdatePlacement(ctx, slot, other.Placement(), flags); err != nil {
			return nil, false, err
		}

		slot.SiteID = other.SiteID
		slot.NeedID = other.NeedID
		slot.Flags = flags
		updated = append(updated, slot)
	}

	// A cleared flag may not linger on the half the swap did not touch.
	// That slot changed too, so it belongs in the result set.
	if flagsCleared {
		for half, slot := range mine {
			if containsHalf(halves, half) || !slot.Flags.Any() {
				continue
			}
			if err := tx.UpdatePlacement(ctx, slot, slot.Placement(), models.RoleFlags{}); err != nil {
				return nil, false, err
			}
			slot.Flags = models.RoleFlags{}
			updated = append(updated, slot)
		}
	}
	return updated, flagsCleared, nil
}

func containsHalf(halves []models.HalfDay, half models.HalfDay) bool {
	for _, h := range halves {
		if h == half {
			return true
		}
	}
	return false
}

// slotsForScope returns the slots covering exactly the requested halves,
// or ok=false when any half is missing.
func slotsForScope(slots []models.Slot, halves []models.HalfDay) ([]models.Slot, bool) {
	byHalf := slotsByHalf(slots)
	scoped := make([]models.Slot, 0, len(halves))
	for _, half := range halves {
		slot, ok := byHalf[half]
		if !ok {
			return nil, false
		}
		scoped = append(scoped, slot)
	}
	return scoped, true
}

func slotsByHalf(slots []models.Slot) map[models.HalfDay]models.Slot {
	byHalf := make(map[models.HalfDay]models.Slot, len(slots))
	for _, slot := range slots {
		byHalf[slot.HalfDay] = slot
	}
	return byHalf
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
