// Package store is the persistence boundary for half-day slots and the
// reference records around them. No business validation happens here; the
// mutator and exchange coordinator validate before calling in.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"clinroster/internal/database"
	"clinroster/internal/events"
	"clinroster/internal/metrics"
	"clinroster/internal/models"
)

// Store wraps the database and emits one change event per affected
// (site, date) pair after each committed transaction.
type Store struct {
	db     *database.DB
	bus    *events.Bus
	logger *zerolog.Logger
}

func New(db *database.DB, bus *events.Bus, logger *zerolog.Logger) *Store {
	return &Store{db: db, bus: bus, logger: logger}
}

// SlotTx is the mutation surface available inside a transaction. Every
// write records the (site, date) pairs it touches for post-commit events.
type SlotTx interface {
	SlotsFor(ctx context.Context, personID uuid.UUID, date time.Time) ([]models.Slot, error)
	ActiveSlot(ctx context.Context, personID uuid.UUID, date time.Time, half models.HalfDay) (*models.Slot, error)
	UpsertSlot(ctx context.Context, slot models.Slot) (int64, error)
	UpdatePlacement(ctx context.Context, slot models.Slot, placement models.Placement, flags models.RoleFlags) error
	DeactivateSlot(ctx context.Context, slot models.Slot) error
	DeleteSlots(ctx context.Context, filter SlotFilter) (int, error)
	SetAbsenceStatus(ctx context.Context, id int64, status models.ApprovalStatus) error
}

// SlotFilter narrows DeleteSlots to a subset of active slots.
type SlotFilter struct {
	PersonID *uuid.UUID
	SiteID   *uuid.UUID
	DateFrom *time.Time
	DateTo   *time.Time
	HalfDays []models.HalfDay
}

// Tx implements SlotTx over one sqlite transaction.
type Tx struct {
	tx      *sql.Tx
	touched map[models.SiteDay]struct{}
}

// WithinTx runs fn inside a single transaction. On success the collected
// (site, date) change events are published, one per pair; on failure the
// transaction rolls back fully and nothing is emitted.
func (s *Store) WithinTx(ctx context.Context, fn func(tx SlotTx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.StorageErr(err)
	}

	tx := &Tx{tx: sqlTx, touched: make(map[models.SiteDay]struct{})}

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.logger.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return models.StorageErr(err)
	}

	for pair := range tx.touched {
		metrics.IncChangeEvent()
		s.bus.Publish(events.Change{
			SiteID: pair.SiteID,
			Date:   models.FormatDate(pair.Date),
		})
	}
	return nil
}

func (t *Tx) touch(siteID uuid.UUID, date time.Time) {
	t.touched[models.SiteDay{SiteID: siteID, Date: models.DateOnly(date)}] = struct{}{}
}

const slotColumns = `id, person_id, person_kind, date, half_day, site_id, need_id,
	flag_r1, flag_f2, flag_f3, is_active, created_at, updated_at`

// SlotsFor returns all active slots of one person on one date.
func (t *Tx) SlotsFor(ctx context.Context, personID uuid.UUID, date time.Time) ([]models.Slot, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+slotColumns+` FROM slots
		 WHERE person_id = ? AND date = ? AND is_active = 1
		 ORDER BY half_day`,
		personID.String(), models.FormatDate(date),
	)
	if err != nil {
		return nil, models.StorageErr(err)
	}
	defer rows.Close()
	return collectSlots(rows)
}

// ActiveSlot returns the active slot for a half-day, or nil if none exists.
func (t *Tx) ActiveSlot(ctx context.Context, personID uuid.UUID, date time.Time, half models.HalfDay) (*models.Slot, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+slotColumns+` FROM slots
		 WHERE person_id = ? AND date = ? AND half_day = ? AND is_active = 1
		 LIMIT 1`,
		personID.String(), models.FormatDate(date), string(half),
	)
	slot, err := scanSlotRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, models.StorageErr(err)
	}
	return slot, nil
}

// UpsertSlot inserts a new active slot row. The partial unique index on
// (person_id, date, half_day) is the storage backstop against
// double-booking; a constraint hit maps to ErrConflict.
func (t *Tx) UpsertSlot(ctx context.Context, slot models.Slot) (int64, error) {
	var needID any
	if slot.NeedID != nil {
		needID = slot.NeedID.String()
	}

	now := time.Now()
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO slots (person_id, person_kind, date, half_day, site_id, need_id,
			flag_r1, flag_f2, flag_f3, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		slot.PersonID.String(), string(slot.Kind), models.FormatDate(slot.Date),
		string(slot.HalfDay), slot.SiteID.String(), needID,
		slot.Flags.R1, slot.Flags.F2, slot.Flags.F3, now, now,
	)
	if err != nil {
		if isConstraintErr(err) {
			return 0, models.ErrConflict
		}
		return 0, models.StorageErr(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, models.StorageErr(err)
	}

	t.touch(slot.SiteID, slot.Date)
	return id, nil
}

// UpdatePlacement moves a slot to a new site/need and replaces its role
// flags. Both the old and the new site cells change.
func (t *Tx) UpdatePlacement(ctx context.Context, slot models.Slot, placement models.Placement, flags models.RoleFlags) error {
	var needID any
	if placement.NeedID != nil {
		needID = placement.NeedID.String()
	}

	res, err := t.tx.ExecContext(ctx,
		`UPDATE slots SET site_id = ?, need_id = ?, flag_r1 = ?, flag_f2 = ?, flag_f3 = ?, updated_at = ?
		 WHERE id = ? AND is_active = 1`,
		placement.SiteID.String(), needID, flags.R1, flags.F2, flags.F3, time.Now(), slot.ID,
	)
	if err != nil {
		return models.StorageErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.StorageErr(err)
	}
	if affected == 0 {
		return models.ErrNotFound
	}

	t.touch(slot.SiteID, slot.Date)
	t.touch(placement.SiteID, slot.Date)
	return nil
}

// DeactivateSlot soft-deletes one slot.
func (t *Tx) DeactivateSlot(ctx context.Context, slot models.Slot) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE slots SET is_active = 0, updated_at = ? WHERE id = ? AND is_active = 1`,
		time.Now(), slot.ID,
	)
	if err != nil {
		return models.StorageErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.StorageErr(err)
	}
	if affected == 0 {
		return models.ErrNotFound
	}

	t.touch(slot.SiteID, slot.Date)
	return nil
}

// DeleteSlots deactivates every active slot matching the filter and returns
// the count. Affected (site, date) pairs are collected for events.
func (t *Tx) DeleteSlots(ctx context.Context, filter SlotFilter) (int, error) {
	where, args := filter.clauses()

	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+slotColumns+` FROM slots WHERE `+where, args...)
	if err != nil {
		return 0, models.StorageErr(err)
	}
	matched, err := collectSlots(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	for _, slot := range matched {
		if err := t.DeactivateSlot(ctx, slot); err != nil {
			return 0, err
		}
	}
	return len(matched), nil
}

// SetAbsenceStatus updates an absence's approval status inside the
// transaction, so an approval commits together with its slot cascade.
func (t *Tx) SetAbsenceStatus(ctx context.Context, id int64, status models.ApprovalStatus) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE absences SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now(), id,
	)
	if err != nil {
		return models.StorageErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.StorageErr(err)
	}
	if affected == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (f SlotFilter) clauses() (string, []any) {
	where := []string{"is_active = 1"}
	var args []any

	if f.PersonID != nil {
		where = append(where, "person_id = ?")
		args = append(args, f.PersonID.String())
	}
	if f.SiteID != nil {
		where = append(where, "site_id = ?")
		args = append(args, f.SiteID.String())
	}
	if f.DateFrom != nil {
		where = append(where, "date >= ?")
		args = append(args, models.FormatDate(*f.DateFrom))
	}
	if f.DateTo != nil {
		where = append(where, "date <= ?")
		args = append(args, models.FormatDate(*f.DateTo))
	}
	if len(f.HalfDays) > 0 {
		placeholders := make([]string, len(f.HalfDays))
		for i, h := range f.HalfDays {
			placeholders[i] = "?"
			args = append(args, string(h))
		}
		where = append(where, "half_day IN ("+strings.Join(placeholders, ", ")+")")
	}
	return strings.Join(where, " AND "), args
}

// GetSlots returns a person's active slots within [from, to].
func (s *Store) GetSlots(ctx context.Context, personID uuid.UUID, from, to time.Time) ([]models.Slot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+slotColumns+` FROM slots
		 WHERE person_id = ? AND date >= ? AND date <= ? AND is_active = 1
		 ORDER BY date, half_day`,
		personID.String(), models.FormatDate(from), models.FormatDate(to),
	)
	if err != nil {
		return nil, models.StorageErr(err)
	}
	defer rows.Close()
	return collectSlots(rows)
}

// GetSlotsBySiteDate returns all active slots at a site on a date.
func (s *Store) GetSlotsBySiteDate(ctx context.Context, siteID uuid.UUID, date time.Time) ([]models.Slot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+slotColumns+` FROM slots
		 WHERE site_id = ? AND date = ? AND is_active = 1
		 ORDER BY half_day, person_id`,
		siteID.String(), models.FormatDate(date),
	)
	if err != nil {
		return nil, models.StorageErr(err)
	}
	defer rows.Close()
	return collectSlots(rows)
}

// GetSlotsByDateRange returns every active slot within [from, to]; the
// query facade aggregates these into the planning views.
func (s *Store) GetSlotsByDateRange(ctx context.Context, from, to time.Time) ([]models.Slot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+slotColumns+` FROM slots
		 WHERE date >= ? AND date <= ? AND is_active = 1
		 ORDER BY site_id, date, half_day`,
		models.FormatDate(from), models.FormatDate(to),
	)
	if err != nil {
		return nil, models.StorageErr(err)
	}
	defer rows.Close()
	return collectSlots(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(sc rowScanner) (*models.Slot, error) {
	var (
		slot               models.Slot
		personID, siteID   string
		kind, half, date   string
		needID             sql.NullString
		createdAt, updated time.Time
	)
	if err := sc.Scan(
		&slot.ID, &personID, &kind, &date, &half, &siteID, &needID,
		&slot.Flags.R1, &slot.Flags.F2, &slot.Flags.F3, &slot.Active,
		&createdAt, &updated,
	); err != nil {
		return nil, err
	}

	pid, err := uuid.Parse(personID)
	if err != nil {
		return nil, fmt.Errorf("parse person id: %w", err)
	}
	sid, err := uuid.Parse(siteID)
	if err != nil {
		return nil, fmt.Errorf("parse site id: %w", err)
	}
	parsedDate, err := models.ParseDate(date)
	if err != nil {
		return nil, fmt.Errorf("parse slot date: %w", err)
	}

	slot.PersonID = pid
	slot.SiteID = sid
	slot.Kind = models.StaffKind(kind)
	slot.HalfDay = models.HalfDay(half)
	slot.Date = parsedDate
	slot.CreatedAt = createdAt
	slot.UpdatedAt = updated

	if needID.Valid {
		nid, err := uuid.Parse(needID.String)
		if err != nil {
			return nil, fmt.Errorf("parse need id: %w", err)
		}
		slot.NeedID = &nid
	}
	return &slot, nil
}

func scanSlotRow(row *sql.Row) (*models.Slot, error) {
	return scanSlot(row)
}

func collectSlots(rows *sql.Rows) ([]models.Slot, error) {
	var slots []models.Slot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, models.StorageErr(err)
		}
		slots = append(slots, *slot)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageErr(err)
	}
	return slots, nil
}

func isConstraintErr(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}
