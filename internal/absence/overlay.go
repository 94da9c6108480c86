// Package absence is the read-only lookup of who is on leave. The mutator
// and exchange coordinator consult it before accepting any change; views
// may include pending requests via Options.
package absence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"clinroster/internal/database"
	"clinroster/internal/models"
)

// Options control which approval states count as absent.
type Options struct {
	// IncludePending also counts absences awaiting approval. Commit-time
	// checks leave this false; some calendar views set it.
	IncludePending bool
}

// Overlay answers absence questions from stored absence records.
type Overlay struct {
	db *database.DB
}

func NewOverlay(db *database.DB) *Overlay {
	return &Overlay{db: db}
}

// IsAbsent reports whether the person has an absence covering the date.
func (o *Overlay) IsAbsent(ctx context.Context, personID uuid.UUID, kind models.StaffKind, date time.Time, opts Options) (bool, error) {
	statuses := []any{string(models.AbsenceApproved)}
	placeholder := "?"
	if opts.IncludePending {
		statuses = append(statuses, string(models.AbsencePending))
		placeholder = "?, ?"
	}

	day := models.FormatDate(date)
	args := append([]any{personID.String(), string(kind), day, day}, statuses...)

	var count int
	err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM absences
		 WHERE person_id = ? AND person_kind = ?
		 AND date_start <= ? AND date_end >= ?
		 AND status IN (`+placeholder+`)`,
		args...,
	).Scan(&count)
	if err != nil {
		return false, models.StorageErr(err)
	}
	return count > 0, nil
}

// ListAbsences returns absences overlapping [from, to], newest interval
// first. Records stay discrete even when consecutive; merging for display
// is a UI concern.
func (o *Overlay) ListAbsences(ctx context.Context, from, to time.Time, opts Options) ([]models.Absence, error) {
	statuses := []any{string(models.AbsenceApproved)}
	placeholder := "?"
	if opts.IncludePending {
		statuses = append(statuses, string(models.AbsencePending))
		placeholder = "?, ?"
	}

	args := append([]any{models.FormatDate(to), models.FormatDate(from)}, statuses...)

	rows, err := o.db.QueryContext(ctx,
		`SELECT id, person_id, person_kind, date_start, date_end, status
		 FROM absences
		 WHERE date_start <= ? AND date_end >= ?
		 AND status IN (`+placeholder+`)
		 ORDER BY date_start DESC, id`,
		args...,
	)
	if err != nil {
		return nil, models.StorageErr(err)
	}
	defer rows.Close()

	var absences []models.Absence
	for rows.Next() {
		var (
			a                models.Absence
			personID         string
			kind, start, end string
			status           string
		)
		if err := rows.Scan(&a.ID, &personID, &kind, &start, &end, &status); err != nil {
			return nil, models.StorageErr(err)
		}

		pid, err := uuid.Parse(personID)
		if err != nil {
			return nil, models.StorageErr(err)
		}
		a.PersonID = pid
		a.Kind = models.StaffKind(kind)
		a.Status = models.ApprovalStatus(status)
		if a.DateStart, err = models.ParseDate(start); err != nil {
			return nil, models.StorageErr(err)
		}
		if a.DateEnd, err = models.ParseDate(end); err != nil {
			return nil, models.StorageErr(err)
		}
		absences = append(absences, a)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageErr(err)
	}
	return absences, nil
}
