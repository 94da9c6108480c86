package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"clinroster/internal/models"
)

// Reference reads used by coverage, the mutator and the exchange
// coordinator. Writes below exist for provisioning and the optimizer seed
// path; the full CRUD surface lives in the administration UI backend.

// GetStaff returns one staff member.
func (s *Store) GetStaff(ctx context.Context, id uuid.UUID) (*models.StaffMember, error) {
	var (
		m        models.StaffMember
		rawID    string
		kind     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, full_name, is_active, secretary_ratio FROM staff WHERE id = ?`,
		id.String(),
	).Scan(&rawID, &kind, &m.FullName, &m.Active, &m.SecretaryRatio)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.StorageErr(err)
	}

	m.ID = id
	m.Kind = models.StaffKind(kind)
	return &m, nil
}

// ListActiveStaff returns all active staff of one kind, sorted by name for
// deterministic display.
func (s *Store) ListActiveStaff(ctx context.Context, kind models.StaffKind) ([]models.StaffMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, full_name, is_active, secretary_ratio
		 FROM staff WHERE kind = ? AND is_active = 1
		 ORDER BY full_name`,
		string(kind),
	)
	if err != nil {
		return nil, models.StorageErr(err)
	}
	defer rows.Close()

	var staff []models.StaffMember
	for rows.Next() {
		var (
			m     models.StaffMember
			rawID string
			k     string
		)
		if err := rows.Scan(&rawID, &k, &m.FullName, &m.Active, &m.SecretaryRatio); err != nil {
			return nil, models.StorageErr(err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, models.StorageErr(err)
		}
		m.ID = id
		m.Kind = models.StaffKind(k)
		staff = append(staff, m)
	}
	return staff, rows.Err()
}

// GetSite returns one site.
func (s *Store) GetSite(ctx context.Context, id uuid.UUID) (*models.Site, error) {
	var (
		site  models.Site
		rawID string
		kind  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, kind, is_closed FROM sites WHERE id = ?`,
		id.String(),
	).Scan(&rawID, &site.Name, &kind, &site.Closed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.StorageErr(err)
	}

	site.ID = id
	site.Kind = models.SiteKind(kind)
	return &site, nil
}

// GetNeed returns one operational need.
func (s *Store) GetNeed(ctx context.Context, id uuid.UUID) (*models.OperationalNeed, error) {
	var (
		need  models.OperationalNeed
		rawID string
		room  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, intervention_type, required_role_count, room FROM operational_needs WHERE id = ?`,
		id.String(),
	).Scan(&rawID, &need.InterventionType, &need.RequiredRoleCount, &room)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.StorageErr(err)
	}

	need.ID = id
	need.Room = room.String
	return &need, nil
}

// IsEligible reports whether a secretary's eligibility list includes the
// operational need.
func (s *Store) IsEligible(ctx context.Context, staffID, needID uuid.UUID) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM staff_need_eligibility WHERE staff_id = ? AND need_id = ?`,
		staffID.String(), needID.String(),
	).Scan(&count)
	if err != nil {
		return false, models.StorageErr(err)
	}
	return count > 0, nil
}

// CreateStaff inserts a staff member.
func (s *Store) CreateStaff(ctx context.Context, m models.StaffMember) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO staff (id, kind, full_name, is_active, secretary_ratio, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), string(m.Kind), m.FullName, m.Active, m.SecretaryRatio,
		time.Now(), time.Now(),
	)
	if err != nil {
		return models.StorageErr(err)
	}
	for _, siteID := range m.PreferredSites {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO staff_preferred_sites (staff_id, site_id) VALUES (?, ?)`,
			m.ID.String(), siteID.String(),
		); err != nil {
			return models.StorageErr(err)
		}
	}
	return nil
}

// CreateSite inserts a site.
func (s *Store) CreateSite(ctx context.Context, site models.Site) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sites (id, name, kind, is_closed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		site.ID.String(), site.Name, string(site.Kind), site.Closed,
		time.Now(), time.Now(),
	)
	return models.StorageErr(err)
}

// CreateNeed inserts an operational need.
func (s *Store) CreateNeed(ctx context.Context, need models.OperationalNeed) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operational_needs (id, intervention_type, required_role_count, room, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		need.ID.String(), need.InterventionType, need.RequiredRoleCount, need.Room,
		time.Now(), time.Now(),
	)
	return models.StorageErr(err)
}

// AddEligibility records that a secretary may take an operational need.
func (s *Store) AddEligibility(ctx context.Context, staffID, needID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO staff_need_eligibility (staff_id, need_id) VALUES (?, ?)`,
		staffID.String(), needID.String(),
	)
	return models.StorageErr(err)
}

// CreateAbsence inserts an absence record and returns its id.
func (s *Store) CreateAbsence(ctx context.Context, a models.Absence) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO absences (person_id, person_kind, date_start, date_end, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.PersonID.String(), string(a.Kind),
		models.FormatDate(a.DateStart), models.FormatDate(a.DateEnd),
		string(a.Status), time.Now(), time.Now(),
	)
	if err != nil {
		return 0, models.StorageErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, models.StorageErr(err)
	}
	return id, nil
}

// SetAbsenceStatus updates the approval status of an absence.
func (s *Store) SetAbsenceStatus(ctx context.Context, id int64, status models.ApprovalStatus) error {
	res, err := s.db.ExecContext(ctx,
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

// GetAbsence returns one absence record.
func (s *Store) GetAbsence(ctx context.Context, id int64) (*models.Absence, error) {
	var (
		a                  models.Absence
		personID           string
		kind, start, end   string
		status             string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, person_id, person_kind, date_start, date_end, status FROM absences WHERE id = ?`,
		id,
	).Scan(&a.ID, &personID, &kind, &start, &end, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
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
	return &a, nil
}
