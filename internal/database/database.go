package database

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps sql.DB for the staffing engine.
type DB struct {
	*sql.DB
}

// NewDB opens the database at path and runs migrations.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := createTables(db); err != nil {
		return nil, err
	}
	return &DB{db}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		// Staff members (doctors and secretaries)
		`CREATE TABLE IF NOT EXISTS staff (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL CHECK (kind IN ('doctor', 'secretary')),
			full_name TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			secretary_ratio REAL NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Sites
		`CREATE TABLE IF NOT EXISTS sites (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			kind TEXT NOT NULL DEFAULT 'standard'
				CHECK (kind IN ('standard', 'administrative', 'operating_room')),
			is_closed BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Secretary preferred sites
		`CREATE TABLE IF NOT EXISTS staff_preferred_sites (
			staff_id TEXT NOT NULL,
			site_id TEXT NOT NULL,
			PRIMARY KEY (staff_id, site_id),
			FOREIGN KEY (staff_id) REFERENCES staff(id),
			FOREIGN KEY (site_id) REFERENCES sites(id)
		)`,

		// Operating-room operational needs
		`CREATE TABLE IF NOT EXISTS operational_needs (
			id TEXT PRIMARY KEY,
			intervention_type TEXT NOT NULL,
			required_role_count INTEGER NOT NULL DEFAULT 1,
			room TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Secretary eligibility for operational needs
		`CREATE TABLE IF NOT EXISTS staff_need_eligibility (
			staff_id TEXT NOT NULL,
			need_id TEXT NOT NULL,
			PRIMARY KEY (staff_id, need_id),
			FOREIGN KEY (staff_id) REFERENCES staff(id),
			FOREIGN KEY (need_id) REFERENCES operational_needs(id)
		)`,

		// Half-day assignment slots (doctor needs and secretary capacities)
		`CREATE TABLE IF NOT EXISTS slots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			person_id TEXT NOT NULL,
			person_kind TEXT NOT NULL CHECK (person_kind IN ('doctor', 'secretary')),
			date TEXT NOT NULL,
			half_day TEXT NOT NULL CHECK (half_day IN ('morning', 'afternoon')),
			site_id TEXT NOT NULL,
			need_id TEXT,
			flag_r1 BOOLEAN NOT NULL DEFAULT 0,
			flag_f2 BOOLEAN NOT NULL DEFAULT 0,
			flag_f3 BOOLEAN NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (person_id) REFERENCES staff(id),
			FOREIGN KEY (site_id) REFERENCES sites(id),
			FOREIGN KEY (need_id) REFERENCES operational_needs(id)
		)`,

		// Absences
		`CREATE TABLE IF NOT EXISTS absences (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			person_id TEXT NOT NULL,
			person_kind TEXT NOT NULL CHECK (person_kind IN ('doctor', 'secretary')),
			date_start TEXT NOT NULL,
			date_end TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending', 'approved', 'rejected')),
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (person_id) REFERENCES staff(id)
		)`,

		// Indexes; the partial unique index is the storage-level backstop for
		// the no-double-booking invariant.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_slots_person_half_active
			ON slots(person_id, date, half_day) WHERE is_active = 1`,
		`CREATE INDEX IF NOT EXISTS idx_slots_site_date ON slots(site_id, date)`,
		`CREATE INDEX IF NOT EXISTS idx_slots_person_date ON slots(person_id, date)`,
		`CREATE INDEX IF NOT EXISTS idx_absences_person ON absences(person_id, date_start, date_end)`,
		`CREATE INDEX IF NOT EXISTS idx_absences_range ON absences(date_start, date_end)`,
		`CREATE INDEX IF NOT EXISTS idx_staff_kind_active ON staff(kind, is_active)`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("exec migration %s: %w", trimSQL(q), err)
		}
	}
	return nil
}

func trimSQL(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}
