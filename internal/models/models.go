// Package models defines the staffing domain types shared by the engine
// components: staff, sites, half-day slots, absences and coverage cells.
package models

import (
	"time"

	"github.com/google/uuid"
)

// StaffKind distinguishes the two slot families.
type StaffKind string

const (
	StaffDoctor    StaffKind = "doctor"
	StaffSecretary StaffKind = "secretary"
)

// HalfDay is the atomic unit of staffing presence.
type HalfDay string

const (
	Morning   HalfDay = "morning"
	Afternoon HalfDay = "afternoon"
)

// Halves lists both half-days in canonical order.
var Halves = []HalfDay{Morning, Afternoon}

// Scope selects which part of a date an operation applies to.
type Scope string

const (
	ScopeMorning   Scope = "morning"
	ScopeAfternoon Scope = "afternoon"
	ScopeFullDay   Scope = "full_day"
)

// HalfDays expands a scope into the half-days it covers.
func (s Scope) HalfDays() []HalfDay {
	switch s {
	case ScopeMorning:
		return []HalfDay{Morning}
	case ScopeAfternoon:
		return []HalfDay{Afternoon}
	case ScopeFullDay:
		return []HalfDay{Morning, Afternoon}
	}
	return nil
}

// Valid reports whether the scope is one of the three known values.
func (s Scope) Valid() bool {
	return s == ScopeMorning || s == ScopeAfternoon || s == ScopeFullDay
}

// SiteKind marks the two distinguished sites.
type SiteKind string

const (
	SiteStandard       SiteKind = "standard"
	SiteAdministrative SiteKind = "administrative"
	SiteOperatingRoom  SiteKind = "operating_room"
)

// StaffMember is a doctor or a medical secretary.
type StaffMember struct {
	ID       uuid.UUID
	Kind     StaffKind
	FullName string
	Active   bool

	// SecretaryRatio is the required-secretary ratio for doctors; unused
	// for secretaries.
	SecretaryRatio float64

	// PreferredSites applies to secretaries only.
	PreferredSites []uuid.UUID
}

// Site is a physical or virtual location staff can be assigned to.
type Site struct {
	ID     uuid.UUID
	Name   string
	Kind   SiteKind
	Closed bool
}

// OperationalNeed describes an operating-room intervention a secretary can
// be booked against.
type OperationalNeed struct {
	ID                uuid.UUID
	InterventionType  string
	RequiredRoleCount int
	Room              string
}

// RoleFlags are the full-day-only responsibility roles on a secretary slot.
type RoleFlags struct {
	R1 bool `json:"r1"`
	F2 bool `json:"f2"`
	F3 bool `json:"f3"`
}

// Any reports whether at least one role flag is set.
func (f RoleFlags) Any() bool {
	return f.R1 || f.F2 || f.F3
}

// RoleFlag names a single responsibility role.
type RoleFlag string

const (
	Role1R RoleFlag = "r1"
	Role2F RoleFlag = "f2"
	Role3F RoleFlag = "f3"
)

// Valid reports whether the flag is one of the three known roles.
func (r RoleFlag) Valid() bool {
	return r == Role1R || r == Role2F || r == Role3F
}

// With returns a copy of the flags with one role switched on or off.
func (f RoleFlags) With(flag RoleFlag, on bool) RoleFlags {
	switch flag {
	case Role1R:
		f.R1 = on
	case Role2F:
		f.F2 = on
	case Role3F:
		f.F3 = on
	}
	return f
}

// Slot is one half-day presence record. Kind tags whether it is a doctor
// need slot or a secretary capacity slot; Flags and NeedID only apply to
// secretary slots.
type Slot struct {
	ID        int64
	PersonID  uuid.UUID
	Kind      StaffKind
	Date      time.Time
	HalfDay   HalfDay
	SiteID    uuid.UUID
	NeedID    *uuid.UUID
	Flags     RoleFlags
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Placement is the site/need pair a slot points at.
type Placement struct {
	SiteID uuid.UUID
	NeedID *uuid.UUID
}

// Placement returns the slot's site/need pair.
func (s Slot) Placement() Placement {
	return Placement{SiteID: s.SiteID, NeedID: s.NeedID}
}

// SamePlacement reports whether two placements target the same site and
// operational need.
func SamePlacement(a, b Placement) bool {
	if a.SiteID != b.SiteID {
		return false
	}
	switch {
	case a.NeedID == nil && b.NeedID == nil:
		return true
	case a.NeedID == nil || b.NeedID == nil:
		return false
	}
	return *a.NeedID == *b.NeedID
}

// ApprovalStatus is the lifecycle state of an absence request.
type ApprovalStatus string

const (
	AbsencePending  ApprovalStatus = "pending"
	AbsenceApproved ApprovalStatus = "approved"
	AbsenceRejected ApprovalStatus = "rejected"
)

// Absence is a leave interval for one person. Consecutive records are kept
// discrete; overlap checks use inclusive interval semantics.
type Absence struct {
	ID        int64
	PersonID  uuid.UUID
	Kind      StaffKind
	DateStart time.Time
	DateEnd   time.Time
	Status    ApprovalStatus
}

// Covers reports whether the absence interval includes the given date.
func (a Absence) Covers(date time.Time) bool {
	d := DateOnly(date)
	return !d.Before(DateOnly(a.DateStart)) && !d.After(DateOnly(a.DateEnd))
}

// CoverageStatus classifies assigned vs required headcount for one cell.
type CoverageStatus string

const (
	CoverageSatisfied   CoverageStatus = "satisfied"
	CoveragePartial     CoverageStatus = "partial"
	CoverageUnsatisfied CoverageStatus = "unsatisfied"
)

// CoverageCell is the derived staffing balance for one site/date/half-day.
// Never persisted; recomputed from slot state on demand.
type CoverageCell struct {
	SiteID   uuid.UUID
	Date     time.Time
	HalfDay  HalfDay
	Required float64
	Assigned int
	Status   CoverageStatus
}

// SiteDay identifies the granularity of change-feed events.
type SiteDay struct {
	SiteID uuid.UUID
	Date   time.Time
}

// DateLayout is the persisted and wire format for dates.
const DateLayout = "2006-01-02"

// DateOnly strips the time-of-day component, normalizing to UTC midnight.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date string.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

// FormatDate renders a date in the persisted YYYY-MM-DD form.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}
