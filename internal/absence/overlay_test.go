package absence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinroster/internal/database"
	"clinroster/internal/events"
	"clinroster/internal/models"
	"clinroster/internal/store"
)

func setup(t *testing.T) (*Overlay, *store.Store, uuid.UUID) {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "absence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zerolog.Nop()
	st := store.New(db, events.NewBus(), &logger)

	personID := uuid.New()
	require.NoError(t, st.CreateStaff(context.Background(), models.StaffMember{
		ID: personID, Kind: models.StaffDoctor, FullName: "Dr. Ortiz", Active: true, SecretaryRatio: 1,
	}))
	return NewOverlay(db), st, personID
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := models.ParseDate(s)
	require.NoError(t, err)
	return d
}

func addAbsence(t *testing.T, st *store.Store, personID uuid.UUID, from, to string, status models.ApprovalStatus) int64 {
	t.Helper()
	id, err := st.CreateAbsence(context.Background(), models.Absence{
		PersonID:  personID,
		Kind:      models.StaffDoctor,
		DateStart: day(t, from),
		DateEnd:   day(t, to),
		Status:    status,
	})
	require.NoError(t, err)
	return id
}

func TestIsAbsent_ApprovedInterval(t *testing.T) {
	overlay, st, personID := setup(t)
	ctx := context.Background()

	addAbsence(t, st, personID, "2025-02-10", "2025-02-14", models.AbsenceApproved)

	tests := []struct {
		date string
		want bool
	}{
		{"2025-02-09", false},
		{"2025-02-10", true}, // start inclusive
		{"2025-02-12", true},
		{"2025-02-14", true}, // end inclusive
		{"2025-02-15", false},
	}
	for _, tt := range tests {
		got, err := overlay.IsAbsent(ctx, personID, models.StaffDoctor, day(t, tt.date), Options{})
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "date %s", tt.date)
	}
}

func TestIsAbsent_PendingFiltered(t *testing.T) {
	overlay, st, personID := setup(t)
	ctx := context.Background()

	addAbsence(t, st, personID, "2025-02-10", "2025-02-10", models.AbsencePending)

	got, err := overlay.IsAbsent(ctx, personID, models.StaffDoctor, day(t, "2025-02-10"), Options{})
	require.NoError(t, err)
	assert.False(t, got, "pending is not absent by default")

	got, err = overlay.IsAbsent(ctx, personID, models.StaffDoctor, day(t, "2025-02-10"), Options{IncludePending: true})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestIsAbsent_RejectedNeverCounts(t *testing.T) {
	overlay, st, personID := setup(t)
	ctx := context.Background()

	addAbsence(t, st, personID, "2025-02-10", "2025-02-10", models.AbsenceRejected)

	got, err := overlay.IsAbsent(ctx, personID, models.StaffDoctor, day(t, "2025-02-10"), Options{IncludePending: true})
	require.NoError(t, err)
	assert.False(t, got)
}

func TestIsAbsent_OtherPerson(t *testing.T) {
	overlay, st, personID := setup(t)
	ctx := context.Background()

	addAbsence(t, st, personID, "2025-02-10", "2025-02-10", models.AbsenceApproved)

	got, err := overlay.IsAbsent(ctx, uuid.New(), models.StaffDoctor, day(t, "2025-02-10"), Options{})
	require.NoError(t, err)
	assert.False(t, got)
}

func TestIsAbsent_StatusChangeTakesEffect(t *testing.T) {
	overlay, st, personID := setup(t)
	ctx := context.Background()

	id := addAbsence(t, st, personID, "2025-02-10", "2025-02-10", models.AbsencePending)

	got, err := overlay.IsAbsent(ctx, personID, models.StaffDoctor, day(t, "2025-02-10"), Options{})
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, st.SetAbsenceStatus(ctx, id, models.AbsenceRejected))
	got, err = overlay.IsAbsent(ctx, personID, models.StaffDoctor, day(t, "2025-02-10"), Options{IncludePending: true})
	require.NoError(t, err)
	assert.False(t, got, "rejected requests never count")

	require.NoError(t, st.SetAbsenceStatus(ctx, id, models.AbsenceApproved))
	got, err = overlay.IsAbsent(ctx, personID, models.StaffDoctor, day(t, "2025-02-10"), Options{})
	require.NoError(t, err)
	assert.True(t, got)

	assert.ErrorIs(t, st.SetAbsenceStatus(ctx, 9999, models.AbsenceApproved), models.ErrNotFound)
}

func TestListAbsences_OverlapAndOrder(t *testing.T) {
	overlay, st, personID := setup(t)
	ctx := context.Background()

	addAbsence(t, st, personID, "2025-02-03", "2025-02-05", models.AbsenceApproved)
	addAbsence(t, st, personID, "2025-02-10", "2025-02-12", models.AbsenceApproved)
	addAbsence(t, st, personID, "2025-03-01", "2025-03-02", models.AbsenceApproved)
	// Consecutive records stay discrete.
	addAbsence(t, st, personID, "2025-02-13", "2025-02-14", models.AbsenceApproved)

	got, err := overlay.ListAbsences(ctx, day(t, "2025-02-01"), day(t, "2025-02-28"), Options{})
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Newest interval first.
	assert.Equal(t, "2025-02-13", models.FormatDate(got[0].DateStart))
	assert.Equal(t, "2025-02-10", models.FormatDate(got[1].DateStart))
	assert.Equal(t, "2025-02-03", models.FormatDate(got[2].DateStart))
}

func TestListAbsences_PartialOverlapIncluded(t *testing.T) {
	overlay, st, personID := setup(t)
	ctx := context.Background()

	// Straddles the window start.
	addAbsence(t, st, personID, "2025-01-28", "2025-02-02", models.AbsenceApproved)

	got, err := overlay.ListAbsences(ctx, day(t, "2025-02-01"), day(t, "2025-02-28"), Options{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
