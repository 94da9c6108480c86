package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinroster/internal/absence"
	"clinroster/internal/assign"
	"clinroster/internal/bulk"
	"clinroster/internal/coverage"
	"clinroster/internal/database"
	"clinroster/internal/events"
	"clinroster/internal/exchange"
	"clinroster/internal/locks"
	"clinroster/internal/models"
	"clinroster/internal/query"
	"clinroster/internal/store"
)

type fixture struct {
	handler http.Handler
	store   *store.Store

	doctor uuid.UUID
	secA   uuid.UUID
	secB   uuid.UUID
	site   uuid.UUID
	site2  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	return newFixtureOpts(t, false)
}

func newFixtureOpts(t *testing.T, includePending bool) *fixture {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zerolog.Nop()
	st := store.New(db, events.NewBus(), &logger)
	overlay := absence.NewOverlay(db)
	lockTable := locks.NewTable()

	mutator := assign.NewMutator(st, overlay, lockTable, &logger)
	coordinator := exchange.NewCoordinator(st, overlay, lockTable, &logger)
	calculator := coverage.NewCalculator(st)
	facade := query.NewFacade(st, calculator)
	importer := bulk.NewImporter(st, overlay, 100, &logger)

	server := NewServer(mutator, coordinator, calculator, facade, importer, overlay, includePending, &logger)

	f := &fixture{
		handler: server.Handler(),
		store:   st,
		doctor:  uuid.New(),
		secA:    uuid.New(),
		secB:    uuid.New(),
		site:    uuid.New(),
		site2:   uuid.New(),
	}

	ctx := context.Background()
	require.NoError(t, st.CreateStaff(ctx, models.StaffMember{
		ID: f.doctor, Kind: models.StaffDoctor, FullName: "Dr. Kern", Active: true, SecretaryRatio: 1,
	}))
	require.NoError(t, st.CreateStaff(ctx, models.StaffMember{
		ID: f.secA, Kind: models.StaffSecretary, FullName: "Albers, Jana", Active: true,
	}))
	require.NoError(t, st.CreateStaff(ctx, models.StaffMember{
		ID: f.secB, Kind: models.StaffSecretary, FullName: "Brandt, Mia", Active: true,
	}))
	require.NoError(t, st.CreateSite(ctx, models.Site{ID: f.site, Name: "Cardiology", Kind: models.SiteStandard}))
	require.NoError(t, st.CreateSite(ctx, models.Site{ID: f.site2, Name: "Radiology", Kind: models.SiteStandard}))
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func (f *fixture) createSlot(t *testing.T, personID uuid.UUID, kind, date, scope string, siteID uuid.UUID) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/slots", map[string]any{
		"personId":   personID.String(),
		"personKind": kind,
		"date":       date,
		"scope":      scope,
		"siteId":     siteID.String(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestCreateSlotEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/slots", map[string]any{
		"personId":   f.doctor.String(),
		"personKind": "doctor",
		"date":       "2025-01-06",
		"scope":      "full_day",
		"siteId":     f.site.String(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[MutationResponse](t, rec)
	require.Len(t, resp.Slots, 2)
	assert.Equal(t, "morning", resp.Slots[0].HalfDay)
	assert.Equal(t, "afternoon", resp.Slots[1].HalfDay)
	assert.Equal(t, f.site.String(), resp.Slots[0].SiteID)
}

func TestCreateSlotEndpoint_ConflictMapsTo409(t *testing.T) {
	f := newFixture(t)
	f.createSlot(t, f.doctor, "doctor", "2025-01-06", "morning", f.site)

	rec := f.do(t, http.MethodPost, "/api/slots", map[string]any{
		"personId":   f.doctor.String(),
		"personKind": "doctor",
		"date":       "2025-01-06",
		"scope":      "morning",
		"siteId":     f.site2.String(),
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	resp := decode[map[string]string](t, rec)
	assert.Equal(t, "conflict", resp["code"])
}

func TestCreateSlotEndpoint_BadRequest(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/slots", map[string]any{
		"personId": "not-a-uuid",
		"date":     "2025-01-06",
		"scope":    "morning",
		"siteId":   f.site.String(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/slots", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFlagEndpoint_RequiresFullDayMapsTo422(t *testing.T) {
	f := newFixture(t)
	f.createSlot(t, f.secA, "secretary", "2025-01-06", "morning", f.site)

	rec := f.do(t, http.MethodPost, "/api/slots/flags", map[string]any{
		"personId": f.secA.String(),
		"date":     "2025-01-06",
		"flag":     "r1",
		"on":       true,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	resp := decode[map[string]string](t, rec)
	assert.Equal(t, "requires_full_day", resp["code"])
}

func TestDeleteEndpoint_NotFoundMapsTo404(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/slots/delete", map[string]any{
		"personId": f.doctor.String(),
		"date":     "2025-01-06",
		"scope":    "morning",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReassignEndpoint(t *testing.T) {
	f := newFixture(t)
	f.createSlot(t, f.doctor, "doctor", "2025-01-06", "morning", f.site)

	rec := f.do(t, http.MethodPost, "/api/slots/reassign", map[string]any{
		"personId": f.doctor.String(),
		"date":     "2025-01-06",
		"scope":    "morning",
		"siteId":   f.site2.String(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[MutationResponse](t, rec)
	require.Len(t, resp.Slots, 1)
	assert.Equal(t, f.site2.String(), resp.Slots[0].SiteID)
}

func TestExchangeEndpoints(t *testing.T) {
	f := newFixture(t)
	f.createSlot(t, f.secA, "secretary", "2025-01-06", "morning", f.site)
	f.createSlot(t, f.secB, "secretary", "2025-01-06", "morning", f.site2)

	rec := f.do(t, http.MethodGet,
		fmt.Sprintf("/api/exchange/candidates?personId=%s&date=2025-01-06&scope=morning", f.secA), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	list := decode[map[string][]CandidateDTO](t, rec)
	require.Len(t, list["candidates"], 1)
	assert.Equal(t, f.secB.String(), list["candidates"][0].PersonID)

	rec = f.do(t, http.MethodPost, "/api/exchange", map[string]any{
		"personA": f.secA.String(),
		"personB": f.secB.String(),
		"date":    "2025-01-06",
		"scope":   "morning",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[ExchangeResponse](t, rec)
	require.Len(t, resp.A, 1)
	require.Len(t, resp.B, 1)
	assert.Equal(t, f.site2.String(), resp.A[0].SiteID)
	assert.Equal(t, f.site.String(), resp.B[0].SiteID)
}

func TestCoverageEndpoint(t *testing.T) {
	f := newFixture(t)
	f.createSlot(t, f.doctor, "doctor", "2025-01-06", "morning", f.site)

	rec := f.do(t, http.MethodGet,
		fmt.Sprintf("/api/coverage?siteId=%s&from=2025-01-06&to=2025-01-06", f.site), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[map[string][]models.CoverageCell](t, rec)
	cells := resp["cells"]
	require.Len(t, cells, 2)
	for _, cell := range cells {
		if cell.HalfDay == models.Morning {
			assert.Equal(t, models.CoverageUnsatisfied, cell.Status)
			assert.InDelta(t, 1.0, cell.Required, 1e-9)
		}
	}
}

func TestPlanningEndpoint_RangeCap(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/planning?from=2025-01-01&to=2025-06-30", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/planning?from=2025-01-06&to=2025-01-12", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBulkEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/bulk/slots", BulkRequest{Slots: []SlotDTO{
		{
			Date: "2025-01-06", HalfDay: "morning",
			PersonID: f.doctor.String(), PersonKind: "doctor", SiteID: f.site.String(),
		},
		{
			Date: "2025-01-06", HalfDay: "afternoon",
			PersonID: f.doctor.String(), PersonKind: "doctor", SiteID: f.site.String(),
		},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[BulkResponse](t, rec)
	assert.Equal(t, 2, resp.Committed)
	assert.Empty(t, resp.Violations)

	// Re-sending the same batch now conflicts; whole batch rejected.
	rec = f.do(t, http.MethodPost, "/api/bulk/slots", BulkRequest{Slots: []SlotDTO{
		{
			Date: "2025-01-06", HalfDay: "morning",
			PersonID: f.doctor.String(), PersonKind: "doctor", SiteID: f.site.String(),
		},
	}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	resp = decode[BulkResponse](t, rec)
	assert.Zero(t, resp.Committed)
	require.Len(t, resp.Violations, 1)
	assert.Equal(t, "conflict", resp.Violations[0]["code"])
}

func TestAbsenceEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSlot(t, f.doctor, "doctor", "2025-01-06", "full_day", f.site)

	start, _ := models.ParseDate("2025-01-06")
	end, _ := models.ParseDate("2025-01-07")
	absenceID, err := f.store.CreateAbsence(ctx, models.Absence{
		PersonID: f.doctor, Kind: models.StaffDoctor,
		DateStart: start, DateEnd: end, Status: models.AbsencePending,
	})
	require.NoError(t, err)

	// Pending records show up only when asked for.
	rec := f.do(t, http.MethodGet, "/api/absences?from=2025-01-01&to=2025-01-31", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]AbsenceDTO](t, rec)
	assert.Empty(t, list["absences"])

	rec = f.do(t, http.MethodGet, "/api/absences?from=2025-01-01&to=2025-01-31&includePending=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = decode[map[string][]AbsenceDTO](t, rec)
	require.Len(t, list["absences"], 1)
	assert.Equal(t, "pending", list["absences"][0].Status)

	rec = f.do(t, http.MethodPost, "/api/absences/approve", map[string]any{"id": absenceID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[MutationResponse](t, rec)
	assert.Equal(t, 2, resp.Removed)

	slots, err := f.store.GetSlots(ctx, f.doctor, start, start)
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestAbsenceList_ConfiguredPendingDefault(t *testing.T) {
	f := newFixtureOpts(t, true)
	ctx := context.Background()

	start, _ := models.ParseDate("2025-01-06")
	_, err := f.store.CreateAbsence(ctx, models.Absence{
		PersonID: f.doctor, Kind: models.StaffDoctor,
		DateStart: start, DateEnd: start, Status: models.AbsencePending,
	})
	require.NoError(t, err)

	// With include_pending_absences configured, no query parameter needed.
	rec := f.do(t, http.MethodGet, "/api/absences?from=2025-01-01&to=2025-01-31", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]AbsenceDTO](t, rec)
	require.Len(t, list["absences"], 1)
	assert.Equal(t, "pending", list["absences"][0].Status)

	// An explicit parameter still overrides the configured default.
	rec = f.do(t, http.MethodGet, "/api/absences?from=2025-01-01&to=2025-01-31&includePending=false", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = decode[map[string][]AbsenceDTO](t, rec)
	assert.Empty(t, list["absences"])
}

func TestUnknownFieldRejected(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/slots/delete", map[string]any{
		"personId": f.doctor.String(),
		"date":     "2025-01-06",
		"scope":    "morning",
		"bogus":    true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
