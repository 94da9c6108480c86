package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"clinroster/internal/absence"
	"clinroster/internal/assign"
	"clinroster/internal/metrics"
	"clinroster/internal/models"
)

// CreateSlotRequest books a person for a scope on a date.
// POST /api/slots
type CreateSlotRequest struct {
	PersonID          string           `json:"personId"`
	PersonKind        string           `json:"personKind"`
	Date              string           `json:"date"`
	Scope             string           `json:"scope"`
	SiteID            string           `json:"siteId"`
	OperationalNeedID *string          `json:"operationalNeedId"`
	AfternoonSiteID   *string          `json:"afternoonSiteId"`
	AfternoonNeedID   *string          `json:"afternoonNeedId"`
	RoleFlags         models.RoleFlags `json:"roleFlags"`
}

// MutationResponse carries the slots an operation left in place.
type MutationResponse struct {
	Slots        []SlotDTO `json:"slots"`
	FlagsCleared bool      `json:"flagsCleared"`
	Removed      int       `json:"removed,omitempty"`
}

func (s *Server) handleCreateSlot(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("slots_create")
	if !requirePost(w, r) {
		return
	}

	var req CreateSlotRequest
	if !decodeBody(w, r, &req) {
		return
	}

	personID, date, err := parsePersonDate(req.PersonID, req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}
	placement, err := parsePlacement(req.SiteID, req.OperationalNeedID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	createReq := assign.CreateRequest{
		PersonID:  personID,
		Kind:      models.StaffKind(req.PersonKind),
		Date:      date,
		Scope:     models.Scope(req.Scope),
		Placement: placement,
		Flags:     req.RoleFlags,
	}
	if req.AfternoonSiteID != nil {
		afternoon, err := parsePlacement(*req.AfternoonSiteID, req.AfternoonNeedID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid", err.Error())
			return
		}
		createReq.AfternoonPlacement = &afternoon
	}

	result, err := s.mutator.Create(r.Context(), createReq)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, MutationResponse{Slots: toSlotDTOs(result.Slots)})
}

// ReassignRequest moves slot(s) to a new site/operation.
// POST /api/slots/reassign
type ReassignRequest struct {
	PersonID          string  `json:"personId"`
	Date              string  `json:"date"`
	Scope             string  `json:"scope"`
	SiteID            string  `json:"siteId"`
	OperationalNeedID *string `json:"operationalNeedId"`
	AfternoonSiteID   *string `json:"afternoonSiteId"`
	AfternoonNeedID   *string `json:"afternoonNeedId"`
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("slots_reassign")
	if !requirePost(w, r) {
		return
	}

	var req ReassignRequest
	if !decodeBody(w, r, &req) {
		return
	}

	personID, date, err := parsePersonDate(req.PersonID, req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}
	placement, err := parsePlacement(req.SiteID, req.OperationalNeedID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	reassignReq := assign.ReassignRequest{
		PersonID:  personID,
		Date:      date,
		Scope:     models.Scope(req.Scope),
		Placement: placement,
	}
	if req.AfternoonSiteID != nil {
		afternoon, err := parsePlacement(*req.AfternoonSiteID, req.AfternoonNeedID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid", err.Error())
			return
		}
		reassignReq.AfternoonPlacement = &afternoon
	}

	result, err := s.mutator.Reassign(r.Context(), reassignReq)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MutationResponse{
		Slots:        toSlotDTOs(result.Slots),
		FlagsCleared: result.FlagsCleared,
	})
}

// FlagRequest toggles one responsibility role.
// POST /api/slots/flags
type FlagRequest struct {
	PersonID string `json:"personId"`
	Date     string `json:"date"`
	Flag     string `json:"flag"`
	On       bool   `json:"on"`
}

func (s *Server) handleToggleFlag(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("slots_flags")
	if !requirePost(w, r) {
		return
	}

	var req FlagRequest
	if !decodeBody(w, r, &req) {
		return
	}

	personID, date, err := parsePersonDate(req.PersonID, req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	result, err := s.mutator.ToggleRoleFlag(r.Context(), personID, date, models.RoleFlag(req.Flag), req.On)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MutationResponse{Slots: toSlotDTOs(result.Slots)})
}

// DeleteRequest removes slot(s) for a scope.
// POST /api/slots/delete
type DeleteRequest struct {
	PersonID string `json:"personId"`
	Date     string `json:"date"`
	Scope    string `json:"scope"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("slots_delete")
	if !requirePost(w, r) {
		return
	}

	var req DeleteRequest
	if !decodeBody(w, r, &req) {
		return
	}

	personID, date, err := parsePersonDate(req.PersonID, req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	result, err := s.mutator.Delete(r.Context(), personID, date, models.Scope(req.Scope))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MutationResponse{
		Slots:        toSlotDTOs(result.Slots),
		FlagsCleared: result.FlagsCleared,
	})
}

// CandidateDTO is one possible swap partner.
type CandidateDTO struct {
	PersonID  string    `json:"personId"`
	FullName  string    `json:"fullName"`
	Qualified bool      `json:"qualified"`
	Slots     []SlotDTO `json:"slots"`
}

// GET /api/exchange/candidates?personId=&date=&scope=&needId=
func (s *Server) handleExchangeCandidates(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("exchange_candidates")
	if !requireGet(w, r) {
		return
	}

	q := r.URL.Query()
	personID, date, err := parsePersonDate(q.Get("personId"), q.Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	var needFilter *uuid.UUID
	if raw := q.Get("needId"); raw != "" {
		needID, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid", "invalid needId")
			return
		}
		needFilter = &needID
	}

	candidates, err := s.exchange.FindExchangeCandidates(r.Context(), personID, date, models.Scope(q.Get("scope")), needFilter)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dtos := make([]CandidateDTO, len(candidates))
	for i, c := range candidates {
		dtos[i] = CandidateDTO{
			PersonID:  c.Person.ID.String(),
			FullName:  c.Person.FullName,
			Qualified: c.Qualified,
			Slots:     toSlotDTOs(c.Slots),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": dtos})
}

// ExchangeRequest swaps two parties' assignments.
// POST /api/exchange
type ExchangeRequest struct {
	PersonA string `json:"personA"`
	PersonB string `json:"personB"`
	Date    string `json:"date"`
	Scope   string `json:"scope"`
}

// ExchangeResponse returns both parties' new slot sets.
type ExchangeResponse struct {
	A            []SlotDTO `json:"a"`
	B            []SlotDTO `json:"b"`
	FlagsCleared bool      `json:"flagsCleared"`
}

func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("exchange")
	if !requirePost(w, r) {
		return
	}

	var req ExchangeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	personA, date, err := parsePersonDate(req.PersonA, req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}
	personB, err := uuid.Parse(req.PersonB)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid personB")
		return
	}

	result, err := s.exchange.Exchange(r.Context(), personA, personB, date, models.Scope(req.Scope))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExchangeResponse{
		A:            toSlotDTOs(result.A),
		B:            toSlotDTOs(result.B),
		FlagsCleared: result.FlagsCleared,
	})
}

// GET /api/coverage?siteId=&from=&to=
func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("coverage")
	if !requireGet(w, r) {
		return
	}

	q := r.URL.Query()
	siteID, err := uuid.Parse(q.Get("siteId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid siteId")
		return
	}
	from, to, err := parseDateRange(q.Get("from"), q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	cells, err := s.coverage.ComputeRange(r.Context(), []uuid.UUID{siteID}, from, to)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cells": cells})
}

// GET /api/planning?from=&to=
func (s *Server) handlePlanning(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("planning")
	if !requireGet(w, r) {
		return
	}

	from, to, err := parseDateRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	view, err := s.facade.WeekView(r.Context(), from, to)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// BulkRequest is the optimizer callback payload.
// POST /api/bulk/slots
type BulkRequest struct {
	Slots []SlotDTO `json:"slots"`
}

// BulkResponse reports the outcome of a bulk import.
type BulkResponse struct {
	Committed  int              `json:"committed"`
	Violations []map[string]any `json:"violations,omitempty"`
}

func (s *Server) handleBulkImport(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("bulk_slots")
	if !requirePost(w, r) {
		return
	}

	var req BulkRequest
	if !decodeBody(w, r, &req) {
		return
	}

	slots := make([]models.Slot, len(req.Slots))
	for i, dto := range req.Slots {
		slot, err := fromSlotDTO(dto)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid", fmt.Sprintf("row %d: %v", i, err))
			return
		}
		slots[i] = slot
	}

	committed, violations, err := s.importer.Import(r.Context(), slots)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	resp := BulkResponse{Committed: committed}
	for _, v := range violations {
		resp.Violations = append(resp.Violations, map[string]any{
			"index": v.Index,
			"code":  v.Code,
		})
	}
	status := http.StatusOK
	if len(violations) > 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

// AbsenceDTO is the wire shape of one absence record.
type AbsenceDTO struct {
	ID         int64  `json:"id"`
	PersonID   string `json:"personId"`
	PersonKind string `json:"personKind"`
	DateStart  string `json:"dateStart"`
	DateEnd    string `json:"dateEnd"`
	Status     string `json:"status"`
}

// GET /api/absences?from=&to=&includePending=
func (s *Server) handleListAbsences(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("absences")
	if !requireGet(w, r) {
		return
	}

	q := r.URL.Query()
	from, to, err := parseDateRange(q.Get("from"), q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}
	includePending := s.includePending
	if raw := q.Get("includePending"); raw != "" {
		includePending = raw == "true"
	}

	absences, err := s.absences.ListAbsences(r.Context(), from, to, absence.Options{IncludePending: includePending})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dtos := make([]AbsenceDTO, len(absences))
	for i, a := range absences {
		dtos[i] = AbsenceDTO{
			ID:         a.ID,
			PersonID:   a.PersonID.String(),
			PersonKind: string(a.Kind),
			DateStart:  models.FormatDate(a.DateStart),
			DateEnd:    models.FormatDate(a.DateEnd),
			Status:     string(a.Status),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"absences": dtos})
}

// ApproveAbsenceRequest approves an absence and cascades slot removal.
// POST /api/absences/approve
type ApproveAbsenceRequest struct {
	ID json.Number `json:"id"`
}

func (s *Server) handleApproveAbsence(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("absences_approve")
	if !requirePost(w, r) {
		return
	}

	var req ApproveAbsenceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := strconv.ParseInt(req.ID.String(), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid id")
		return
	}

	removed, err := s.mutator.ApproveAbsence(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MutationResponse{Removed: removed})
}

func parsePersonDate(rawPerson, rawDate string) (uuid.UUID, time.Time, error) {
	personID, err := uuid.Parse(rawPerson)
	if err != nil {
		return uuid.Nil, time.Time{}, errors.New("invalid personId")
	}
	date, err := models.ParseDate(rawDate)
	if err != nil {
		return uuid.Nil, time.Time{}, errors.New("invalid date; expected YYYY-MM-DD")
	}
	return personID, date, nil
}

func parsePlacement(rawSite string, rawNeed *string) (models.Placement, error) {
	siteID, err := uuid.Parse(rawSite)
	if err != nil {
		return models.Placement{}, errors.New("invalid siteId")
	}
	placement := models.Placement{SiteID: siteID}
	if rawNeed != nil && *rawNeed != "" {
		needID, err := uuid.Parse(*rawNeed)
		if err != nil {
			return models.Placement{}, errors.New("invalid operationalNeedId")
		}
		placement.NeedID = &needID
	}
	return placement, nil
}

func parseDateRange(rawFrom, rawTo string) (time.Time, time.Time, error) {
	if rawFrom == "" || rawTo == "" {
		return time.Time{}, time.Time{}, errors.New("from and to are required")
	}
	from, err := models.ParseDate(rawFrom)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("invalid from; expected YYYY-MM-DD")
	}
	to, err := models.ParseDate(rawTo)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("invalid to; expected YYYY-MM-DD")
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before or equal to to")
	}
	if int(to.Sub(from).Hours()/24) > MaxPlanningDaysRange {
		return time.Time{}, time.Time{}, fmt.Errorf("date range exceeds maximum of %d days", MaxPlanningDaysRange)
	}
	return from, to, nil
}
