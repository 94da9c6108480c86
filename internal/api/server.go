// Package api exposes the engine over HTTP JSON for the planning UI
// dialogs and the external optimizer callback.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"clinroster/internal/absence"
	"clinroster/internal/assign"
	"clinroster/internal/bulk"
	"clinroster/internal/coverage"
	"clinroster/internal/exchange"
	"clinroster/internal/models"
	"clinroster/internal/query"
)

// MaxPlanningDaysRange caps coverage and planning queries.
const MaxPlanningDaysRange = 90

// Server wires the engine components behind HTTP handlers.
type Server struct {
	mutator  *assign.Mutator
	exchange *exchange.Coordinator
	coverage *coverage.Calculator
	facade   *query.Facade
	importer *bulk.Importer
	absences *absence.Overlay
	logger   *zerolog.Logger

	// includePending is the configured default for absence listings when
	// the request carries no includePending parameter.
	includePending bool
}

func NewServer(
	mutator *assign.Mutator,
	coordinator *exchange.Coordinator,
	calculator *coverage.Calculator,
	facade *query.Facade,
	importer *bulk.Importer,
	absences *absence.Overlay,
	includePending bool,
	logger *zerolog.Logger,
) *Server {
	return &Server{
		mutator:        mutator,
		exchange:       coordinator,
		coverage:       calculator,
		facade:         facade,
		importer:       importer,
		absences:       absences,
		includePending: includePending,
		logger:         logger,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/slots", s.handleCreateSlot)
	mux.HandleFunc("/api/slots/reassign", s.handleReassign)
	mux.HandleFunc("/api/slots/flags", s.handleToggleFlag)
	mux.HandleFunc("/api/slots/delete", s.handleDelete)
	mux.HandleFunc("/api/exchange/candidates", s.handleExchangeCandidates)
	mux.HandleFunc("/api/exchange", s.handleExchange)
	mux.HandleFunc("/api/coverage", s.handleCoverage)
	mux.HandleFunc("/api/planning", s.handlePlanning)
	mux.HandleFunc("/api/bulk/slots", s.handleBulkImport)
	mux.HandleFunc("/api/absences", s.handleListAbsences)
	mux.HandleFunc("/api/absences/approve", s.handleApproveAbsence)
	return mux
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Code: code, Error: msg})
}

// writeEngineError maps the structured error taxonomy onto stable HTTP
// codes; UIs localize from the code field.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, models.ErrAbsent):
		writeError(w, http.StatusUnprocessableEntity, "absent", err.Error())
	case errors.Is(err, models.ErrRequiresFullDay):
		writeError(w, http.StatusUnprocessableEntity, "requires_full_day", err.Error())
	case errors.Is(err, models.ErrNothingToExchange):
		writeError(w, http.StatusUnprocessableEntity, "nothing_to_exchange", err.Error())
	case errors.Is(err, models.ErrClosedSite):
		writeError(w, http.StatusUnprocessableEntity, "closed_site", err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, models.ErrStorage):
		writeError(w, http.StatusInternalServerError, "storage", "storage failure")
	default:
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid JSON body")
		return false
	}
	return true
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed; use POST")
		return false
	}
	return true
}

func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed; use GET")
		return false
	}
	return true
}

// SlotDTO is the wire shape of one half-day slot.
type SlotDTO struct {
	ID                int64            `json:"id,omitempty"`
	Date              string           `json:"date"`
	HalfDay           string           `json:"halfDay"`
	PersonID          string           `json:"personId"`
	PersonKind        string           `json:"personKind"`
	SiteID            string           `json:"siteId"`
	OperationalNeedID *string          `json:"operationalNeedId"`
	RoleFlags         models.RoleFlags `json:"roleFlags"`
	Active            bool             `json:"active"`
}

func toSlotDTO(s models.Slot) SlotDTO {
	dto := SlotDTO{
		ID:         s.ID,
		Date:       models.FormatDate(s.Date),
		HalfDay:    string(s.HalfDay),
		PersonID:   s.PersonID.String(),
		PersonKind: string(s.Kind),
		SiteID:     s.SiteID.String(),
		RoleFlags:  s.Flags,
		Active:     s.Active,
	}
	if s.NeedID != nil {
		needID := s.NeedID.String()
		dto.OperationalNeedID = &needID
	}
	return dto
}

func fromSlotDTO(d SlotDTO) (models.Slot, error) {
	personID, err := uuid.Parse(d.PersonID)
	if err != nil {
		return models.Slot{}, errors.New("invalid personId")
	}
	siteID, err := uuid.Parse(d.SiteID)
	if err != nil {
		return models.Slot{}, errors.New("invalid siteId")
	}
	date, err := models.ParseDate(d.Date)
	if err != nil {
		return models.Slot{}, errors.New("invalid date; expected YYYY-MM-DD")
	}

	slot := models.Slot{
		PersonID: personID,
		Kind:     models.StaffKind(d.PersonKind),
		Date:     date,
		HalfDay:  models.HalfDay(d.HalfDay),
		SiteID:   siteID,
		Flags:    d.RoleFlags,
		Active:   true,
	}
	if slot.Kind != models.StaffDoctor && slot.Kind != models.StaffSecretary {
		return models.Slot{}, errors.New("invalid personKind")
	}
	if slot.HalfDay != models.Morning && slot.HalfDay != models.Afternoon {
		return models.Slot{}, errors.New("invalid halfDay")
	}
	if d.OperationalNeedID != nil {
		needID, err := uuid.Parse(*d.OperationalNeedID)
		if err != nil {
			return models.Slot{}, errors.New("invalid operationalNeedId")
		}
		slot.NeedID = &needID
	}
	return slot, nil
}

func toSlotDTOs(slots []models.Slot) []SlotDTO {
	dtos := make([]SlotDTO, len(slots))
	for i, s := range slots {
		dtos[i] = toSlotDTO(s)
	}
	return dtos
}
