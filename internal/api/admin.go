package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/mintgate/internal/auth"
	"github.com/punchamoorthee/mintgate/internal/domain"
)

const defaultDeadLetterPage = 100

type complianceView struct {
	Record    domain.ComplianceRecord `json:"record"`
	Compliant bool                    `json:"compliant"`
}

func (h *Handler) GetComplianceHandler(w http.ResponseWriter, r *http.Request) {
	rec, ok, err := h.gate.Record(r.Context(), mux.Vars(r)["user"])
	if err != nil {
		respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, complianceView{Record: *rec, Compliant: ok})
}

func (h *Handler) PutComplianceHandler(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())

	var upd domain.ComplianceUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	rec, err := h.gate.UpdateUser(r.Context(), principal, mux.Vars(r)["user"], upd)
	if err != nil {
		respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

func (h *Handler) ListDeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterPage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := h.archive.List(r.Context(), limit)
	if err != nil {
		respondWithDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.DeadLetterEntry{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) GetDeadLetterHandler(w http.ResponseWriter, r *http.Request) {
	entry, err := h.archive.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entry)
}

func (h *Handler) ReplayDeadLetterHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.archive.Replay(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, statusForOutcome(res.Outcome), res)
}
