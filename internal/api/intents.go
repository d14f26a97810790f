package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/mintgate/internal/domain"
)

func (h *Handler) submitIntent(r *http.Request, body []byte) Response {
	var req domain.SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return jsonResponse(http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
	}

	resp, err := h.coord.Submit(r.Context(), req)
	if err != nil {
		code := statusFor(err)
		return jsonResponse(code, errorBody(r, code, err))
	}
	return jsonResponse(statusForOutcome(resp.Outcome), resp)
}

func (h *Handler) GetIntentHandler(w http.ResponseWriter, r *http.Request) {
	in, err := h.coord.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, in)
}

type refundRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RefundIntentHandler(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	resp, err := h.coord.Refund(r.Context(), mux.Vars(r)["id"], req.Reason)
	h.respondOutcome(w, r, resp, err)
}

// PaymentWebhookHandler applies a payment provider confirmation. Deliveries are idempotent
// through the intent status guard, so no Idempotency-Key is required.
func (h *Handler) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	resp, err := h.coord.Confirm(r.Context(), req)
	h.respondOutcome(w, r, resp, err)
}

// respondOutcome renders a coordinator result. A finalized intent is a no-op for the caller
// and answers 200 with its current state.
func (h *Handler) respondOutcome(w http.ResponseWriter, r *http.Request, resp *domain.IntentResponse, err error) {
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyFinalized) && resp != nil {
			respondWithJSON(w, http.StatusOK, resp)
			return
		}
		respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, statusForOutcome(resp.Outcome), resp)
}
