// Package api serves the operator HTTP API for inspecting and deleting save
// slots of a running engine.
//
// Routes:
//
//	GET    /v1/cases/{case}/players/{player}/slots          list slot metadata
//	GET    /v1/cases/{case}/players/{player}/slots/{slot}   load one slot
//	DELETE /v1/cases/{case}/players/{player}/slots/{slot}   delete one slot
//
// Loading through the API has the same recovery semantics as in-game loads:
// a repaired or autosave-substituted result is reported via its outcome, and
// the stored slot is never rewritten.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/casekeep/internal/app"
	"github.com/MrWong99/casekeep/internal/observe"
	"github.com/MrWong99/casekeep/internal/slotcodec"
	"github.com/MrWong99/casekeep/internal/slotstore"
	"github.com/MrWong99/casekeep/pkg/gamestate"
)

// Slots is the part of [app.Engine] the API serves.
type Slots interface {
	ListSlots(ctx context.Context, caseID, playerID string) ([]slotcodec.Metadata, error)
	Load(ctx context.Context, caseID, playerID, slotID string) (*slotstore.LoadResult, error)
	DeleteSlot(ctx context.Context, caseID, playerID, slotID string) (app.DeleteResult, error)
}

// Handler serves the slot routes.
type Handler struct {
	slots Slots
}

// New returns a Handler backed by slots.
func New(slots Slots) *Handler {
	return &Handler{slots: slots}
}

// Register adds the slot routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/cases/{case}/players/{player}/slots", h.list)
	mux.HandleFunc("GET /v1/cases/{case}/players/{player}/slots/{slot}", h.load)
	mux.HandleFunc("DELETE /v1/cases/{case}/players/{player}/slots/{slot}", h.delete)
}

type slotEntry struct {
	slotcodec.Metadata
	Corrupt bool `json:"corrupt,omitempty"`
}

type listResponse struct {
	Slots []slotEntry `json:"slots"`
}

type loadResponse struct {
	Outcome    slotstore.Outcome     `json:"outcome"`
	Metadata   slotcodec.Metadata    `json:"metadata"`
	Violations []gamestate.Violation `json:"violations,omitempty"`
	State      *gamestate.State      `json:"state"`
}

type deleteResponse struct {
	Success bool `json:"success"`
	Existed bool `json:"existed"`
}

type errorResponse struct {
	Error      string                `json:"error"`
	Violations []gamestate.Violation `json:"violations,omitempty"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	metas, err := h.slots.ListSlots(r.Context(), r.PathValue("case"), r.PathValue("player"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := listResponse{Slots: make([]slotEntry, 0, len(metas))}
	for _, m := range metas {
		resp.Slots = append(resp.Slots, slotEntry{Metadata: m, Corrupt: m.Corrupt})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) {
	res, err := h.slots.Load(r.Context(), r.PathValue("case"), r.PathValue("player"), r.PathValue("slot"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "slot is empty"})
		return
	}
	writeJSON(w, http.StatusOK, loadResponse{
		Outcome:    res.Outcome,
		Metadata:   res.Metadata,
		Violations: res.Violations,
		State:      res.State,
	})
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	res, err := h.slots.DeleteSlot(r.Context(), r.PathValue("case"), r.PathValue("player"), r.PathValue("slot"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Success: res.Success, Existed: res.Existed})
}

// writeError maps store errors to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var unrecoverable *slotstore.UnrecoverableError
	switch {
	case errors.Is(err, slotstore.ErrInvalidKey):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &unrecoverable):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Violations: unrecoverable.Violations})
	case errors.Is(err, slotcodec.ErrUnsupportedVersion):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	default:
		observe.Logger(r.Context()).Error("slot request failed", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
