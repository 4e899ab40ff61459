package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"contractflow/contract"
	"contractflow/session"
	"contractflow/workflow"
)

type actionRequest struct {
	Action     string         `json:"action"`
	OnBehalfOf workflow.Role  `json:"on_behalf_of,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type actionResponse struct {
	Success  bool         `json:"success"`
	Contract contractView `json:"contract"`
}

type decisionResponse struct {
	Action  workflow.Action `json:"action"`
	Allowed bool            `json:"allowed"`
	Reason  string          `json:"reason,omitempty"`
}

func (s *Server) open(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	p, _ := participantFrom(r.Context())
	contractID := chi.URLParam(r, "contractID")

	sess, err := s.sessions.Open(r.Context(), contractID, p.Role, p.DisplayName)
	switch {
	case err == nil:
		return sess, true
	case errors.Is(err, contract.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "contract not found")
	case errors.Is(err, session.ErrSessionInvalid):
		writeError(w, r, http.StatusBadRequest, "invalid_session", err.Error())
	default:
		s.logger.Error("open session", "contract_id", contractID, "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "could not load contract")
	}
	return nil, false
}

func (s *Server) getContract(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.open(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewContract(sess))
}

func (s *Server) performAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	action, ok := workflow.ParseAction(req.Action)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "unknown_action", "unknown action "+req.Action)
		return
	}
	sess, ok := s.open(w, r)
	if !ok {
		return
	}

	err := sess.PerformAction(r.Context(), action, session.Options{
		OnBehalfOf: req.OnBehalfOf,
		Metadata:   req.Metadata,
	})
	var rej *workflow.RejectionError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, actionResponse{Success: true, Contract: viewContract(sess)})
	case errors.As(err, &rej):
		writeError(w, r, http.StatusUnprocessableEntity, "rejected", rej.Reason)
	case errors.Is(err, session.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict", "contract changed, reload and retry")
	case errors.Is(err, session.ErrPersistence):
		writeError(w, r, http.StatusServiceUnavailable, "persistence", "could not save the action")
	default:
		s.logger.Error("perform action", "contract_id", sess.ContractID(), "action", action, "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "could not perform action")
	}
}

func (s *Server) checkAction(w http.ResponseWriter, r *http.Request) {
	action, ok := workflow.ParseAction(chi.URLParam(r, "action"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, "unknown_action", "unknown action")
		return
	}
	sess, ok := s.open(w, r)
	if !ok {
		return
	}
	d := sess.CanPerformAction(action, workflow.Role(r.URL.Query().Get("on_behalf_of")))
	writeJSON(w, http.StatusOK, decisionResponse{Action: action, Allowed: d.Allowed, Reason: d.Reason})
}

func (s *Server) listActivity(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.open(w, r)
	if !ok {
		return
	}
	entries, err := sess.Activity(r.Context())
	if err != nil {
		s.logger.Error("list activity", "contract_id", sess.ContractID(), "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "could not list activity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": viewActivity(entries)})
}

func (s *Server) listPresence(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.open(w, r)
	if !ok {
		return
	}
	online, err := sess.Online(r.Context())
	if err != nil {
		s.logger.Error("list presence", "contract_id", sess.ContractID(), "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "could not list presence")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": viewPresence(online)})
}

// streamPresence pushes presence events as server-sent events until the
// client disconnects.
func (s *Server) streamPresence(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}
	sess, ok := s.open(w, r)
	if !ok {
		return
	}
	events, err := sess.PresenceEvents(r.Context())
	if err != nil {
		s.logger.Error("subscribe presence", "contract_id", sess.ContractID(), "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "could not subscribe to presence")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	p, _ := participantFrom(r.Context())
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.streamsDone:
			return
		case <-ticker.C:
			if _, err := s.sessions.Open(r.Context(), sess.ContractID(), p.Role, p.DisplayName); err != nil && r.Context().Err() == nil {
				s.logger.Warn("refresh streaming session", "contract_id", sess.ContractID(), "err", err)
			}
			fmt.Fprint(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode presence event", "err", err)
				continue
			}
			fmt.Fprintf(w, "event: presence\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
