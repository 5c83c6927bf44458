package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ChuLiYu/beaver-query/internal/engine"
	"github.com/ChuLiYu/beaver-query/pkg/types"
)

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	sub, err := s.engine.Submit(r.Context(), req.QueryRequest, engine.SubmitOptions{
		Priority:    req.Priority,
		DeadlineMs:  req.DeadlineMs,
		BypassCache: req.BypassCache,
	})
	if err != nil {
		if types.IsAdmission(err) {
			log.Debug("Submission rejected", "tenant", req.TenantID, "code", types.CodeOf(err))
		}
		writeError(w, err)
		return
	}

	resp := SubmitResponse{
		ExecutionID: sub.Execution.ID,
		Status:      sub.Execution.Status,
		Queue:       sub.Execution.Queue,
		QueryHash:   sub.QueryHash,
		Cached:      sub.Cached,
	}
	if sub.Cached {
		resp.Execution = sub.Execution
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Queue = sub.Entry.Queue
	resp.Status = types.ExecQueued
	resp.Deadline = sub.Entry.Deadline
	w.Header().Set("Location", "/api/v1/executions/"+sub.Execution.ID)
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.engine.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"executionId": id, "status": string(types.ExecCancelled)})
}

func (s *Server) handleQueues(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.QueueStats())
}

func (s *Server) handleInitializeBudget(w http.ResponseWriter, r *http.Request) {
	var req BudgetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	b, err := s.engine.InitializeBudget(r.Context(), chi.URLParam(r, "tenant"), req.Tier)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.GetBudget(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleResetBudget(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.ResetBudget(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleInvalidateCache 沒有 {hash} 時作用於整個租戶
func (s *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "manual"
	}
	n, err := s.engine.InvalidateCache(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "hash"), reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, InvalidateResponse{Invalidated: n})
}

func (s *Server) handleOperators(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Operators())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptimeSeconds": s.engine.Uptime().Seconds(),
	})
}
