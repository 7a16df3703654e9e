package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/taskhive-ai/taskhive-engine/pkg/types"
)

// Planner is the slice of the task planner the API needs: clarification
// rounds and dry-run decomposition previews.
type Planner interface {
	Clarify(ctx context.Context, description string, budget *big.Int, history []types.ClarifyRound) (*types.ClarifyResult, error)
	Decompose(ctx context.Context, jobID uint64, description string, budget *big.Int) ([]types.TaskPlan, error)
}

type clarifyRequest struct {
	Description string               `json:"description"`
	BudgetWei   string               `json:"budget_wei"`
	History     []types.ClarifyRound `json:"history,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Jobs())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	job := s.manager.GetJob(jobID)
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job":   job,
		"tasks": s.manager.JobTasks(jobID),
	})
}

func (s *Server) handleJobEconomics(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	econ, err := s.treasury.JobEconomics(r.Context(), jobID)
	if err != nil {
		s.logger.Error("Failed to load job economics", "job_id", jobID, "error", err)
		http.Error(w, "failed to load job economics", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, econ)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	task := s.manager.GetTask(taskID)
	if task == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleEconomics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.treasury.Snapshot())
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkerStats(r.Context())
	if err != nil {
		s.logger.Error("Failed to list worker stats", "error", err)
		http.Error(w, "failed to list workers", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleClarify(w http.ResponseWriter, r *http.Request) {
	req, budget, ok := s.decodeClarifyRequest(w, r)
	if !ok {
		return
	}
	result, err := s.planner.Clarify(r.Context(), req.Description, budget, req.History)
	if err != nil {
		s.logger.Error("Clarification failed", "error", err)
		http.Error(w, "clarification failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleDecomposePreview runs the planner without a job on the ledger so a
// client can inspect the plan before committing funds.
func (s *Server) handleDecomposePreview(w http.ResponseWriter, r *http.Request) {
	req, budget, ok := s.decodeClarifyRequest(w, r)
	if !ok {
		return
	}
	plans, err := s.planner.Decompose(r.Context(), 0, req.Description, budget)
	if err != nil {
		s.logger.Error("Preview decomposition failed", "error", err)
		http.Error(w, "decomposition failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": plans})
}

func (s *Server) decodeClarifyRequest(w http.ResponseWriter, r *http.Request) (*clarifyRequest, *big.Int, bool) {
	var req clarifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "error decoding request: "+err.Error(), http.StatusBadRequest)
		return nil, nil, false
	}
	if req.Description == "" {
		http.Error(w, "description is required", http.StatusBadRequest)
		return nil, nil, false
	}
	budget, ok := new(big.Int).SetString(req.BudgetWei, 10)
	if !ok || budget.Sign() <= 0 {
		http.Error(w, "budget_wei must be a positive decimal string", http.StatusBadRequest)
		return nil, nil, false
	}
	return &req, budget, true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}
