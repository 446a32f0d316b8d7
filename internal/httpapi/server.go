// Package httpapi is the thin JSON-over-HTTP façade: workflow
// registration, run triggering, and per-task state lookup against the
// tracker store. The JSON shapes here are not a stabilized public API.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/swarmguard/dagrunner/internal/runner"
	"github.com/swarmguard/dagrunner/internal/tracker"
)

// RunFunc starts a run of wf under runKey, in the background. The façade
// does not wait for completion: POST /v1/runs returns as soon as the run
// has been accepted.
type RunFunc func(runKey string, wf runner.Workflow)

// Server wraps a net/http.ServeMux exposing /health, /metrics, and
// /v1/workflows + /v1/runs.
type Server struct {
	mux *http.ServeMux
	log *slog.Logger
}

// New builds the façade. promHandler may be nil if metrics export failed to
// initialize; runFn triggers an actual run.
func New(store *tracker.Store, promHandler http.Handler, runFn RunFunc, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{mux: http.NewServeMux(), log: log}

	s.mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if promHandler != nil {
		s.mux.Handle("/metrics", promHandler)
	}
	s.mux.HandleFunc("/v1/workflows", s.handleWorkflows(store))
	s.mux.HandleFunc("/v1/runs", s.handleRuns(store, runFn))

	return s
}

// Handler returns the façade's http.Handler.
func (s *Server) Handler() http.Handler { return s.mux }

type registerWorkflowRequest struct {
	Name  string          `json:"name"`
	Tasks json.RawMessage `json:"tasks"`
}

func (s *Server) handleWorkflows(store *tracker.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req registerWorkflowRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if req.Name == "" {
				http.Error(w, "name required", http.StatusBadRequest)
				return
			}
			doc, err := json.Marshal(req)
			if err != nil {
				http.Error(w, "encode failure", http.StatusInternalServerError)
				return
			}
			if err := store.PutWorkflow(req.Name, doc); err != nil {
				s.log.Error("httpapi: put workflow failed", "error", err)
				http.Error(w, "storage failure", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusCreated)

		case http.MethodGet:
			name := r.URL.Query().Get("name")
			doc, ok, err := store.GetWorkflow(name)
			if err != nil {
				http.Error(w, "storage failure", http.StatusInternalServerError)
				return
			}
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(doc)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

type triggerRunRequest struct {
	WorkflowName string           `json:"workflow_name"`
	Workflow     *runner.Workflow `json:"workflow"`
}

type triggerRunResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleRuns(store *tracker.Store, runFn RunFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req triggerRunRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}

			wf := req.Workflow
			if wf == nil {
				if req.WorkflowName == "" {
					http.Error(w, "workflow_name or workflow required", http.StatusBadRequest)
					return
				}
				doc, ok, err := store.GetWorkflow(req.WorkflowName)
				if err != nil {
					http.Error(w, "storage failure", http.StatusInternalServerError)
					return
				}
				if !ok {
					http.Error(w, "workflow not found", http.StatusNotFound)
					return
				}
				var loaded runner.Workflow
				if err := json.Unmarshal(doc, &loaded); err != nil {
					http.Error(w, "stored workflow is unreadable", http.StatusInternalServerError)
					return
				}
				wf = &loaded
			}

			runID := uuid.New().String()
			runFn(runID, *wf)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(triggerRunResponse{RunID: runID})

		case http.MethodGet:
			externalID := r.URL.Query().Get("run_id")
			if externalID == "" {
				http.Error(w, "run_id required", http.StatusBadRequest)
				return
			}
			runID, ok, err := store.ResolveRunID(externalID)
			if err != nil {
				http.Error(w, "storage failure", http.StatusInternalServerError)
				return
			}
			if !ok {
				http.NotFound(w, r)
				return
			}
			records, err := store.ListRecords(runID)
			if err != nil {
				http.Error(w, "storage failure", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(records)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}
