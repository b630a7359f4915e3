package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dontdude/sandrun/internal/domain"
	"github.com/dontdude/sandrun/internal/platform/web"
	"github.com/dontdude/sandrun/internal/room"
)

// Generator writes code for a natural-language prompt.
type Generator interface {
	Generate(ctx context.Context, prompt, language string) (string, error)
}

// server holds the dependencies injected into the handlers.
type server struct {
	executor domain.Executor
	// queue is nil when async submission is disabled.
	queue     domain.JobQueue
	results   *resultHub
	rooms     *room.Hub
	generator Generator
	limiter   *web.RateLimiter
	maxBody   int64
}

// executeResponse is the body of /run and /run-tests.
type executeResponse struct {
	Output   string `json:"output"`
	ExitCode *int   `json:"exitCode,omitempty"`
	TimedOut bool   `json:"timedOut,omitempty"`
}

// routes registers every endpoint on a fresh mux.
func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", handleHealth)
	mux.HandleFunc("POST /run", s.limiter.Middleware(s.handleExecute(domain.ModeRun)))
	mux.HandleFunc("POST /run-tests", s.limiter.Middleware(s.handleExecute(domain.ModeTest)))
	mux.HandleFunc("GET /create-room", handleCreateRoom)
	mux.HandleFunc("GET /rooms/{id}/ws", s.handleRoom)
	mux.HandleFunc("POST /generate-code", s.handleGenerate)

	if s.queue != nil {
		mux.HandleFunc("POST /api/jobs", s.limiter.Middleware(s.handleSubmit))
		mux.HandleFunc("GET /api/ws", s.handleResultsWS)
	}
	return mux
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("Hello from sandrun!"))
}

// executePayload accepts any JSON type for code so a non-string gets the
// same answer as a missing one.
type executePayload struct {
	Code     any    `json:"code"`
	Language string `json:"language"`
	Input    string `json:"input"`
}

func (s *server) decodeRequest(w http.ResponseWriter, r *http.Request, mode domain.Mode) (domain.ExecutionRequest, bool) {
	var p executePayload
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			web.WriteJSON(w, http.StatusRequestEntityTooLarge, executeResponse{Output: "Request body too large"})
			return domain.ExecutionRequest{}, false
		}
		web.WriteJSON(w, http.StatusBadRequest, executeResponse{Output: "Invalid request body"})
		return domain.ExecutionRequest{}, false
	}

	code, ok := p.Code.(string)
	if !ok || strings.TrimSpace(code) == "" {
		web.WriteJSON(w, http.StatusBadRequest, executeResponse{Output: "Code is required and must be a string"})
		return domain.ExecutionRequest{}, false
	}
	return domain.ExecutionRequest{
		Code:     code,
		Language: p.Language,
		Input:    p.Input,
		Mode:     mode,
	}, true
}

// handleExecute runs a job synchronously and maps the result onto HTTP.
func (s *server) handleExecute(mode domain.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := s.decodeRequest(w, r, mode)
		if !ok {
			return
		}

		res := s.executor.Dispatch(r.Context(), req)
		web.WriteJSON(w, statusCode(res.Err), executeResponse{
			Output:   res.Output,
			ExitCode: res.ExitCode,
			TimedOut: res.TimedOut(),
		})
	}
}

// statusCode maps the error taxonomy onto HTTP. A non-zero exit is a
// successful run.
func statusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	web.WriteJSON(w, http.StatusOK, map[string]string{"roomId": uuid.NewString()})
}

func (s *server) handleRoom(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid room id"})
		return
	}
	s.rooms.Serve(w, r, id)
}

func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt   any    `json:"prompt"`
		Language string `json:"language"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	prompt, ok := req.Prompt.(string)
	if !ok || strings.TrimSpace(prompt) == "" {
		web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "Prompt is required and must be a string"})
		return
	}

	code, err := s.generator.Generate(r.Context(), prompt, req.Language)
	if err != nil {
		slog.Error("Code generation failed", "error", err)
		web.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to generate code: " + err.Error()})
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]string{"code": code})
}

// handleSubmit enqueues a job and returns its ID immediately.
func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		executePayload
		Mode domain.Mode `json:"mode"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	code, ok := payload.Code.(string)
	if !ok || strings.TrimSpace(code) == "" {
		http.Error(w, "Code is required and must be a string", http.StatusBadRequest)
		return
	}
	mode := payload.Mode
	if mode == "" {
		mode = domain.ModeRun
	}
	if mode != domain.ModeRun && mode != domain.ModeTest {
		http.Error(w, "mode must be run or test", http.StatusBadRequest)
		return
	}

	jobID := uuid.NewString()
	job := domain.Job{
		ID: jobID,
		Request: domain.ExecutionRequest{
			JobID:    jobID,
			Code:     code,
			Language: payload.Language,
			Input:    payload.Input,
			Mode:     mode,
		},
	}

	slog.Info("Received submission", "jobID", jobID, "mode", mode)
	if err := s.queue.Publish(r.Context(), job); err != nil {
		slog.Error("Failed to publish job", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	web.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": "queued",
	})
}

func (s *server) handleResultsWS(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		http.Error(w, "job_id is required", http.StatusBadRequest)
		return
	}
	s.results.Serve(w, r, jobID)
}
