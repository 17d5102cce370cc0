package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"

	"github.com/deckrewind/rewind/pkg/orchestrate"
	"github.com/deckrewind/rewind/pkg/types"
	"github.com/deckrewind/rewind/pkg/watcher"
)

// Engine is the part of the orchestrate engine exposed over the API.
type Engine interface {
	Checkpoint(ctx context.Context, req orchestrate.CheckpointRequest) (*types.Checkpoint, error)
	Restore(ctx context.Context, req orchestrate.RestoreRequest) (*orchestrate.RestoreResult, error)
	List(subjectID string) ([]types.Checkpoint, error)
	ListAll() ([]types.Checkpoint, error)
	Delete(id string) (bool, error)
}

// Controller accepts user commands and reports the tracked subject.
type Controller interface {
	Submit(cmd watcher.Command) error
	Status() watcher.Status
}

// Config holds configuration for the UDS server.
type Config struct {
	SocketPath  string
	StorageRoot string
}

// Server is the HTTP-over-UDS control server.
type Server struct {
	cfg        Config
	httpServer *http.Server
	engine     Engine
	controller Controller
	log        logr.Logger
}

// NewServer creates a new UDS server. controller may be nil, in which case
// /command and /status answer 503.
func NewServer(cfg Config, engine Engine, controller Controller, log logr.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		engine:     engine,
		controller: controller,
		log:        log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /checkpoints", s.handleList)
	mux.HandleFunc("DELETE /checkpoints/{id}", s.handleDelete)
	mux.HandleFunc("POST /checkpoint", s.handleCheckpoint)
	mux.HandleFunc("POST /restore", s.handleRestore)
	mux.HandleFunc("POST /command", s.handleCommand)
	mux.HandleFunc("GET /status", s.handleStatus)

	s.httpServer = &http.Server{
		Handler: mux,
	}
	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening on the UDS socket. Blocks until shutdown, after
// which it returns nil.
func (s *Server) Start() error {
	socketPath := s.cfg.SocketPath
	if socketPath == "" {
		return fmt.Errorf("api socket path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket %s: %w", socketPath, err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		s.log.Error(err, "Failed to chmod socket")
	}

	s.log.Info("UDS server listening", "socket", socketPath)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", StorageRoot: s.cfg.StorageRoot})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var (
		checkpoints []types.Checkpoint
		err         error
	)
	if subject := r.URL.Query().Get("subject"); subject != "" {
		checkpoints, err = s.engine.List(subject)
	} else {
		checkpoints, err = s.engine.ListAll()
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := ListResponse{Success: true, Checkpoints: make([]CheckpointInfo, 0, len(checkpoints))}
	for i := range checkpoints {
		resp.Checkpoints = append(resp.Checkpoints, checkpointInfo(&checkpoints[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req CheckpointRequest
	if !decodeBody(w, r, &req) {
		return
	}

	subject := types.Subject{ID: req.SubjectID, PID: req.PID, DisplayName: req.DisplayName}
	if subject.ID == "" {
		active := s.activeSubject()
		if active == nil {
			s.writeError(w, watcher.ErrNoActiveSubject)
			return
		}
		subject = *active
	}
	if subject.PID <= 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "pid is required when subject_id is given"})
		return
	}

	// A disconnecting client must not abort a capture halfway.
	ckpt, err := s.engine.Checkpoint(context.WithoutCancel(r.Context()), orchestrate.CheckpointRequest{Subject: subject, Named: req.Named})
	if err != nil {
		s.log.Error(err, "Checkpoint failed", "subject", subject.ID)
		s.writeError(w, err)
		return
	}

	s.log.Info("Checkpoint completed", "checkpoint", ckpt.ID)
	info := checkpointInfo(ckpt)
	writeJSON(w, http.StatusOK, CheckpointResponse{Success: true, Checkpoint: &info})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CheckpointID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "checkpoint_id is required"})
		return
	}

	result, err := s.engine.Restore(context.WithoutCancel(r.Context()), orchestrate.RestoreRequest{
		CheckpointID: req.CheckpointID,
		CurrentPID:   req.CurrentPID,
	})
	if err != nil {
		s.log.Error(err, "Restore failed", "checkpoint", req.CheckpointID)
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RestoreResponse{Success: true, Result: result})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deleted, err := s.engine.Delete(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if deleted {
		s.log.Info("Checkpoint deleted", "checkpoint", id)
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Success: true, Deleted: deleted})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "command intake is not running"})
		return
	}
	var cmd watcher.Command
	if !decodeBody(w, r, &cmd) {
		return
	}
	kind, err := watcher.ParseCommandKind(string(cmd.Kind))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.controller.Submit(watcher.Command{Kind: kind}); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, CommandResponse{Success: true, Kind: kind})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.controller == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "command intake is not running"})
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Success: true, Status: s.controller.Status()})
}

func (s *Server) activeSubject() *types.Subject {
	if s.controller == nil {
		return nil
	}
	return s.controller.Status().Subject
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error(), Reason: types.Reason(err)})
}

// statusFor maps engine and watcher errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrCheckpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidCheckpointID),
		errors.Is(err, types.ErrInvalidSubjectID),
		errors.Is(err, watcher.ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrCheckpointExists),
		errors.Is(err, watcher.ErrNoActiveSubject):
		return http.StatusConflict
	case errors.Is(err, watcher.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrStorageExhausted):
		return http.StatusInsufficientStorage
	case errors.Is(err, types.ErrCaptureTimedOut),
		errors.Is(err, types.ErrRestoreTimedOut):
		return http.StatusGatewayTimeout
	case errors.Is(err, types.ErrNoBackendAvailable),
		errors.Is(err, watcher.ErrQueueFull),
		errors.Is(err, watcher.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrPermissionDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("Invalid request body: %v", err)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
